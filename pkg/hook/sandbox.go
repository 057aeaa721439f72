package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/scrabg/scra/pkg/extract"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/parse"
	"github.com/scrabg/scra/pkg/utils"
)

// Globals removed after the base library loads; they reach the filesystem or
// compile arbitrary chunks.
var blockedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "require", "module"}

// newSandbox builds a Lua state with only the base, table, string and math
// libraries plus the capability modules http, html, re, json, time and url.
func newSandbox(stepID int, opts Options) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	c := &capabilities{stepID: stepID, opts: opts}
	L.SetGlobal("print", L.NewFunction(c.print))
	L.SetGlobal("http", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get":  c.httpGet,
		"post": c.httpPost,
	}))
	L.SetGlobal("html", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"select": c.htmlSelect,
		"xpath":  c.htmlXPath,
	}))
	L.SetGlobal("re", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"find":     c.reFind,
		"find_all": c.reFindAll,
	}))
	L.SetGlobal("json", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"encode": c.jsonEncode,
		"decode": c.jsonDecode,
	}))
	L.SetGlobal("time", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"now":    c.timeNow,
		"format": c.timeFormat,
	}))
	L.SetGlobal("url", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"join": c.urlJoin,
	}))
	return L
}

type capabilities struct {
	stepID int
	opts   Options
}

func (c *capabilities) print(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	c.opts.Log.WithFields(logrus.Fields{"step_id": c.stepID, "source": "custom_code"}).Info(strings.Join(parts, "\t"))
	return 0
}

func callContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// pushResponse returns a response table {status_code, body, url, error}
func pushResponse(L *lua.LState, resp models.FetchResponse) int {
	t := L.NewTable()
	t.RawSetString("status_code", lua.LNumber(resp.StatusCode))
	t.RawSetString("body", lua.LString(resp.Body))
	t.RawSetString("url", lua.LString(resp.URL))
	if resp.Error != "" {
		t.RawSetString("error", lua.LString(resp.Error))
	}
	L.Push(t)
	return 1
}

func (c *capabilities) fetch(L *lua.LState, req models.FetchRequest) int {
	if c.opts.Fetcher == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("http capability is not available"))
		return 2
	}
	if req.Timeout <= 0 {
		req.Timeout = c.opts.Timeout
	}
	req.StepID = c.stepID
	return pushResponse(L, c.opts.Fetcher.Do(callContext(L), req))
}

func (c *capabilities) httpGet(L *lua.LState) int {
	return c.fetch(L, models.FetchRequest{
		URL:     L.CheckString(1),
		Method:  "GET",
		Headers: stringMap(L.Get(2)),
	})
}

func (c *capabilities) httpPost(L *lua.LState) int {
	req := models.FetchRequest{
		URL:     L.CheckString(1),
		Method:  "POST",
		Headers: stringMap(L.Get(3)),
	}
	switch body := L.Get(2).(type) {
	case lua.LString:
		req.Body = string(body)
	case *lua.LTable:
		encoded, err := encodeJSON(tableToGo(body))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		req.Body = encoded
	}
	return c.fetch(L, req)
}

func (c *capabilities) htmlSelect(L *lua.LState) int {
	doc := extract.NewDocument("", L.CheckString(1))
	values, err := c.opts.Extract.SelectStrings(doc, L.CheckString(2), L.OptString(3, ""))
	return pushStrings(L, values, err)
}

func (c *capabilities) htmlXPath(L *lua.LState) int {
	doc := extract.NewDocument("", L.CheckString(1))
	values, err := c.opts.Extract.XPathStrings(doc, L.CheckString(2), L.OptString(3, ""))
	return pushStrings(L, values, err)
}

func pushStrings(L *lua.LState, values []string, err error) int {
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(fromGo(L, values))
	return 1
}

func (c *capabilities) reFind(L *lua.LState) int {
	re, err := c.opts.Extract.Regex().Get(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	m, ok := utils.FirstMatch(re, L.CheckString(2))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(m))
	return 1
}

func (c *capabilities) reFindAll(L *lua.LState) int {
	re, err := c.opts.Extract.Regex().Get(L.CheckString(1))
	if err != nil {
		return pushStrings(L, nil, err)
	}
	return pushStrings(L, utils.AllMatches(re, L.CheckString(2)), nil)
}

func (c *capabilities) jsonEncode(L *lua.LState) int {
	encoded, err := encodeJSON(toGo(L.Get(1)))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(encoded))
	return 1
}

func (c *capabilities) jsonDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(fmt.Sprintf("%v: JSON: %v", utils.ErrParsing, err)))
		return 2
	}
	L.Push(fromGo(L, v))
	return 1
}

func (c *capabilities) timeNow(L *lua.LState) int {
	L.Push(lua.LNumber(float64(time.Now().UnixNano()) / float64(time.Second)))
	return 1
}

// time.format(unix_seconds[, go_layout]) defaults to RFC 3339 in UTC
func (c *capabilities) timeFormat(L *lua.LState) int {
	secs := float64(L.CheckNumber(1))
	layout := L.OptString(2, time.RFC3339)
	t := time.Unix(0, int64(secs*float64(time.Second))).UTC()
	L.Push(lua.LString(t.Format(layout)))
	return 1
}

func (c *capabilities) urlJoin(L *lua.LState) int {
	joined, err := parse.ResolveURL(L.CheckString(1), L.CheckString(2))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(joined))
	return 1
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
