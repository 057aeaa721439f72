package hook

import (
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/scrabg/scra/pkg/models"
)

// toGo converts a Lua value into plain Go values. Tables whose keys are
// exactly 1..n become []any; any other non-empty table becomes map[string]any.
func toGo(lv lua.LValue) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			return int(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		return tableToGo(v)
	}
	return lv.String()
}

func tableToGo(t *lua.LTable) any {
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n := t.MaxN(); n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, toGo(t.RawGetInt(i)))
		}
		return out
	}

	out := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = toGo(v)
	})
	return out
}

// fromGo converts Go values (as produced by encoding/json or extraction)
// into Lua values.
func fromGo(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []string:
		t := L.NewTable()
		for _, s := range val {
			t.Append(lua.LString(s))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(fromGo(L, item))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, s := range val {
			t.RawSetString(k, lua.LString(s))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, fromGo(L, item))
		}
		return t
	}
	return lua.LString(fmt.Sprint(v))
}

// stringMap flattens a Lua table into string keys and values
func stringMap(lv lua.LValue) map[string]string {
	t, ok := lv.(*lua.LTable)
	if !ok {
		return nil
	}
	out := make(map[string]string)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = v.String()
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

// toDescriptors reads the result of process_next_requests: a list whose
// entries are URL strings or tables with url/method/headers/params/body/step_id.
func toDescriptors(lv lua.LValue) ([]models.RequestDescriptor, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LString:
		return []models.RequestDescriptor{{URL: string(v)}}, nil
	case *lua.LTable:
		var out []models.RequestDescriptor
		var badEntry error
		for i := 1; i <= v.MaxN(); i++ {
			d, err := toDescriptor(v.RawGetInt(i))
			if err != nil {
				badEntry = fmt.Errorf("entry %d: %w", i, err)
				break
			}
			if d.URL != "" {
				out = append(out, d)
			}
		}
		if badEntry != nil {
			return nil, badEntry
		}
		// a single table with a url field is one request
		if len(out) == 0 && v.RawGetString("url") != lua.LNil {
			d, err := toDescriptor(v)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of requests, got %s", lv.Type())
}

func toDescriptor(lv lua.LValue) (models.RequestDescriptor, error) {
	switch v := lv.(type) {
	case lua.LString:
		return models.RequestDescriptor{URL: string(v)}, nil
	case *lua.LTable:
		d := models.RequestDescriptor{
			URL:     luaString(v.RawGetString("url")),
			Method:  luaString(v.RawGetString("method")),
			Headers: stringMap(v.RawGetString("headers")),
			Params:  stringMap(v.RawGetString("params")),
		}
		switch body := v.RawGetString("body").(type) {
		case lua.LString:
			d.Body = string(body)
		case *lua.LTable:
			encoded, err := encodeJSON(tableToGo(body))
			if err != nil {
				return d, err
			}
			d.Body = encoded
		}
		if n, ok := v.RawGetString("step_id").(lua.LNumber); ok {
			d.StepID = int(n)
		}
		return d, nil
	}
	return models.RequestDescriptor{}, fmt.Errorf("expected string or table, got %s", lv.Type())
}

func luaString(lv lua.LValue) string {
	if lv == lua.LNil {
		return ""
	}
	return lv.String()
}

// toData reads the result of extract_data, which must be a table keyed by
// field name. Keys are returned sorted for deterministic logging.
func toData(lv lua.LValue) (map[string]any, []string, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil, nil, nil
	case *lua.LTable:
		out := make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			out[k.String()] = toGo(val)
		})
		keys := make([]string, 0, len(out))
		for k := range out {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return out, keys, nil
	}
	return nil, nil, fmt.Errorf("expected a table of fields, got %s", lv.Type())
}
