package hook

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

const (
	entryExtractData   = "extract_data"
	entryNextRequests  = "process_next_requests"
	defaultHookTimeout = 30 * time.Second
)

// Script is a compiled custom-code hook. A Lua state is single threaded, so
// calls are serialized; each call is bounded by the configured timeout.
type Script struct {
	stepID  int
	timeout time.Duration

	mu        sync.Mutex
	L         *lua.LState
	hasData   bool
	hasNext   bool
	nextArity int
}

// Compile runs source once in a fresh sandbox and records which entry points
// it defines. A script defining neither is a compile error.
func Compile(stepID int, source string, opts Options) (*Script, error) {
	opts = opts.withDefaults()
	L := newSandbox(stepID, opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	L.SetContext(ctx)
	err := L.DoString(source)
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("%w: step %d: %v", utils.ErrHookCompile, stepID, err)
	}

	s := &Script{stepID: stepID, timeout: opts.Timeout, L: L}
	if fn, ok := L.GetGlobal(entryExtractData).(*lua.LFunction); ok {
		s.hasData = fn != nil
	}
	if fn, ok := L.GetGlobal(entryNextRequests).(*lua.LFunction); ok && fn != nil {
		s.hasNext = true
		if fn.Proto != nil {
			s.nextArity = int(fn.Proto.NumParameters)
		}
	}
	if !s.hasData && !s.hasNext {
		L.Close()
		return nil, fmt.Errorf("%w: step %d: defines neither %s nor %s",
			utils.ErrHookCompile, stepID, entryExtractData, entryNextRequests)
	}
	return s, nil
}

// HasDataExtractor reports whether extract_data is defined
func (s *Script) HasDataExtractor() bool { return s.hasData }

// HasLinkGenerator reports whether process_next_requests is defined
func (s *Script) HasLinkGenerator() bool { return s.hasNext }

// ExtractData calls extract_data(content, url)
func (s *Script) ExtractData(ctx context.Context, content, pageURL string) (map[string]any, error) {
	if !s.hasData {
		return nil, nil
	}
	ret, err := s.call(ctx, entryExtractData, lua.LString(content), lua.LString(pageURL))
	if err != nil {
		return nil, err
	}
	data, _, err := toData(ret)
	if err != nil {
		return nil, fmt.Errorf("%w: step %d %s: %v", utils.ErrHookRuntime, s.stepID, entryExtractData, err)
	}
	return data, nil
}

// NextRequests calls process_next_requests(content, url[, data]). The data
// argument is passed only when the function declares a third parameter.
func (s *Script) NextRequests(ctx context.Context, content, pageURL string, data map[string]any) ([]models.RequestDescriptor, error) {
	if !s.hasNext {
		return nil, nil
	}
	args := []lua.LValue{lua.LString(content), lua.LString(pageURL)}

	s.mu.Lock()
	if s.nextArity >= 3 {
		args = append(args, fromGo(s.L, data))
	}
	s.mu.Unlock()

	ret, err := s.call(ctx, entryNextRequests, args...)
	if err != nil {
		return nil, err
	}
	reqs, err := toDescriptors(ret)
	if err != nil {
		return nil, fmt.Errorf("%w: step %d %s: %v", utils.ErrHookRuntime, s.stepID, entryNextRequests, err)
	}
	return reqs, nil
}

func (s *Script) call(ctx context.Context, entry string, args ...lua.LValue) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.L == nil {
		return lua.LNil, fmt.Errorf("%w: step %d: script closed", utils.ErrHookRuntime, s.stepID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.L.SetContext(callCtx)
	defer s.L.RemoveContext()

	top := s.L.GetTop()
	err := s.L.CallByParam(lua.P{
		Fn:      s.L.GetGlobal(entry),
		NRet:    1,
		Protect: true,
	}, args...)
	if err != nil {
		s.L.SetTop(top)
		return lua.LNil, fmt.Errorf("%w: step %d %s: %s", utils.ErrHookRuntime, s.stepID, entry, firstLine(err.Error()))
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)
	return ret, nil
}

// Close releases the Lua state
func (s *Script) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L != nil {
		s.L.Close()
		s.L = nil
	}
}

// firstLine drops the Lua stack traceback from error text
func firstLine(msg string) string {
	if i := strings.Index(msg, "\nstack traceback:"); i >= 0 {
		return msg[:i]
	}
	return msg
}
