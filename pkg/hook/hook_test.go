package hook

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrabg/scra/pkg/extract"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

const page = `<html><head><title>Catalog</title></head><body>
<a class="next" href="/page/2">Next</a>
<div class="item" data-id="7"><a href="/item/7">Seven</a></div>
<div class="item" data-id="8"><a href="/item/8">Eight</a></div>
</body></html>`

func testOptions() Options {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)
	return Options{Log: entry, Extract: extract.NewEngine(entry), Timeout: 2 * time.Second}
}

type stubFetcher struct {
	mu  sync.Mutex
	got []models.FetchRequest
}

func (s *stubFetcher) Do(_ context.Context, req models.FetchRequest) models.FetchResponse {
	s.mu.Lock()
	s.got = append(s.got, req)
	s.mu.Unlock()
	return models.FetchResponse{URL: req.URL, StatusCode: 200, Body: `{"ok": true}`}
}

func TestCompile_EntryPoints(t *testing.T) {
	script, err := Compile(2, `
function extract_data(content, url)
  local titles = html.select(content, "title")
  return { title = titles[1], url = url, count = 3, ratio = 0.5 }
end
`, testOptions())
	require.NoError(t, err)
	defer script.Close()

	assert.True(t, script.HasDataExtractor())
	assert.False(t, script.HasLinkGenerator())

	data, err := script.ExtractData(context.Background(), page, "https://shop.example.com/")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"title": "Catalog",
		"url":   "https://shop.example.com/",
		"count": 3,
		"ratio": 0.5,
	}, data)

	reqs, err := script.NextRequests(context.Background(), page, "u", nil)
	assert.NoError(t, err)
	assert.Nil(t, reqs)
}

func TestNextRequests_Descriptors(t *testing.T) {
	script, err := Compile(1, `
function process_next_requests(content, url)
  local out = {}
  for _, href in ipairs(html.select(content, "div.item a", "href")) do
    table.insert(out, href)
  end
  table.insert(out, { url = "/search", method = "POST", body = { q = "go" }, headers = { ["X-A"] = "1" }, step_id = 3 })
  return out
end
`, testOptions())
	require.NoError(t, err)
	defer script.Close()

	reqs, err := script.NextRequests(context.Background(), page, "https://shop.example.com/", nil)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, "/item/7", reqs[0].URL)
	assert.Equal(t, "/item/8", reqs[1].URL)
	assert.Equal(t, "/search", reqs[2].URL)
	assert.Equal(t, "POST", reqs[2].Method)
	assert.JSONEq(t, `{"q":"go"}`, reqs[2].Body)
	assert.Equal(t, map[string]string{"X-A": "1"}, reqs[2].Headers)
	assert.Equal(t, 3, reqs[2].StepID)
}

func TestNextRequests_ReceivesExtractedData(t *testing.T) {
	script, err := Compile(4, `
function process_next_requests(content, page_url, data)
  if data == nil or data.next == nil then return {} end
  return { url.join(page_url, data.next) }
end
`, testOptions())
	require.NoError(t, err)
	defer script.Close()

	reqs, err := script.NextRequests(context.Background(), page, "https://shop.example.com/list/1", map[string]any{"next": "2"})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://shop.example.com/list/2", reqs[0].URL)

	reqs, err = script.NextRequests(context.Background(), page, "https://shop.example.com/list/1", nil)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestSandbox_BlocksUnsafeGlobals(t *testing.T) {
	script, err := Compile(1, `
function extract_data(content, url)
  return {
    os = type(os), io = type(io), dofile = type(dofile), load = type(load),
    require = type(require), loadstring = type(loadstring), string = type(string),
  }
end
`, testOptions())
	require.NoError(t, err)
	defer script.Close()

	data, err := script.ExtractData(context.Background(), "", "")
	require.NoError(t, err)
	for _, name := range []string{"os", "io", "dofile", "load", "require", "loadstring"} {
		assert.Equal(t, "nil", data[name], name)
	}
	assert.Equal(t, "table", data["string"])
}

func TestCompile_Errors(t *testing.T) {
	tests := map[string]string{
		"syntax":         "function extract_data(",
		"no entry point": "local x = 1",
		"top level":      "error('boom')",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(1, src, testOptions())
			require.Error(t, err)
			assert.True(t, errors.Is(err, utils.ErrHookCompile))
		})
	}
}

func TestCall_RuntimeErrorIsIsolated(t *testing.T) {
	script, err := Compile(1, `
calls = 0
function extract_data(content, url)
  calls = calls + 1
  if calls == 1 then error("bad page") end
  return { calls = calls }
end
`, testOptions())
	require.NoError(t, err)
	defer script.Close()

	_, err = script.ExtractData(context.Background(), "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrHookRuntime))
	assert.Contains(t, err.Error(), "bad page")
	assert.NotContains(t, err.Error(), "stack traceback")

	data, err := script.ExtractData(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, 2, data["calls"])
}

func TestCall_Timeout(t *testing.T) {
	opts := testOptions()
	opts.Timeout = 100 * time.Millisecond
	script, err := Compile(1, `function extract_data(c, u) while true do end end`, opts)
	require.NoError(t, err)
	defer script.Close()

	start := time.Now()
	_, err = script.ExtractData(context.Background(), "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrHookRuntime))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCall_WrongReturnType(t *testing.T) {
	script, err := Compile(1, `
function extract_data(c, u) return 5 end
function process_next_requests(c, u) return true end
`, testOptions())
	require.NoError(t, err)
	defer script.Close()

	_, err = script.ExtractData(context.Background(), "", "")
	assert.True(t, errors.Is(err, utils.ErrHookRuntime))
	_, err = script.NextRequests(context.Background(), "", "", nil)
	assert.True(t, errors.Is(err, utils.ErrHookRuntime))
}

func TestCapabilities(t *testing.T) {
	fetcher := &stubFetcher{}
	opts := testOptions()
	opts.Fetcher = fetcher

	script, err := Compile(5, `
function extract_data(content, page_url)
  local resp = http.get("https://api.example.com/ping", { Accept = "application/json" })
  local decoded = json.decode(resp.body)
  local posted = http.post("https://api.example.com/items", { name = "x" })
  return {
    status = resp.status_code,
    ok = decoded.ok,
    posted = posted.status_code,
    encoded = json.encode({ a = 1 }),
    id = re.find("id=(\\d+)", "x id=42 y"),
    all = re.find_all("\\d+", "1 22 333"),
    ids = html.xpath(content, "//div[@class='item']", "data-id"),
    joined = url.join("https://a.example.com/x/y", "../z"),
    stamp = time.format(0),
    now_ok = time.now() > 0,
  }
end
`, opts)
	require.NoError(t, err)
	defer script.Close()

	data, err := script.ExtractData(context.Background(), page, "https://shop.example.com/")
	require.NoError(t, err)

	assert.Equal(t, 200, data["status"])
	assert.Equal(t, true, data["ok"])
	assert.Equal(t, 200, data["posted"])
	assert.Equal(t, `{"a":1}`, data["encoded"])
	assert.Equal(t, "42", data["id"])
	assert.Equal(t, []any{"1", "22", "333"}, data["all"])
	assert.Equal(t, []any{"7", "8"}, data["ids"])
	assert.Equal(t, "https://a.example.com/z", data["joined"])
	assert.Equal(t, "1970-01-01T00:00:00Z", data["stamp"])
	assert.Equal(t, true, data["now_ok"])

	require.Len(t, fetcher.got, 2)
	assert.Equal(t, "GET", fetcher.got[0].Method)
	assert.Equal(t, "application/json", fetcher.got[0].Headers["Accept"])
	assert.Equal(t, 5, fetcher.got[0].StepID)
	assert.Equal(t, "POST", fetcher.got[1].Method)
	assert.JSONEq(t, `{"name":"x"}`, fetcher.got[1].Body)
}

func TestHTTPWithoutFetcher(t *testing.T) {
	script, err := Compile(1, `
function extract_data(c, u)
  local resp, err = http.get("https://example.com")
  return { resp = resp, err = err }
end
`, testOptions())
	require.NoError(t, err)
	defer script.Close()

	data, err := script.ExtractData(context.Background(), "", "")
	require.NoError(t, err)
	assert.Nil(t, data["resp"])
	assert.Equal(t, "http capability is not available", data["err"])
}

func TestBind(t *testing.T) {
	opts := testOptions()

	t.Run("follow only", func(t *testing.T) {
		b := Bind(models.Step{ID: 2, Follow: &models.FollowConfig{Selector: "a.next", Attribute: "href"}}, opts)
		defer b.Close()
		assert.Nil(t, b.Data)
		require.NotNil(t, b.Links)

		reqs, err := b.Links.NextRequests(context.Background(), page, "https://shop.example.com/", nil)
		require.NoError(t, err)
		assert.Equal(t, []models.RequestDescriptor{{URL: "/page/2"}}, reqs)
	})

	t.Run("compile failure keeps follow", func(t *testing.T) {
		b := Bind(models.Step{ID: 3, CustomCode: "function (", Follow: &models.FollowConfig{Selector: "a.next", Attribute: "href"}}, opts)
		defer b.Close()
		assert.Error(t, b.CompileErr)
		assert.Nil(t, b.Data)
		assert.NotNil(t, b.Links)
	})

	t.Run("script and follow chained", func(t *testing.T) {
		b := Bind(models.Step{
			ID:         4,
			CustomCode: `function process_next_requests(c, u) return { "/extra" } end`,
			Follow:     &models.FollowConfig{Selector: "a.next", Attribute: "href"},
		}, opts)
		defer b.Close()

		reqs, err := b.Links.NextRequests(context.Background(), page, "https://shop.example.com/", nil)
		require.NoError(t, err)
		urls := make([]string, 0, len(reqs))
		for _, r := range reqs {
			urls = append(urls, r.URL)
		}
		assert.Equal(t, "/page/2,/extra", strings.Join(urls, ","))
	})

	t.Run("nothing configured", func(t *testing.T) {
		b := Bind(models.Step{ID: 5}, opts)
		assert.Nil(t, b.Data)
		assert.Nil(t, b.Links)
		assert.NoError(t, b.CompileErr)
		b.Close()
	})
}
