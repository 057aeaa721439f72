package workflow

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

const listPage = `<html><head><title>News</title></head><body>
<ul>
  <li><a class="story" href="/story/1">First</a></li>
  <li><a class="story" href="story/2">Second</a></li>
  <li><a class="story" href="mailto:editor@example.com">Mail</a></li>
</ul>
<a class="next" href="?page=2">Next</a>
</body></html>`

func testEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newsWorkflow() *models.Workflow {
	return &models.Workflow{
		Name:        "news",
		BaseURL:     "https://news.example.com/",
		Concurrency: 2,
		Steps: []models.Step{
			{ID: 1, Kind: models.StepKindFetch, Timeout: 10 * time.Second,
				Fetch: &models.FetchConfig{URL: "https://news.example.com/list", Method: "POST", Headers: map[string]string{"X-Key": "k"}, Body: `{"a":1}`}},
			{ID: 2, Kind: models.StepKindLinkExtraction, Timeout: 20 * time.Second, RetryCount: 2, RetryDelay: time.Second,
				Rules: []models.ExtractionRule{
					{Field: "title", Method: models.MethodCSS, Expression: "a.story", Kind: models.KindText, Multiple: true},
					{Field: "link", Method: models.MethodCSS, Expression: "a.story", Kind: models.KindAttribute, Attr: "href", Multiple: true},
				},
				CustomCode: `function process_next_requests(content, page_url)
  return html.select(content, "a.story", "href")
end`},
			{ID: 3, Kind: models.StepKindDataExtraction, Timeout: 30 * time.Second,
				Rules:  []models.ExtractionRule{{Field: "title", Method: models.MethodCSS, Expression: "title", Kind: models.KindText}},
				Follow: &models.FollowConfig{Selector: "a.next", Attribute: "href"}},
		},
	}
}

func newMachine(t *testing.T, wf *models.Workflow, maxDepth int) *Machine {
	t.Helper()
	m := NewMachine(wf, Options{Log: testEntry(), MaxDepth: maxDepth})
	t.Cleanup(m.Close)
	return m
}

func TestResolve_FallbackIsDeterministic(t *testing.T) {
	m := newMachine(t, newsWorkflow(), 0)

	idx, step, ok := m.Resolve(3)
	assert.True(t, ok)
	assert.Equal(t, 2, idx)
	assert.Equal(t, 3, step.ID)

	for _, unknown := range []int{0, 99, -1, 99} {
		idx, step, ok := m.Resolve(unknown)
		assert.False(t, ok)
		assert.Equal(t, 0, idx)
		assert.Equal(t, 1, step.ID)
	}
}

func TestProcess_FetchRelabels(t *testing.T) {
	m := newMachine(t, newsWorkflow(), 0)
	req := &models.FetchRequest{URL: "https://news.example.com/list"}
	resp := &models.FetchResponse{URL: req.URL, StatusCode: 200, Body: listPage, StepID: 1, Depth: 0, Request: req}

	out := m.Process(context.Background(), resp)
	require.NotNil(t, out.Relabel)
	assert.Equal(t, 2, out.Relabel.StepID)
	assert.Equal(t, listPage, out.Relabel.Body)
	assert.Nil(t, out.Relabel.Request)
	assert.Empty(t, out.Records)
	assert.Empty(t, out.Requests)
	assert.Equal(t, 1, resp.StepID, "original response is not mutated")
}

func TestProcess_LinkExtraction(t *testing.T) {
	m := newMachine(t, newsWorkflow(), 0)
	resp := &models.FetchResponse{URL: "https://news.example.com/list", StatusCode: 200, Body: listPage, StepID: 2, Depth: 1}

	out := m.Process(context.Background(), resp)
	assert.Nil(t, out.Relabel)
	assert.Empty(t, out.Errors)

	require.Len(t, out.Records, 1)
	rec := out.Records[0]
	assert.Equal(t, 2, rec.StepID)
	assert.Equal(t, resp.URL, rec.URL)
	rows, ok := rec.Data[ZippedField].([]any)
	require.True(t, ok)
	require.Len(t, rows, 3)
	assert.Equal(t, map[string]any{"title": "First", "link": "/story/1"}, rows[0])

	require.Len(t, out.Requests, 2, "mailto link is dropped")
	assert.Equal(t, "https://news.example.com/story/1", out.Requests[0].URL)
	assert.Equal(t, "https://news.example.com/story/2", out.Requests[1].URL)
	for _, r := range out.Requests {
		assert.Equal(t, 3, r.StepID, "link step targets the next step")
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, 2, r.Depth)
		assert.Equal(t, resp.URL, r.ParentURL)
		assert.Equal(t, 20*time.Second, r.Timeout)
		assert.Equal(t, 2, r.RetryCount)
	}
}

func TestProcess_DataExtractionSelfLoops(t *testing.T) {
	m := newMachine(t, newsWorkflow(), 0)
	resp := &models.FetchResponse{URL: "https://news.example.com/list?page=1", StatusCode: 200, Body: listPage, StepID: 3}

	out := m.Process(context.Background(), resp)
	require.Len(t, out.Records, 1)
	assert.Equal(t, map[string]any{"title": "News"}, out.Records[0].Data)
	assert.Equal(t, 3, out.Records[0].StepID)

	require.Len(t, out.Requests, 1)
	assert.Equal(t, "https://news.example.com/list?page=2", out.Requests[0].URL)
	assert.Equal(t, 3, out.Requests[0].StepID)
}

func TestProcess_DataHookMergesAndReceivesData(t *testing.T) {
	wf := &models.Workflow{Steps: []models.Step{{
		ID: 7, Kind: models.StepKindDataExtraction,
		Rules: []models.ExtractionRule{{Field: "title", Method: models.MethodCSS, Expression: "title", Kind: models.KindText}},
		CustomCode: `
function extract_data(content, page_url)
  return { title = "override", source = page_url }
end
function process_next_requests(content, page_url, data)
  return { { url = "/after/" .. data.title } }
end`,
	}}}
	m := newMachine(t, wf, 0)

	out := m.Process(context.Background(), &models.FetchResponse{URL: "https://x.example.com/a", StatusCode: 200, Body: listPage, StepID: 7})
	require.Len(t, out.Records, 1)
	assert.Equal(t, map[string]any{"title": "override", "source": "https://x.example.com/a"}, out.Records[0].Data)
	require.Len(t, out.Requests, 1)
	assert.Equal(t, "https://x.example.com/after/override", out.Requests[0].URL)
	assert.Equal(t, 7, out.Requests[0].StepID)
}

func TestProcess_HookFailureIsLocal(t *testing.T) {
	wf := &models.Workflow{Steps: []models.Step{{
		ID: 1, Kind: models.StepKindLinkExtraction,
		Rules:      []models.ExtractionRule{{Field: "t", Method: models.MethodCSS, Expression: "title", Kind: models.KindText}},
		CustomCode: `function process_next_requests(c, u) error("nope") end`,
	}}}
	m := newMachine(t, wf, 0)

	out := m.Process(context.Background(), &models.FetchResponse{URL: "https://x.example.com/", StatusCode: 200, Body: listPage, StepID: 1})
	require.Len(t, out.Errors, 1)
	assert.True(t, errors.Is(out.Errors[0], utils.ErrHookRuntime))
	require.Len(t, out.Records, 1, "rules still produce a zipped record")
	assert.Empty(t, out.Requests)
}

func TestProcess_TerminalLinkStepTargetsItself(t *testing.T) {
	wf := &models.Workflow{Steps: []models.Step{{
		ID: 5, Kind: models.StepKindLinkExtraction,
		Follow: &models.FollowConfig{Selector: "a.next", Attribute: "href"},
	}}}
	m := newMachine(t, wf, 0)

	out := m.Process(context.Background(), &models.FetchResponse{URL: "https://x.example.com/l", StatusCode: 200, Body: listPage, StepID: 5})
	require.Len(t, out.Requests, 1)
	assert.Equal(t, 5, out.Requests[0].StepID)
	assert.Empty(t, out.Records, "no rules means no zipped record")
}

func TestBuildRequests_MaxDepth(t *testing.T) {
	wf := newsWorkflow()
	m := newMachine(t, wf, 2)
	resp := &models.FetchResponse{URL: "https://news.example.com/", Depth: 2}

	var out Outcome
	reqs := m.BuildRequests(resp, &wf.Steps[1], &wf.Steps[2], []models.RequestDescriptor{{URL: "/deep"}}, &out)
	assert.Empty(t, reqs)
	require.Len(t, out.Errors, 1)
	assert.True(t, errors.Is(out.Errors[0], utils.ErrMaxDepthExceeded))
}

func TestBuildRequests_DescriptorStepID(t *testing.T) {
	wf := newsWorkflow()
	m := newMachine(t, wf, 0)
	resp := &models.FetchResponse{URL: "https://news.example.com/"}

	reqs := m.BuildRequests(resp, &wf.Steps[1], &wf.Steps[2], []models.RequestDescriptor{
		{URL: "/a", StepID: 2, Method: "post"},
		{URL: "/b", StepID: 42},
	}, nil)
	require.Len(t, reqs, 2)
	assert.Equal(t, 2, reqs[0].StepID)
	assert.Equal(t, "POST", reqs[0].Method)
	assert.Equal(t, 3, reqs[1].StepID, "unknown step ids fall back to the target")
}

func TestSeed(t *testing.T) {
	m := newMachine(t, newsWorkflow(), 0)
	req := m.Seed("https://news.example.com/list")

	assert.Equal(t, 1, req.StepID)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, `{"a":1}`, req.Body)
	assert.Equal(t, "k", req.Headers["X-Key"])
	assert.Equal(t, 10*time.Second, req.Timeout)
	assert.Equal(t, 0, req.Depth)
}

func TestStartURLs(t *testing.T) {
	wf := newsWorkflow()

	urls, err := StartURLs(wf, []string{"https://a.example.com/x", "https://A.example.com/x/", " ", "https://a.example.com/x#top", "https://b.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com/x", "https://b.example.com"}, urls)

	urls, err = StartURLs(wf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://news.example.com/"}, urls)

	wf.BaseURL = ""
	urls, err = StartURLs(wf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://news.example.com/list"}, urls)

	wf.Steps[0].Fetch.URL = ""
	_, err = StartURLs(wf, nil)
	assert.True(t, errors.Is(err, utils.ErrNoStartURL))

	_, err = StartURLs(wf, []string{"not a url"})
	assert.True(t, errors.Is(err, utils.ErrParsing))
}

func TestRuleOrder(t *testing.T) {
	rules := []models.ExtractionRule{{Field: "b"}, {Field: "a"}}
	assert.Equal(t, []string{"b", "a"}, RuleOrder(rules))
}
