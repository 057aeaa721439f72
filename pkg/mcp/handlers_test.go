package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrabg/scra/pkg/config"
)

func testServer(t *testing.T, siteURL string) *Server {
	t.Helper()
	doc := fmt.Sprintf(`
state_dir: %s
output_base_dir: %s
idle_timeout: 150ms
idle_tick: 10ms
poll_timeout: 20ms
workflows:
  catalog:
    taskInfo: {baseUrl: %s/, concurrency: 2, requestInterval: 0.01}
    workflowSteps:
      - {id: 1, type: request}
      - {id: 2, type: link_extraction, config: {follow: {selector: a.item, attribute: href}}}
      - id: 3
        type: data_extraction
        config:
          extractionRules:
            - {field: name, type: css, selector: h1}
  broken:
    workflowSteps:
      - {id: 1, type: teleport}
`, t.TempDir(), t.TempDir(), siteURL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	_, err = cfg.Validate()
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := NewServer(&ServerConfig{AppConfig: cfg, ConfigPath: path, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

// catalogSite serves a listing at / linking to n item pages. slow delays
// every item page.
func catalogSite(t *testing.T, n int, slow time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		for i := 1; i <= n; i++ {
			fmt.Fprintf(&b, `<a class="item" href="/i/%d">%d</a>`, i, i)
		}
		io.WriteString(w, "<html><head><title>Catalog</title></head><body>"+b.String()+"</body></html>")
	})
	mux.HandleFunc("GET /i/{id}", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(slow):
		case <-r.Context().Done():
			return
		}
		fmt.Fprintf(w, "<html><body><h1>Item %s</h1></body></html>", r.PathValue("id"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)

	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text, res.IsError
	case *mcp.TextContent:
		return c.Text, res.IsError
	}
	t.Fatalf("unexpected content type %T", res.Content[0])
	return "", false
}

func decode(t *testing.T, text string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out), text)
	return out
}

func waitForStatus(t *testing.T, s *Server, jobID string, want JobStatus) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		text, isErr := call(t, s.handleGetJobStatus, map[string]any{"job_id": jobID})
		require.False(t, isErr, text)
		last = decode(t, text)
		return last["status"] == string(want)
	}, 10*time.Second, 20*time.Millisecond)
	return last
}

func TestListWorkflows(t *testing.T) {
	s := testServer(t, "http://127.0.0.1:1")

	text, isErr := call(t, s.handleListWorkflows, nil)
	require.False(t, isErr)
	out := decode(t, text)

	assert.EqualValues(t, 2, out["total_workflows"])
	list := out["workflows"].([]any)
	broken := list[0].(map[string]any)
	assert.Equal(t, "broken", broken["key"])
	assert.Contains(t, broken["error"], "teleport")

	catalog := list[1].(map[string]any)
	assert.Equal(t, "catalog", catalog["key"])
	assert.Equal(t, []any{"1:fetch", "2:link_extraction", "3:data_extraction"}, catalog["steps"])
	assert.NotContains(t, catalog, "status")
}

func TestTestWorkflow_ConfiguredKey(t *testing.T) {
	site := catalogSite(t, 2, 0)
	s := testServer(t, site.URL)

	text, isErr := call(t, s.handleTestWorkflow, map[string]any{"workflow_key": "catalog"})
	require.False(t, isErr)
	report := decode(t, text)

	assert.Equal(t, true, report["success"], text)
	assert.Equal(t, "Configuration test succeeded", report["message"])
	data := report["extracted_data"].(map[string]any)
	steps := data["steps_results"].(map[string]any)
	links := steps["step_2"].(map[string]any)["result"].(map[string]any)
	assert.EqualValues(t, 2, links["generated_requests_count"])
	product := steps["step_3"].(map[string]any)["result"].(map[string]any)
	assert.Equal(t, "Item 1", product["name"])
}

func TestTestWorkflow_InlineDocument(t *testing.T) {
	site := catalogSite(t, 1, 0)
	s := testServer(t, "http://127.0.0.1:1")

	inline := `{"workflowSteps": [
		{"id": 1, "type": "request"},
		{"id": 2, "type": "data_extraction", "config": {"extractionRules": [
			{"fieldName": "title", "extractType": "css", "expression": "title"}]}}]}`
	text, _ := call(t, s.handleTestWorkflow, map[string]any{"workflow": inline, "url": site.URL + "/"})
	report := decode(t, text)

	require.Equal(t, true, report["success"], text)
	title := report["extracted_data"].(map[string]any)["steps_results"].(map[string]any)["step_2"].(map[string]any)["result"].(map[string]any)["title"]
	assert.Equal(t, "Catalog", title)
}

func TestTestWorkflow_Failures(t *testing.T) {
	s := testServer(t, "http://127.0.0.1:1")

	_, isErr := call(t, s.handleTestWorkflow, map[string]any{})
	assert.True(t, isErr)

	text, isErr := call(t, s.handleTestWorkflow, map[string]any{"workflow_key": "broken"})
	require.False(t, isErr, "a bad workflow is a failed report, not a tool error")
	report := decode(t, text)
	assert.Equal(t, false, report["success"])
	assert.Equal(t, "Configuration test failed", report["message"])
	assert.Contains(t, report["error_details"], "teleport")

	text, _ = call(t, s.handleTestWorkflow, map[string]any{"workflow": "{not a document"})
	assert.Equal(t, false, decode(t, text)["success"])

	gone := httptest.NewServer(http.NotFoundHandler())
	defer gone.Close()
	text, _ = call(t, s.handleTestWorkflow, map[string]any{"workflow_key": "catalog", "url": gone.URL})
	report = decode(t, text)
	assert.Equal(t, "Request failed: HTTP 404", report["message"])
	assert.Equal(t, "HTTP 404", report["error_details"])
}

func TestRunWorkflow_CompletesAndServesRecords(t *testing.T) {
	site := catalogSite(t, 3, 0)
	s := testServer(t, site.URL)

	text, isErr := call(t, s.handleRunWorkflow, map[string]any{"workflow_key": "catalog"})
	require.False(t, isErr, text)
	started := decode(t, text)
	assert.Equal(t, "started", started["status"])
	jobID := started["job_id"].(string)

	status := waitForStatus(t, s, jobID, JobStatusCompleted)
	assert.NotEmpty(t, status["run_id"])
	stats := status["stats"].(map[string]any)
	assert.EqualValues(t, 3, stats["extracted_data_count"])
	assert.EqualValues(t, 4, stats["total_requests"])

	text, isErr = call(t, s.handleGetJobRecords, map[string]any{"job_id": jobID, "format": "csv"})
	require.False(t, isErr, text)
	lines := strings.Split(strings.TrimSpace(text), "\n")
	assert.Equal(t, "url,step_id,timestamp,name", lines[0])
	assert.Len(t, lines, 4)

	text, _ = call(t, s.handleGetJobRecords, map[string]any{"job_id": jobID, "limit": 2})
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &recs))
	assert.Len(t, recs, 2)

	_, isErr = call(t, s.handleGetJobRecords, map[string]any{"job_id": jobID, "format": "xml"})
	assert.True(t, isErr)
}

func TestRunWorkflow_StopJob(t *testing.T) {
	site := catalogSite(t, 30, 100*time.Millisecond)
	s := testServer(t, site.URL)

	text, _ := call(t, s.handleRunWorkflow, map[string]any{"workflow_key": "catalog"})
	jobID := decode(t, text)["job_id"].(string)

	text, _ = call(t, s.handleRunWorkflow, map[string]any{"workflow_key": "catalog"})
	again := decode(t, text)
	assert.Equal(t, "already_running", again["status"])
	assert.Equal(t, jobID, again["job_id"])

	text, _ = call(t, s.handleListWorkflows, nil)
	catalog := decode(t, text)["workflows"].([]any)[1].(map[string]any)
	assert.Equal(t, "running", catalog["status"])

	text, isErr := call(t, s.handleStopJob, map[string]any{"job_id": jobID})
	require.False(t, isErr)
	assert.Equal(t, true, decode(t, text)["stopped"])

	waitForStatus(t, s, jobID, JobStatusCancelled)

	text, _ = call(t, s.handleStopJob, map[string]any{"job_id": jobID})
	assert.Equal(t, false, decode(t, text)["stopped"])
}

func TestRunWorkflow_BadArguments(t *testing.T) {
	s := testServer(t, "http://127.0.0.1:1")

	_, isErr := call(t, s.handleRunWorkflow, map[string]any{})
	assert.True(t, isErr)
	text, isErr := call(t, s.handleRunWorkflow, map[string]any{"workflow_key": "ghost"})
	assert.True(t, isErr)
	assert.Contains(t, text, "ghost")

	for _, h := range []func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		s.handleGetJobStatus, s.handleGetJobRecords, s.handleStopJob,
	} {
		_, isErr := call(t, h, map[string]any{"job_id": "missing"})
		assert.True(t, isErr)
	}
}

func TestNewServer_RequiresConfig(t *testing.T) {
	_, err := NewServer(&ServerConfig{})
	assert.Error(t, err)
}
