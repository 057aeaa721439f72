package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/scrabg/scra/pkg/config"
	"github.com/scrabg/scra/pkg/engine"
	"github.com/scrabg/scra/pkg/export"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/storage"
	"github.com/scrabg/scra/pkg/workflow"
)

// handleListWorkflows handles the list_workflows tool
func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys := s.cfg.AppConfig.WorkflowKeys()
	workflows := make([]map[string]any, 0, len(keys))

	for _, key := range keys {
		info := map[string]any{"key": key}
		wf, _, err := s.cfg.AppConfig.Workflow(key)
		if err != nil {
			info["error"] = err.Error()
			workflows = append(workflows, info)
			continue
		}

		steps := make([]string, 0, len(wf.Steps))
		for _, st := range wf.Steps {
			steps = append(steps, fmt.Sprintf("%d:%s", st.ID, st.Kind))
		}
		info["name"] = wf.Name
		info["base_url"] = wf.BaseURL
		info["concurrency"] = wf.Concurrency
		info["steps"] = steps
		if job, ok := s.jobs.Active(key); ok {
			info["status"] = "running"
			info["job_id"] = job.ID
		}
		workflows = append(workflows, info)
	}

	return mcp.NewToolResultText(formatJSON(map[string]any{
		"workflows":       workflows,
		"config_path":     s.cfg.ConfigPath,
		"total_workflows": len(workflows),
	})), nil
}

// handleTestWorkflow handles the test_workflow tool. The report is returned
// as text even when the test fails; only bad arguments are tool errors.
func (s *Server) handleTestWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	key := request.GetString("workflow_key", "")
	inline := request.GetString("workflow", "")
	if key == "" && inline == "" {
		return mcp.NewToolResultError("either workflow_key or workflow is required"), nil
	}

	wf, err := s.resolveWorkflow(key, inline)
	if err != nil {
		return mcp.NewToolResultText(formatJSON(engine.FailedConfigTest(err, time.Since(start)))), nil
	}

	target := request.GetString("url", "")
	if target == "" {
		urls, err := workflow.StartURLs(wf, nil)
		if err != nil {
			return mcp.NewToolResultText(formatJSON(engine.FailedConfigTest(err, time.Since(start)))), nil
		}
		target = urls[0]
	}

	e := s.newEngine(wf, s.log.WithField("tool", "test_workflow"))
	defer e.Close()
	return mcp.NewToolResultText(formatJSON(e.TestConfig(ctx, target))), nil
}

func (s *Server) resolveWorkflow(key, inline string) (*models.Workflow, error) {
	var (
		wf       *models.Workflow
		warnings []string
		err      error
	)
	if inline != "" {
		raw, perr := config.ParseWorkflow([]byte(inline))
		if perr != nil {
			return nil, perr
		}
		wf, warnings, err = config.Normalize(*raw, "inline")
	} else {
		wf, warnings, err = s.cfg.AppConfig.Workflow(key)
	}
	for _, w := range warnings {
		s.log.Warn(w)
	}
	return wf, err
}

// handleRunWorkflow handles the run_workflow tool
func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := request.GetString("workflow_key", "")
	if key == "" {
		return mcp.NewToolResultError("workflow_key parameter is required"), nil
	}
	wf, err := s.resolveWorkflow(key, "")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var startURLs []string
	if u := request.GetString("start_url", ""); u != "" {
		startURLs = []string{u}
	}

	job, created := s.jobs.CreateJob(key)
	if !created {
		return mcp.NewToolResultText(formatJSON(map[string]any{
			"status":       "already_running",
			"message":      "A run is already in progress for this workflow",
			"job_id":       job.ID,
			"workflow_key": key,
		})), nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(job.ID, key, wf, startURLs)
	}()

	return mcp.NewToolResultText(formatJSON(map[string]any{
		"status":       "started",
		"message":      "Run started successfully",
		"job_id":       job.ID,
		"workflow_key": key,
	})), nil
}

// runJob runs one workflow to completion in the background
func (s *Server) runJob(jobID, key string, wf *models.Workflow, startURLs []string) {
	log := s.log.WithField("job_id", jobID)

	var opts []engine.Option
	if s.cfg.AppConfig.PersistRecords {
		store, err := storage.NewBadgerStore(s.cfg.AppConfig.StateDir, key, log)
		if err != nil {
			s.jobs.Fail(jobID, fmt.Sprintf("failed to open store: %v", err))
			return
		}
		defer store.Close()
		opts = append(opts, engine.WithStore(store))
	}

	e := s.newEngine(wf, log, opts...)
	defer e.Close()
	if !s.jobs.Attach(jobID, e) {
		log.Info("Job stopped before it started")
		return
	}

	res := e.Start(context.Background(), startURLs)
	s.jobs.Finish(jobID, res, e.Records())
	log.Infof("Job finished: %s", res.Message)
}

func (s *Server) newEngine(wf *models.Workflow, log *logrus.Entry, extra ...engine.Option) *engine.Engine {
	opts := append([]engine.Option{
		engine.WithLogger(log),
		engine.WithHTTPClient(s.client),
		engine.WithRateLimiter(s.limiter),
		engine.WithHostPool(s.hosts),
		engine.WithGlobalSemaphore(s.global),
	}, extra...)
	return engine.New(s.cfg.AppConfig, wf, opts...)
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	job, ok := s.jobs.Get(jobID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	result := map[string]any{
		"job_id":       job.ID,
		"workflow_key": job.WorkflowKey,
		"status":       job.Status,
		"started_at":   job.StartedAt.Format(time.RFC3339),
	}
	if job.Stats != nil {
		result["stats"] = job.Stats
	}
	if job.RunID != "" {
		result["run_id"] = job.RunID
	}
	if job.Message != "" {
		result["message"] = job.Message
	}
	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobRecords handles the get_job_records tool. The text content is
// the records serialized in the requested format.
func (s *Server) handleGetJobRecords(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	format, err := export.ParseFormat(request.GetString("format", "json"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	records, ok := s.jobs.Records(jobID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	if limit := request.GetInt("limit", 0); limit > 0 && limit < len(records) {
		records = records[:limit]
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, format, records); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to serialize records: %v", err)), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}

// handleStopJob handles the stop_job tool
func (s *Server) handleStopJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	if _, ok := s.jobs.Get(jobID); !ok {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	stopped := s.jobs.Stop(jobID)
	message := "Stop requested"
	if !stopped {
		message = "Job is not running"
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{
		"job_id":  jobID,
		"stopped": stopped,
		"message": message,
	})), nil
}

// formatJSON formats data as an indented JSON string
func formatJSON(data any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
