// Package mcp exposes workflow testing and background runs as MCP tools
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/scrabg/scra/pkg/config"
	"github.com/scrabg/scra/pkg/fetch"
)

const serverName = "scra"

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig // must be validated
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Version    string
	Logger     *logrus.Logger
}

// Server wraps the MCP server with the workflow tools
type Server struct {
	mcpServer *server.MCPServer
	cfg       *ServerConfig
	log       *logrus.Entry
	jobs      *JobManager
	wg        sync.WaitGroup

	// shared by every job and test so politeness limits hold across them
	client  *http.Client
	limiter *fetch.RateLimiter
	hosts   *fetch.HostPool
	global  *semaphore.Weighted
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	app := cfg.AppConfig
	log := cfg.Logger.WithField("component", "mcp")

	s := &Server{
		mcpServer: server.NewMCPServer(serverName, cfg.Version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		cfg:     cfg,
		log:     log,
		jobs:    NewJobManager(),
		client:  fetch.NewClient(app.HTTPClientSettings, log),
		limiter: fetch.NewRateLimiter(app.DefaultDelayPerHost, log),
		hosts:   fetch.NewHostPool(app.MaxRequestsPerHost, log),
		global:  semaphore.NewWeighted(int64(max(app.MaxRequests, 1))),
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	tools := []struct {
		tool    mcp.Tool
		handler server.ToolHandlerFunc
	}{
		{mcp.NewTool("list_workflows",
			mcp.WithDescription("List the workflows defined in the configuration file"),
		), s.handleListWorkflows},

		{mcp.NewTool("test_workflow",
			mcp.WithDescription("Walk a workflow step by step against one URL and report what each step produced. Nothing is queued or stored."),
			mcp.WithString("workflow_key", mcp.Description("Workflow key from the config file")),
			mcp.WithString("workflow", mcp.Description("Inline workflow document (JSON or YAML); used instead of workflow_key")),
			mcp.WithString("url", mcp.Description("URL to test; defaults to the workflow's base URL")),
		), s.handleTestWorkflow},

		{mcp.NewTool("run_workflow",
			mcp.WithDescription("Start a background run of a configured workflow. Returns immediately with a job ID."),
			mcp.WithString("workflow_key", mcp.Required(), mcp.Description("Workflow key from the config file")),
			mcp.WithString("start_url", mcp.Description("Start URL; defaults to the workflow's base URL")),
		), s.handleRunWorkflow},

		{mcp.NewTool("get_job_status",
			mcp.WithDescription("Get the status and statistics of a run job"),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The job ID returned by run_workflow")),
		), s.handleGetJobStatus},

		{mcp.NewTool("get_job_records",
			mcp.WithDescription("Get the records a run job has extracted so far"),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The job ID returned by run_workflow")),
			mcp.WithString("format", mcp.Description("json (default), jsonl or csv")),
			mcp.WithNumber("limit", mcp.Description("Return at most this many records (default: all)")),
		), s.handleGetJobRecords},

		{mcp.NewTool("stop_job",
			mcp.WithDescription("Stop a running job. Records extracted so far are kept."),
			mcp.WithString("job_id", mcp.Required(), mcp.Description("The job ID returned by run_workflow")),
		), s.handleStopJob},
	}

	for _, t := range tools {
		s.mcpServer.AddTool(t.tool, t.handler)
	}
	s.log.Infof("Registered %d MCP tools", len(tools))
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio", "":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		return server.NewSSEServer(s.mcpServer).Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown stops every job and waits for their runs to return
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobs.StopAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
