// Package orchestrate runs several configured workflows in parallel. All
// engines share one HTTP client, one per-host rate limiter and pool, and one
// global request semaphore, so politeness limits hold across workflows.
package orchestrate

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/scrabg/scra/pkg/config"
	"github.com/scrabg/scra/pkg/engine"
	"github.com/scrabg/scra/pkg/export"
	"github.com/scrabg/scra/pkg/fetch"
	"github.com/scrabg/scra/pkg/storage"
	"github.com/scrabg/scra/pkg/utils"
)

// Options controls what happens around each run
type Options struct {
	StartURLs []string      // applied to every workflow; empty uses each workflow's fallback
	Format    export.Format // export format, json when empty
	OutputDir string        // export directory; falls back to output_base_dir, no export when both are empty
	Persist   bool          // also save runs and records to the badger store under state_dir
}

// WorkflowResult contains the result of running a single workflow
type WorkflowResult struct {
	WorkflowKey string
	RunID       string
	Success     bool
	Message     string
	Error       error
	Requests    int64
	Records     int
	OutputPath  string
	Duration    time.Duration
}

// Orchestrator runs workflows in parallel with shared fetch resources
type Orchestrator struct {
	appCfg *config.AppConfig
	keys   []string
	opts   Options
	log    *logrus.Entry

	client  *http.Client
	limiter *fetch.RateLimiter
	hosts   *fetch.HostPool
	global  *semaphore.Weighted

	mu      sync.Mutex
	engines map[string]*engine.Engine
	stopped bool
}

// New creates an orchestrator. appCfg must already be validated.
func New(appCfg *config.AppConfig, keys []string, opts Options, log *logrus.Entry) *Orchestrator {
	if opts.Format == "" {
		opts.Format = export.FormatJSON
	}
	if opts.OutputDir == "" {
		opts.OutputDir = appCfg.OutputBaseDir
	}
	if appCfg.PersistRecords {
		opts.Persist = true
	}
	log = log.WithField("component", "orchestrator")
	return &Orchestrator{
		appCfg:  appCfg,
		keys:    keys,
		opts:    opts,
		log:     log,
		client:  fetch.NewClient(appCfg.HTTPClientSettings, log),
		limiter: fetch.NewRateLimiter(appCfg.DefaultDelayPerHost, log),
		hosts:   fetch.NewHostPool(appCfg.MaxRequestsPerHost, log),
		global:  semaphore.NewWeighted(int64(max(appCfg.MaxRequests, 1))),
		engines: make(map[string]*engine.Engine, len(keys)),
	}
}

// Run starts every workflow and waits for all of them. Results follow the
// order of the keys given to New. A failing workflow never cancels the others.
func (o *Orchestrator) Run(ctx context.Context) []WorkflowResult {
	startTime := time.Now()
	o.log.Infof("Starting %d workflows: %v", len(o.keys), o.keys)

	results := make([]WorkflowResult, len(o.keys))
	var g errgroup.Group
	for i, key := range o.keys {
		g.Go(func() error {
			results[i] = o.runWorkflow(ctx, key)
			return nil
		})
	}
	_ = g.Wait()

	o.logSummary(results, time.Since(startTime))
	return results
}

func (o *Orchestrator) runWorkflow(ctx context.Context, key string) WorkflowResult {
	startTime := time.Now()
	result := WorkflowResult{WorkflowKey: key}
	log := o.log.WithField("workflow", key)

	wf, warnings, err := o.appCfg.Workflow(key)
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return o.failed(result, log, err, startTime)
	}

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithHTTPClient(o.client),
		engine.WithRateLimiter(o.limiter),
		engine.WithHostPool(o.hosts),
		engine.WithGlobalSemaphore(o.global),
	}
	if o.opts.Persist {
		store, err := storage.NewBadgerStore(o.appCfg.StateDir, key, log)
		if err != nil {
			return o.failed(result, log, err, startTime)
		}
		defer store.Close()
		gcCtx, stopGC := context.WithCancel(ctx)
		defer stopGC()
		go store.RunGC(gcCtx, 0)
		opts = append(opts, engine.WithStore(store))
	}

	e := engine.New(o.appCfg, wf, opts...)
	defer e.Close()
	if !o.register(key, e) {
		result.Message = "Crawl stopped before start"
		result.Duration = time.Since(startTime)
		return result
	}
	defer o.unregister(key)

	res := e.Start(ctx, o.opts.StartURLs)
	result.RunID = res.RunID
	result.Success = res.Success
	result.Message = res.Message
	if res.Stats != nil {
		result.Requests = res.Stats.TotalRequests
		result.Records = res.Stats.ExtractedDataCount
	}
	if !res.Success {
		result.Error = fmt.Errorf("%s", res.Message)
	}

	if o.opts.OutputDir != "" {
		path := filepath.Join(o.opts.OutputDir, utils.SanitizeName(key)+"."+o.opts.Format.Ext())
		if err := export.WriteFile(path, o.opts.Format, e.Records()); err != nil {
			log.Errorf("Export failed: %v", err)
			if result.Error == nil {
				result.Error = err
			}
			result.Success = false
		} else {
			result.OutputPath = path
			log.Infof("Wrote %d records to %s", result.Records, path)
		}
	}

	result.Duration = time.Since(startTime)
	return result
}

func (o *Orchestrator) failed(result WorkflowResult, log *logrus.Entry, err error, startTime time.Time) WorkflowResult {
	log.WithField("category", utils.CategorizeError(err)).Errorf("Workflow could not start: %v", err)
	result.Error = err
	result.Message = err.Error()
	result.Duration = time.Since(startTime)
	return result
}

func (o *Orchestrator) register(key string, e *engine.Engine) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return false
	}
	o.engines[key] = e
	return true
}

func (o *Orchestrator) unregister(key string) {
	o.mu.Lock()
	delete(o.engines, key)
	o.mu.Unlock()
}

// Stop asks every running engine to stop and keeps new ones from starting.
// Records gathered so far are still exported.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log.Info("Stopping all workflows...")
	o.stopped = true
	for _, e := range o.engines {
		e.Stop()
	}
}

// logSummary logs a summary of all workflow results
func (o *Orchestrator) logSummary(results []WorkflowResult, totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Workflows finished in %v", totalDuration.Round(time.Millisecond))

	var requests int64
	var records, ok, failed int
	for _, r := range results {
		status := "SUCCESS"
		if r.Success {
			ok++
		} else {
			status = "FAILED"
			failed++
		}
		requests += r.Requests
		records += r.Records
		o.log.Infof("  %s: %s - %d requests, %d records in %v", r.WorkflowKey, status, r.Requests, r.Records, r.Duration.Round(time.Millisecond))
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d workflows (%d success, %d failed), %d requests, %d records",
		len(results), ok, failed, requests, records)
	o.log.Info("============================================")
}

// ValidateWorkflowKeys checks that all keys exist in the config
func ValidateWorkflowKeys(appCfg *config.AppConfig, keys []string) error {
	for _, key := range keys {
		if _, exists := appCfg.Workflows[key]; !exists {
			return fmt.Errorf("%w: workflow '%s' not found. Available workflows: %v", utils.ErrConfigValidation, key, appCfg.WorkflowKeys())
		}
	}
	return nil
}
