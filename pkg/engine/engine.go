// Package engine runs a workflow: a supervisor, a pool of fetch workers, a
// single response processor and a record sink, connected by three FIFO
// queues. A run ends when every queue has stayed empty for the idle timeout,
// when Stop is called, or when the caller's context is cancelled.
package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/scrabg/scra/pkg/config"
	"github.com/scrabg/scra/pkg/export"
	"github.com/scrabg/scra/pkg/fetch"
	"github.com/scrabg/scra/pkg/hook"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/queue"
	"github.com/scrabg/scra/pkg/utils"
	"github.com/scrabg/scra/pkg/workflow"
)

const hostEvictionInterval = 5 * time.Minute

// RecordStore persists runs and their records. *storage.BadgerStore
// satisfies it.
type RecordStore interface {
	SaveRun(meta models.RunMeta) error
	FinishRun(runID string, status models.RunStatus, message string, stats *models.RunStatistics) error
	SaveRecord(runID string, rec models.ExtractedRecord) error
}

// Engine runs one workflow at a time. It can be started again once a run
// has finished; statistics and record history reset at each start.
type Engine struct {
	cfg     *config.AppConfig
	wf      *models.Workflow
	log     *logrus.Entry
	machine *workflow.Machine
	fetcher hook.Fetcher
	store   RecordStore

	client  *http.Client
	global  *semaphore.Weighted
	limiter *fetch.RateLimiter
	hosts   *fetch.HostPool

	running atomic.Bool
	paused  atomic.Bool

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64

	mu      sync.Mutex
	current *run
	history []models.ExtractedRecord
}

type Option func(*Engine)

func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) { e.log = log }
}

// WithFetcher replaces the HTTP fetcher entirely
func WithFetcher(f hook.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithStore persists run metadata and every record as it is produced
func WithStore(s RecordStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithHTTPClient shares a client between engines
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithGlobalSemaphore shares the in-flight request limit between engines
func WithGlobalSemaphore(sem *semaphore.Weighted) Option {
	return func(e *Engine) { e.global = sem }
}

// WithRateLimiter shares per-host politeness delays between engines
func WithRateLimiter(rl *fetch.RateLimiter) Option {
	return func(e *Engine) { e.limiter = rl }
}

// WithHostPool shares per-host concurrency limits between engines
func WithHostPool(pool *fetch.HostPool) Option {
	return func(e *Engine) { e.hosts = pool }
}

// New builds an engine for wf. cfg must already be validated.
func New(cfg *config.AppConfig, wf *models.Workflow, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, wf: wf}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logrus.NewEntry(logrus.StandardLogger())
	}
	e.log = e.log.WithField("workflow", wf.Name)
	if e.fetcher == nil {
		e.fetcher = e.buildFetcher()
	}
	e.machine = workflow.NewMachine(wf, workflow.Options{
		HookOptions: hook.Options{Fetcher: e.fetcher, Timeout: cfg.HookTimeout},
		MaxDepth:    cfg.MaxDepth,
		Log:         e.log,
	})
	return e
}

func (e *Engine) buildFetcher() *fetch.Fetcher {
	if e.client == nil {
		e.client = fetch.NewClient(e.cfg.HTTPClientSettings, e.log)
	}
	if e.global == nil {
		e.global = semaphore.NewWeighted(int64(max(e.cfg.MaxRequests, 1)))
	}
	if e.hosts == nil {
		e.hosts = fetch.NewHostPool(e.cfg.MaxRequestsPerHost, e.log)
	}
	if e.limiter == nil {
		e.limiter = fetch.NewRateLimiter(e.cfg.DefaultDelayPerHost, e.log)
	}

	ua := e.cfg.EffectiveUserAgent()
	opts := []fetch.Option{
		fetch.WithGlobalLimit(e.global, e.cfg.SemaphoreAcquireTimeout),
		fetch.WithHostPool(e.hosts),
		fetch.WithRateLimiter(e.limiter, e.cfg.DefaultDelayPerHost),
		fetch.WithUserAgent(ua),
		fetch.WithMaxBodyBytes(e.cfg.MaxBodyBytes),
	}
	if e.cfg.RespectRobots {
		opts = append(opts, fetch.WithRobots(fetch.NewRobotsGuard(e.client, ua, e.log.WithField("component", "robots"))))
	}
	return fetch.NewFetcher(e.client, e.log.WithField("component", "fetcher"), opts...)
}

// Close releases compiled hooks. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.machine.Close()
}

// run is the state of one Start call
type run struct {
	id        string
	log       *logrus.Entry
	requests  *queue.FIFO[models.FetchRequest]
	responses *queue.FIFO[models.FetchResponse]
	records   *queue.FIFO[models.ExtractedRecord]

	// active counts fetches in flight, responses and records being handled
	// and scheduled retries, so idle detection does not fire between queues.
	active atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

func (r *run) busy() bool {
	return r.active.Load() > 0 || r.requests.Len() > 0 || r.responses.Len() > 0 || r.records.Len() > 0
}

// halt stops dispatch of new requests. Waiting workers are woken.
func (r *run) halt() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.requests.Close()
	})
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// sleep waits for d unless the run stops or ctx ends first
func (r *run) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.stop:
	case <-ctx.Done():
	}
}

func (e *Engine) newRun() *run {
	id := uuid.NewString()
	logger := e.log.Logger
	r := &run{
		id:        id,
		log:       e.log.WithField("run_id", id),
		requests:  queue.NewFIFO[models.FetchRequest]("requests", logger),
		responses: queue.NewFIFO[models.FetchResponse]("responses", logger),
		records:   queue.NewFIFO[models.ExtractedRecord]("records", logger),
		stop:      make(chan struct{}),
	}

	e.total.Store(0)
	e.successful.Store(0)
	e.failed.Store(0)
	e.paused.Store(false)

	e.mu.Lock()
	e.current = r
	e.history = nil
	e.mu.Unlock()
	return r
}

// Start runs the workflow from startURLs (or the workflow's own start URL)
// and blocks until the run ends. A second concurrent call fails with
// ErrEngineRunning without disturbing the active run.
func (e *Engine) Start(ctx context.Context, startURLs []string) (result models.RunResult) {
	if !e.running.CompareAndSwap(false, true) {
		e.log.Warn("Start called while a run is active")
		return models.RunResult{Success: false, Message: utils.ErrEngineRunning.Error()}
	}

	r := e.newRun()
	status := models.RunStatusFailed
	startedAt := time.Now()

	defer func() {
		if p := recover(); p != nil {
			r.log.Errorf("Run aborted by panic: %v\n%s", p, debug.Stack())
			r.halt()
			status = models.RunStatusFailed
			result = models.RunResult{Success: false, Message: fmt.Sprintf("run failed: %v", p)}
		}
		e.running.Store(false)
		e.paused.Store(false)

		stats := e.Stats()
		result.RunID = r.id
		result.Stats = &stats
		e.finishRun(r, status, result.Message, &stats)

		r.log.WithFields(logrus.Fields{
			"duration":   time.Since(startedAt).Round(time.Millisecond),
			"requests":   stats.TotalRequests,
			"successful": stats.SuccessfulRequests,
			"failed":     stats.FailedRequests,
			"records":    stats.ExtractedDataCount,
		}).Infof("Run finished: %s", result.Message)
	}()

	urls, err := workflow.StartURLs(e.wf, startURLs)
	if err != nil {
		r.log.WithField("category", utils.CategorizeError(err)).Errorf("Cannot start run: %v", err)
		return models.RunResult{Success: false, Message: err.Error()}
	}
	e.saveRun(r, startedAt)

	for _, u := range urls {
		r.requests.Add(e.machine.Seed(u))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.hosts != nil {
		go e.hosts.RunEviction(runCtx, hostEvictionInterval)
	}

	workers := max(e.wf.Concurrency, 1)
	r.log.Infof("Run starting with %d worker(s) and %d start URL(s)", workers, len(urls))

	p := e.startPipeline(runCtx, r, workers)
	defer p.shutdown(r)

	end := e.supervise(runCtx, r)
	p.shutdown(r)

	status = end.status
	return models.RunResult{Success: end.success, Message: end.message}
}

// pipeline tracks the goroutines of one run
type pipeline struct {
	workers, processor, sink sync.WaitGroup
	once                     sync.Once
}

func (e *Engine) startPipeline(ctx context.Context, r *run, workers int) *pipeline {
	p := &pipeline{}
	for i := 1; i <= workers; i++ {
		p.workers.Add(1)
		go func() {
			defer p.workers.Done()
			e.worker(ctx, r, i)
		}()
	}
	p.processor.Add(1)
	go func() {
		defer p.processor.Done()
		e.processResponses(ctx, r)
	}()
	p.sink.Add(1)
	go func() {
		defer p.sink.Done()
		e.sinkRecords(r)
	}()
	return p
}

// shutdown closes the queues in pipeline order so nothing already produced
// is lost, and waits for every goroutine. It also runs when supervision
// panics.
func (p *pipeline) shutdown(r *run) {
	p.once.Do(func() {
		r.halt()
		p.workers.Wait()
		r.responses.Close()
		p.processor.Wait()
		r.records.Close()
		p.sink.Wait()
	})
}

func (e *Engine) saveRun(r *run, startedAt time.Time) {
	if e.store == nil {
		return
	}
	err := e.store.SaveRun(models.RunMeta{
		RunID:     r.id,
		Workflow:  e.wf.Name,
		Status:    models.RunStatusRunning,
		StartedAt: startedAt.UTC(),
	})
	if err != nil {
		r.log.WithField("category", utils.CategorizeError(err)).Errorf("Failed to persist run: %v", err)
	}
}

func (e *Engine) finishRun(r *run, status models.RunStatus, message string, stats *models.RunStatistics) {
	if e.store == nil {
		return
	}
	if err := e.store.FinishRun(r.id, status, message, stats); err != nil {
		r.log.WithField("category", utils.CategorizeError(err)).Warnf("Failed to persist run result: %v", err)
	}
}

// Pause stops workers from taking new requests. Returns false when no run
// is active.
func (e *Engine) Pause() bool {
	if !e.running.Load() {
		return false
	}
	e.paused.Store(true)
	e.log.Info("Run paused")
	return true
}

// Resume undoes Pause
func (e *Engine) Resume() bool {
	if !e.running.Load() {
		return false
	}
	e.paused.Store(false)
	e.log.Info("Run resumed")
	return true
}

// Stop ends the active run. In-flight fetches complete but no further
// requests are dequeued; Start returns once the pipeline has drained.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil || !e.running.Load() {
		return false
	}
	r.log.Info("Stop requested")
	r.halt()
	return true
}

// IsRunning reports whether a run is active
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Stats returns a snapshot of the current (or last) run's counters
func (e *Engine) Stats() models.RunStatistics {
	total := e.total.Load()
	ok := e.successful.Load()

	e.mu.Lock()
	n := len(e.history)
	e.mu.Unlock()

	return models.RunStatistics{
		TotalRequests:      total,
		SuccessfulRequests: ok,
		FailedRequests:     e.failed.Load(),
		SuccessRate:        models.SuccessRatePercent(ok, total),
		ExtractedDataCount: n,
		IsRunning:          e.running.Load(),
		IsPaused:           e.paused.Load(),
	}
}

// Records returns a copy of the records extracted so far
func (e *Engine) Records() []models.ExtractedRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ExtractedRecord, len(e.history))
	copy(out, e.history)
	return out
}

// Export writes the extracted records to w
func (e *Engine) Export(w io.Writer, format export.Format) error {
	return export.Write(w, format, e.Records())
}
