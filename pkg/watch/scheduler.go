// Package watch re-runs workflows on a fixed interval. Last-run state is
// kept in watch_state.json under the state directory so a restarted watcher
// only runs what is due.
package watch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrabg/scra/pkg/config"
	"github.com/scrabg/scra/pkg/orchestrate"
)

const (
	minTick = time.Second
	maxTick = 10 * time.Minute
)

// Scheduler runs due workflows through an orchestrator on every tick
type Scheduler struct {
	appCfg   *config.AppConfig
	keys     []string
	interval time.Duration
	opts     orchestrate.Options
	log      *logrus.Entry
	state    *StateManager

	mu       sync.Mutex
	inFlight map[string]bool
	active   map[*orchestrate.Orchestrator]struct{}
	wg       sync.WaitGroup

	// OnRound is called after each batch of runs has been recorded
	OnRound func(results []orchestrate.WorkflowResult)
}

func NewScheduler(appCfg *config.AppConfig, keys []string, interval time.Duration, opts orchestrate.Options, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		appCfg:   appCfg,
		keys:     keys,
		interval: interval,
		opts:     opts,
		log:      log.WithField("component", "watch"),
		state:    NewStateManager(appCfg.StateDir),
		inFlight: make(map[string]bool),
		active:   make(map[*orchestrate.Orchestrator]struct{}),
	}
}

// State exposes the scheduler's persisted state
func (s *Scheduler) State() *StateManager { return s.state }

// Run blocks until ctx is done. Running workflows are stopped gracefully and
// their results recorded before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %v", s.interval)
	}
	if err := s.state.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Watching %d workflows every %s", len(s.keys), FormatInterval(s.interval))
	s.logSchedule()
	s.runDue(ctx)

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			s.stopActive()
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue starts one orchestrator for every due workflow not already running
func (s *Scheduler) runDue(ctx context.Context) {
	s.mu.Lock()
	var due []string
	for _, key := range s.keys {
		if !s.inFlight[key] && s.state.Due(key, s.interval) {
			due = append(due, key)
			s.inFlight[key] = true
		}
	}
	if len(due) == 0 {
		s.mu.Unlock()
		return
	}
	orch := orchestrate.New(s.appCfg, due, s.opts, s.log)
	s.active[orch] = struct{}{}
	s.mu.Unlock()

	s.log.Infof("Running %d due workflows: %v", len(due), due)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// runs get their own context; shutdown goes through Stop so records survive
		results := orch.Run(context.WithoutCancel(ctx))

		for _, r := range results {
			s.state.Record(r)
		}
		if err := s.state.Save(); err != nil {
			s.log.Errorf("Failed to save watch state: %v", err)
		}

		s.mu.Lock()
		delete(s.active, orch)
		for _, key := range due {
			delete(s.inFlight, key)
		}
		s.mu.Unlock()

		if s.OnRound != nil {
			s.OnRound(results)
		}
		s.logNextRun()
	}()
}

func (s *Scheduler) stopActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for orch := range s.active {
		orch.Stop()
	}
}

// tickInterval checks every tenth of the interval, bounded to
// [min(interval, 1s), 10m]
func (s *Scheduler) tickInterval() time.Duration {
	tick := s.interval / 10
	if floor := min(s.interval, minTick); tick < floor {
		tick = floor
	}
	return min(tick, maxTick)
}

func (s *Scheduler) logSchedule() {
	for _, key := range s.keys {
		st, ok := s.state.Get(key)
		if !ok {
			s.log.Infof("  %s: never run, will run immediately", key)
			continue
		}
		status := "success"
		if !st.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s: last run %s (%s, %d records), next run %s",
			key, st.LastRunTime.Format(time.RFC3339), status, st.Records,
			s.state.NextRun(key, s.interval).Format(time.RFC3339))
	}
}

func (s *Scheduler) logNextRun() {
	if len(s.keys) == 0 {
		return
	}
	keys := append([]string(nil), s.keys...)
	sort.Slice(keys, func(i, j int) bool {
		return s.state.NextRun(keys[i], s.interval).Before(s.state.NextRun(keys[j], s.interval))
	})
	next := s.state.NextRun(keys[0], s.interval)
	s.log.Infof("Next run: %s in %v (at %s)", keys[0], max(time.Until(next), 0).Round(time.Second), next.Format("15:04:05"))
}

// Status is a display view of one watched workflow
type Status struct {
	WorkflowKey string
	NeverRun    bool
	NextRun     time.Time
	WorkflowState
}

// Status returns the schedule of every watched workflow, in key order
func (s *Scheduler) Status() []Status {
	out := make([]Status, 0, len(s.keys))
	for _, key := range s.keys {
		st, ok := s.state.Get(key)
		out = append(out, Status{
			WorkflowKey:   key,
			NeverRun:      !ok,
			NextRun:       s.state.NextRun(key, s.interval),
			WorkflowState: st,
		})
	}
	return out
}

// FormatInterval renders d using the largest units of s, m, h and d
func FormatInterval(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		h, m := int(d.Hours()), int(d.Minutes())%60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days, h := int(d.Hours())/24, int(d.Hours())%24
	if h > 0 {
		return fmt.Sprintf("%dd%dh", days, h)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval accepts Go durations plus a leading day count, e.g. 7d or 1d12h
func ParseInterval(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var days int
	var rest string
	if n, _ := fmt.Sscanf(s, "%dd%s", &days, &rest); n >= 1 {
		d := time.Duration(days) * 24 * time.Hour
		if rest != "" {
			extra, err := time.ParseDuration(rest)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
		return d, nil
	}
	return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
}
