package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrabg/scra/pkg/models"
)

const progressInterval = 30 * time.Second

type runEnd struct {
	status  models.RunStatus
	success bool
	message string
}

// supervise watches the queues once per tick. Any queued or in-flight work
// resets the idle timer; the run completes once nothing has been queued or
// in flight for the idle timeout. While paused the timer does not run.
func (e *Engine) supervise(ctx context.Context, r *run) runEnd {
	var idleSince time.Time
	lastProgress := time.Now()

	for {
		select {
		case <-r.stop:
			return runEnd{status: models.RunStatusCancelled, success: true, message: "Crawl stopped"}
		case <-ctx.Done():
			return runEnd{status: models.RunStatusCancelled, success: false, message: "Crawl cancelled: " + ctx.Err().Error()}
		default:
		}

		if time.Since(lastProgress) >= progressInterval {
			e.logProgress(r)
			lastProgress = time.Now()
		}

		switch {
		case e.paused.Load():
			idleSince = time.Time{}
			r.sleep(ctx, e.cfg.IdleTick)
		case r.busy():
			idleSince = time.Time{}
			r.sleep(ctx, e.busyInterval())
		default:
			if idleSince.IsZero() {
				idleSince = time.Now()
			}
			if idle := time.Since(idleSince); idle >= e.cfg.IdleTimeout {
				return runEnd{
					status:  models.RunStatusCompleted,
					success: true,
					message: fmt.Sprintf("Crawl completed: queues idle for %v", idle.Round(time.Millisecond)),
				}
			}
			r.sleep(ctx, e.cfg.IdleTick)
		}
	}
}

// busyInterval is the workflow request interval, or the idle tick when unset
func (e *Engine) busyInterval() time.Duration {
	if d := e.wf.RequestInterval; d > 0 {
		return d
	}
	return e.cfg.IdleTick
}

func (e *Engine) logProgress(r *run) {
	stats := e.Stats()
	busyHosts := 0
	if e.hosts != nil {
		busyHosts = len(e.hosts.InUse())
	}
	r.log.WithFields(logrus.Fields{
		"requests_queued":  r.requests.Len(),
		"responses_queued": r.responses.Len(),
		"records_queued":   r.records.Len(),
		"in_flight":        r.active.Load(),
		"requests":         stats.TotalRequests,
		"records":          stats.ExtractedDataCount,
		"paused":           stats.IsPaused,
		"busy_hosts":       busyHosts,
	}).Info("Crawl progress")
}
