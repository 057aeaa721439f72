package engine

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrabg/scra/pkg/fetch"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

const maxRetryDelay = time.Minute

// processResponses is the single consumer of the response queue. It returns
// once the queue is closed and drained.
func (e *Engine) processResponses(ctx context.Context, r *run) {
	for {
		resp, ok := r.responses.PopWait(e.cfg.PollTimeout)
		if !ok {
			if r.responses.Closed() {
				return
			}
			continue
		}
		r.active.Add(1)
		e.handleResponse(ctx, r, resp)
		r.active.Add(-1)
	}
}

// handleResponse dispatches one response through the step machine. Fetch
// steps hand their content to the next step in place, so the whole chain for
// one response finishes before the next response is taken.
func (e *Engine) handleResponse(ctx context.Context, r *run, resp models.FetchResponse) {
	log := r.log.WithFields(logrus.Fields{"url": resp.URL, "step_id": resp.StepID})
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("Response processing panicked: %v\n%s", p, debug.Stack())
		}
	}()

	if resp.Failed() {
		e.retryOrDrop(r, resp, log)
		return
	}

	current := &resp
	for current != nil {
		out := e.machine.Process(ctx, current)
		for _, req := range out.Requests {
			if !r.requests.Add(req) {
				log.WithField("next_url", req.URL).Debug("Run stopping, generated request dropped")
			}
		}
		for _, rec := range out.Records {
			r.records.Add(rec)
		}
		current = out.Relabel
	}
}

// retryOrDrop re-enqueues a failed request after a backoff when it has retry
// budget left and the failure is transient.
func (e *Engine) retryOrDrop(r *run, resp models.FetchResponse, log *logrus.Entry) {
	req := resp.Request
	if req == nil || req.RetryCount <= 0 || !utils.IsRetryable(resp.Err) {
		log.WithFields(logrus.Fields{
			"status_code": resp.StatusCode,
			"category":    utils.CategorizeError(resp.Err),
		}).Infof("Skipping failed response: %s", resp.Error)
		return
	}

	next := *req
	next.RetryCount--
	next.Attempt++
	delay := fetch.Backoff(req.RetryDelay, next.Attempt, maxRetryDelay)
	log.Infof("Retrying in %v (attempt %d, %d retries left): %s", delay.Round(time.Millisecond), next.Attempt, next.RetryCount, resp.Error)

	r.active.Add(1)
	time.AfterFunc(delay, func() {
		defer r.active.Add(-1)
		if r.stopped() {
			return
		}
		r.requests.Add(next)
	})
}

// sinkRecords moves records into the run history and the optional store
func (e *Engine) sinkRecords(r *run) {
	for {
		rec, ok := r.records.PopWait(e.cfg.PollTimeout)
		if !ok {
			if r.records.Closed() {
				return
			}
			continue
		}
		r.active.Add(1)

		e.mu.Lock()
		e.history = append(e.history, rec)
		e.mu.Unlock()

		if e.store != nil {
			if err := e.store.SaveRecord(r.id, rec); err != nil {
				r.log.WithFields(logrus.Fields{"url": rec.URL, "category": utils.CategorizeError(err)}).Warnf("Failed to persist record: %v", err)
			}
		}
		r.active.Add(-1)
	}
}
