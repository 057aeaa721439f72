package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/scrabg/scra/pkg/utils"
)

// worker fetches requests until the run stops or the request queue closes
func (e *Engine) worker(ctx context.Context, r *run, id int) {
	log := r.log.WithField("worker_id", id)
	log.Debug("Worker starting")
	defer log.Debug("Worker finished")

	for {
		if r.stopped() || ctx.Err() != nil {
			return
		}
		if e.paused.Load() {
			r.sleep(ctx, e.cfg.IdleTick)
			continue
		}

		req, ok := r.requests.PopWait(e.cfg.PollTimeout)
		if !ok {
			if r.requests.Closed() {
				return
			}
			continue
		}
		if r.stopped() {
			log.WithField("url", req.URL).Debug("Run stopping, request not fetched")
			return
		}

		r.active.Add(1)
		resp := e.fetcher.Do(ctx, req)
		e.total.Add(1)

		taskLog := log.WithFields(logrus.Fields{
			"url":         resp.URL,
			"step_id":     req.StepID,
			"status_code": resp.StatusCode,
			"elapsed":     resp.Elapsed,
		})
		if resp.Failed() {
			e.failed.Add(1)
			taskLog.WithField("category", utils.CategorizeError(resp.Err)).Warnf("Fetch failed: %s", resp.Error)
		} else {
			e.successful.Add(1)
			taskLog.Debug("Fetched")
		}

		r.responses.Add(resp)
		r.active.Add(-1)
	}
}
