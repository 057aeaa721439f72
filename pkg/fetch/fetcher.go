package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/scrabg/scra/pkg/config"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

const defaultMaxBodyBytes = 50 << 20

// Fetcher performs single HTTP attempts for the worker pool. It never
// retries; failures are folded into the returned FetchResponse.
type Fetcher struct {
	client    *http.Client
	log       *logrus.Entry
	userAgent string
	maxBody   int64

	global         *semaphore.Weighted
	acquireTimeout time.Duration
	hosts          *HostPool
	limiter        *RateLimiter
	delay          time.Duration
	robots         *RobotsGuard
}

type Option func(*Fetcher)

// WithGlobalLimit bounds in-flight requests across every fetcher sharing sem
func WithGlobalLimit(sem *semaphore.Weighted, acquireTimeout time.Duration) Option {
	return func(f *Fetcher) {
		f.global = sem
		f.acquireTimeout = acquireTimeout
	}
}

func WithHostPool(pool *HostPool) Option {
	return func(f *Fetcher) { f.hosts = pool }
}

// WithRateLimiter spaces requests to one host by at least delay
func WithRateLimiter(rl *RateLimiter, delay time.Duration) Option {
	return func(f *Fetcher) {
		f.limiter = rl
		f.delay = delay
	}
}

func WithRobots(guard *RobotsGuard) Option {
	return func(f *Fetcher) { f.robots = guard }
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBody = n
		}
	}
}

func NewFetcher(client *http.Client, log *logrus.Entry, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    client,
		log:       log,
		userAgent: config.DefaultUserAgent,
		maxBody:   defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Do performs one attempt of req. The response always carries the request's
// step id, parent URL and depth; StatusCode is 0 when no HTTP response was
// received.
func (f *Fetcher) Do(ctx context.Context, req models.FetchRequest) models.FetchResponse {
	start := time.Now()
	out := models.FetchResponse{
		URL:       req.URL,
		StepID:    req.StepID,
		ParentURL: req.ParentURL,
		Depth:     req.Depth,
		Request:   &req,
	}
	fail := func(err error) models.FetchResponse {
		out.Err = err
		out.Error = err.Error()
		out.Elapsed = time.Since(start)
		return out
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return fail(fmt.Errorf("%w: %s", utils.ErrUnsupportedMethod, method))
	}

	target, err := buildURL(req.URL, req.Params)
	if err != nil {
		return fail(err)
	}
	out.URL = target.String()
	log := f.log.WithFields(logrus.Fields{"url": out.URL, "step_id": req.StepID, "attempt": req.Attempt})

	if f.robots != nil && !f.robots.Allowed(ctx, target) {
		return fail(fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, out.URL))
	}

	if f.global != nil {
		acquireCtx, cancel := ctx, context.CancelFunc(func() {})
		if f.acquireTimeout > 0 {
			acquireCtx, cancel = context.WithTimeout(ctx, f.acquireTimeout)
		}
		err := f.global.Acquire(acquireCtx, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			return fail(fmt.Errorf("%w: global request limit after %v", utils.ErrSemaphoreTimeout, f.acquireTimeout))
		}
		defer f.global.Release(1)
	}

	host := target.Host
	if f.hosts != nil {
		release, err := f.hosts.Acquire(ctx, host)
		if err != nil {
			return fail(err)
		}
		defer release()
	}

	if f.limiter != nil {
		f.limiter.ApplyDelay(ctx, host, f.delay)
		defer f.limiter.UpdateLastRequestTime(host)
	}

	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := f.newRequest(reqCtx, method, target, req)
	if err != nil {
		return fail(err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		log.WithField("category", utils.CategorizeError(err)).Warnf("Request failed: %v", err)
		return fail(err)
	}
	defer resp.Body.Close()

	out.StatusCode = resp.StatusCode
	out.Headers = flattenHeaders(resp.Header)
	if resp.Request != nil && resp.Request.URL != nil {
		out.URL = resp.Request.URL.String()
	}

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		cause := utils.ErrClientHTTPError
		if resp.StatusCode >= 500 {
			cause = utils.ErrServerHTTPError
		}
		out.Err = fmt.Errorf("%w: status %d %s", cause, resp.StatusCode, http.StatusText(resp.StatusCode))
		out.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		out.Elapsed = time.Since(start)
		log.WithField("category", utils.CategorizeError(out.Err)).Debugf("Received status %d", resp.StatusCode)
		return out
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		out.StatusCode = 0
		return fail(fmt.Errorf("%w: %v", utils.ErrResponseBodyRead, err))
	}
	if int64(len(body)) > f.maxBody {
		log.Warnf("Response body exceeds %d bytes, truncating", f.maxBody)
		body = body[:f.maxBody]
	}
	out.Body = string(body)
	out.Elapsed = time.Since(start)
	return out
}

func (f *Fetcher) newRequest(ctx context.Context, method string, target *url.URL, req models.FetchRequest) (*http.Request, error) {
	var body io.Reader
	if method == http.MethodPost && req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrRequestCreation, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		if json.Valid([]byte(req.Body)) {
			httpReq.Header.Set("Content-Type", "application/json")
		} else {
			httpReq.Header.Set("Content-Type", "text/plain; charset=utf-8")
		}
	}
	return httpReq, nil
}

// buildURL parses raw and merges params into its query, params winning
func buildURL(raw string, params map[string]string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: URL '%s': %v", utils.ErrParsing, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: URL '%s': unsupported scheme", utils.ErrParsing, raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: URL '%s': missing host", utils.ErrParsing, raw)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
