package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrabg/scra/pkg/extract"
	"github.com/scrabg/scra/pkg/hook"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/parse"
	"github.com/scrabg/scra/pkg/utils"
)

// ZippedField is the record key holding zipped link-extraction rows
const ZippedField = "zipped_data"

// Machine dispatches responses by step kind. It owns the compiled hooks of
// every step and is safe for concurrent use.
type Machine struct {
	wf       *models.Workflow
	index    map[int]int
	extract  *extract.Engine
	bindings map[int]*hook.Binding
	maxDepth int
	log      *logrus.Entry
}

type Options struct {
	Extract     *extract.Engine
	HookOptions hook.Options
	MaxDepth    int // 0 = unlimited
	Log         *logrus.Entry
}

// Outcome is everything one response produces. Relabel is set only for
// fetch steps with a successor.
type Outcome struct {
	Relabel  *models.FetchResponse
	Requests []models.FetchRequest
	Records  []models.ExtractedRecord
	Errors   []error // hook and request-building failures, already logged
}

// NewMachine indexes steps by id and binds each step's hooks
func NewMachine(wf *models.Workflow, opts Options) *Machine {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Extract == nil {
		opts.Extract = extract.NewEngine(opts.Log)
	}
	hookOpts := opts.HookOptions
	if hookOpts.Extract == nil {
		hookOpts.Extract = opts.Extract
	}
	if hookOpts.Log == nil {
		hookOpts.Log = opts.Log
	}

	m := &Machine{
		wf:       wf,
		index:    make(map[int]int, len(wf.Steps)),
		extract:  opts.Extract,
		bindings: make(map[int]*hook.Binding, len(wf.Steps)),
		maxDepth: opts.MaxDepth,
		log:      opts.Log.WithField("component", "step_machine"),
	}
	for i, step := range wf.Steps {
		m.index[step.ID] = i
		if step.Kind != models.StepKindFetch {
			m.bindings[step.ID] = hook.Bind(step, hookOpts)
		}
	}
	return m
}

// Close releases compiled hooks
func (m *Machine) Close() {
	for _, b := range m.bindings {
		b.Close()
	}
}

// Extractor returns the shared rule engine
func (m *Machine) Extractor() *extract.Engine { return m.extract }

// Resolve finds the step for an id. Unknown ids fall back to the first step;
// matched is false in that case and callers should treat it as a defect.
func (m *Machine) Resolve(stepID int) (idx int, step *models.Step, matched bool) {
	if i, ok := m.index[stepID]; ok {
		return i, &m.wf.Steps[i], true
	}
	return 0, m.wf.StepByIndex(0), false
}

// Binding returns the hooks bound to a step, or nil
func (m *Machine) Binding(stepID int) *hook.Binding {
	return m.bindings[stepID]
}

// Process runs one successful response through its step. Failed responses
// must be filtered out by the caller.
func (m *Machine) Process(ctx context.Context, resp *models.FetchResponse) Outcome {
	idx, step, matched := m.Resolve(resp.StepID)
	log := m.log.WithFields(logrus.Fields{"url": resp.URL, "step_id": resp.StepID})
	if step == nil {
		log.Error("Workflow has no steps, dropping response")
		return Outcome{}
	}
	if !matched {
		log.Warnf("Unknown step id, falling back to step %d", step.ID)
	}

	switch step.Kind {
	case models.StepKindFetch:
		return m.processFetch(idx, step, resp, log)
	case models.StepKindLinkExtraction:
		return m.processLinks(ctx, idx, step, resp, log)
	case models.StepKindDataExtraction:
		return m.processData(ctx, step, resp, log)
	}
	log.Errorf("Step %d has unknown kind '%s'", step.ID, step.Kind)
	return Outcome{}
}

// processFetch hands the same content to the next step without re-fetching
func (m *Machine) processFetch(idx int, step *models.Step, resp *models.FetchResponse, log *logrus.Entry) Outcome {
	next := m.wf.StepByIndex(idx + 1)
	if next == nil {
		log.Debugf("Fetch step %d is terminal", step.ID)
		return Outcome{}
	}
	relabeled := *resp
	relabeled.StepID = next.ID
	relabeled.Request = nil
	return Outcome{Relabel: &relabeled}
}

func (m *Machine) processLinks(ctx context.Context, idx int, step *models.Step, resp *models.FetchResponse, log *logrus.Entry) Outcome {
	var out Outcome
	doc := extract.NewDocument(resp.URL, resp.Body)

	if len(step.Rules) > 0 {
		fields := m.extract.ApplyAll(step.Rules, doc, extract.ModeRun)
		if zipped := Zip(fields, RuleOrder(step.Rules)); len(zipped) > 0 {
			rows := make([]any, len(zipped))
			for i, r := range zipped {
				rows[i] = r
			}
			out.Records = append(out.Records, newRecord(resp.URL, step.ID, map[string]any{ZippedField: rows}))
		}
	}

	target := step
	if next := m.wf.StepByIndex(idx + 1); next != nil {
		target = next
	}

	b := m.bindings[step.ID]
	if b != nil && b.Links != nil {
		descs, err := b.Links.NextRequests(ctx, resp.Body, resp.URL, nil)
		if err != nil {
			m.hookFailed(&out, log, "link generation", err)
		}
		out.Requests = append(out.Requests, m.BuildRequests(resp, step, target, descs, &out)...)
	}

	if b != nil && b.Data != nil {
		data, err := b.Data.ExtractData(ctx, resp.Body, resp.URL)
		if err != nil {
			m.hookFailed(&out, log, "data extraction", err)
		} else if len(data) > 0 {
			out.Records = append(out.Records, newRecord(resp.URL, step.ID, data))
		}
	}
	return out
}

// processData builds one flat record; generated requests loop back to the
// same step so data steps can paginate themselves.
func (m *Machine) processData(ctx context.Context, step *models.Step, resp *models.FetchResponse, log *logrus.Entry) Outcome {
	var out Outcome
	doc := extract.NewDocument(resp.URL, resp.Body)
	data := m.extract.ApplyAll(step.Rules, doc, extract.ModeRun)

	b := m.bindings[step.ID]
	if b != nil && b.Data != nil {
		extra, err := b.Data.ExtractData(ctx, resp.Body, resp.URL)
		if err != nil {
			m.hookFailed(&out, log, "data extraction", err)
		}
		for k, v := range extra {
			data[k] = v
		}
	}
	if len(data) > 0 {
		out.Records = append(out.Records, newRecord(resp.URL, step.ID, data))
	}

	if b != nil && b.Links != nil {
		descs, err := b.Links.NextRequests(ctx, resp.Body, resp.URL, data)
		if err != nil {
			m.hookFailed(&out, log, "link generation", err)
		}
		out.Requests = append(out.Requests, m.BuildRequests(resp, step, step, descs, &out)...)
	}
	return out
}

func (m *Machine) hookFailed(out *Outcome, log *logrus.Entry, what string, err error) {
	log.WithField("category", utils.CategorizeError(err)).Warnf("Custom %s failed: %v", what, err)
	out.Errors = append(out.Errors, err)
}

// BuildRequests turns descriptors into fetch requests. URLs are resolved
// against the page; timeout and retry knobs come from the current step.
// Non-HTTP URLs and requests beyond the depth limit are dropped.
func (m *Machine) BuildRequests(resp *models.FetchResponse, current, target *models.Step, descs []models.RequestDescriptor, out *Outcome) []models.FetchRequest {
	reqs := make([]models.FetchRequest, 0, len(descs))
	for _, d := range descs {
		abs, err := parse.ResolveURL(resp.URL, d.URL)
		if err != nil {
			m.log.WithField("url", resp.URL).Debugf("Skipping generated URL: %v", err)
			continue
		}
		if !parse.IsHTTP(abs) {
			m.log.WithField("url", resp.URL).Debugf("Skipping non-HTTP generated URL '%s'", abs)
			continue
		}

		req := models.FetchRequest{
			URL:        abs,
			Method:     strings.ToUpper(strings.TrimSpace(d.Method)),
			Headers:    d.Headers,
			Params:     d.Params,
			Body:       d.Body,
			Timeout:    current.Timeout,
			RetryCount: current.RetryCount,
			RetryDelay: current.RetryDelay,
			StepID:     target.ID,
			ParentURL:  resp.URL,
			Depth:      resp.Depth + 1,
		}
		if req.Method == "" {
			req.Method = "GET"
		}
		if d.StepID != 0 {
			if _, ok := m.index[d.StepID]; ok {
				req.StepID = d.StepID
			} else {
				m.log.Warnf("Generated request names unknown step %d, using step %d", d.StepID, target.ID)
			}
		}

		if m.maxDepth > 0 && req.Depth > m.maxDepth {
			err := fmt.Errorf("%w: %s at depth %d (max %d)", utils.ErrMaxDepthExceeded, abs, req.Depth, m.maxDepth)
			m.log.WithField("category", utils.CategorizeError(err)).Debug(err.Error())
			if out != nil {
				out.Errors = append(out.Errors, err)
			}
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs
}

// Seed builds the initial request for a start URL. It targets the first step
// and copies the first fetch step's method, headers, params and body.
func (m *Machine) Seed(rawURL string) models.FetchRequest {
	first := m.wf.StepByIndex(0)
	req := models.FetchRequest{URL: rawURL, Method: "GET"}
	if first == nil {
		return req
	}
	req.StepID = first.ID
	req.Timeout = first.Timeout
	req.RetryCount = first.RetryCount
	req.RetryDelay = first.RetryDelay

	if fs := m.wf.FirstFetchStep(); fs != nil && fs.Fetch != nil {
		req.Method = fs.Fetch.Method
		req.Headers = fs.Fetch.Headers
		req.Params = fs.Fetch.Params
		req.Body = fs.Fetch.Body
		if first.Kind != models.StepKindFetch {
			req.Timeout = fs.Timeout
		}
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	return req
}

// StartURLs picks the run's start URLs: explicit URLs, else the workflow's
// base URL, else the first fetch step's URL. Duplicates after normalization
// are dropped; invalid URLs are an error.
func StartURLs(wf *models.Workflow, explicit []string) ([]string, error) {
	candidates := explicit
	if len(nonBlank(candidates)) == 0 {
		candidates = nil
		if wf.BaseURL != "" {
			candidates = []string{wf.BaseURL}
		} else if fs := wf.FirstFetchStep(); fs != nil && fs.Fetch != nil && fs.Fetch.URL != "" {
			candidates = []string{fs.Fetch.URL}
		}
	}
	candidates = nonBlank(candidates)
	if len(candidates) == 0 {
		return nil, utils.ErrNoStartURL
	}

	seen := make(map[string]bool, len(candidates))
	var urls []string
	var errs []error
	for _, c := range candidates {
		normalized, _, err := parse.ParseAndNormalize(c)
		if err != nil || !parse.IsHTTP(c) {
			errs = append(errs, fmt.Errorf("%w: invalid start URL '%s'", utils.ErrParsing, c))
			continue
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		urls = append(urls, c)
	}
	if len(urls) == 0 {
		return nil, errors.Join(errs...)
	}
	return urls, nil
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RuleOrder lists the field names of rules in declaration order
func RuleOrder(rules []models.ExtractionRule) []string {
	order := make([]string, 0, len(rules))
	for _, r := range rules {
		order = append(order, r.Field)
	}
	return order
}

func newRecord(url string, stepID int, data map[string]any) models.ExtractedRecord {
	return models.ExtractedRecord{URL: url, Data: data, StepID: stepID, Timestamp: time.Now().UTC()}
}
