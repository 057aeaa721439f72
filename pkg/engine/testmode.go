package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/scrabg/scra/pkg/extract"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/workflow"
)

const previewRequests = 3

// TestResult is the per-step diagnostic map returned by TestSingleURL
type TestResult map[string]any

// TestSingleURL walks the workflow once for rawURL without queues or
// workers. Each step sees the response left by the previous one. A link
// step with generated requests fetches the first of them and, if that
// succeeds, hands it on as the current response. Step-level problems are
// reported inside steps_results; only a failed fetch step or a panic fails
// the whole walk.
func (e *Engine) TestSingleURL(ctx context.Context, rawURL string) (result TestResult) {
	log := e.log.WithField("url", rawURL).WithField("mode", "test")
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("Test walk panicked: %v\n%s", p, debug.Stack())
			result = TestResult{"error": fmt.Sprint(p), "url": rawURL, "success": false}
		}
	}()

	steps := make(map[string]any, len(e.wf.Steps))
	var current *models.FetchResponse

	for i := range e.wf.Steps {
		step := &e.wf.Steps[i]
		entry := map[string]any{"type": string(step.Kind), "name": step.Name}
		steps[fmt.Sprintf("step_%d", step.ID)] = entry

		switch step.Kind {
		case models.StepKindFetch:
			resp := e.fetcher.Do(ctx, e.testRequest(rawURL, step))
			if resp.Failed() {
				return fetchFailure(rawURL, resp)
			}
			current = &resp
			entry["result"] = map[string]any{
				"message":        "Request successful",
				"url":            resp.URL,
				"status_code":    resp.StatusCode,
				"content_length": len(resp.Body),
				"response_time":  resp.Elapsed.Seconds(),
			}

		case models.StepKindLinkExtraction:
			if current == nil {
				resp := e.fetcher.Do(ctx, e.testRequest(rawURL, step))
				if resp.Failed() {
					entry["result"] = map[string]any{"error": resp.Error, "status_code": resp.StatusCode}
					continue
				}
				current = &resp
			}
			var res map[string]any
			res, current = e.testLinks(ctx, i, step, current)
			entry["result"] = res

		case models.StepKindDataExtraction:
			entry["result"] = e.testData(ctx, step, current)
		}
	}

	out := TestResult{"url": rawURL, "steps_results": steps, "success": true, "status_code": 0, "content_length": 0}
	if current != nil {
		out["status_code"] = current.StatusCode
		out["content_length"] = len(current.Body)
	}
	return out
}

// ConfigTestReport is the outcome of checking a workflow against one URL
type ConfigTestReport struct {
	Success       bool       `json:"success"`
	Message       string     `json:"message"`
	ExtractedData TestResult `json:"extracted_data,omitempty"`
	ErrorDetails  string     `json:"error_details,omitempty"`
	ExecutionTime float64    `json:"execution_time"` // seconds
}

// TestConfig runs TestSingleURL and summarizes it. A failed walk is
// reported, not returned as an error.
func (e *Engine) TestConfig(ctx context.Context, rawURL string) ConfigTestReport {
	start := time.Now()
	res := e.TestSingleURL(ctx, rawURL)
	report := ConfigTestReport{ExtractedData: res, ExecutionTime: time.Since(start).Seconds()}

	if ok, _ := res["success"].(bool); ok {
		report.Success = true
		report.Message = "Configuration test succeeded"
		return report
	}
	report.ErrorDetails, _ = res["error"].(string)
	if report.ErrorDetails == "" {
		report.ErrorDetails = "unknown error"
	}
	if status, _ := res["status_code"].(int); status >= 400 {
		report.Message = fmt.Sprintf("Request failed: HTTP %d", status)
	} else {
		report.Message = "Configuration test failed: " + report.ErrorDetails
	}
	return report
}

// FailedConfigTest reports a workflow that could not be tested at all
func FailedConfigTest(err error, elapsed time.Duration) ConfigTestReport {
	return ConfigTestReport{
		Message:       "Configuration test failed",
		ErrorDetails:  err.Error(),
		ExecutionTime: elapsed.Seconds(),
	}
}

func fetchFailure(rawURL string, resp models.FetchResponse) TestResult {
	return TestResult{"success": false, "error": resp.Error, "url": rawURL, "status_code": resp.StatusCode}
}

// testRequest builds a request using step's own fetch settings when it has
// them, else the workflow's seed settings. A fetch step with a configured URL
// requests that URL instead of rawURL.
func (e *Engine) testRequest(rawURL string, step *models.Step) models.FetchRequest {
	target := rawURL
	if step.Fetch != nil && step.Fetch.URL != "" {
		target = step.Fetch.URL
	}
	req := e.machine.Seed(target)
	req.StepID = step.ID
	req.Timeout = step.Timeout
	if step.Fetch != nil {
		req.Method = step.Fetch.Method
		req.Headers = step.Fetch.Headers
		req.Params = step.Fetch.Params
		req.Body = step.Fetch.Body
	}
	return req
}

func (e *Engine) testLinks(ctx context.Context, idx int, step *models.Step, resp *models.FetchResponse) (map[string]any, *models.FetchResponse) {
	res := make(map[string]any)
	if len(step.Rules) > 0 {
		fields := e.machine.Extractor().ApplyAll(step.Rules, extract.NewDocument(resp.URL, resp.Body), extract.ModeDiagnostic)
		zipped := workflow.Zip(fields, workflow.RuleOrder(step.Rules))
		if zipped == nil {
			zipped = []map[string]any{}
		}
		res["extracted_links_count"] = len(zipped)
		res["zipped_data"] = zipped
		res["extraction_method"] = "linkExtractionRules"
	} else {
		res["warning"] = "No link extraction configuration found"
	}

	b := e.machine.Binding(step.ID)
	if b == nil {
		return res, resp
	}
	if b.CompileErr != nil {
		res["custom_code_error"] = b.CompileErr.Error()
	}

	if b.Data != nil {
		data, err := b.Data.ExtractData(ctx, resp.Body, resp.URL)
		if err != nil {
			res["custom_code_error"] = err.Error()
		} else if len(data) > 0 {
			res["custom_data"] = data
		}
	}

	if b.Links == nil {
		return res, resp
	}
	descs, err := b.Links.NextRequests(ctx, resp.Body, resp.URL, nil)
	if err != nil {
		res["custom_code_error"] = err.Error()
		return res, resp
	}

	target := step
	if next := e.wf.StepByIndex(idx + 1); next != nil {
		target = next
	}
	reqs := e.machine.BuildRequests(resp, step, target, descs, nil)

	preview := make([]map[string]any, 0, previewRequests)
	for _, req := range reqs[:min(len(reqs), previewRequests)] {
		preview = append(preview, map[string]any{"url": req.URL, "method": req.Method, "step_id": req.StepID})
	}
	res["generated_requests"] = preview
	res["generated_requests_count"] = len(reqs)

	if len(reqs) == 0 {
		return res, resp
	}
	followed := e.fetcher.Do(ctx, reqs[0])
	if followed.Failed() {
		res["follow_error"] = followed.Error
		return res, resp
	}
	res["followed_url"] = followed.URL
	return res, &followed
}

func (e *Engine) testData(ctx context.Context, step *models.Step, resp *models.FetchResponse) map[string]any {
	if resp == nil {
		return map[string]any{"error": "No response available for data extraction"}
	}
	b := e.machine.Binding(step.ID)
	hasHook := b != nil && b.Data != nil
	if len(step.Rules) == 0 && !hasHook {
		out := map[string]any{"warning": "No extraction rules configured"}
		if b != nil && b.CompileErr != nil {
			out["custom_code_error"] = b.CompileErr.Error()
		}
		return out
	}

	data := e.machine.Extractor().ApplyAll(step.Rules, extract.NewDocument(resp.URL, resp.Body), extract.ModeDiagnostic)
	if hasHook {
		extra, err := b.Data.ExtractData(ctx, resp.Body, resp.URL)
		if err != nil {
			data["custom_code_error"] = err.Error()
		}
		for k, v := range extra {
			data[k] = v
		}
	}
	return data
}
