package models

import (
	"time"
)

// Workflow is the typed, normalized form of a workflow definition.
// It is immutable once a run starts.
type Workflow struct {
	Name            string
	BaseURL         string
	Concurrency     int
	RequestInterval time.Duration
	Steps           []Step
}

// Step is one stage of a workflow. Fetch is set only for fetch steps; Rules,
// CustomCode and Follow are only meaningful for the two extraction kinds.
type Step struct {
	ID         int
	Kind       StepKind
	Name       string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration

	Fetch      *FetchConfig
	Rules      []ExtractionRule
	CustomCode string
	Follow     *FollowConfig
}

// FetchConfig holds the request template of a fetch step
type FetchConfig struct {
	URL     string
	Method  string
	Headers map[string]string
	Params  map[string]string
	Body    string
}

// FollowConfig configures the built-in selector link generator
type FollowConfig struct {
	Selector  string
	Attribute string
}

// ExtractionRule is one declarative field extraction
type ExtractionRule struct {
	Field      string        `json:"field"`
	Method     ExtractMethod `json:"method"`
	Expression string        `json:"expression"`
	Kind       ValueKind     `json:"kind"`
	Attr       string        `json:"attr,omitempty"` // attribute name for KindAttribute
	Multiple   bool          `json:"multiple,omitempty"`
	Required   bool          `json:"required,omitempty"`
}

// StepByIndex returns the step at i, or nil when out of range
func (w *Workflow) StepByIndex(i int) *Step {
	if w == nil || i < 0 || i >= len(w.Steps) {
		return nil
	}
	return &w.Steps[i]
}

// FirstFetchStep returns the first fetch step, or nil
func (w *Workflow) FirstFetchStep() *Step {
	for i := range w.Steps {
		if w.Steps[i].Kind == StepKindFetch {
			return &w.Steps[i]
		}
	}
	return nil
}

// FetchRequest is a unit of work for the fetch worker pool
type FetchRequest struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Body       string            `json:"body,omitempty"`
	Timeout    time.Duration     `json:"timeout"`
	RetryCount int               `json:"retry_count"` // remaining retry budget
	RetryDelay time.Duration     `json:"retry_delay"`
	Attempt    int               `json:"attempt"` // 0 for the first try
	StepID     int               `json:"step_id"`
	ParentURL  string            `json:"parent_url,omitempty"`
	Depth      int               `json:"depth"`
}

// FetchResponse is the result of one fetch attempt. StatusCode 0 means the
// request never produced an HTTP response.
type FetchResponse struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Body       string            `json:"-"`
	Headers    map[string]string `json:"headers,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
	Error      string            `json:"error,omitempty"`
	StepID     int               `json:"step_id"`
	ParentURL  string            `json:"parent_url,omitempty"`
	Depth      int               `json:"depth"`

	// Err keeps the typed cause for retry classification; Request is the
	// originating request, nil for relabeled responses.
	Err     error         `json:"-"`
	Request *FetchRequest `json:"-"`
}

// Failed reports whether the response must be skipped by the step machine
func (r *FetchResponse) Failed() bool {
	return r.Error != "" || r.StatusCode >= 400
}

// ExtractedRecord is an append-only extraction result
type ExtractedRecord struct {
	URL       string         `json:"url"`
	Data      map[string]any `json:"data"`
	StepID    int            `json:"step_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// RequestDescriptor is a follow-up request produced by a link generator
type RequestDescriptor struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Body    string            `json:"body,omitempty"`
	StepID  int               `json:"step_id,omitempty"` // 0 = let the machine decide
}

// RunStatistics is a read-only snapshot of run counters
type RunStatistics struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
	ExtractedDataCount int     `json:"extracted_data_count"`
	IsRunning          bool    `json:"is_running"`
	IsPaused           bool    `json:"is_paused"`
}

// SuccessRatePercent computes successful / max(total, 1) * 100
func SuccessRatePercent(successful, total int64) float64 {
	if total < 1 {
		total = 1
	}
	return float64(successful) / float64(total) * 100
}

// RunResult is returned by the engine when a run ends
type RunResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	RunID   string         `json:"run_id,omitempty"`
	Stats   *RunStatistics `json:"stats,omitempty"`
}

// RunMeta describes a persisted run
type RunMeta struct {
	RunID      string         `json:"run_id"`
	Workflow   string         `json:"workflow"`
	Status     RunStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Message    string         `json:"message,omitempty"`
	Stats      *RunStatistics `json:"stats,omitempty"`
}
