package mcp

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrabg/scra/pkg/models"
)

// JobStatus represents the current state of a run job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Done reports whether the status is terminal
func (s JobStatus) Done() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Runner is the part of an engine a job controls
type Runner interface {
	Stop() bool
	Stats() models.RunStatistics
	Records() []models.ExtractedRecord
}

// Job is a background workflow run. Values returned by JobManager are
// snapshots; the manager owns the live job.
type Job struct {
	ID           string                `json:"job_id"`
	WorkflowKey  string                `json:"workflow_key"`
	Status       JobStatus             `json:"status"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  time.Time             `json:"completed_at,omitempty"`
	RunID        string                `json:"run_id,omitempty"`
	Message      string                `json:"message,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	Stats        *models.RunStatistics `json:"stats,omitempty"`

	runner        Runner
	stopRequested bool
	records       []models.ExtractedRecord
}

// JobManager tracks background runs. At most one job per workflow is active.
type JobManager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	byWorkflow map[string]string // workflow key -> id of its active job
	now        func() time.Time
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs:       make(map[string]*Job),
		byWorkflow: make(map[string]string),
		now:        time.Now,
	}
}

// CreateJob registers a pending job for key. If key already has an active
// job, that job is returned with created=false.
func (m *JobManager) CreateJob(key string) (job Job, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byWorkflow[key]; ok {
		if existing := m.jobs[id]; existing != nil && !existing.Status.Done() {
			return existing.snapshot(), false
		}
	}

	j := &Job{
		ID:          uuid.New().String(),
		WorkflowKey: key,
		Status:      JobStatusPending,
		StartedAt:   m.now(),
	}
	m.jobs[j.ID] = j
	m.byWorkflow[key] = j.ID
	return j.snapshot(), true
}

// Attach marks the job running under r. It returns false when the job was
// stopped while pending, in which case the caller must not start r.
func (m *JobManager) Attach(id string, r Runner) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status.Done() {
		return false
	}
	j.runner = r
	j.Status = JobStatusRunning
	return true
}

// Finish records the run result and keeps the records for later retrieval
func (m *JobManager) Finish(id string, res models.RunResult, records []models.ExtractedRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return
	}

	switch {
	case j.stopRequested:
		j.Status = JobStatusCancelled
	case res.Success:
		j.Status = JobStatusCompleted
	default:
		j.Status = JobStatusFailed
		j.ErrorMessage = res.Message
	}
	j.RunID = res.RunID
	j.Message = res.Message
	j.Stats = res.Stats
	j.records = records
	j.runner = nil
	j.CompletedAt = m.now()
	delete(m.byWorkflow, j.WorkflowKey)
}

// Fail ends a job that never got to run
func (m *JobManager) Fail(id string, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status.Done() {
		return
	}
	j.Status = JobStatusFailed
	j.ErrorMessage = msg
	j.CompletedAt = m.now()
	delete(m.byWorkflow, j.WorkflowKey)
}

// Stop asks an active job to stop. A pending job is cancelled at once; a
// running one becomes cancelled when its run returns.
func (m *JobManager) Stop(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status.Done() {
		return false
	}
	j.stopRequested = true
	if j.runner == nil {
		j.Status = JobStatusCancelled
		j.CompletedAt = m.now()
		delete(m.byWorkflow, j.WorkflowKey)
		return true
	}
	j.runner.Stop()
	return true
}

// StopAll stops every active job
func (m *JobManager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byWorkflow))
	for _, id := range m.byWorkflow {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// Get returns a snapshot of a job. Live statistics are read from the
// running engine.
func (m *JobManager) Get(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Active returns the active job for a workflow, if any
func (m *JobManager) Active(key string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byWorkflow[key]
	if !ok {
		return Job{}, false
	}
	return m.jobs[id].snapshot(), true
}

// Records returns a job's records so far, or all of them once finished
func (m *JobManager) Records(id string) ([]models.ExtractedRecord, bool) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.RUnlock()
		return nil, false
	}
	runner, records := j.runner, j.records
	m.mu.RUnlock()

	if runner != nil {
		return runner.Records(), true
	}
	return records, true
}

// List returns snapshots of every job, newest first
func (m *JobManager) List() []Job {
	m.mu.RLock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.After(out[k].StartedAt) })
	return out
}

// snapshot copies exported fields; callers hold the manager lock
func (j *Job) snapshot() Job {
	cp := Job{
		ID:           j.ID,
		WorkflowKey:  j.WorkflowKey,
		Status:       j.Status,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		RunID:        j.RunID,
		Message:      j.Message,
		ErrorMessage: j.ErrorMessage,
		Stats:        j.Stats,
	}
	if j.runner != nil {
		stats := j.runner.Stats()
		cp.Stats = &stats
	}
	return cp
}
