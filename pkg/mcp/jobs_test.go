package mcp

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrabg/scra/pkg/models"
)

type fakeRunner struct {
	stops   atomic.Int32
	records []models.ExtractedRecord
}

func (f *fakeRunner) Stop() bool { f.stops.Add(1); return true }
func (f *fakeRunner) Stats() models.RunStatistics {
	return models.RunStatistics{TotalRequests: 7, IsRunning: true}
}
func (f *fakeRunner) Records() []models.ExtractedRecord { return f.records }

func TestCreateJob(t *testing.T) {
	t.Run("new job fields correct", func(t *testing.T) {
		jm := NewJobManager()
		job, created := jm.CreateJob("news")

		assert.True(t, created)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, "news", job.WorkflowKey)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.False(t, job.StartedAt.IsZero())
		assert.True(t, job.CompletedAt.IsZero())
		assert.Nil(t, job.Stats)
	})

	t.Run("active workflow returns same job", func(t *testing.T) {
		jm := NewJobManager()
		first, _ := jm.CreateJob("news")
		second, created := jm.CreateJob("news")
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("new job allowed after finish", func(t *testing.T) {
		jm := NewJobManager()
		first, _ := jm.CreateJob("news")
		jm.Finish(first.ID, models.RunResult{Success: true}, nil)

		second, created := jm.CreateJob("news")
		assert.True(t, created)
		assert.NotEqual(t, first.ID, second.ID)
	})

	t.Run("different workflows independent", func(t *testing.T) {
		jm := NewJobManager()
		a, _ := jm.CreateJob("a")
		b, _ := jm.CreateJob("b")
		assert.NotEqual(t, a.ID, b.ID)
	})
}

func TestJobLifecycle(t *testing.T) {
	jm := NewJobManager()
	job, _ := jm.CreateJob("news")
	runner := &fakeRunner{records: []models.ExtractedRecord{{URL: "https://example.com/a"}}}

	require.True(t, jm.Attach(job.ID, runner))
	live, ok := jm.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobStatusRunning, live.Status)
	require.NotNil(t, live.Stats)
	assert.EqualValues(t, 7, live.Stats.TotalRequests, "running jobs report live statistics")

	recs, ok := jm.Records(job.ID)
	require.True(t, ok)
	assert.Len(t, recs, 1)

	final := &models.RunStatistics{TotalRequests: 9, ExtractedDataCount: 2}
	jm.Finish(job.ID, models.RunResult{Success: true, Message: "Crawl completed", RunID: "run-1", Stats: final},
		[]models.ExtractedRecord{{URL: "a"}, {URL: "b"}})

	done, _ := jm.Get(job.ID)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.Equal(t, "run-1", done.RunID)
	assert.Equal(t, final, done.Stats)
	assert.False(t, done.CompletedAt.IsZero())
	_, active := jm.Active("news")
	assert.False(t, active)

	recs, _ = jm.Records(job.ID)
	assert.Len(t, recs, 2)
}

func TestFinish_FailedRun(t *testing.T) {
	jm := NewJobManager()
	job, _ := jm.CreateJob("news")
	jm.Attach(job.ID, &fakeRunner{})
	jm.Finish(job.ID, models.RunResult{Success: false, Message: "no start URL configured"}, nil)

	got, _ := jm.Get(job.ID)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, "no start URL configured", got.ErrorMessage)
}

func TestStop(t *testing.T) {
	t.Run("pending job is cancelled at once", func(t *testing.T) {
		jm := NewJobManager()
		job, _ := jm.CreateJob("news")
		assert.True(t, jm.Stop(job.ID))

		got, _ := jm.Get(job.ID)
		assert.Equal(t, JobStatusCancelled, got.Status)
		assert.False(t, jm.Attach(job.ID, &fakeRunner{}), "a stopped job never starts")
	})

	t.Run("running job stops its runner and ends cancelled", func(t *testing.T) {
		jm := NewJobManager()
		job, _ := jm.CreateJob("news")
		runner := &fakeRunner{}
		jm.Attach(job.ID, runner)

		assert.True(t, jm.Stop(job.ID))
		assert.EqualValues(t, 1, runner.stops.Load())
		got, _ := jm.Get(job.ID)
		assert.Equal(t, JobStatusRunning, got.Status, "status changes when the run returns")

		jm.Finish(job.ID, models.RunResult{Success: true, Message: "Crawl stopped"}, nil)
		got, _ = jm.Get(job.ID)
		assert.Equal(t, JobStatusCancelled, got.Status)
	})

	t.Run("finished and unknown jobs", func(t *testing.T) {
		jm := NewJobManager()
		job, _ := jm.CreateJob("news")
		jm.Finish(job.ID, models.RunResult{Success: true}, nil)
		assert.False(t, jm.Stop(job.ID))
		assert.False(t, jm.Stop("nope"))
	})
}

func TestStopAll(t *testing.T) {
	jm := NewJobManager()
	a, _ := jm.CreateJob("a")
	b, _ := jm.CreateJob("b")
	runner := &fakeRunner{}
	jm.Attach(b.ID, runner)

	jm.StopAll()

	got, _ := jm.Get(a.ID)
	assert.Equal(t, JobStatusCancelled, got.Status)
	assert.EqualValues(t, 1, runner.stops.Load())
}

func TestList_NewestFirst(t *testing.T) {
	jm := NewJobManager()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	jm.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	jm.CreateJob("first")
	jm.CreateJob("second")
	jm.CreateJob("third")

	jobs := jm.List()
	require.Len(t, jobs, 3)
	assert.Equal(t, "third", jobs[0].WorkflowKey)
	assert.Equal(t, "first", jobs[2].WorkflowKey)
}

func TestUnknownJob(t *testing.T) {
	jm := NewJobManager()
	_, ok := jm.Get("missing")
	assert.False(t, ok)
	_, ok = jm.Records("missing")
	assert.False(t, ok)
	jm.Fail("missing", "x")
	jm.Finish("missing", models.RunResult{}, nil)
}
