package storage

import (
	"context"
	"time"

	"github.com/scrabg/scra/pkg/models"
)

// RunStore tracks run metadata
type RunStore interface {
	// SaveRun creates or replaces a run entry
	SaveRun(meta models.RunMeta) error

	// FinishRun marks a run terminal and stores its final statistics
	FinishRun(runID string, status models.RunStatus, message string, stats *models.RunStatistics) error

	// GetRun returns one run, or ErrRunNotFound
	GetRun(runID string) (*models.RunMeta, error)

	// ListRuns returns all runs, newest first
	ListRuns() ([]models.RunMeta, error)
}

// RecordStore appends and reads extracted records per run
type RecordStore interface {
	SaveRecord(runID string, rec models.ExtractedRecord) error

	// ListRecords returns a run's records in insertion order
	ListRecords(runID string) ([]models.ExtractedRecord, error)
}

// StoreAdmin handles lifecycle operations
type StoreAdmin interface {
	// RunGC runs periodic value log garbage collection until ctx is done
	RunGC(ctx context.Context, interval time.Duration)

	Close() error
}

// Store combines everything a persisted run needs
type Store interface {
	RunStore
	RecordStore
	StoreAdmin
}
