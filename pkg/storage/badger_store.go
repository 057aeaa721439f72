package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/scrabg/scra/pkg/log"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

const (
	runKeyPrefix    = "run:"
	recordKeyPrefix = "rec:"
	recordSeqKey    = "seq:records"
	recordsDBDir    = "records_db"
	seqBandwidth    = 256
)

var ErrRunNotFound = errors.New("run not found")

// BadgerStore persists runs and their records in one BadgerDB per workflow
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *logrus.Entry
}

// DBPath returns the database directory used for a workflow under stateDir
func DBPath(stateDir, workflowName string) string {
	return filepath.Join(stateDir, utils.SanitizeName(workflowName)+"_"+recordsDBDir)
}

// NewBadgerStore opens (or creates) the record database for workflowName
func NewBadgerStore(stateDir, workflowName string, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := DBPath(stateDir, workflowName)
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %v", utils.ErrDatabase, dbPath, err)
	}

	opts := badger.DefaultOptions(dbPath).
		WithLogger(log.NewBadgerAdapter(logger)).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", utils.ErrDatabase, dbPath, err)
	}
	seq, err := db.GetSequence([]byte(recordSeqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: record sequence: %v", utils.ErrDatabase, err)
	}

	logger.WithField("path", dbPath).Debug("Record database opened")
	return &BadgerStore{db: db, seq: seq, log: logger}, nil
}

const maxConflictRetries = 10

// dbUpdate retries transactions that lose an MVCC conflict
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("Transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

func (s *BadgerStore) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", utils.ErrDatabase, key, err)
	}
	err = s.dbUpdate(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil && !errors.Is(err, utils.ErrDatabase) {
		return fmt.Errorf("%w: write %s: %v", utils.ErrDatabase, key, err)
	}
	return err
}

func (s *BadgerStore) SaveRun(meta models.RunMeta) error {
	if meta.RunID == "" {
		return fmt.Errorf("%w: run id is empty", utils.ErrDatabase)
	}
	return s.putJSON(runKeyPrefix+meta.RunID, meta)
}

func (s *BadgerStore) FinishRun(runID string, status models.RunStatus, message string, stats *models.RunStatistics) error {
	meta, err := s.GetRun(runID)
	if err != nil {
		return err
	}
	meta.Status = status
	meta.Message = message
	meta.Stats = stats
	meta.FinishedAt = time.Now().UTC()
	return s.SaveRun(*meta)
}

func (s *BadgerStore) GetRun(runID string) (*models.RunMeta, error) {
	var meta models.RunMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runKeyPrefix + runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read run %s: %v", utils.ErrDatabase, runID, err)
	}
	return &meta, nil
}

func (s *BadgerStore) ListRuns() ([]models.RunMeta, error) {
	var runs []models.RunMeta
	err := s.scan(runKeyPrefix, func(val []byte) error {
		var meta models.RunMeta
		if err := json.Unmarshal(val, &meta); err != nil {
			s.log.Warnf("Skipping unreadable run entry: %v", err)
			return nil
		}
		runs = append(runs, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// SaveRecord appends rec under a per-database sequence number, so records of
// a run iterate in insertion order.
func (s *BadgerStore) SaveRecord(runID string, rec models.ExtractedRecord) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("%w: next record sequence: %v", utils.ErrDatabase, err)
	}
	return s.putJSON(fmt.Sprintf("%s%s:%020d", recordKeyPrefix, runID, n), rec)
}

func (s *BadgerStore) ListRecords(runID string) ([]models.ExtractedRecord, error) {
	var records []models.ExtractedRecord
	err := s.scan(recordKeyPrefix+runID+":", func(val []byte) error {
		var rec models.ExtractedRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("%w: decode record: %v", utils.ErrDatabase, err)
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

func (s *BadgerStore) scan(prefix string, fn func(val []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, utils.ErrDatabase) {
		return fmt.Errorf("%w: scan %s: %v", utils.ErrDatabase, prefix, err)
	}
	return err
}

// RunGC runs value log garbage collection every interval until ctx is done
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.db.IsClosed() {
				return
			}
			var err error
			for err == nil {
				err = s.db.RunValueLogGC(0.5)
			}
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Errorf("Value log GC error: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		return nil
	}
	if err := s.seq.Release(); err != nil {
		s.log.Warnf("Releasing record sequence: %v", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", utils.ErrDatabase, err)
	}
	return nil
}
