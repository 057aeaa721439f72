package watch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/scrabg/scra/pkg/orchestrate"
)

const stateFileName = "watch_state.json"

// WorkflowState is the last run of one watched workflow
type WorkflowState struct {
	LastRunTime    time.Time `json:"last_run_time"`
	LastRunSuccess bool      `json:"last_run_success"`
	RunID          string    `json:"run_id,omitempty"`
	Requests       int64     `json:"requests"`
	Records        int       `json:"records"`
	OutputPath     string    `json:"output_path,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// State is the content of watch_state.json
type State struct {
	Workflows map[string]WorkflowState `json:"workflows"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// StateManager loads and saves watch state under the state directory
type StateManager struct {
	stateDir  string
	statePath string

	mu    sync.RWMutex
	state State
	now   func() time.Time
}

func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		state:     State{Workflows: make(map[string]WorkflowState)},
		now:       time.Now,
	}
}

// Path returns the state file location
func (m *StateManager) Path() string { return m.statePath }

// Load reads the state file. A missing file is an empty state.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if errors.Is(err, os.ErrNotExist) {
		m.state = State{Workflows: make(map[string]WorkflowState)}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read watch state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse watch state: %w", err)
	}
	if st.Workflows == nil {
		st.Workflows = make(map[string]WorkflowState)
	}
	m.state = st
	return nil
}

// Save writes the state to a temp file and renames it into place
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = m.now()
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watch state: %w", err)
	}

	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write watch state: %w", err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("replace watch state: %w", err)
	}
	return nil
}

func (m *StateManager) Get(key string) (WorkflowState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state.Workflows[key]
	return st, ok
}

// Record stores the outcome of a finished run
func (m *StateManager) Record(r orchestrate.WorkflowResult) {
	st := WorkflowState{
		LastRunTime:    m.now(),
		LastRunSuccess: r.Success,
		RunID:          r.RunID,
		Requests:       r.Requests,
		Records:        r.Records,
		OutputPath:     r.OutputPath,
	}
	if r.Error != nil {
		st.ErrorMessage = r.Error.Error()
	}

	m.mu.Lock()
	m.state.Workflows[r.WorkflowKey] = st
	m.mu.Unlock()
}

// Due reports whether key has never run or last ran at least interval ago
func (m *StateManager) Due(key string, interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state.Workflows[key]
	return !ok || m.now().Sub(st.LastRunTime) >= interval
}

// NextRun returns when key is next due; now for a workflow that never ran
func (m *StateManager) NextRun(key string, interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.state.Workflows[key]
	if !ok {
		return m.now()
	}
	return st.LastRunTime.Add(interval)
}

// All returns a copy of every workflow state
func (m *StateManager) All() map[string]WorkflowState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]WorkflowState, len(m.state.Workflows))
	for k, v := range m.state.Workflows {
		out[k] = v
	}
	return out
}
