package controller

import (
	"sync"

	"github.com/livinlefevreloca/refimport/internal/db"
)

// State is one step of an import run's lifecycle
type State interface {
	Name() string
}

// PendingState - run row inserted, nothing executed yet
type PendingState struct{}

func (s *PendingState) Name() string { return db.RunPending }
func (s *PendingState) ToRunning() *RunningState {
	return &RunningState{}
}
func (s *PendingState) ToFailed() *FailedState {
	return &FailedState{}
}

// RunningState - pipeline executing
type RunningState struct{}

func (s *RunningState) Name() string { return "running" }
func (s *RunningState) ToDone() *DoneState {
	return &DoneState{}
}
func (s *RunningState) ToFailed() *FailedState {
	return &FailedState{}
}

// DoneState - terminal, the run's writes are the current generation
type DoneState struct{}

func (s *DoneState) Name() string { return db.RunDone }

// FailedState - terminal, the run's writes were compensated
type FailedState struct{}

func (s *FailedState) Name() string { return db.RunFailed }

// StateRecorder keeps the states runs went through, in order
type StateRecorder struct {
	mu   sync.Mutex
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.path...)
}
