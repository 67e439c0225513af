package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// ExecutionStore keeps workflow executions in memory. Terminal rows are
// immutable: any further transition returns studio.ErrTerminalState.
type ExecutionStore struct {
	mu   sync.RWMutex
	rows map[string]studio.WorkflowExecution
}

// NewExecutionStore creates an empty ExecutionStore.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{rows: make(map[string]studio.WorkflowExecution)}
}

// CreateExecution persists a new pending row.
func (s *ExecutionStore) CreateExecution(_ context.Context, exec studio.WorkflowExecution) error {
	if exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.rows[exec.ID]; dup {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	s.rows[exec.ID] = exec
	return nil
}

// GetExecution returns the execution by id.
func (s *ExecutionStore) GetExecution(_ context.Context, id string) (studio.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.rows[id]
	if !ok {
		return studio.WorkflowExecution{}, fmt.Errorf("execution %s: %w", id, studio.ErrNotFound)
	}
	return exec, nil
}

// MarkExecutionRunning transitions a pending execution to running.
func (s *ExecutionStore) MarkExecutionRunning(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, func(exec *studio.WorkflowExecution) {
		exec.Status = studio.StatusRunning
		exec.StartedAt = &at
	})
}

// CompleteExecution transitions to the terminal completed state.
func (s *ExecutionStore) CompleteExecution(_ context.Context, id string, result studio.ExtractionResult, at time.Time) error {
	return s.mutate(id, func(exec *studio.WorkflowExecution) {
		exec.Status = studio.StatusCompleted
		exec.Result = result
		exec.CompletedAt = &at
	})
}

// FailExecution transitions to the terminal failed state.
func (s *ExecutionStore) FailExecution(_ context.Context, id string, kind studio.FailureKind, errText string, at time.Time) error {
	return s.mutate(id, func(exec *studio.WorkflowExecution) {
		exec.Status = studio.StatusFailed
		exec.FailureKind = kind
		exec.ErrorText = errText
		exec.CompletedAt = &at
	})
}

func (s *ExecutionStore) mutate(id string, fn func(*studio.WorkflowExecution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("execution %s: %w", id, studio.ErrNotFound)
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("execution %s: %w", id, studio.ErrTerminalState)
	}
	fn(&exec)
	s.rows[id] = exec
	return nil
}
