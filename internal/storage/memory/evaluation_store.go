package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// EvaluationStore keeps subagent evaluations in memory with the same
// terminal-state guarantees as ExecutionStore.
type EvaluationStore struct {
	mu   sync.RWMutex
	rows map[string]studio.SubagentEvaluation
}

// NewEvaluationStore creates an empty EvaluationStore.
func NewEvaluationStore() *EvaluationStore {
	return &EvaluationStore{rows: make(map[string]studio.SubagentEvaluation)}
}

// CreateEvaluation persists a new row. Unlike executions the row may be
// created directly in the failed state when resolution fails at submission.
func (s *EvaluationStore) CreateEvaluation(_ context.Context, eval studio.SubagentEvaluation) error {
	if eval.ID == "" {
		return fmt.Errorf("evaluation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.rows[eval.ID]; dup {
		return fmt.Errorf("evaluation %s already exists", eval.ID)
	}
	s.rows[eval.ID] = eval
	return nil
}

// GetEvaluation returns the evaluation by id.
func (s *EvaluationStore) GetEvaluation(_ context.Context, id string) (studio.SubagentEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	eval, ok := s.rows[id]
	if !ok {
		return studio.SubagentEvaluation{}, fmt.Errorf("evaluation %s: %w", id, studio.ErrNotFound)
	}
	return eval, nil
}

// MarkEvaluationRunning transitions a pending evaluation to running.
func (s *EvaluationStore) MarkEvaluationRunning(_ context.Context, id string, _ time.Time) error {
	return s.mutate(id, func(eval *studio.SubagentEvaluation) {
		eval.Status = studio.StatusRunning
	})
}

// CompleteEvaluation transitions to the terminal completed state. The
// reference replaces the one captured at submission so the record names the
// content that was actually evaluated.
func (s *EvaluationStore) CompleteEvaluation(_ context.Context, id string, ref studio.ArticleReference, actual studio.Extraction, score studio.EvaluationScore, at time.Time) error {
	return s.mutate(id, func(eval *studio.SubagentEvaluation) {
		eval.Status = studio.StatusCompleted
		eval.Article = ref
		eval.Actual = &actual
		eval.Score = &score
		eval.CompletedAt = &at
	})
}

// FailEvaluation transitions to the terminal failed state.
func (s *EvaluationStore) FailEvaluation(_ context.Context, id string, kind studio.FailureKind, errText string, at time.Time) error {
	return s.mutate(id, func(eval *studio.SubagentEvaluation) {
		eval.Status = studio.StatusFailed
		eval.FailureKind = kind
		eval.ErrorText = errText
		eval.CompletedAt = &at
	})
}

func (s *EvaluationStore) mutate(id string, fn func(*studio.SubagentEvaluation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	eval, ok := s.rows[id]
	if !ok {
		return fmt.Errorf("evaluation %s: %w", id, studio.ErrNotFound)
	}
	if eval.Status.Terminal() {
		return fmt.Errorf("evaluation %s: %w", id, studio.ErrTerminalState)
	}
	fn(&eval)
	s.rows[id] = eval
	return nil
}
