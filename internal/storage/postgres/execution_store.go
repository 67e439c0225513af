package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// ExecutionStore implements studio.ExecutionStore over Postgres. Terminal
// rows are guarded in SQL: transitions carry a status predicate, so a
// concurrent or late writer affects zero rows instead of clobbering a result.
type ExecutionStore struct {
	pool querier
}

// NewExecutionStore constructs a store from an existing pool.
func NewExecutionStore(pool querier) (*ExecutionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ExecutionStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ExecutionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateExecution inserts a new execution row.
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec studio.WorkflowExecution) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO workflow_executions (id, article_id, status, created_at)
VALUES ($1, $2, $3, $4)`,
		exec.ID, exec.ArticleID, string(exec.Status), exec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution returns the execution by id.
func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (studio.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, article_id, status, created_at, started_at, completed_at, result, failure_kind, error_text
FROM workflow_executions WHERE id = $1`, id)

	var (
		exec        studio.WorkflowExecution
		status      string
		resultJSON  []byte
		failureKind *string
		errorText   *string
	)
	err := row.Scan(&exec.ID, &exec.ArticleID, &status, &exec.CreatedAt,
		&exec.StartedAt, &exec.CompletedAt, &resultJSON, &failureKind, &errorText)
	if errors.Is(err, pgx.ErrNoRows) {
		return studio.WorkflowExecution{}, fmt.Errorf("execution %s: %w", id, studio.ErrNotFound)
	}
	if err != nil {
		return studio.WorkflowExecution{}, fmt.Errorf("scan execution: %w", err)
	}
	exec.Status = studio.ExecutionStatus(status)
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &exec.Result); err != nil {
			return studio.WorkflowExecution{}, fmt.Errorf("decode execution result: %w", err)
		}
	}
	if failureKind != nil {
		exec.FailureKind = studio.FailureKind(*failureKind)
	}
	if errorText != nil {
		exec.ErrorText = *errorText
	}
	return exec, nil
}

// MarkExecutionRunning transitions pending to running.
func (s *ExecutionStore) MarkExecutionRunning(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE workflow_executions
SET status = $2, started_at = $3
WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, string(studio.StatusRunning), at)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

// CompleteExecution records the extraction result and finishes the row.
func (s *ExecutionStore) CompleteExecution(ctx context.Context, id string, result studio.ExtractionResult, at time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode execution result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE workflow_executions
SET status = $2, result = $3, completed_at = $4
WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, string(studio.StatusCompleted), resultJSON, at)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

// FailExecution records a terminal failure with its kind and message.
func (s *ExecutionStore) FailExecution(ctx context.Context, id string, kind studio.FailureKind, errText string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE workflow_executions
SET status = $2, failure_kind = $3, error_text = $4, completed_at = $5
WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, string(studio.StatusFailed), string(kind), errText, at)
	if err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

// checkAffected distinguishes a missing row from a terminal one after an
// update matched nothing.
func (s *ExecutionStore) checkAffected(ctx context.Context, id string, affected int64) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check execution %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("execution %s: %w", id, studio.ErrNotFound)
	}
	return fmt.Errorf("execution %s: %w", id, studio.ErrTerminalState)
}
