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

// EvaluationStore implements studio.EvaluationStore over Postgres with the
// same SQL-level terminal guard as ExecutionStore.
type EvaluationStore struct {
	pool querier
}

// NewEvaluationStore constructs a store from an existing pool.
func NewEvaluationStore(pool querier) (*EvaluationStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EvaluationStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *EvaluationStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateEvaluation inserts a new evaluation row. The row may already be
// terminal: an unresolvable submission is created directly in failed state.
func (s *EvaluationStore) CreateEvaluation(ctx context.Context, eval studio.SubagentEvaluation) error {
	expectedJSON, err := json.Marshal(eval.Expected)
	if err != nil {
		return fmt.Errorf("encode expectation: %w", err)
	}
	var failureKind *string
	if eval.FailureKind != "" {
		k := string(eval.FailureKind)
		failureKind = &k
	}
	var errText *string
	if eval.ErrorText != "" {
		errText = &eval.ErrorText
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO subagent_evaluations (
	id, subagent_name, url, article_id, snapshot_key, provenance,
	status, expected, failure_kind, error_text, created_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		eval.ID, eval.SubagentName, eval.URL,
		nullable(eval.Article.ArticleID), nullable(eval.Article.SnapshotKey), string(eval.Article.Provenance),
		string(eval.Status), expectedJSON, failureKind, errText, eval.CreatedAt, eval.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// GetEvaluation returns the evaluation by id.
func (s *EvaluationStore) GetEvaluation(ctx context.Context, id string) (studio.SubagentEvaluation, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, subagent_name, url, article_id, snapshot_key, provenance,
       status, expected, actual, score, failure_kind, error_text, created_at, completed_at
FROM subagent_evaluations WHERE id = $1`, id)

	var (
		eval         studio.SubagentEvaluation
		articleID    *string
		snapshotKey  *string
		provenance   string
		status       string
		expectedJSON []byte
		actualJSON   []byte
		scoreJSON    []byte
		failureKind  *string
		errorText    *string
	)
	err := row.Scan(&eval.ID, &eval.SubagentName, &eval.URL, &articleID, &snapshotKey, &provenance,
		&status, &expectedJSON, &actualJSON, &scoreJSON, &failureKind, &errorText,
		&eval.CreatedAt, &eval.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return studio.SubagentEvaluation{}, fmt.Errorf("evaluation %s: %w", id, studio.ErrNotFound)
	}
	if err != nil {
		return studio.SubagentEvaluation{}, fmt.Errorf("scan evaluation: %w", err)
	}
	if articleID != nil {
		eval.Article.ArticleID = *articleID
	}
	if snapshotKey != nil {
		eval.Article.SnapshotKey = *snapshotKey
	}
	eval.Article.Provenance = studio.Provenance(provenance)
	eval.Status = studio.ExecutionStatus(status)
	if len(expectedJSON) > 0 {
		if err := json.Unmarshal(expectedJSON, &eval.Expected); err != nil {
			return studio.SubagentEvaluation{}, fmt.Errorf("decode expectation: %w", err)
		}
	}
	if len(actualJSON) > 0 {
		eval.Actual = &studio.Extraction{}
		if err := json.Unmarshal(actualJSON, eval.Actual); err != nil {
			return studio.SubagentEvaluation{}, fmt.Errorf("decode actual extraction: %w", err)
		}
	}
	if len(scoreJSON) > 0 {
		eval.Score = &studio.EvaluationScore{}
		if err := json.Unmarshal(scoreJSON, eval.Score); err != nil {
			return studio.SubagentEvaluation{}, fmt.Errorf("decode score: %w", err)
		}
	}
	if failureKind != nil {
		eval.FailureKind = studio.FailureKind(*failureKind)
	}
	if errorText != nil {
		eval.ErrorText = *errorText
	}
	return eval, nil
}

// MarkEvaluationRunning transitions pending to running.
func (s *EvaluationStore) MarkEvaluationRunning(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE subagent_evaluations
SET status = $2
WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, string(studio.StatusRunning))
	if err != nil {
		return fmt.Errorf("mark evaluation running: %w", err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

// CompleteEvaluation records the actual extraction and score. The reference
// replaces the one captured at submission so the row names the content that
// was actually evaluated.
func (s *EvaluationStore) CompleteEvaluation(ctx context.Context, id string, ref studio.ArticleReference, actual studio.Extraction, score studio.EvaluationScore, at time.Time) error {
	actualJSON, err := json.Marshal(actual)
	if err != nil {
		return fmt.Errorf("encode actual extraction: %w", err)
	}
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE subagent_evaluations
SET status = $2, article_id = $3, snapshot_key = $4, provenance = $5,
    actual = $6, score = $7, completed_at = $8
WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, string(studio.StatusCompleted),
		nullable(ref.ArticleID), nullable(ref.SnapshotKey), string(ref.Provenance),
		actualJSON, scoreJSON, at)
	if err != nil {
		return fmt.Errorf("complete evaluation: %w", err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

// FailEvaluation records a terminal failure with its kind and message.
func (s *EvaluationStore) FailEvaluation(ctx context.Context, id string, kind studio.FailureKind, errText string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE subagent_evaluations
SET status = $2, failure_kind = $3, error_text = $4, completed_at = $5
WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, string(studio.StatusFailed), string(kind), errText, at)
	if err != nil {
		return fmt.Errorf("fail evaluation: %w", err)
	}
	return s.checkAffected(ctx, id, tag.RowsAffected())
}

func (s *EvaluationStore) checkAffected(ctx context.Context, id string, affected int64) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subagent_evaluations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check evaluation %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("evaluation %s: %w", id, studio.ErrNotFound)
	}
	return fmt.Errorf("evaluation %s: %w", id, studio.ErrTerminalState)
}

// nullable maps an empty string to SQL NULL.
func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
