// Package workflow drives article extraction executions from submission to a
// terminal state.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/metrics"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// Enqueuer routes a payload into the queue topology. Satisfied by
// dispatcher.Dispatcher.
type Enqueuer interface {
	Submit(ctx context.Context, kind studio.TaskKind, payload any) (studio.Task, error)
}

// TaskPayload is the queued body of a workflow task.
type TaskPayload struct {
	ExecutionID string `json:"execution_id"`
	ArticleID   string `json:"article_id"`
}

// Config holds engine settings.
type Config struct {
	// Subagents are the extractors run against each article, in order.
	Subagents []string
	// EventTopic receives terminal-transition events; empty disables
	// publishing.
	EventTopic string
}

// Engine is the workflow execution engine. It creates pending executions at
// submission and transitions them when a worker delivers the task.
type Engine struct {
	cfg        Config
	executions studio.ExecutionStore
	articles   studio.ArticleStore
	extractor  studio.Extractor
	enqueuer   Enqueuer
	publisher  studio.Publisher
	idGen      studio.IDGenerator
	clock      studio.Clock
	logger     *zap.Logger
}

// NewEngine builds an Engine. publisher may be nil to disable events.
func NewEngine(
	cfg Config,
	executions studio.ExecutionStore,
	articles studio.ArticleStore,
	extractor studio.Extractor,
	enqueuer Enqueuer,
	publisher studio.Publisher,
	idGen studio.IDGenerator,
	clock studio.Clock,
	logger *zap.Logger,
) (*Engine, error) {
	if len(cfg.Subagents) == 0 {
		return nil, fmt.Errorf("workflow: at least one subagent is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		executions: executions,
		articles:   articles,
		extractor:  extractor,
		enqueuer:   enqueuer,
		publisher:  publisher,
		idGen:      idGen,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Submit creates a pending execution for the article and enqueues its task.
// An unknown article id fails here, before any row exists, so callers never
// poll a pending execution that cannot make progress.
func (e *Engine) Submit(ctx context.Context, articleID string) (string, error) {
	if _, err := e.articles.GetArticle(ctx, articleID); err != nil {
		return "", fmt.Errorf("submit workflow: %w", err)
	}

	id, err := e.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate execution id: %w", err)
	}
	exec := studio.WorkflowExecution{
		ID:        id,
		ArticleID: articleID,
		Status:    studio.StatusPending,
		CreatedAt: e.clock.Now(),
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	if _, err := e.enqueuer.Submit(ctx, studio.TaskKindWorkflow, TaskPayload{ExecutionID: id, ArticleID: articleID}); err != nil {
		// The row would otherwise sit pending forever.
		e.failExecution(ctx, id, studio.FailureRetriesExhausted, fmt.Sprintf("enqueue failed: %v", err))
		return "", fmt.Errorf("enqueue workflow task: %w", err)
	}

	e.logger.Info("workflow submitted",
		zap.String("execution_id", id),
		zap.String("article_id", articleID))
	return id, nil
}

// GetExecution returns the execution's current state.
func (e *Engine) GetExecution(ctx context.Context, id string) (studio.WorkflowExecution, error) {
	return e.executions.GetExecution(ctx, id)
}

// Handle executes one delivered workflow task. It returns a non-nil
// error only when the execution's outcome is still undecided and the task
// should be redelivered; a recorded terminal failure returns nil.
func (e *Engine) Handle(ctx context.Context, claim studio.Claim) error {
	var payload TaskPayload
	if err := json.Unmarshal(claim.Task.Payload, &payload); err != nil {
		e.logger.Error("workflow task payload unreadable, dropping",
			zap.String("task_id", claim.Task.ID), zap.Error(err))
		return nil
	}

	exec, err := e.executions.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		if studio.IsNotFound(err) {
			e.logger.Warn("workflow task references unknown execution, dropping",
				zap.String("execution_id", payload.ExecutionID))
			return nil
		}
		return fmt.Errorf("load execution %s: %w", payload.ExecutionID, err)
	}
	// Redelivery of a task whose previous delivery already settled the row.
	if exec.Status.Terminal() {
		return nil
	}

	if err := e.executions.MarkExecutionRunning(ctx, exec.ID, e.clock.Now()); err != nil {
		if isTerminal(err) {
			return nil
		}
		return fmt.Errorf("mark execution running: %w", err)
	}

	article, err := e.articles.GetArticle(ctx, exec.ArticleID)
	if err != nil {
		if studio.IsNotFound(err) {
			e.failExecution(ctx, exec.ID, studio.FailureResolution, fmt.Sprintf("article %s not found", exec.ArticleID))
			return nil
		}
		return fmt.Errorf("load article %s: %w", exec.ArticleID, err)
	}

	result := make(studio.ExtractionResult, len(e.cfg.Subagents))
	for _, subagent := range e.cfg.Subagents {
		select {
		case <-claim.Canceled:
			e.failExecution(ctx, exec.ID, studio.FailureCanceled, "canceled while running")
			return nil
		default:
		}

		extraction, err := e.extractor.Extract(ctx, subagent, article.Content)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				select {
				case <-claim.Canceled:
					e.failExecution(ctx, exec.ID, studio.FailureCanceled, "canceled while running")
					return nil
				default:
					// Worker shutdown mid-extraction. Leave the row running
					// so redelivery after lease expiry can finish the job.
					return fmt.Errorf("extract %s: %w", subagent, err)
				}
			}
			kind := studio.ClassifyFailure(err)
			e.failExecution(ctx, exec.ID, kind, fmt.Sprintf("subagent %s: %v", subagent, err))
			return nil
		}
		result[subagent] = extraction
	}

	if err := e.executions.CompleteExecution(ctx, exec.ID, result, e.clock.Now()); err != nil {
		if isTerminal(err) {
			return nil
		}
		return fmt.Errorf("complete execution: %w", err)
	}
	metrics.ExecutionFinished(string(studio.StatusCompleted))
	e.publishTerminal(ctx, exec.ID, studio.StatusCompleted, "")
	e.logger.Info("workflow completed",
		zap.String("execution_id", exec.ID),
		zap.String("article_id", exec.ArticleID),
		zap.Int("subagents", len(result)))
	return nil
}

// FailTask is the dead-letter hook: the broker calls it when a workflow task
// exhausts redelivery or is canceled before any claim. The kind comes from
// the broker as a typed cause, never parsed out of the reason text.
func (e *Engine) FailTask(ctx context.Context, task studio.Task, kind studio.FailureKind, reason string) {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		e.logger.Error("dead-lettered workflow task payload unreadable",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	e.failExecution(ctx, payload.ExecutionID, kind, reason)
}

func (e *Engine) failExecution(ctx context.Context, id string, kind studio.FailureKind, errText string) {
	if err := e.executions.FailExecution(ctx, id, kind, errText, e.clock.Now()); err != nil {
		if !isTerminal(err) {
			e.logger.Error("failed to record execution failure",
				zap.String("execution_id", id), zap.Error(err))
		}
		return
	}
	metrics.ExecutionFinished(string(studio.StatusFailed))
	e.publishTerminal(ctx, id, studio.StatusFailed, string(kind))
	e.logger.Warn("workflow failed",
		zap.String("execution_id", id),
		zap.String("failure_kind", string(kind)),
		zap.String("error", errText))
}

type terminalEvent struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	FailureKind string `json:"failure_kind,omitempty"`
}

func (e *Engine) publishTerminal(ctx context.Context, id string, status studio.ExecutionStatus, failureKind string) {
	if e.publisher == nil || e.cfg.EventTopic == "" {
		return
	}
	event := terminalEvent{ExecutionID: id, Status: string(status), FailureKind: failureKind}
	if _, err := e.publisher.Publish(ctx, e.cfg.EventTopic, event); err != nil {
		e.logger.Warn("terminal event publish failed",
			zap.String("execution_id", id), zap.Error(err))
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, studio.ErrTerminalState)
}
