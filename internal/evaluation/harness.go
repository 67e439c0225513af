// Package evaluation runs extractor subagents against resolved fixture
// content and scores the output.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/metrics"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/resolver"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/workflow"
)

// TaskPayload is the queued body of an evaluation task.
type TaskPayload struct {
	EvaluationID string `json:"evaluation_id"`
	SubagentName string `json:"subagent_name"`
	URL          string `json:"url"`
}

// Config holds harness settings.
type Config struct {
	// EventTopic receives terminal-transition events; empty disables
	// publishing.
	EventTopic string
}

// Harness orchestrates one evaluation run per (subagent, url) pair. It
// resolves the URL at submission time so an unresolvable input produces a
// failed record immediately instead of a task that can never progress.
type Harness struct {
	cfg         Config
	evaluations studio.EvaluationStore
	resolver    *resolver.Resolver
	snapshots   studio.SnapshotStore
	extractor   studio.Extractor
	enqueuer    workflow.Enqueuer
	publisher   studio.Publisher
	idGen       studio.IDGenerator
	clock       studio.Clock
	logger      *zap.Logger
}

// NewHarness builds a Harness. publisher may be nil to disable events.
func NewHarness(
	cfg Config,
	evaluations studio.EvaluationStore,
	res *resolver.Resolver,
	snapshots studio.SnapshotStore,
	extractor studio.Extractor,
	enqueuer workflow.Enqueuer,
	publisher studio.Publisher,
	idGen studio.IDGenerator,
	clock studio.Clock,
	logger *zap.Logger,
) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harness{
		cfg:         cfg,
		evaluations: evaluations,
		resolver:    res,
		snapshots:   snapshots,
		extractor:   extractor,
		enqueuer:    enqueuer,
		publisher:   publisher,
		idGen:       idGen,
		clock:       clock,
		logger:      logger,
	}
}

// Submit creates an evaluation for the (subagent, url) pair and enqueues its
// task. A URL that resolves to nothing still returns an evaluation id, but
// the record is created failed and no task is enqueued.
func (h *Harness) Submit(ctx context.Context, subagentName, url string) (string, error) {
	id, err := h.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate evaluation id: %w", err)
	}
	now := h.clock.Now()

	resolved, resolveErr := h.resolver.Resolve(ctx, subagentName, url)
	if resolveErr != nil {
		if !studio.IsNotFound(resolveErr) {
			return "", fmt.Errorf("resolve %q: %w", url, resolveErr)
		}
		eval := studio.SubagentEvaluation{
			ID:           id,
			SubagentName: subagentName,
			URL:          url,
			Status:       studio.StatusFailed,
			FailureKind:  studio.FailureResolution,
			ErrorText:    resolveErr.Error(),
			CreatedAt:    now,
			CompletedAt:  &now,
		}
		if err := h.evaluations.CreateEvaluation(ctx, eval); err != nil {
			return "", fmt.Errorf("create evaluation: %w", err)
		}
		metrics.EvaluationFinished(string(studio.StatusFailed))
		h.publishTerminal(ctx, id, studio.StatusFailed, string(studio.FailureResolution))
		h.logger.Warn("evaluation submission unresolvable",
			zap.String("evaluation_id", id),
			zap.String("subagent", subagentName),
			zap.String("url", url))
		return id, nil
	}

	eval := studio.SubagentEvaluation{
		ID:           id,
		SubagentName: subagentName,
		URL:          url,
		Article:      resolved.Reference,
		Status:       studio.StatusPending,
		Expected:     h.expectedFor(subagentName, url),
		CreatedAt:    now,
	}
	if err := h.evaluations.CreateEvaluation(ctx, eval); err != nil {
		return "", fmt.Errorf("create evaluation: %w", err)
	}

	payload := TaskPayload{EvaluationID: id, SubagentName: subagentName, URL: url}
	if _, err := h.enqueuer.Submit(ctx, studio.TaskKindEvaluation, payload); err != nil {
		h.failEvaluation(ctx, id, studio.FailureRetriesExhausted, fmt.Sprintf("enqueue failed: %v", err))
		return "", fmt.Errorf("enqueue evaluation task: %w", err)
	}

	h.logger.Info("evaluation submitted",
		zap.String("evaluation_id", id),
		zap.String("subagent", subagentName),
		zap.String("url", url),
		zap.String("provenance", string(resolved.Reference.Provenance)))
	return id, nil
}

// GetEvaluation returns the evaluation's current state.
func (h *Harness) GetEvaluation(ctx context.Context, id string) (studio.SubagentEvaluation, error) {
	return h.evaluations.GetEvaluation(ctx, id)
}

// Handle executes one delivered evaluation task. The URL is re-resolved here
// because the live store may have changed since submission; provenance on the
// record reflects the content actually evaluated.
func (h *Harness) Handle(ctx context.Context, claim studio.Claim) error {
	var payload TaskPayload
	if err := json.Unmarshal(claim.Task.Payload, &payload); err != nil {
		h.logger.Error("evaluation task payload unreadable, dropping",
			zap.String("task_id", claim.Task.ID), zap.Error(err))
		return nil
	}

	eval, err := h.evaluations.GetEvaluation(ctx, payload.EvaluationID)
	if err != nil {
		if studio.IsNotFound(err) {
			h.logger.Warn("evaluation task references unknown record, dropping",
				zap.String("evaluation_id", payload.EvaluationID))
			return nil
		}
		return fmt.Errorf("load evaluation %s: %w", payload.EvaluationID, err)
	}
	if eval.Status.Terminal() {
		return nil
	}

	if err := h.evaluations.MarkEvaluationRunning(ctx, eval.ID, h.clock.Now()); err != nil {
		if errors.Is(err, studio.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("mark evaluation running: %w", err)
	}

	resolved, err := h.resolver.Resolve(ctx, eval.SubagentName, eval.URL)
	if err != nil {
		if studio.IsNotFound(err) {
			h.failEvaluation(ctx, eval.ID, studio.FailureResolution, err.Error())
			return nil
		}
		return fmt.Errorf("resolve %q: %w", eval.URL, err)
	}

	select {
	case <-claim.Canceled:
		h.failEvaluation(ctx, eval.ID, studio.FailureCanceled, "canceled while running")
		return nil
	default:
	}

	actual, err := h.extractor.Extract(ctx, eval.SubagentName, resolved.Content)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			select {
			case <-claim.Canceled:
				h.failEvaluation(ctx, eval.ID, studio.FailureCanceled, "canceled while running")
				return nil
			default:
				return fmt.Errorf("extract %s: %w", eval.SubagentName, err)
			}
		}
		h.failEvaluation(ctx, eval.ID, studio.ClassifyFailure(err), fmt.Sprintf("subagent %s: %v", eval.SubagentName, err))
		return nil
	}

	score := Score(eval.Expected, actual)
	if err := h.evaluations.CompleteEvaluation(ctx, eval.ID, resolved.Reference, actual, score, h.clock.Now()); err != nil {
		if errors.Is(err, studio.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("complete evaluation: %w", err)
	}
	metrics.EvaluationFinished(string(studio.StatusCompleted))
	h.publishTerminal(ctx, eval.ID, studio.StatusCompleted, "")
	h.logger.Info("evaluation completed",
		zap.String("evaluation_id", eval.ID),
		zap.String("subagent", eval.SubagentName),
		zap.Bool("pass", score.Pass),
		zap.String("provenance", string(resolved.Reference.Provenance)))
	return nil
}

// FailTask is the dead-letter hook for evaluation tasks. The kind comes from
// the broker as a typed cause, never parsed out of the reason text.
func (h *Harness) FailTask(ctx context.Context, task studio.Task, kind studio.FailureKind, reason string) {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		h.logger.Error("dead-lettered evaluation task payload unreadable",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	h.failEvaluation(ctx, payload.EvaluationID, kind, reason)
}

// expectedFor returns the fixture expectation, empty when the subagent has
// no committed snapshot for the URL.
func (h *Harness) expectedFor(subagentName, url string) studio.ExpectedOutput {
	if snap, ok := h.snapshots.Lookup(subagentName, url); ok {
		return snap.Expected
	}
	return studio.ExpectedOutput{}
}

func (h *Harness) failEvaluation(ctx context.Context, id string, kind studio.FailureKind, errText string) {
	if err := h.evaluations.FailEvaluation(ctx, id, kind, errText, h.clock.Now()); err != nil {
		if !errors.Is(err, studio.ErrTerminalState) {
			h.logger.Error("failed to record evaluation failure",
				zap.String("evaluation_id", id), zap.Error(err))
		}
		return
	}
	metrics.EvaluationFinished(string(studio.StatusFailed))
	h.publishTerminal(ctx, id, studio.StatusFailed, string(kind))
	h.logger.Warn("evaluation failed",
		zap.String("evaluation_id", id),
		zap.String("failure_kind", string(kind)),
		zap.String("error", errText))
}

type terminalEvent struct {
	EvaluationID string `json:"evaluation_id"`
	Status       string `json:"status"`
	FailureKind  string `json:"failure_kind,omitempty"`
}

func (h *Harness) publishTerminal(ctx context.Context, id string, status studio.ExecutionStatus, failureKind string) {
	if h.publisher == nil || h.cfg.EventTopic == "" {
		return
	}
	event := terminalEvent{EvaluationID: id, Status: string(status), FailureKind: failureKind}
	if _, err := h.publisher.Publish(ctx, h.cfg.EventTopic, event); err != nil {
		h.logger.Warn("terminal event publish failed",
			zap.String("evaluation_id", id), zap.Error(err))
	}
}
