package studio

import (
	"context"
	"time"
)

// ArticleStore persists ingested articles with a canonical-URL index.
type ArticleStore interface {
	GetArticle(ctx context.Context, id string) (Article, error)
	GetArticleByURL(ctx context.Context, canonicalURL string) (Article, error)
	UpsertArticle(ctx context.Context, article Article) (string, error)
}

// SnapshotStore indexes committed fixture records per subagent. Lookups are
// pure; implementations are immutable after load.
type SnapshotStore interface {
	Lookup(subagentName, url string) (StaticSnapshot, bool)
	Fixtures(subagentName string) []StaticSnapshot
}

// ExecutionStore persists workflow executions. Terminal rows reject further
// transitions with ErrTerminalState.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (WorkflowExecution, error)
	MarkExecutionRunning(ctx context.Context, id string, at time.Time) error
	CompleteExecution(ctx context.Context, id string, result ExtractionResult, at time.Time) error
	FailExecution(ctx context.Context, id string, kind FailureKind, errText string, at time.Time) error
}

// EvaluationStore persists subagent evaluations with the same terminal-state
// guarantees as ExecutionStore.
type EvaluationStore interface {
	CreateEvaluation(ctx context.Context, eval SubagentEvaluation) error
	GetEvaluation(ctx context.Context, id string) (SubagentEvaluation, error)
	MarkEvaluationRunning(ctx context.Context, id string, at time.Time) error
	CompleteEvaluation(ctx context.Context, id string, ref ArticleReference, actual Extraction, score EvaluationScore, at time.Time) error
	FailEvaluation(ctx context.Context, id string, kind FailureKind, errText string, at time.Time) error
}

// Broker provides enqueue/dequeue semantics over the named-queue topology.
// Dequeue claims: at most one live claim per task, redelivery after lease
// expiry (at-least-once).
type Broker interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context, queue string, maxN int, workerID string) ([]Claim, error)
	Ack(ctx context.Context, taskID, leaseID string) error
	Nack(ctx context.Context, taskID, leaseID, reason string) error
	// Cancel removes a pending task before any claim. If the task is
	// already claimed it signals the holder instead and returns false.
	Cancel(ctx context.Context, taskID string) (bool, error)
}

// Extractor invokes one named subagent against article content and returns
// its structured observables. External collaborator: the LLM inference
// service sits behind this seam.
type Extractor interface {
	Extract(ctx context.Context, subagentName, content string) (Extraction, error)
}

// ContentFetcher turns a source URL into article content. The scraping and
// parsing behind it are external collaborators.
type ContentFetcher interface {
	Fetch(ctx context.Context, url string) (FetchedContent, error)
}

// BlobStore archives raw captured payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes terminal-transition events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task/execution IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
