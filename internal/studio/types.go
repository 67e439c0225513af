// Package studio defines core types shared across subsystems.
package studio

import "time"

// TaskKind identifies the category of queued work.
type TaskKind string

// Task kinds routed through the queue topology.
const (
	TaskKindSourceCheck TaskKind = "source_check"
	TaskKindWorkflow    TaskKind = "workflow"
	TaskKindEvaluation  TaskKind = "evaluation"
)

// TaskKinds lists every kind the router must cover.
var TaskKinds = []TaskKind{TaskKindSourceCheck, TaskKindWorkflow, TaskKindEvaluation}

// Valid reports whether the kind is one of the closed set.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindSourceCheck, TaskKindWorkflow, TaskKindEvaluation:
		return true
	}
	return false
}

// Task is a unit of routed, queued work. Immutable once enqueued.
type Task struct {
	ID          string    `json:"id"`
	Kind        TaskKind  `json:"kind"`
	Payload     []byte    `json:"payload"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	TargetQueue string    `json:"target_queue"`
}

// Claim is a time-bounded exclusive right to execute one task.
type Claim struct {
	Task     Task
	LeaseID  string
	WorkerID string
	Deadline time.Time
	Delivery int
	// Canceled is closed when a cancellation request arrives while the
	// claim is held. Best effort: the holder observes it, the broker does
	// not interrupt execution.
	Canceled <-chan struct{}
}

// ExecutionStatus is the lifecycle state shared by workflow executions and
// subagent evaluations.
type ExecutionStatus string

// Execution status values. Completed and failed are terminal and immutable.
const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureKind classifies why an execution reached the failed state.
type FailureKind string

// Failure kinds recorded on terminal failed rows.
const (
	FailureResolution           FailureKind = "resolution_failure"
	FailureExtractorTimeout     FailureKind = "extractor_timeout"
	FailureExtractorError       FailureKind = "extractor_error"
	FailureExtractorUnavailable FailureKind = "extractor_unavailable"
	FailureRetriesExhausted     FailureKind = "retries_exhausted"
	FailureCanceled             FailureKind = "canceled"
)

// Provenance records where resolved article content came from.
type Provenance string

// Provenance values surfaced to evaluation records.
const (
	ProvenanceLive   Provenance = "live"
	ProvenanceStatic Provenance = "static"
)

// Article is an ingested content row. Read-mostly; the resolver never
// mutates this store.
type Article struct {
	ID           string    `json:"id"`
	CanonicalURL string    `json:"canonical_url"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// StaticSnapshot is one committed fixture record for a subagent. Immutable
// once loaded; the canonical source of truth for reproducible evaluation
// after an environment rebuild.
type StaticSnapshot struct {
	SubagentName string         `json:"subagent_name" yaml:"-"`
	URL          string         `json:"url" yaml:"url"`
	Title        string         `json:"title" yaml:"title"`
	Content      string         `json:"content" yaml:"content"`
	Expected     ExpectedOutput `json:"expected" yaml:"expected"`
}

// ExpectedOutput is the recorded expectation for a fixture. Count and
// Observables are independent: a count-only fixture checks cardinality, an
// observables fixture checks set equality.
type ExpectedOutput struct {
	Count       *int     `json:"count,omitempty" yaml:"count,omitempty"`
	Observables []string `json:"observables,omitempty" yaml:"observables,omitempty"`
}

// Extraction is the structured output of one extractor subagent run.
type Extraction struct {
	Observables []string `json:"observables"`
}

// ExtractionResult maps subagent name to its extraction, the persisted output
// of a workflow execution.
type ExtractionResult map[string]Extraction

// WorkflowExecution tracks one article extraction from submission to a
// terminal state. Mutated only by the worker holding the current claim.
type WorkflowExecution struct {
	ID          string            `json:"id"`
	ArticleID   string            `json:"article_id"`
	Status      ExecutionStatus   `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      ExtractionResult  `json:"result,omitempty"`
	FailureKind FailureKind       `json:"failure_kind,omitempty"`
	ErrorText   string            `json:"error_text,omitempty"`
}

// ArticleReference points at exactly one content source, never both.
type ArticleReference struct {
	ArticleID   string     `json:"article_id,omitempty"`
	SnapshotKey string     `json:"snapshot_key,omitempty"`
	Provenance  Provenance `json:"provenance"`
}

// EvaluationScore compares actual extractor output with the expectation.
type EvaluationScore struct {
	CountMatch bool     `json:"count_match"`
	Missing    []string `json:"missing,omitempty"`
	Unexpected []string `json:"unexpected,omitempty"`
	Pass       bool     `json:"pass"`
}

// SubagentEvaluation records one evaluation run of (subagent, article).
type SubagentEvaluation struct {
	ID           string           `json:"id"`
	SubagentName string           `json:"subagent_name"`
	URL          string           `json:"url"`
	Article      ArticleReference `json:"article_reference"`
	Status       ExecutionStatus  `json:"status"`
	Expected     ExpectedOutput   `json:"expected"`
	Actual       *Extraction      `json:"actual,omitempty"`
	Score        *EvaluationScore `json:"score,omitempty"`
	FailureKind  FailureKind      `json:"failure_kind,omitempty"`
	ErrorText    string           `json:"error_text,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// FetchedContent is what a source check obtains for one URL. Producing it
// (scraping, boilerplate removal) is the fetcher's concern, not ours.
type FetchedContent struct {
	URL     string
	Title   string
	Content string
	Raw     []byte
}
