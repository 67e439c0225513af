package studio

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	// ErrNotFound reports that a URL or identifier matched nothing, live
	// or static.
	ErrNotFound = errors.New("not found")

	// ErrExtractorTimeout reports the inference call exceeded its budget.
	ErrExtractorTimeout = errors.New("extractor timed out")

	// ErrExtractorMalformed reports the inference service returned output
	// that could not be parsed into an extraction.
	ErrExtractorMalformed = errors.New("extractor returned malformed output")

	// ErrExtractorUnavailable reports the inference service could not be
	// reached or refused the request.
	ErrExtractorUnavailable = errors.New("inference service unavailable")

	// ErrTerminalState rejects a transition on a completed or failed row.
	ErrTerminalState = errors.New("execution is terminal")

	// ErrLeaseNotHeld rejects an ack or nack whose lease is not current,
	// typically because it expired and the task was redelivered.
	ErrLeaseNotHeld = errors.New("lease not held")

	// ErrTaskNotFound reports an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownQueue reports an enqueue or dequeue against a queue name
	// absent from the topology.
	ErrUnknownQueue = errors.New("unknown queue")
)

// RoutingConfigError is fatal at startup: the routing table does not cover
// every task kind, or maps a kind to an empty queue.
type RoutingConfigError struct {
	Kind   TaskKind
	Reason string
}

func (e *RoutingConfigError) Error() string {
	return fmt.Sprintf("routing config: kind %q: %s", e.Kind, e.Reason)
}

// ResolutionError wraps ErrNotFound with the URL that failed to resolve.
type ResolutionError struct {
	URL string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: no live article or static snapshot", e.URL)
}

// Unwrap lets errors.Is(err, ErrNotFound) match.
func (e *ResolutionError) Unwrap() error { return ErrNotFound }

// IsNotFound reports whether err means a lookup matched nothing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ClassifyFailure maps an execution error to its recorded failure kind.
func ClassifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return FailureResolution
	case errors.Is(err, ErrExtractorTimeout):
		return FailureExtractorTimeout
	case errors.Is(err, ErrExtractorUnavailable):
		return FailureExtractorUnavailable
	default:
		return FailureExtractorError
	}
}
