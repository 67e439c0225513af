package studio

import (
	"errors"
	"testing"
)

func TestNewRoutingTableTotal(t *testing.T) {
	t.Parallel()

	rt, err := NewRoutingTable(map[TaskKind]string{
		TaskKindSourceCheck: "bulk",
		TaskKindWorkflow:    "express",
		TaskKindEvaluation:  "express",
	})
	if err != nil {
		t.Fatalf("NewRoutingTable() error = %v", err)
	}
	if got := rt.Route(TaskKindSourceCheck); got != "bulk" {
		t.Fatalf("Route(source_check) = %q, want bulk", got)
	}
	// Routing is deterministic within a process lifetime.
	for i := 0; i < 100; i++ {
		if got := rt.Route(TaskKindWorkflow); got != "express" {
			t.Fatalf("Route(workflow) = %q on call %d, want express", got, i)
		}
	}
	queues := rt.Queues()
	if len(queues) != 2 || queues[0] != "bulk" || queues[1] != "express" {
		t.Fatalf("Queues() = %v, want [bulk express]", queues)
	}
}

func TestNewRoutingTableRejectsIncompleteMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mapping map[TaskKind]string
	}{
		{"missing kind", map[TaskKind]string{
			TaskKindSourceCheck: "bulk",
			TaskKindWorkflow:    "express",
		}},
		{"empty queue", map[TaskKind]string{
			TaskKindSourceCheck: "bulk",
			TaskKindWorkflow:    "express",
			TaskKindEvaluation:  "",
		}},
		{"unknown kind", map[TaskKind]string{
			TaskKindSourceCheck: "bulk",
			TaskKindWorkflow:    "express",
			TaskKindEvaluation:  "express",
			TaskKind("scrape"):  "bulk",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRoutingTable(tc.mapping)
			if err == nil {
				t.Fatal("expected routing config error")
			}
			var rcErr *RoutingConfigError
			if !errors.As(err, &rcErr) {
				t.Fatalf("expected *RoutingConfigError, got %T", err)
			}
		})
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	t.Parallel()

	if StatusPending.Terminal() || StatusRunning.Terminal() {
		t.Fatal("pending/running must not be terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatal("completed/failed must be terminal")
	}
}

func TestClassifyFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want FailureKind
	}{
		{&ResolutionError{URL: "https://x/1"}, FailureResolution},
		{ErrExtractorTimeout, FailureExtractorTimeout},
		{ErrExtractorUnavailable, FailureExtractorUnavailable},
		{ErrExtractorMalformed, FailureExtractorError},
		{errors.New("boom"), FailureExtractorError},
	}
	for _, tc := range cases {
		if got := ClassifyFailure(tc.err); got != tc.want {
			t.Fatalf("ClassifyFailure(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
