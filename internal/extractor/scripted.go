package extractor

import (
	"context"
	"sync"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// Scripted is a test double: a fixed response per subagent name, or one
// error for everything. Records every call it receives.
type Scripted struct {
	mu        sync.Mutex
	responses map[string]studio.Extraction
	err       error
	calls     []ScriptedCall
}

// ScriptedCall records one Extract invocation.
type ScriptedCall struct {
	Subagent string
	Content  string
}

// NewScripted builds a Scripted extractor from per-subagent responses.
func NewScripted(responses map[string]studio.Extraction) *Scripted {
	return &Scripted{responses: responses}
}

// NewScriptedError builds a Scripted extractor that always fails with err.
func NewScriptedError(err error) *Scripted {
	return &Scripted{err: err}
}

// Extract returns the scripted response for the subagent. Unknown subagents
// get an empty extraction.
func (s *Scripted) Extract(ctx context.Context, subagentName, content string) (studio.Extraction, error) {
	s.mu.Lock()
	s.calls = append(s.calls, ScriptedCall{Subagent: subagentName, Content: content})
	err := s.err
	resp := s.responses[subagentName]
	s.mu.Unlock()

	if err != nil {
		return studio.Extraction{}, err
	}
	if ctx.Err() != nil {
		return studio.Extraction{}, ctx.Err()
	}
	return resp, nil
}

// Calls returns a copy of the recorded invocations.
func (s *Scripted) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScriptedCall, len(s.calls))
	copy(out, s.calls)
	return out
}
