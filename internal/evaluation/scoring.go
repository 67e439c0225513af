package evaluation

import (
	"sort"
	"strings"

	"github.com/dfirtnt/Huntable-CTI-Studio-sub005/internal/studio"
)

// Score compares a subagent's actual extraction with the fixture expectation.
// A count expectation checks cardinality only; an observables expectation is
// a set comparison over whitespace-normalized values. Pass requires every
// recorded expectation to hold.
func Score(expected studio.ExpectedOutput, actual studio.Extraction) studio.EvaluationScore {
	score := studio.EvaluationScore{CountMatch: true}

	if expected.Count != nil {
		score.CountMatch = len(actual.Observables) == *expected.Count
	}

	if len(expected.Observables) > 0 {
		want := normalizeSet(expected.Observables)
		got := normalizeSet(actual.Observables)
		for v := range want {
			if _, ok := got[v]; !ok {
				score.Missing = append(score.Missing, v)
			}
		}
		for v := range got {
			if _, ok := want[v]; !ok {
				score.Unexpected = append(score.Unexpected, v)
			}
		}
		sort.Strings(score.Missing)
		sort.Strings(score.Unexpected)
	}

	score.Pass = score.CountMatch && len(score.Missing) == 0 && len(score.Unexpected) == 0
	return score
}

// normalizeSet collapses runs of whitespace so formatting differences between
// fixture files and extractor output do not fail a comparison. Duplicates
// within a side collapse to one entry.
func normalizeSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		norm := strings.Join(strings.Fields(v), " ")
		if norm == "" {
			continue
		}
		set[norm] = struct{}{}
	}
	return set
}
