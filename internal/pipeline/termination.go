package pipeline

import "facturas/internal"

// TerminationState decides when a run has stopped producing value. A
// threshold of zero disables its condition.
type TerminationState struct {
	Processed          int
	ConsecutiveNoMatch int
	ConsecutiveNoNew   int

	MinProcessed int
	MaxNoMatch   int
	MaxNoNew     int
}

func NewTerminationState(minProcessed, maxNoMatch, maxNoNew int) *TerminationState {
	return &TerminationState{MinProcessed: minProcessed, MaxNoMatch: maxNoMatch, MaxNoNew: maxNoNew}
}

// Record accounts for one approval. A registry hit counts as a match that
// added nothing.
func (t *TerminationState) Record(kind internal.MatchKind, newRecords int) {
	t.Processed++
	switch {
	case kind == internal.MatchNone:
		t.ConsecutiveNoMatch++
		t.ConsecutiveNoNew = 0
	case kind == internal.MatchAlreadyRegistered || newRecords == 0:
		t.ConsecutiveNoMatch = 0
		t.ConsecutiveNoNew++
	default:
		t.ConsecutiveNoMatch = 0
		t.ConsecutiveNoNew = 0
	}
}

func (t *TerminationState) ShouldStop() bool {
	if t.Processed < t.MinProcessed {
		return false
	}
	if t.MaxNoMatch > 0 && t.ConsecutiveNoMatch >= t.MaxNoMatch {
		return true
	}
	return t.MaxNoNew > 0 && t.ConsecutiveNoNew >= t.MaxNoNew
}
