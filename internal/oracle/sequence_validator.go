package oracle

import "sync"

// SequenceValidator orders feed updates per oracle. Stale sequences are
// dropped; gaps are tolerated but counted.
type SequenceValidator struct {
	mu              sync.Mutex
	expectedNextSeq map[string]int64 // oracle id -> next expected sequence
	gaps            map[string]int64
	stale           map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
		stale:           make(map[string]int64),
	}
}

// Accept reports whether seq should replace the current price of id. The
// gap return is true when sequences were skipped.
func (sv *SequenceValidator) Accept(id string, seq int64) (accept bool, gap bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	expected, seen := sv.expectedNextSeq[id]
	if seen && seq < expected {
		sv.stale[id]++
		return false, false
	}

	gap = seen && seq > expected
	if gap {
		sv.gaps[id]++
	}
	sv.expectedNextSeq[id] = seq + 1
	return true, gap
}

// ExpectedSequence returns the next expected sequence for id.
func (sv *SequenceValidator) ExpectedSequence(id string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.expectedNextSeq[id]
}

func (sv *SequenceValidator) Gaps(id string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.gaps[id]
}

func (sv *SequenceValidator) Stale(id string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.stale[id]
}
