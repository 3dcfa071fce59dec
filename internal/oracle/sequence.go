package oracle

import "sync"

// SequenceValidator orders price updates per instrument. Stale or repeated
// sequences are dropped; gaps are tolerated and counted.
type SequenceValidator struct {
	mu      sync.Mutex
	lastSeq map[string]int64
	gaps    map[string]int64
	stale   map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		lastSeq: make(map[string]int64),
		gaps:    make(map[string]int64),
		stale:   make(map[string]int64),
	}
}

// Accept reports whether seq advances instrument's sequence and records it.
func (sv *SequenceValidator) Accept(instrument string, seq int64) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	last, seen := sv.lastSeq[instrument]
	if seen && seq <= last {
		sv.stale[instrument]++
		return false
	}
	if seen && seq > last+1 {
		sv.gaps[instrument]++
	}
	sv.lastSeq[instrument] = seq
	return true
}

// LastSequence returns the last accepted sequence for instrument.
func (sv *SequenceValidator) LastSequence(instrument string) (int64, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	seq, ok := sv.lastSeq[instrument]
	return seq, ok
}

// SetLastSequence seeds the validator during recovery.
func (sv *SequenceValidator) SetLastSequence(instrument string, seq int64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.lastSeq[instrument] = seq
}

func (sv *SequenceValidator) Gaps(instrument string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.gaps[instrument]
}

func (sv *SequenceValidator) Stale(instrument string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.stale[instrument]
}
