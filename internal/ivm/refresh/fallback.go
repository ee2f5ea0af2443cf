package refresh

import (
	"math"
	"sync"
	"time"
)

const (
	minAdaptiveRatio = 0.01
	maxAdaptiveRatio = 0.80
)

// Cause classifies why a cycle recomputes the view in full.
type Cause string

const (
	// CauseUnsupported: a node in the tree cannot be differentiated.
	CauseUnsupported Cause = "unsupported"
	// CauseChangeRatio: a relation changed more than the threshold allows.
	CauseChangeRatio Cause = "change_ratio"
	// CauseOperator: an operator found the cycle unsound to differentiate.
	CauseOperator Cause = "operator"
	// CauseNoState: the view was never materialized.
	CauseNoState Cause = "no_state"
)

// Selector decides when the change volume of a cycle makes a full recompute
// the better choice, and tunes that decision per view.
type Selector struct {
	ratio    float64
	adaptive bool

	mu         sync.Mutex
	thresholds map[string]float64
	lastFull   map[string]time.Duration
}

func NewSelector(ratio float64, adaptive bool) *Selector {
	return &Selector{
		ratio:      ratio,
		adaptive:   adaptive,
		thresholds: map[string]float64{},
		lastFull:   map[string]time.Duration{},
	}
}

// Threshold is the change ratio in effect for a view. override, when set,
// replaces the global ratio.
func (s *Selector) Threshold(view string, override *float64) float64 {
	base := s.ratio
	if override != nil {
		base = *override
	}
	if base <= 0 || !s.adaptive {
		return base
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.thresholds[view]; ok {
		return t
	}
	return base
}

// Exceeds reports whether changes rows out of a relation of size rows go past
// threshold. Empty relations count as one row.
func Exceeds(threshold float64, changes, size int) bool {
	if threshold <= 0 {
		return false
	}
	size = max(size, 1)
	return changes > int(math.Ceil(float64(size)*threshold))
}

// ObserveFull records the duration of a full refresh of view.
func (s *Selector) ObserveFull(view string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFull[view] = d
}

// ObserveDifferential adjusts the view's threshold from the duration of a
// differential refresh. It returns the threshold now in effect.
func (s *Selector) ObserveDifferential(view string, override *float64, d time.Duration) float64 {
	current := s.Threshold(view, override)
	if current <= 0 || !s.adaptive {
		return current
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	full, ok := s.lastFull[view]
	if !ok || full <= 0 {
		return current
	}
	next := AdaptThreshold(current, d, full)
	s.thresholds[view] = next
	return next
}

// Forget drops what was learned about view.
func (s *Selector) Forget(view string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.thresholds, view)
	delete(s.lastFull, view)
}

// AdaptThreshold moves current according to how a differential refresh took
// compared to the last full one. The result stays within [0.01, 0.80].
func AdaptThreshold(current float64, differential, full time.Duration) float64 {
	r := float64(differential) / float64(full)
	next := current
	switch {
	case r >= 0.90:
		next = current * 0.80
	case r >= 0.70:
		next = current * 0.90
	case r <= 0.30:
		next = current * 1.10
	}
	return min(max(next, minAdaptiveRatio), maxAdaptiveRatio)
}
