package refresh

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrIllegalTransition is returned when a cycle is moved to a phase it cannot
// reach from its current one.
var ErrIllegalTransition = errors.New("illegal refresh phase transition")

// Phase is the lifecycle position of one refresh cycle.
type Phase int

const (
	Pending Phase = iota
	ComputingDelta
	DeltaReady
	FallbackToFull
	Applied
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case ComputingDelta:
		return "computing_delta"
	case DeltaReady:
		return "delta_ready"
	case FallbackToFull:
		return "fallback_to_full"
	case Applied:
		return "applied"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == Applied || p == Aborted }

var transitions = map[Phase][]Phase{
	Pending:        {ComputingDelta, Aborted},
	ComputingDelta: {DeltaReady, FallbackToFull, Aborted},
	DeltaReady:     {Applied, Aborted},
	FallbackToFull: {Applied, Aborted},
}

// Cycle tracks the phase of one refresh of one view.
type Cycle struct {
	view   string
	phase  Phase
	logger log.Logger
}

func newCycle(view string, logger log.Logger) *Cycle {
	return &Cycle{view: view, phase: Pending, logger: logger}
}

func (c *Cycle) Phase() Phase { return c.phase }

// To moves the cycle to next.
func (c *Cycle) To(next Phase) error {
	for _, p := range transitions[c.phase] {
		if p == next {
			level.Debug(c.logger).Log("msg", "refresh phase", "view", c.view, "from", c.phase, "phase", next)
			c.phase = next
			return nil
		}
	}
	return fmt.Errorf("%w: view %s: %s -> %s", ErrIllegalTransition, c.view, c.phase, next)
}

// abort ends the cycle unless it already ended.
func (c *Cycle) abort() {
	if !c.phase.Terminal() {
		_ = c.To(Aborted)
	}
}
