package agg

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/ariyn/ivm/internal/ivm/types"
)

type countState struct {
	star bool
	n    int64
}

func (s *countState) Apply(v any, w int64) bool {
	if s.star || v != nil {
		s.n += w
	}
	return true
}

func (s *countState) Result() any { return s.n }

func (s *countState) Clone() State { c := *s; return &c }

type distinctCountState struct {
	vals map[string]int64
}

func (s *distinctCountState) Apply(v any, w int64) bool {
	if v == nil {
		return true
	}
	k := types.EncodeKey([]any{v})
	s.vals[k] += w
	if s.vals[k] <= 0 {
		delete(s.vals, k)
	}
	return true
}

func (s *distinctCountState) Result() any { return int64(len(s.vals)) }

func (s *distinctCountState) Clone() State {
	c := &distinctCountState{vals: make(map[string]int64, len(s.vals))}
	for k, v := range s.vals {
		c.vals[k] = v
	}
	return c
}

// sumState keeps an exact integer sum until a float arrives. Floats are
// accumulated as decimals, so a retraction cancels its insertion exactly and
// the result does not depend on the order rows were applied in.
type sumState struct {
	i  int64
	d  decimal.Decimal
	nn int64
	// nf counts float inputs; non-finite ones are counted apart from d.
	nf                  int64
	nan, posInf, negInf int64
}

func (s *sumState) Apply(v any, w int64) bool {
	if v == nil {
		return true
	}
	s.nn += w
	switch x := v.(type) {
	case int64:
		s.i += x * w
	default:
		f, ok := types.ToFloat64(x)
		if !ok {
			return false
		}
		s.nf += w
		switch {
		case math.IsNaN(f):
			s.nan += w
		case math.IsInf(f, 1):
			s.posInf += w
		case math.IsInf(f, -1):
			s.negInf += w
		default:
			s.d = s.d.Add(decimal.NewFromFloat(f).Mul(decimal.NewFromInt(w)))
		}
	}
	return true
}

func (s *sumState) Result() any {
	if s.nn <= 0 {
		return nil
	}
	if s.nf <= 0 {
		return s.i
	}
	return s.float()
}

func (s *sumState) float() float64 {
	switch {
	case s.nan > 0 || (s.posInf > 0 && s.negInf > 0):
		return math.NaN()
	case s.posInf > 0:
		return math.Inf(1)
	case s.negInf > 0:
		return math.Inf(-1)
	}
	return s.d.Add(decimal.NewFromInt(s.i)).InexactFloat64()
}

func (s *sumState) Clone() State { c := *s; return &c }

type avgState struct {
	sum sumState
}

func (s *avgState) Apply(v any, w int64) bool { return s.sum.Apply(v, w) }

func (s *avgState) Result() any {
	if s.sum.nn <= 0 {
		return nil
	}
	if s.sum.nf <= 0 {
		return float64(s.sum.i) / float64(s.sum.nn)
	}
	return s.sum.float() / float64(s.sum.nn)
}

func (s *avgState) Clone() State { c := *s; return &c }

// extremumState tracks MIN (dir -1) or MAX (dir 1) and the number of non-NULL
// inputs. It cannot survive deletion of the extremum itself.
type extremumState struct {
	dir int
	val any
	nn  int64
}

func (s *extremumState) Apply(v any, w int64) bool {
	if v == nil {
		return true
	}
	if w > 0 {
		s.nn += w
		if s.val == nil || types.Compare(v, s.val)*s.dir > 0 {
			s.val = v
		}
		return true
	}
	s.nn += w
	if s.nn <= 0 {
		s.nn = 0
		s.val = nil
		return true
	}
	return types.Compare(v, s.val) != 0
}

func (s *extremumState) Result() any { return s.val }

func (s *extremumState) Clone() State { c := *s; return &c }

// distinctState feeds each distinct value to inner once. It is only used for
// rescans, so deletions invalidate it.
type distinctState struct {
	inner State
	seen  map[string]bool
}

func newDistinct(inner State) *distinctState {
	return &distinctState{inner: inner, seen: map[string]bool{}}
}

func (s *distinctState) Apply(v any, w int64) bool {
	if w < 0 {
		return false
	}
	k := types.EncodeKey([]any{v})
	if s.seen[k] {
		return true
	}
	s.seen[k] = true
	return s.inner.Apply(v, 1)
}

func (s *distinctState) Result() any { return s.inner.Result() }

func (s *distinctState) Clone() State {
	c := &distinctState{inner: s.inner.Clone(), seen: make(map[string]bool, len(s.seen))}
	for k := range s.seen {
		c.seen[k] = true
	}
	return c
}
