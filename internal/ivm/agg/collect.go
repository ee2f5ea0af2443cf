package agg

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/ariyn/ivm/internal/ivm/types"
)

// collectState buffers every input value and computes the result on demand.
// Values arrive in the order the caller feeds them, which matters for
// STRING_AGG, ARRAY_AGG and JSON_AGG.
type collectState struct {
	spec Spec
	vals []any
}

func (s *collectState) Apply(v any, w int64) bool {
	if w < 0 {
		return false
	}
	for i := int64(0); i < w; i++ {
		s.vals = append(s.vals, v)
	}
	return true
}

func (s *collectState) Clone() State {
	return &collectState{spec: s.spec, vals: append([]any(nil), s.vals...)}
}

func (s *collectState) nonNull() []any {
	out := make([]any, 0, len(s.vals))
	for _, v := range s.vals {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

func (s *collectState) Result() any {
	switch s.spec.Func {
	case BoolAnd, Every, BoolOr:
		vals := s.nonNull()
		if len(vals) == 0 {
			return nil
		}
		want := s.spec.Func == BoolOr
		for _, v := range vals {
			if b, ok := types.ToBool(v); ok && b == want {
				return want
			}
		}
		return !want
	case StringAgg:
		vals := s.nonNull()
		if len(vals) == 0 {
			return nil
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = types.FormatValue(v)
		}
		return strings.Join(parts, s.spec.Separator)
	case ArrayAgg:
		if len(s.vals) == 0 {
			return nil
		}
		return append([]any(nil), s.vals...)
	case JSONAgg:
		if len(s.vals) == 0 {
			return nil
		}
		b, err := json.Marshal(s.vals)
		if err != nil {
			return nil
		}
		return string(b)
	case JSONObjectAgg:
		return s.jsonObject()
	case BitAnd, BitOr, BitXor:
		return s.bits()
	case StddevPop, StddevSamp, VarPop, VarSamp:
		return s.variance()
	case Mode:
		return s.mode()
	case PercentileCont, PercentileDisc:
		return s.percentile()
	default:
		return nil
	}
}

func (s *collectState) jsonObject() any {
	if len(s.vals) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("{")
	n := 0
	for _, v := range s.vals {
		p, ok := v.(Pair)
		if !ok || p.Key == nil {
			continue
		}
		if n > 0 {
			sb.WriteString(", ")
		}
		k, _ := json.Marshal(types.FormatValue(p.Key))
		val, err := json.Marshal(p.Value)
		if err != nil {
			continue
		}
		sb.Write(k)
		sb.WriteString(" : ")
		sb.Write(val)
		n++
	}
	sb.WriteString("}")
	return sb.String()
}

func (s *collectState) bits() any {
	vals := s.nonNull()
	if len(vals) == 0 {
		return nil
	}
	var acc int64
	for i, v := range vals {
		x, ok := types.ToInt64(v)
		if !ok {
			return nil
		}
		if i == 0 {
			acc = x
			continue
		}
		switch s.spec.Func {
		case BitAnd:
			acc &= x
		case BitOr:
			acc |= x
		default:
			acc ^= x
		}
	}
	return acc
}

func (s *collectState) floats() []float64 {
	var out []float64
	for _, v := range s.nonNull() {
		if f, ok := types.ToFloat64(v); ok {
			out = append(out, f)
		}
	}
	return out
}

func (s *collectState) variance() any {
	xs := s.floats()
	n := float64(len(xs))
	samp := s.spec.Func == StddevSamp || s.spec.Func == VarSamp
	if n == 0 || (samp && n < 2) {
		return nil
	}
	// Welford over sorted input, so the result does not depend on row order.
	sort.Float64s(xs)
	var mean, m2 float64
	for i, x := range xs {
		d := x - mean
		mean += d / float64(i+1)
		m2 += d * (x - mean)
	}
	div := n
	if samp {
		div = n - 1
	}
	v := m2 / div
	if s.spec.Func == StddevPop || s.spec.Func == StddevSamp {
		return math.Sqrt(v)
	}
	return v
}

func (s *collectState) sorted() []any {
	vals := s.nonNull()
	sort.SliceStable(vals, func(i, j int) bool { return types.Compare(vals[i], vals[j]) < 0 })
	return vals
}

func (s *collectState) mode() any {
	vals := s.sorted()
	if len(vals) == 0 {
		return nil
	}
	best, bestN := vals[0], 0
	for i := 0; i < len(vals); {
		j := i
		for j < len(vals) && types.Equal(vals[i], vals[j]) {
			j++
		}
		if j-i > bestN {
			best, bestN = vals[i], j-i
		}
		i = j
	}
	return best
}

func (s *collectState) percentile() any {
	vals := s.sorted()
	if len(vals) == 0 {
		return nil
	}
	f := s.spec.Fraction
	if f < 0 || f > 1 {
		return nil
	}
	if s.spec.Func == PercentileDisc {
		idx := int(math.Ceil(f*float64(len(vals)))) - 1
		if idx < 0 {
			idx = 0
		}
		return vals[idx]
	}
	pos := f * float64(len(vals)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	a, ok1 := types.ToFloat64(vals[lo])
	b, ok2 := types.ToFloat64(vals[hi])
	if !ok1 || !ok2 {
		return nil
	}
	return a + (b-a)*(pos-float64(lo))
}
