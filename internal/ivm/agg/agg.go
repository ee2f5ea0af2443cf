// Package agg holds aggregate functions and their accumulators.
//
// Every function belongs to one maintenance strategy:
//
//   - Algebraic: the new value follows from the old state plus the signed
//     contribution of each changed row (COUNT, SUM, AVG, COUNT DISTINCT).
//   - SemiAlgebraic: like Algebraic, except deleting the current extremum
//     cannot be handled from the state alone and forces a rescan (MIN, MAX).
//   - GroupRescan: the state cannot absorb deletions; an affected group is
//     recomputed from its rows.
package agg

import (
	"fmt"
	"strings"
)

// Func names an aggregate function.
type Func string

const (
	Count          Func = "count"
	CountStar      Func = "count_star"
	Sum            Func = "sum"
	Avg            Func = "avg"
	Min            Func = "min"
	Max            Func = "max"
	BoolAnd        Func = "bool_and"
	BoolOr         Func = "bool_or"
	Every          Func = "every"
	StringAgg      Func = "string_agg"
	ArrayAgg       Func = "array_agg"
	JSONAgg        Func = "json_agg"
	JSONObjectAgg  Func = "json_object_agg"
	BitAnd         Func = "bit_and"
	BitOr          Func = "bit_or"
	BitXor         Func = "bit_xor"
	StddevPop      Func = "stddev_pop"
	StddevSamp     Func = "stddev_samp"
	VarPop         Func = "var_pop"
	VarSamp        Func = "var_samp"
	Mode           Func = "mode"
	PercentileCont Func = "percentile_cont"
	PercentileDisc Func = "percentile_disc"
)

var aliases = map[string]Func{
	"count":            Count,
	"count_star":       CountStar,
	"count(*)":         CountStar,
	"sum":              Sum,
	"avg":              Avg,
	"min":              Min,
	"max":              Max,
	"bool_and":         BoolAnd,
	"bool_or":          BoolOr,
	"every":            Every,
	"string_agg":       StringAgg,
	"group_concat":     StringAgg,
	"array_agg":        ArrayAgg,
	"json_agg":         JSONAgg,
	"jsonb_agg":        JSONAgg,
	"json_object_agg":  JSONObjectAgg,
	"jsonb_object_agg": JSONObjectAgg,
	"bit_and":          BitAnd,
	"bit_or":           BitOr,
	"bit_xor":          BitXor,
	"stddev":           StddevSamp,
	"stddev_pop":       StddevPop,
	"stddev_samp":      StddevSamp,
	"variance":         VarSamp,
	"var_pop":          VarPop,
	"var_samp":         VarSamp,
	"mode":             Mode,
	"percentile_cont":  PercentileCont,
	"percentile_disc":  PercentileDisc,
}

// Lookup resolves a function name.
func Lookup(name string) (Func, error) {
	f, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unknown aggregate function %q", name)
	}
	return f, nil
}

// Arity is the number of per-row arguments the function consumes.
func (f Func) Arity() int {
	switch f {
	case CountStar:
		return 0
	case JSONObjectAgg:
		return 2
	default:
		return 1
	}
}

// Kind is the maintenance strategy of an aggregate.
type Kind int

const (
	Algebraic Kind = iota
	SemiAlgebraic
	GroupRescan
)

func (k Kind) String() string {
	switch k {
	case Algebraic:
		return "algebraic"
	case SemiAlgebraic:
		return "semi-algebraic"
	default:
		return "group-rescan"
	}
}

// Spec describes one aggregate call.
type Spec struct {
	Func     Func
	Distinct bool
	// Separator is the STRING_AGG delimiter.
	Separator string
	// Fraction is the PERCENTILE_CONT/PERCENTILE_DISC argument.
	Fraction float64
}

// KindOf returns the maintenance strategy for spec.
func KindOf(spec Spec) Kind {
	switch spec.Func {
	case Count, CountStar:
		return Algebraic
	case Sum, Avg:
		if spec.Distinct {
			return GroupRescan
		}
		return Algebraic
	case Min, Max:
		return SemiAlgebraic
	default:
		return GroupRescan
	}
}

// Pair carries the two arguments of JSON_OBJECT_AGG.
type Pair struct {
	Key   any
	Value any
}

// State accumulates one aggregate for one group.
type State interface {
	// Apply folds v in with weight w (+1 for an inserted row, -1 for a deleted
	// one). It returns false when the state can no longer produce a correct
	// result and the group must be rescanned.
	Apply(v any, w int64) bool
	Result() any
	Clone() State
}

// NewState returns an empty accumulator for spec.
func NewState(spec Spec) State {
	switch spec.Func {
	case CountStar:
		return &countState{star: true}
	case Count:
		if spec.Distinct {
			return &distinctCountState{vals: map[string]int64{}}
		}
		return &countState{}
	case Sum:
		if spec.Distinct {
			return newDistinct(&sumState{})
		}
		return &sumState{}
	case Avg:
		if spec.Distinct {
			return newDistinct(&avgState{})
		}
		return &avgState{}
	case Min:
		return &extremumState{dir: -1}
	case Max:
		return &extremumState{dir: 1}
	}
	c := &collectState{spec: spec}
	if spec.Distinct {
		return newDistinct(c)
	}
	return c
}
