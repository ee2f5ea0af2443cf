package optree

import (
	"fmt"
	"strings"

	"github.com/ariyn/ivm/internal/ivm/agg"
)

// Diagnostic describes how one node is maintained.
type Diagnostic struct {
	Node      NodeID
	Kind      Kind
	Alias     string
	Supported bool
	// Reason is set when Supported is false.
	Reason string
	// Strategy names the differential algorithm the node uses.
	Strategy string
}

func (d Diagnostic) String() string {
	name := fmt.Sprintf("%s#%d", d.Kind, d.Node)
	if d.Alias != "" {
		name += "(" + d.Alias + ")"
	}
	if !d.Supported {
		return fmt.Sprintf("%s: full recompute: %s", name, d.Reason)
	}
	return fmt.Sprintf("%s: differential: %s", name, d.Strategy)
}

// Explain reports, per node in arena order, whether differential maintenance
// is supported and how.
func Explain(t *Tree) []Diagnostic {
	out := make([]Diagnostic, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, Diagnostic{
			Node:      n.ID,
			Kind:      n.Kind(),
			Alias:     n.Alias,
			Supported: n.Supported,
			Reason:    n.Reason,
			Strategy:  strategy(t, n),
		})
	}
	return out
}

func strategy(t *Tree, n *Node) string {
	switch o := n.Op.(type) {
	case *Scan:
		return "change buffer"
	case *Filter, *Project, *Subquery, *CteScan, *UnionAll:
		return "row-wise pass-through"
	case *InnerJoin:
		return "delta join against old and new inputs"
	case *LeftJoin, *FullJoin:
		return "delta join with NULL-padding transitions"
	case *SemiJoin, *AntiJoin:
		return "two-part existence tracking"
	case *Aggregate:
		kinds := map[agg.Kind]bool{}
		for _, a := range o.aggs {
			kinds[agg.KindOf(a.Spec)] = true
		}
		var parts []string
		for _, k := range []agg.Kind{agg.Algebraic, agg.SemiAlgebraic, agg.GroupRescan} {
			if kinds[k] {
				parts = append(parts, k.String())
			}
		}
		if len(parts) == 0 {
			parts = append(parts, "group count")
		}
		return "affected groups, " + strings.Join(parts, "+")
	case *Distinct, *Intersect, *Except:
		return "reference counts"
	case *Window:
		return "affected partition recompute"
	case *LateralFunction:
		return "row-scoped expansion"
	case *LateralSubquery:
		if len(o.corr) > 0 {
			return "row-scoped recompute with correlated reverse lookup"
		}
		return "row-scoped recompute; inner-only changes fall back"
	case *ScalarSubquery:
		return "before/after scalar differencing"
	case *RecursiveCte:
		switch {
		case o.selfRefs > 1:
			return "unsupported: non-linear recursion"
		case !t.Monotone(n):
			return "non-monotone recursive term; changes fall back"
		case o.UnionAll:
			return "semi-naive inserts, fixpoint recompute otherwise"
		default:
			return "semi-naive inserts, delete-and-rederive otherwise"
		}
	case *SelfRef:
		return "fixpoint iteration"
	default:
		return ""
	}
}

// Monotone reports whether the recursive term of a RecursiveCte node only uses
// operators under which adding input rows can only add output rows.
func (t *Tree) Monotone(n *Node) bool {
	r, ok := n.Op.(*RecursiveCte)
	if !ok {
		return false
	}
	return t.MonotoneFrom(r.Recursive)
}

// MonotoneFrom reports whether the subtree rooted at id is built only from
// monotone operators.
func (t *Tree) MonotoneFrom(id NodeID) bool {
	seen := map[NodeID]bool{}
	var walk func(id NodeID) bool
	walk = func(id NodeID) bool {
		if seen[id] {
			return true
		}
		seen[id] = true
		c := t.Node(id)
		switch c.Op.(type) {
		case *Scan, *Filter, *Project, *InnerJoin, *UnionAll, *SelfRef, *Subquery, *CteScan, *Distinct:
		default:
			return false
		}
		for _, in := range c.Op.Inputs() {
			if !walk(in) {
				return false
			}
		}
		return true
	}
	return walk(id)
}
