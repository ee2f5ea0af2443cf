package eval

import (
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// Persistent returns the aggregate and distinct nodes whose state is kept
// with the view between refreshes. Nodes evaluated once per outer row or per
// recursion step are excluded: they have no single state to keep. Scalar
// subqueries are excluded too since they are re-evaluated, not differentiated.
func Persistent(t *optree.Tree) map[optree.NodeID]bool {
	scoped := map[optree.NodeID]bool{}
	var mark func(id optree.NodeID)
	mark = func(id optree.NodeID) {
		if scoped[id] {
			return
		}
		scoped[id] = true
		for _, in := range t.Node(id).Op.Inputs() {
			mark(in)
		}
	}
	for _, n := range t.Nodes() {
		switch o := n.Op.(type) {
		case *optree.LateralSubquery:
			mark(o.Body)
		case *optree.RecursiveCte:
			mark(o.Recursive)
		case *optree.ScalarSubquery:
			mark(o.Subquery)
		}
	}

	out := map[optree.NodeID]bool{}
	for _, n := range t.Nodes() {
		if scoped[n.ID] {
			continue
		}
		switch n.Op.(type) {
		case *optree.Aggregate, *optree.Distinct:
			out[n.ID] = true
		}
	}
	return out
}

// Persist computes the state of the given nodes from scratch.
func (e *Env) Persist(nodes map[optree.NodeID]bool) (*state.Update, error) {
	u := state.NewUpdate()
	for id := range nodes {
		n := e.tree.Node(id)
		switch n.Op.(type) {
		case *optree.Aggregate:
			groups, err := e.Groups(n)
			if err != nil {
				return nil, err
			}
			u.Groups[id] = map[string]*state.GroupState{}
			for _, g := range groups {
				u.SetGroup(id, types.EncodeKey(g.Key), g)
			}
		case *optree.Distinct:
			in, err := e.Rows(e.input(n, 0))
			if err != nil {
				return nil, err
			}
			u.Counts[id] = map[string]int64{}
			for k, c := range Counts(in) {
				u.SetCount(id, k, c)
			}
		}
	}
	return u, nil
}
