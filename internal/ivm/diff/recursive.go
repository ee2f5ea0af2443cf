package diff

import (
	"fmt"

	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// Recursive CTEs with a monotone recursive term are maintained by one of three
// strategies:
//
//   - inserts only: semi-naive iteration continued from the previous result
//   - deletes under UNION: delete and rederive, then continue with the inserts
//   - anything else: the fixpoint is recomputed before and after and diffed
//
// A non-monotone recursive term requires a full recompute of the view.
func (d *differ) recursive(n *optree.Node, r *optree.RecursiveCte) (*types.DeltaSet, error) {
	if r.SelfRefs() != 1 {
		return nil, fmt.Errorf("%w: %s has %d self references", ErrUnsupported, n, r.SelfRefs())
	}
	if !d.tree.Monotone(n) {
		return nil, fallback(n, "recursive term is not monotone")
	}

	base := d.tree.Node(r.Base)
	db, err := d.delta(base)
	if err != nil {
		return nil, err
	}
	before, err := d.oldEnv.Rows(n)
	if err != nil {
		return nil, err
	}

	out := types.NewDeltaSet(n.Columns)
	counted := !d.reaches(r.Recursive, func(c *optree.Node) bool {
		_, ok := c.Op.(*optree.Distinct)
		return ok
	})
	insertOnly := len(db.Deletes()) == 0 && d.insertOnly(n)
	var after []types.Row
	switch {
	case insertOnly && !r.UnionAll:
		after, err = d.extendSet(d.newEnv, n, before, db.Inserts())
	case insertOnly && counted:
		after, err = d.extendBag(n, before, db.Inserts())
	case !r.UnionAll && counted && d.tree.MonotoneFrom(r.Base):
		after, err = d.rederive(n, before)
	default:
		after, err = d.newEnv.Rows(n)
	}
	if err != nil {
		return nil, err
	}
	out.Append(types.DiffRows(before, after)...)
	return out, nil
}

// insertOnly reports whether the net change of every relation n reads only
// adds rows.
func (d *differ) insertOnly(n *optree.Node) bool {
	for _, rel := range n.Relations {
		for _, w := range netChanges(d.changes[rel]) {
			if w.weight < 0 {
				return false
			}
		}
	}
	return true
}

func netChanges(changes []types.Change) map[string]*rowChange {
	net := map[string]*rowChange{}
	for _, c := range changes {
		k := types.EncodeKey(types.NormalizeAll(append([]any(nil), c.Values...)))
		e, ok := net[k]
		if !ok {
			e = &rowChange{values: c.Values}
			net[k] = e
		}
		e.weight += c.Action.Weight()
	}
	return net
}

// reaches reports whether a node satisfying pred is reachable from id.
func (d *differ) reaches(id optree.NodeID, pred func(*optree.Node) bool) bool {
	seen := map[optree.NodeID]bool{}
	var walk func(id optree.NodeID) bool
	walk = func(id optree.NodeID) bool {
		if seen[id] {
			return false
		}
		seen[id] = true
		c := d.tree.Node(id)
		if pred(c) {
			return true
		}
		for _, in := range c.Op.Inputs() {
			if walk(in) {
				return true
			}
		}
		return false
	}
	return walk(id)
}

// step evaluates the recursive term once with the self reference bound to
// rows.
func step(env *eval.Env, n *optree.Node, rows []types.Row) ([]types.Row, error) {
	r := n.Op.(*optree.RecursiveCte)
	out, err := env.WithBinding(n.ID, rows).Rows(env.Tree().Node(r.Recursive))
	if err != nil {
		return nil, err
	}
	content := make([]types.Row, len(out))
	for i, x := range out {
		content[i] = eval.ContentRow(x.Values)
	}
	return content, nil
}

// extendSet continues a UNION fixpoint in env from a smaller result known to
// be contained in it. added holds base rows that appeared since.
func (d *differ) extendSet(env *eval.Env, n *optree.Node, result, added []types.Row) ([]types.Row, error) {
	derived, err := step(env, n, result)
	if err != nil {
		return nil, err
	}
	have := eval.Counts(result)
	var frontier []types.Row
	for _, x := range append(added, derived...) {
		k := types.EncodeKey(x.Values)
		if have[k] > 0 {
			continue
		}
		have[k] = 1
		frontier = append(frontier, eval.ContentRow(x.Values))
	}
	return env.Iterate(n, append(append([]types.Row(nil), result...), frontier...), frontier)
}

// extendBag continues a UNION ALL fixpoint after inserts. The result grows by
// X = D + T_new(X) with D = dBase + T_new(R_old) - T_old(R_old).
func (d *differ) extendBag(n *optree.Node, before, added []types.Row) ([]types.Row, error) {
	var seed types.Bag
	for _, x := range added {
		seed.Add(eval.ContentRow(x.Values), 1)
	}
	tn, err := step(d.newEnv, n, before)
	if err != nil {
		return nil, err
	}
	to, err := step(d.oldEnv, n, before)
	if err != nil {
		return nil, err
	}
	seed.AddRows(tn, 1)
	seed.AddRows(to, -1)
	negative := false
	seed.Each(func(_ types.Row, w int64) { negative = negative || w < 0 })
	if negative {
		return d.newEnv.Rows(n)
	}
	frontier := seed.Rows()
	return d.newEnv.Iterate(n, append(append([]types.Row(nil), before...), frontier...), frontier)
}

// rederive maintains a UNION fixpoint across deletes in three phases, using
// the base state with only the deletes applied:
//
//  1. over-delete every row with a derivation that used a deleted fact, and
//     every row derived from an over-deleted row
//  2. rederive over-deleted rows still derivable from the survivors
//  3. continue the fixpoint with the inserts
//
// A lost derivation is detected by a drop in the number of derivations, which
// the recursive term preserves as long as it does not deduplicate.
func (d *differ) rederive(n *optree.Node, before []types.Row) ([]types.Row, error) {
	r := n.Op.(*optree.RecursiveCte)
	mid := d.newEnv.WithSnapshot(state.NewOldSnapshot(d.current, d.insertsOnly()))
	inOld := eval.Counts(before)

	// Phase 1.
	over := map[string]bool{}
	var frontier []types.Row
	mark := func(x types.Row) {
		k := types.EncodeKey(x.Values)
		if inOld[k] > 0 && !over[k] {
			over[k] = true
			frontier = append(frontier, eval.ContentRow(x.Values))
		}
	}
	baseOld, err := d.oldEnv.Rows(d.tree.Node(r.Base))
	if err != nil {
		return nil, err
	}
	baseMid, err := mid.Rows(d.tree.Node(r.Base))
	if err != nil {
		return nil, err
	}
	midBase := eval.Counts(baseMid)
	for _, x := range baseOld {
		if midBase[types.EncodeKey(x.Values)] == 0 {
			mark(x)
		}
	}
	to, err := step(d.oldEnv, n, before)
	if err != nil {
		return nil, err
	}
	tm, err := step(mid, n, before)
	if err != nil {
		return nil, err
	}
	oldDerivs, midDerivs := eval.Counts(to), eval.Counts(tm)
	for _, x := range to {
		if midDerivs[types.EncodeKey(x.Values)] < oldDerivs[types.EncodeKey(x.Values)] {
			mark(x)
		}
	}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= d.oldEnv.MaxDepth() {
			return nil, fmt.Errorf("%s: %w (%d)", n, eval.ErrRecursionLimit, d.oldEnv.MaxDepth())
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}
		next, err := step(d.oldEnv, n, frontier)
		if err != nil {
			return nil, err
		}
		frontier = nil
		for _, x := range next {
			mark(x)
		}
	}

	// Phase 2.
	var survivors []types.Row
	for _, x := range before {
		if !over[types.EncodeKey(x.Values)] {
			survivors = append(survivors, x)
		}
	}
	rederived, err := d.extendSet(mid, n, survivors, baseMid)
	if err != nil {
		return nil, err
	}

	// Phase 3.
	baseNew, err := d.newEnv.Rows(d.tree.Node(r.Base))
	if err != nil {
		return nil, err
	}
	return d.extendSet(d.newEnv, n, rederived, baseNew)
}

// insertsOnly returns, per relation, the net inserted rows of the cycle.
func (d *differ) insertsOnly() map[string][]types.Change {
	out := make(map[string][]types.Change, len(d.changes))
	for rel, changes := range d.changes {
		for _, c := range netChanges(changes) {
			for i := int64(0); i < c.weight; i++ {
				out[rel] = append(out[rel], types.Change{Action: types.Insert, Values: c.values})
			}
		}
	}
	return out
}
