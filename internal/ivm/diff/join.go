package diff

import (
	"fmt"

	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/expr"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// side reads one join input from an Env, caching key lookups.
type side struct {
	env   *eval.Env
	node  *optree.Node
	keys  []int
	cache map[string][]types.Row
}

func newSide(env *eval.Env, n *optree.Node, keys []int) *side {
	return &side{env: env, node: n, keys: keys, cache: map[string][]types.Row{}}
}

// match returns the rows whose join key equals key. Without equi keys every
// row matches; a NULL key matches nothing.
func (s *side) match(key []any) ([]types.Row, error) {
	if len(s.keys) == 0 {
		return s.env.Rows(s.node)
	}
	if types.HasNull(key) {
		return nil, nil
	}
	k := types.EncodeKey(key)
	if rows, ok := s.cache[k]; ok {
		return rows, nil
	}
	rows, err := s.env.Lookup(s.node, s.keys, key)
	if err != nil {
		return nil, err
	}
	s.cache[k] = rows
	return rows, nil
}

// Inner join:
//
//	d(L ⋈ R) = dL ⋈ R_new + L_old ⋈ dR
//
// Left and full joins add the change of the NULL-padded rows. Whether a row is
// padded depends only on the rows sharing its join key, so pads are recomputed
// for the keys the deltas touch, before and after.
func (d *differ) join(n *optree.Node) (*types.DeltaSet, error) {
	j, _ := optree.Join(n.Op)
	cond := j.Cond()
	left, right := d.input(n, 0), d.input(n, 1)
	dl, err := d.delta(left)
	if err != nil {
		return nil, err
	}
	dr, err := d.delta(right)
	if err != nil {
		return nil, err
	}

	out := types.NewDeltaSet(n.Columns)
	rNew := newSide(d.newEnv, right, cond.RightKeys)
	lOld := newSide(d.oldEnv, left, cond.LeftKeys)
	for _, x := range dl.Rows {
		cands, err := rNew.match(types.Pick(x.Row.Values, cond.LeftKeys))
		if err != nil {
			return nil, err
		}
		if err := joinInto(out, x.Action, cond, []types.Row{x.Row}, cands); err != nil {
			return nil, err
		}
	}
	for _, x := range dr.Rows {
		cands, err := lOld.match(types.Pick(x.Row.Values, cond.RightKeys))
		if err != nil {
			return nil, err
		}
		if err := joinInto(out, x.Action, cond, cands, []types.Row{x.Row}); err != nil {
			return nil, err
		}
	}

	switch n.Op.(type) {
	case *optree.LeftJoin:
		err = d.padding(out, n, cond, dl, dr, false)
	case *optree.FullJoin:
		err = d.padding(out, n, cond, dl, dr, true)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func joinInto(out *types.DeltaSet, a types.Action, cond *expr.JoinCondition, l, r []types.Row) error {
	for _, lr := range l {
		for _, rr := range r {
			ok, err := cond.Matches(lr.Values, rr.Values, nil)
			if err != nil {
				return err
			}
			if ok {
				out.Add(a, eval.JoinRow(lr, rr))
			}
		}
	}
	return nil
}

// padding adds the change of the NULL-padded rows of an outer join.
func (d *differ) padding(out *types.DeltaSet, n *optree.Node, cond *expr.JoinCondition, dl, dr *types.DeltaSet, full bool) error {
	left, right := d.input(n, 0), d.input(n, 1)
	lw, rw := len(left.Columns), len(n.Columns)-len(left.Columns)

	if len(cond.LeftKeys) == 0 {
		before, err := pads(d.oldEnv, left, right, cond, nil, lw, rw, full)
		if err != nil {
			return err
		}
		after, err := pads(d.newEnv, left, right, cond, nil, lw, rw, full)
		if err != nil {
			return err
		}
		out.Append(types.DiffRows(before, after)...)
		return nil
	}

	// Rows with a NULL key never match and are always padded.
	affected := map[string][]any{}
	var order []string
	note := func(key []any) {
		k := types.EncodeKey(key)
		if _, ok := affected[k]; !ok {
			affected[k] = key
			order = append(order, k)
		}
	}
	for _, x := range dl.Rows {
		key := types.Pick(x.Row.Values, cond.LeftKeys)
		if types.HasNull(key) {
			out.Add(x.Action, eval.PadRight(x.Row, rw))
			continue
		}
		note(key)
	}
	for _, x := range dr.Rows {
		key := types.Pick(x.Row.Values, cond.RightKeys)
		if types.HasNull(key) {
			if full {
				out.Add(x.Action, eval.PadLeft(x.Row, lw))
			}
			continue
		}
		note(key)
	}
	for _, k := range order {
		before, err := pads(d.oldEnv, left, right, cond, affected[k], lw, rw, full)
		if err != nil {
			return err
		}
		after, err := pads(d.newEnv, left, right, cond, affected[k], lw, rw, full)
		if err != nil {
			return err
		}
		out.Append(types.DiffRows(before, after)...)
	}
	return nil
}

// pads returns the padded rows an outer join emits for the rows with join key
// key, or for all rows when the join has no equi keys.
func pads(env *eval.Env, left, right *optree.Node, cond *expr.JoinCondition, key []any, lw, rw int, full bool) ([]types.Row, error) {
	l, err := newSide(env, left, cond.LeftKeys).match(key)
	if err != nil {
		return nil, err
	}
	r, err := newSide(env, right, cond.RightKeys).match(key)
	if err != nil {
		return nil, err
	}
	var out []types.Row
	for _, lr := range l {
		ok, err := eval.Exists(cond, lr, r, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, eval.PadRight(lr, rw))
		}
	}
	if !full {
		return out, nil
	}
	for _, rr := range r {
		ok, err := existsLeft(cond, l, rr)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, eval.PadLeft(rr, lw))
		}
	}
	return out, nil
}

func existsLeft(cond *expr.JoinCondition, l []types.Row, r types.Row) (bool, error) {
	for _, lr := range l {
		ok, err := cond.Matches(lr.Values, r.Values, nil)
		if err != nil {
			return false, fmt.Errorf("join condition: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
