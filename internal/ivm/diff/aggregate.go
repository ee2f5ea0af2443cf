package diff

import (
	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/expr"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// Aggregates are maintained per affected group: the group's state before the
// changes comes from the persisted view state, or from the input rewound to
// before the changes; the changed rows are folded into a copy of it. Functions
// that cannot absorb a change, and groups whose accumulators refuse a delete,
// are rebuilt from the group's current rows.
func (d *differ) aggregate(n *optree.Node, a *optree.Aggregate) (*types.DeltaSet, error) {
	in, err := d.delta(d.input(n, 0))
	if err != nil {
		return nil, err
	}

	var order []string
	keys := map[string][]any{}
	changes := map[string][]types.DeltaRow{}
	for _, x := range in.Rows {
		key, err := eval.GroupKey(a, x.Row, nil)
		if err != nil {
			return nil, err
		}
		k := types.EncodeKey(key)
		if _, ok := keys[k]; !ok {
			keys[k] = key
			order = append(order, k)
		}
		changes[k] = append(changes[k], x)
	}

	persisted := d.view != nil && d.view.HasGroups(n.ID)
	out := types.NewDeltaSet(n.Columns)
	for _, k := range order {
		before, err := d.oldGroup(n, a, k, keys[k], persisted)
		if err != nil {
			return nil, err
		}
		after, err := d.newGroup(n, a, keys[k], before, changes[k])
		if err != nil {
			return nil, err
		}
		if err := emitGroup(out, n, before, after); err != nil {
			return nil, err
		}
		if persisted {
			if after != nil && after.Count <= 0 && !a.Scalar() {
				after = nil
			}
			d.update.SetGroup(n.ID, k, after)
		}
	}
	return out, nil
}

// oldGroup returns the group's state before the changes, or nil when the
// group did not exist.
func (d *differ) oldGroup(n *optree.Node, a *optree.Aggregate, k string, key []any, persisted bool) (*state.GroupState, error) {
	if persisted {
		if g, ok := d.view.Group(n.ID, k); ok {
			return g, nil
		}
		if a.Scalar() {
			return eval.NewGroup(a, key), nil
		}
		return nil, nil
	}
	return d.rescanGroup(d.oldEnv, n, a, key)
}

// newGroup folds the changed rows into a copy of before, rebuilding the group
// when that is not possible.
func (d *differ) newGroup(n *optree.Node, a *optree.Aggregate, key []any, before *state.GroupState, changes []types.DeltaRow) (*state.GroupState, error) {
	g := eval.NewGroup(a, key)
	if before != nil {
		g = before.Clone()
	}
	for _, x := range changes {
		ok, err := eval.ApplyRow(a, g, x.Row, x.Action.Weight(), nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			return d.rescanGroup(d.newEnv, n, a, key)
		}
	}
	if g.Count < 0 {
		return d.rescanGroup(d.newEnv, n, a, key)
	}
	return g, nil
}

// rescanGroup builds a group from the input rows env holds for it.
func (d *differ) rescanGroup(env *eval.Env, n *optree.Node, a *optree.Aggregate, key []any) (*state.GroupState, error) {
	rows, err := keyedRows(env, d.input(n, 0), a.Groups(), key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 && !a.Scalar() {
		return nil, nil
	}
	return eval.BuildGroup(a, key, rows, nil)
}

// keyedRows returns the rows of input whose values of exprs equal key. Plain
// column keys are looked up; anything else scans the input.
func keyedRows(env *eval.Env, input *optree.Node, exprs []*expr.Expr, key []any) ([]types.Row, error) {
	cols := make([]int, 0, len(exprs))
	for _, e := range exprs {
		if c, ok := e.ColumnRef(); ok {
			cols = append(cols, c)
		}
	}
	if len(cols) > 0 && len(cols) == len(exprs) && !types.HasNull(key) {
		return env.Lookup(input, cols, key)
	}
	all, err := env.Rows(input)
	if err != nil {
		return nil, err
	}
	want := types.EncodeKey(key)
	var out []types.Row
	for _, r := range all {
		k, err := evalKey(exprs, r)
		if err != nil {
			return nil, err
		}
		if types.EncodeKey(k) == want {
			out = append(out, r)
		}
	}
	return out, nil
}

func evalKey(exprs []*expr.Expr, r types.Row) ([]any, error) {
	key := make([]any, len(exprs))
	for i, e := range exprs {
		v, err := e.Eval(r.Values, nil)
		if err != nil {
			return nil, err
		}
		key[i] = v
	}
	return key, nil
}

// emitGroup adds the retraction of the group's old row and the insertion of
// its new row. Unchanged rows cancel on consolidation.
func emitGroup(out *types.DeltaSet, n *optree.Node, before, after *state.GroupState) error {
	if r, ok, err := eval.GroupOutput(n, before, nil); err != nil {
		return err
	} else if ok {
		out.Add(types.Delete, r)
	}
	if r, ok, err := eval.GroupOutput(n, after, nil); err != nil {
		return err
	} else if ok {
		out.Add(types.Insert, r)
	}
	return nil
}
