package eval

import (
	"sort"

	"github.com/ariyn/ivm/internal/ivm/agg"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/rowid"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// GroupKey evaluates the GROUP BY expressions for r.
func GroupKey(a *optree.Aggregate, r types.Row, outer []any) ([]any, error) {
	groups := a.Groups()
	key := make([]any, len(groups))
	for i, g := range groups {
		v, err := g.Eval(r.Values, outer)
		if err != nil {
			return nil, err
		}
		key[i] = v
	}
	return key, nil
}

// Groups evaluates the input of aggregate node n and returns one state per
// group in first-seen order. A scalar aggregate always has one group.
func (e *Env) Groups(n *optree.Node) ([]*state.GroupState, error) {
	a := n.Op.(*optree.Aggregate)
	in, err := e.Rows(e.input(n, 0))
	if err != nil {
		return nil, err
	}
	var order []string
	keys := map[string][]any{}
	members := map[string][]types.Row{}
	for _, r := range in {
		key, err := GroupKey(a, r, e.outer)
		if err != nil {
			return nil, err
		}
		k := types.EncodeKey(key)
		if _, ok := keys[k]; !ok {
			keys[k] = key
			order = append(order, k)
		}
		members[k] = append(members[k], r)
	}
	if a.Scalar() && len(order) == 0 {
		order = append(order, types.EncodeKey(nil))
	}
	out := make([]*state.GroupState, 0, len(order))
	for _, k := range order {
		g, err := BuildGroup(a, keys[k], members[k], e.outer)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// NewGroup returns the state of an empty group. Functions that cannot absorb
// changes get a nil accumulator.
func NewGroup(a *optree.Aggregate, key []any) *state.GroupState {
	aggs := a.Compiled()
	g := &state.GroupState{
		Key:    key,
		Values: make([]any, len(aggs)),
		States: make([]agg.State, len(aggs)),
	}
	for i, ag := range aggs {
		st := agg.NewState(ag.Spec)
		if incremental(ag) {
			g.States[i] = st
		}
		g.Values[i] = st.Result()
	}
	return g
}

func incremental(ag optree.Agg) bool {
	return agg.KindOf(ag.Spec) != agg.GroupRescan && len(ag.OrderBy) == 0
}

// BuildGroup computes a group from all of its rows.
func BuildGroup(a *optree.Aggregate, key []any, rows []types.Row, outer []any) (*state.GroupState, error) {
	rows = canonical(rows)
	g := NewGroup(a, key)
	g.Count = int64(len(rows))
	for i, ag := range a.Compiled() {
		st := agg.NewState(ag.Spec)
		feed := rows
		if len(ag.OrderBy) > 0 {
			var err error
			if feed, err = sortRows(rows, ag.OrderBy, outer); err != nil {
				return nil, err
			}
		}
		for _, r := range feed {
			v, ok, err := aggInput(ag, r, outer)
			if err != nil {
				return nil, err
			}
			if ok {
				st.Apply(v, 1)
			}
		}
		if g.States[i] != nil {
			g.States[i] = st
		}
		g.Values[i] = st.Result()
	}
	return g, nil
}

// ApplyRow folds one changed row into g with weight w. It reports false when
// some function cannot absorb the change and the group must be rebuilt from
// its rows. g is modified in place even then.
func ApplyRow(a *optree.Aggregate, g *state.GroupState, r types.Row, w int64, outer []any) (bool, error) {
	g.Count += w
	ok := true
	for i, ag := range a.Compiled() {
		v, use, err := aggInput(ag, r, outer)
		if err != nil {
			return false, err
		}
		if !use {
			continue
		}
		st := g.States[i]
		if st == nil || !st.Apply(v, w) {
			ok = false
		}
	}
	if ok {
		for i, st := range g.States {
			if st != nil {
				g.Values[i] = st.Result()
			}
		}
	}
	return ok, nil
}

// aggInput evaluates the argument of one aggregate for r. It reports false
// when the FILTER clause rejects the row.
func aggInput(ag optree.Agg, r types.Row, outer []any) (any, bool, error) {
	if ag.Filter != nil {
		ok, err := ag.Filter.Test(r.Values, outer)
		if err != nil || !ok {
			return nil, false, err
		}
	}
	switch len(ag.Args) {
	case 0:
		return nil, true, nil
	case 1:
		v, err := ag.Args[0].Eval(r.Values, outer)
		return v, err == nil, err
	default:
		k, err := ag.Args[0].Eval(r.Values, outer)
		if err != nil {
			return nil, false, err
		}
		v, err := ag.Args[1].Eval(r.Values, outer)
		if err != nil {
			return nil, false, err
		}
		return agg.Pair{Key: k, Value: v}, true, nil
	}
}

// GroupOutput renders a group as an output row. It reports false for groups
// that produce no row: empty groups of a grouped aggregate, and groups that
// fail HAVING.
func GroupOutput(n *optree.Node, g *state.GroupState, outer []any) (types.Row, bool, error) {
	a := n.Op.(*optree.Aggregate)
	if g == nil || g.Count <= 0 && !a.Scalar() {
		return types.Row{}, false, nil
	}
	vals := make([]any, 0, len(g.Key)+len(g.Values))
	vals = append(vals, g.Key...)
	vals = append(vals, g.Values...)
	if h := a.HavingExpr(); h != nil {
		ok, err := h.Test(vals, outer)
		if err != nil || !ok {
			return types.Row{}, false, err
		}
	}
	return types.Row{ID: rowid.Hash(g.Key...), Values: vals}, true, nil
}

// canonical orders rows by identity then content, so order-sensitive
// aggregates see the same input order however the rows were produced.
func canonical(rows []types.Row) []types.Row {
	out := append([]types.Row(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		return lessRow(out[i], out[j])
	})
	return out
}

func lessRow(a, b types.Row) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	for x := 0; x < len(a.Values) && x < len(b.Values); x++ {
		if c := types.Compare(a.Values[x], b.Values[x]); c != 0 {
			return c < 0
		}
	}
	return len(a.Values) < len(b.Values)
}

// sortRows stably sorts rows by ORDER BY items.
func sortRows(rows []types.Row, order []optree.Order, outer []any) ([]types.Row, error) {
	keys := make([][]any, len(rows))
	for i, r := range rows {
		k, err := orderKey(order, r, outer)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return compareOrder(order, keys[idx[i]], keys[idx[j]]) < 0
	})
	out := make([]types.Row, len(rows))
	for i, p := range idx {
		out[i] = rows[p]
	}
	return out, nil
}

func orderKey(order []optree.Order, r types.Row, outer []any) ([]any, error) {
	k := make([]any, len(order))
	for i, o := range order {
		v, err := o.Expr.Eval(r.Values, outer)
		if err != nil {
			return nil, err
		}
		k[i] = v
	}
	return k, nil
}

// compareOrder compares two ORDER BY keys honoring direction and NULL
// placement.
func compareOrder(order []optree.Order, a, b []any) int {
	for i, o := range order {
		x, y := a[i], b[i]
		switch {
		case x == nil && y == nil:
			continue
		case x == nil || y == nil:
			if (x == nil) == o.NullsFirst {
				return -1
			}
			return 1
		}
		c := types.Compare(x, y)
		if o.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
