package diff

import (
	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// rowChange is the net change of one row content within a delta.
type rowChange struct {
	values []any
	weight int64
}

// netByContent sums delta weights per row content, in first-seen order.
func netByContent(ds *types.DeltaSet) ([]string, map[string]*rowChange) {
	var order []string
	net := map[string]*rowChange{}
	for _, x := range ds.Rows {
		k := types.EncodeKey(x.Row.Values)
		c, ok := net[k]
		if !ok {
			c = &rowChange{values: x.Row.Values}
			net[k] = c
			order = append(order, k)
		}
		c.weight += x.Action.Weight()
	}
	return order, net
}

// Distinct keeps a reference count per row content and emits a row only when
// its count crosses zero.
func (d *differ) distinct(n *optree.Node) (*types.DeltaSet, error) {
	input := d.input(n, 0)
	in, err := d.delta(input)
	if err != nil {
		return nil, err
	}
	persisted := d.view != nil && d.view.HasCounts(n.ID)
	order, net := netByContent(in)
	out := types.NewDeltaSet(n.Columns)
	for _, k := range order {
		c := net[k]
		var before int64
		if persisted {
			before = d.view.Count(n.ID, k)
		} else if before, err = d.countOld(input, c.values); err != nil {
			return nil, err
		}
		after := before + c.weight
		switch {
		case before <= 0 && after > 0:
			out.Add(types.Insert, eval.ContentRow(c.values))
		case before > 0 && after <= 0:
			out.Add(types.Delete, eval.ContentRow(c.values))
		}
		if persisted {
			d.update.SetCount(n.ID, k, max(after, 0))
		}
	}
	return out, nil
}

// countOld counts the rows of n before the changes whose content is values.
func (d *differ) countOld(n *optree.Node, values []any) (int64, error) {
	cols := make([]int, len(values))
	for i := range cols {
		cols[i] = i
	}
	var rows []types.Row
	var err error
	if types.HasNull(values) {
		all, err := d.oldEnv.Rows(n)
		if err != nil {
			return 0, err
		}
		want := types.EncodeKey(values)
		for _, r := range all {
			if types.EncodeKey(r.Values) == want {
				rows = append(rows, r)
			}
		}
	} else if rows, err = d.oldEnv.Lookup(n, cols, values); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// INTERSECT and EXCEPT emit a number of copies of each row content that
// depends only on its counts on both sides. Affected contents are recounted
// before and after.
func (d *differ) setOp(n *optree.Node) (*types.DeltaSet, error) {
	left, right := d.input(n, 0), d.input(n, 1)
	dl, err := d.delta(left)
	if err != nil {
		return nil, err
	}
	dr, err := d.delta(right)
	if err != nil {
		return nil, err
	}
	lOrder, lNet := netByContent(dl)
	rOrder, rNet := netByContent(dr)

	values := map[string][]any{}
	var order []string
	for _, k := range append(lOrder, rOrder...) {
		if _, ok := values[k]; ok {
			continue
		}
		if c, ok := lNet[k]; ok {
			values[k] = c.values
		} else {
			values[k] = rNet[k].values
		}
		order = append(order, k)
	}

	out := types.NewDeltaSet(n.Columns)
	for _, k := range order {
		cl, err := d.countOld(left, values[k])
		if err != nil {
			return nil, err
		}
		cr, err := d.countOld(right, values[k])
		if err != nil {
			return nil, err
		}
		var wl, wr int64
		if c, ok := lNet[k]; ok {
			wl = c.weight
		}
		if c, ok := rNet[k]; ok {
			wr = c.weight
		}
		diff := eval.SetOpMultiplicity(n.Op, cl+wl, cr+wr) - eval.SetOpMultiplicity(n.Op, cl, cr)
		a := types.Insert
		if diff < 0 {
			a, diff = types.Delete, -diff
		}
		row := eval.ContentRow(values[k])
		for ; diff > 0; diff-- {
			out.Add(a, row)
		}
	}
	return out, nil
}
