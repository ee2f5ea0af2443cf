package diff

import (
	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// Lateral subqueries are maintained per outer row: removed outer rows retract
// the body rows they produced before the changes, added ones emit the body
// rows they produce now. When relations read by the body change, the outer
// rows they affect are found through the declared correlations and their body
// rows are diffed. Without a correlation for a changed relation the outcome
// depends on the lateral policy.
func (d *differ) lateralSubquery(n *optree.Node, l *optree.LateralSubquery) (*types.DeltaSet, error) {
	input, body := d.input(n, 0), d.tree.Node(l.Body)
	in, err := d.delta(input)
	if err != nil {
		return nil, err
	}

	out := types.NewDeltaSet(n.Columns)
	var inserted types.Bag
	for _, x := range in.Rows {
		if x.Action == types.Insert {
			inserted.Add(x.Row, 1)
		}
		rows, err := d.env(x.Action).LateralRows(n, x.Row)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out.Add(x.Action, r)
		}
	}
	if !d.changed(body) {
		return out, nil
	}

	affected, err := d.lateralAffected(n, l, input, body)
	if err != nil {
		return nil, err
	}
	affected.Each(func(r types.Row, w int64) {
		// Inserted outer rows were handled above.
		w -= inserted.Weight(r)
		if err != nil || w <= 0 {
			return
		}
		var before, after []types.Row
		if before, err = d.oldEnv.LateralRows(n, r); err != nil {
			return
		}
		if after, err = d.newEnv.LateralRows(n, r); err != nil {
			return
		}
		for ; w > 0; w-- {
			out.Append(types.DiffRows(before, after)...)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lateralAffected returns the current outer rows whose body may have changed
// because of changes to relations the body reads, each with its multiplicity.
func (d *differ) lateralAffected(n *optree.Node, l *optree.LateralSubquery, input, body *optree.Node) (*types.Bag, error) {
	var affected types.Bag
	corr := map[string][]optree.ResolvedCorrelation{}
	for _, c := range l.Correlations() {
		corr[c.Relation] = append(corr[c.Relation], c)
	}
	for _, rel := range body.Relations {
		if len(d.changes[rel]) == 0 {
			continue
		}
		if len(corr[rel]) == 0 {
			if d.policy != LateralRescan {
				return nil, fallback(n, "relation %s changed and the lateral body declares no correlation for it", rel)
			}
			rows, err := d.newEnv.Rows(input)
			if err != nil {
				return nil, err
			}
			var all types.Bag
			all.AddRows(rows, 1)
			return &all, nil
		}
	}

	// A lookup returns every copy of an outer row, so the highest count seen
	// for a row is its multiplicity.
	type probe struct {
		col int
		key string
	}
	seen := map[probe]bool{}
	for _, rel := range body.Relations {
		for _, c := range corr[rel] {
			for _, ch := range d.changes[rel] {
				key := []any{types.Normalize(ch.Values[c.Inner])}
				p := probe{col: c.Outer, key: types.EncodeKey(key)}
				if types.HasNull(key) || seen[p] {
					continue
				}
				seen[p] = true
				rows, err := d.newEnv.Lookup(input, []int{c.Outer}, key)
				if err != nil {
					return nil, err
				}
				var b types.Bag
				b.AddRows(rows, 1)
				b.Each(func(r types.Row, w int64) {
					if have := affected.Weight(r); w > have {
						affected.Add(r, w-have)
					}
				})
			}
		}
	}
	return &affected, nil
}

// A scalar subquery appends one value to every input row. While the value
// stays the same the input delta passes through; when it changes every row is
// retracted with the old value and emitted again with the new one.
func (d *differ) scalarSubquery(n *optree.Node) (*types.DeltaSet, error) {
	input := d.input(n, 0)
	in, err := d.delta(input)
	if err != nil {
		return nil, err
	}
	after, err := d.newEnv.ScalarValue(n)
	if err != nil {
		return nil, err
	}
	out := types.NewDeltaSet(n.Columns)
	s := n.Op.(*optree.ScalarSubquery)
	if d.changed(d.tree.Node(s.Subquery)) {
		before, err := d.oldEnv.ScalarValue(n)
		if err != nil {
			return nil, err
		}
		if types.EncodeKey([]any{before}) != types.EncodeKey([]any{after}) {
			old, err := d.oldEnv.Rows(input)
			if err != nil {
				return nil, err
			}
			cur, err := d.newEnv.Rows(input)
			if err != nil {
				return nil, err
			}
			for _, r := range old {
				out.Add(types.Delete, eval.AppendValue(r, before))
			}
			for _, r := range cur {
				out.Add(types.Insert, eval.AppendValue(r, after))
			}
			return out, nil
		}
	}
	for _, x := range in.Rows {
		out.Add(x.Action, eval.AppendValue(x.Row, after))
	}
	return out, nil
}
