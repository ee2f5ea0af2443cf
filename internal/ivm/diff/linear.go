package diff

import (
	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// d(scan R) = changes of R, tagged with the same identities a full scan gives.
func (d *differ) scan(n *optree.Node, s *optree.Scan) (*types.DeltaSet, error) {
	out := types.NewDeltaSet(n.Columns)
	for _, c := range d.changes[s.Relation] {
		vals := types.NormalizeAll(append([]any(nil), c.Values...))
		out.Add(c.Action, eval.ScanRow(n, vals))
	}
	return out, nil
}

// d(σ(S)) = σ(dS)
func (d *differ) filter(n *optree.Node, f *optree.Filter) (*types.DeltaSet, error) {
	in, err := d.delta(d.input(n, 0))
	if err != nil {
		return nil, err
	}
	out := types.NewDeltaSet(n.Columns)
	for _, r := range in.Rows {
		ok, err := f.Pred().Test(r.Row.Values, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Add(r.Action, r.Row)
		}
	}
	return out, nil
}

// d(π(S)) = π(dS)
func (d *differ) project(n *optree.Node, p *optree.Project) (*types.DeltaSet, error) {
	in, err := d.delta(d.input(n, 0))
	if err != nil {
		return nil, err
	}
	out := types.NewDeltaSet(n.Columns)
	for _, r := range in.Rows {
		pr, err := eval.ProjectRow(p, r.Row, nil)
		if err != nil {
			return nil, err
		}
		out.Add(r.Action, pr)
	}
	return out, nil
}

// d(A ∪all B) = dA ∪all dB, each branch salted as in a full evaluation.
func (d *differ) unionAll(n *optree.Node, u *optree.UnionAll) (*types.DeltaSet, error) {
	out := types.NewDeltaSet(n.Columns)
	for i, b := range u.Branches {
		in, err := d.delta(d.tree.Node(b))
		if err != nil {
			return nil, err
		}
		for _, r := range in.Rows {
			out.Add(r.Action, eval.BranchRow(r.Row, i))
		}
	}
	return out, nil
}

// Subqueries and CTE scans only rename; the body's delta is shared.
func (d *differ) rename(n *optree.Node) (*types.DeltaSet, error) {
	in, err := d.delta(d.input(n, 0))
	if err != nil {
		return nil, err
	}
	return &types.DeltaSet{Columns: n.Columns, Rows: in.Rows}, nil
}

// d(S ⋈ f(S.*)) = dS ⋈ f(dS.*): the function depends on its row only.
func (d *differ) lateralFunction(n *optree.Node) (*types.DeltaSet, error) {
	in, err := d.delta(d.input(n, 0))
	if err != nil {
		return nil, err
	}
	out := types.NewDeltaSet(n.Columns)
	for _, r := range in.Rows {
		rows, err := eval.ExpandFunction(n, r.Row, nil)
		if err != nil {
			return nil, err
		}
		for _, x := range rows {
			out.Add(r.Action, x)
		}
	}
	return out, nil
}
