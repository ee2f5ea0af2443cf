package eval

import (
	"github.com/ariyn/ivm/internal/ivm/expr"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/rowid"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// ScanRow tags a base relation row with its identity: the hash of the key
// columns, or of every column when the relation has no key.
func ScanRow(n *optree.Node, values []any) types.Row {
	return types.Row{ID: rowid.HashAt(values, n.Key), Values: values}
}

// ContentRow identifies a row by its full contents.
func ContentRow(values []any) types.Row {
	return types.Row{ID: rowid.Hash(values...), Values: values}
}

// FilterRows keeps the rows whose predicate is TRUE.
func FilterRows(f *optree.Filter, rows []types.Row, outer []any) ([]types.Row, error) {
	var out []types.Row
	for _, r := range rows {
		ok, err := f.Pred().Test(r.Values, outer)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ProjectRow maps one row. The input identity is kept when the projection
// passes every identity column through; otherwise the output is rehashed.
func ProjectRow(p *optree.Project, r types.Row, outer []any) (types.Row, error) {
	exprs := p.Compiled()
	vals := make([]any, len(exprs))
	for i, e := range exprs {
		v, err := e.Eval(r.Values, outer)
		if err != nil {
			return types.Row{}, err
		}
		vals[i] = v
	}
	if p.KeepsIdentity() {
		return types.Row{ID: r.ID, Values: vals}, nil
	}
	return ContentRow(vals), nil
}

func ProjectRows(p *optree.Project, rows []types.Row, outer []any) ([]types.Row, error) {
	out := make([]types.Row, 0, len(rows))
	for _, r := range rows {
		pr, err := ProjectRow(p, r, outer)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, nil
}

// JoinRow concatenates a left and right row.
func JoinRow(l, r types.Row) types.Row {
	vals := make([]any, 0, len(l.Values)+len(r.Values))
	vals = append(vals, l.Values...)
	vals = append(vals, r.Values...)
	return types.Row{ID: rowid.Combine(l.ID, r.ID), Values: vals}
}

// PadRight is a left row without a match, padded with width NULLs.
func PadRight(l types.Row, width int) types.Row {
	vals := make([]any, len(l.Values)+width)
	copy(vals, l.Values)
	return types.Row{ID: rowid.Combine(l.ID, rowid.Null), Values: vals}
}

// PadLeft is a right row without a match, preceded by width NULLs.
func PadLeft(r types.Row, width int) types.Row {
	vals := make([]any, width+len(r.Values))
	copy(vals[width:], r.Values)
	return types.Row{ID: rowid.Combine(rowid.Null, r.ID), Values: vals}
}

// BranchRow salts a row's identity with its UNION ALL branch so equal rows
// from different branches stay distinct.
func BranchRow(r types.Row, branch int) types.Row {
	return types.Row{ID: rowid.Salt(r.ID, branch), Values: r.Values}
}

// AppendValue adds one column to a row, keeping its identity.
func AppendValue(r types.Row, v any) types.Row {
	vals := make([]any, len(r.Values), len(r.Values)+1)
	copy(vals, r.Values)
	return types.Row{ID: r.ID, Values: append(vals, v)}
}

// DistinctRows keeps one copy of every distinct row content.
func DistinctRows(rows []types.Row) []types.Row {
	seen := map[string]bool{}
	var out []types.Row
	for _, r := range rows {
		k := types.EncodeKey(r.Values)
		if !seen[k] {
			seen[k] = true
			out = append(out, ContentRow(r.Values))
		}
	}
	return out
}

// Counts tallies rows by content.
func Counts(rows []types.Row) map[string]int64 {
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[types.EncodeKey(r.Values)]++
	}
	return out
}

// SetOpMultiplicity is the number of copies INTERSECT or EXCEPT emits for a
// row present cl times on the left and cr times on the right.
func SetOpMultiplicity(op optree.Op, cl, cr int64) int64 {
	switch o := op.(type) {
	case *optree.Intersect:
		m := min(cl, cr)
		if !o.All && m > 0 {
			return 1
		}
		return max(m, 0)
	case *optree.Except:
		if o.All {
			return max(cl-cr, 0)
		}
		if cl > 0 && cr == 0 {
			return 1
		}
	}
	return 0
}

// SetOpRows evaluates INTERSECT or EXCEPT.
func SetOpRows(op optree.Op, l, r []types.Row) []types.Row {
	cl, cr := Counts(l), Counts(r)
	done := map[string]bool{}
	var out []types.Row
	for _, row := range l {
		k := types.EncodeKey(row.Values)
		if done[k] {
			continue
		}
		done[k] = true
		c := ContentRow(row.Values)
		for i := SetOpMultiplicity(op, cl[k], cr[k]); i > 0; i-- {
			out = append(out, c)
		}
	}
	return out
}

// JoinRows evaluates a join-family node over its full inputs. leftWidth is the
// number of columns of the left input.
func JoinRows(n *optree.Node, leftWidth int, l, r []types.Row, outer []any) ([]types.Row, error) {
	j, _ := optree.Join(n.Op)
	cond := j.Cond()
	rightWidth := len(n.Columns) - leftWidth
	index := IndexRows(r, cond.RightKeys)
	rightMatched := make([]bool, len(r))

	var out []types.Row
	for _, lr := range l {
		switch o := n.Op.(type) {
		case *optree.SemiJoin:
			ok, err := Exists(cond, lr, index.Candidates(lr, cond.LeftKeys), outer)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, lr)
			}
			continue
		case *optree.AntiJoin:
			cands := r
			if !o.NullAware {
				cands = index.Candidates(lr, cond.LeftKeys)
			}
			ok, err := AntiKeep(cond, o.NullAware, lr, cands, outer)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, lr)
			}
			continue
		}

		matched := false
		for _, pos := range index.Positions(lr, cond.LeftKeys) {
			ok, err := cond.Matches(lr.Values, r[pos].Values, outer)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = true
				rightMatched[pos] = true
				out = append(out, JoinRow(lr, r[pos]))
			}
		}
		if !matched {
			switch n.Op.(type) {
			case *optree.LeftJoin, *optree.FullJoin:
				out = append(out, PadRight(lr, rightWidth))
			}
		}
	}
	if _, ok := n.Op.(*optree.FullJoin); ok {
		for pos, rr := range r {
			if !rightMatched[pos] {
				out = append(out, PadLeft(rr, leftWidth))
			}
		}
	}
	return out, nil
}

// Index is a hash index of rows on a set of key positions. Without key
// positions every row is a candidate for every probe.
type Index struct {
	rows []types.Row
	keys []int
	pos  map[string][]int
}

func IndexRows(rows []types.Row, keys []int) *Index {
	idx := &Index{rows: rows, keys: keys}
	if len(keys) == 0 {
		return idx
	}
	idx.pos = make(map[string][]int, len(rows))
	for i, r := range rows {
		k := types.Pick(r.Values, keys)
		if types.HasNull(k) {
			continue
		}
		enc := types.EncodeKey(k)
		idx.pos[enc] = append(idx.pos[enc], i)
	}
	return idx
}

// Positions returns the positions of rows whose keys equal probe's values at
// probeKeys.
func (x *Index) Positions(probe types.Row, probeKeys []int) []int {
	if len(x.keys) == 0 {
		all := make([]int, len(x.rows))
		for i := range all {
			all[i] = i
		}
		return all
	}
	k := types.Pick(probe.Values, probeKeys)
	if types.HasNull(k) {
		return nil
	}
	return x.pos[types.EncodeKey(k)]
}

// Candidates is Positions resolved to rows.
func (x *Index) Candidates(probe types.Row, probeKeys []int) []types.Row {
	if len(x.keys) == 0 {
		return x.rows
	}
	ps := x.Positions(probe, probeKeys)
	out := make([]types.Row, len(ps))
	for i, p := range ps {
		out[i] = x.rows[p]
	}
	return out
}

// Exists reports whether any of right satisfies the join condition with l.
func Exists(cond *expr.JoinCondition, l types.Row, right []types.Row, outer []any) (bool, error) {
	for _, r := range right {
		ok, err := cond.Matches(l.Values, r.Values, outer)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// AntiKeep reports whether an anti join keeps l given the right rows. With
// nullAware set, right must hold every right row, not only the key matches:
// among the rows passing the residual condition, a NULL key on either side
// makes the NOT IN comparison unknown and drops l.
func AntiKeep(cond *expr.JoinCondition, nullAware bool, l types.Row, right []types.Row, outer []any) (bool, error) {
	if !nullAware {
		ok, err := Exists(cond, l, right, outer)
		return !ok, err
	}
	lk := types.Pick(l.Values, cond.LeftKeys)
	for _, r := range right {
		if cond.Residual != nil {
			joined := make([]any, 0, len(l.Values)+len(r.Values))
			joined = append(append(joined, l.Values...), r.Values...)
			ok, err := cond.Residual.Test(joined, outer)
			if err != nil {
				return false, err
			}
			if !ok {
				continue
			}
		}
		if types.HasNull(lk) || types.HasNull(types.Pick(r.Values, cond.RightKeys)) {
			return false, nil
		}
		if cond.KeysMatch(l.Values, r.Values) {
			return false, nil
		}
	}
	return true, nil
}
