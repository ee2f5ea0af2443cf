package eval

import (
	"fmt"

	"github.com/ariyn/ivm/internal/ivm/agg"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// PartitionKey evaluates the PARTITION BY expressions for r.
func PartitionKey(w *optree.Window, r types.Row, outer []any) ([]any, error) {
	parts := w.Partition()
	key := make([]any, len(parts))
	for i, p := range parts {
		v, err := p.Eval(r.Values, outer)
		if err != nil {
			return nil, err
		}
		key[i] = v
	}
	return key, nil
}

// WindowRows evaluates a window node over all of its input rows.
func WindowRows(w *optree.Window, rows []types.Row, outer []any) ([]types.Row, error) {
	var order []string
	parts := map[string][]types.Row{}
	for _, r := range rows {
		key, err := PartitionKey(w, r, outer)
		if err != nil {
			return nil, err
		}
		k := types.EncodeKey(key)
		if _, ok := parts[k]; !ok {
			order = append(order, k)
		}
		parts[k] = append(parts[k], r)
	}
	var out []types.Row
	for _, k := range order {
		res, err := WindowPartition(w, parts[k], outer)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

// WindowPartition computes the window functions for the rows of one
// partition. Rows that tie on the ORDER BY keys are ordered by identity.
func WindowPartition(w *optree.Window, rows []types.Row, outer []any) ([]types.Row, error) {
	sorted, err := sortRows(canonical(rows), w.Order(), outer)
	if err != nil {
		return nil, err
	}
	n := len(sorted)
	keys := make([][]any, n)
	for i, r := range sorted {
		if keys[i], err = orderKey(w.Order(), r, outer); err != nil {
			return nil, err
		}
	}

	// Peer groups: rows with equal ORDER BY keys.
	peerStart := make([]int, n)
	peerEnd := make([]int, n)
	dense := make([]int, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && compareOrder(w.Order(), keys[i], keys[j+1]) == 0 {
			j++
		}
		d := 1
		if i > 0 {
			d = dense[i-1] + 1
		}
		for k := i; k <= j; k++ {
			peerStart[k], peerEnd[k], dense[k] = i, j, d
		}
		i = j + 1
	}

	calls := w.Calls()
	out := make([]types.Row, n)
	for i, r := range sorted {
		vals := make([]any, len(r.Values), len(r.Values)+len(calls))
		copy(vals, r.Values)
		out[i] = types.Row{ID: r.ID, Values: vals}
	}
	p := partition{rows: sorted, peerStart: peerStart, peerEnd: peerEnd, dense: dense, outer: outer}
	for _, c := range calls {
		for i := range sorted {
			v, err := p.call(c, i)
			if err != nil {
				return nil, fmt.Errorf("window %s: %w", c.Func, err)
			}
			out[i].Values = append(out[i].Values, v)
		}
	}
	return out, nil
}

type partition struct {
	rows      []types.Row
	peerStart []int
	peerEnd   []int
	dense     []int
	outer     []any
}

func (p partition) arg(c optree.WindowCall, i, row int) (any, error) {
	return c.Args[i].Eval(p.rows[row].Values, p.outer)
}

func (p partition) call(c optree.WindowCall, i int) (any, error) {
	n := len(p.rows)
	switch c.Func {
	case "row_number":
		return int64(i + 1), nil
	case "rank":
		return int64(p.peerStart[i] + 1), nil
	case "dense_rank":
		return int64(p.dense[i]), nil
	case "percent_rank":
		if n <= 1 {
			return 0.0, nil
		}
		return float64(p.peerStart[i]) / float64(n-1), nil
	case "cume_dist":
		return float64(p.peerEnd[i]+1) / float64(n), nil
	case "ntile":
		v, err := p.arg(c, 0, i)
		if err != nil || v == nil {
			return nil, err
		}
		buckets, ok := types.ToInt64(v)
		if !ok || buckets <= 0 {
			return nil, fmt.Errorf("argument of ntile must be greater than zero")
		}
		return ntile(i, n, buckets), nil
	case "lag", "lead":
		off := int64(1)
		if len(c.Args) > 1 {
			v, err := p.arg(c, 1, i)
			if err != nil {
				return nil, err
			}
			if v == nil {
				return nil, nil
			}
			if off, _ = types.ToInt64(v); off < 0 {
				return nil, fmt.Errorf("%s offset must not be negative", c.Func)
			}
		}
		j := int64(i) - off
		if c.Func == "lead" {
			j = int64(i) + off
		}
		if j >= 0 && j < int64(n) {
			return p.arg(c, 0, int(j))
		}
		if len(c.Args) > 2 {
			return p.arg(c, 2, i)
		}
		return nil, nil
	}

	start, end := p.frame(c.Frame, i)
	switch c.Func {
	case "first_value":
		if start > end {
			return nil, nil
		}
		return p.arg(c, 0, start)
	case "last_value":
		if start > end {
			return nil, nil
		}
		return p.arg(c, 0, end)
	case "nth_value":
		v, err := p.arg(c, 1, i)
		if err != nil || v == nil {
			return nil, err
		}
		k, ok := types.ToInt64(v)
		if !ok || k <= 0 {
			return nil, fmt.Errorf("argument of nth_value must be greater than zero")
		}
		pos := start + int(k) - 1
		if start > end || pos > end {
			return nil, nil
		}
		return p.arg(c, 0, pos)
	}

	f, err := agg.Lookup(c.Func)
	if err != nil {
		return nil, err
	}
	if f == agg.Count && len(c.Args) == 0 {
		f = agg.CountStar
	}
	st := agg.NewState(agg.Spec{Func: f})
	for j := start; j <= end; j++ {
		var v any
		if len(c.Args) > 0 {
			if v, err = p.arg(c, 0, j); err != nil {
				return nil, err
			}
		}
		st.Apply(v, 1)
	}
	return st.Result(), nil
}

// frame returns the inclusive row range of the frame of row i. start > end
// means an empty frame.
func (p partition) frame(f optree.Frame, i int) (int, int) {
	n := len(p.rows)
	var start, end int
	switch f.Start.Type {
	case optree.UnboundedPreceding:
		start = 0
	case optree.Preceding:
		start = i - int(f.Start.Offset)
	case optree.CurrentRow:
		start = i
		if f.Mode == optree.FrameRange {
			start = p.peerStart[i]
		}
	case optree.Following:
		start = i + int(f.Start.Offset)
	case optree.UnboundedFollowing:
		start = n
	}
	switch f.End.Type {
	case optree.UnboundedPreceding:
		end = -1
	case optree.Preceding:
		end = i - int(f.End.Offset)
	case optree.CurrentRow:
		end = i
		if f.Mode == optree.FrameRange {
			end = p.peerEnd[i]
		}
	case optree.Following:
		end = i + int(f.End.Offset)
	case optree.UnboundedFollowing:
		end = n - 1
	}
	return max(start, 0), min(end, n-1)
}

// ntile returns the 1-based bucket of row i when n rows are split into
// buckets as evenly as possible, larger buckets first.
func ntile(i, n int, buckets int64) int64 {
	if buckets > int64(n) {
		return int64(i + 1)
	}
	b := int(buckets)
	size, extra := n/b, n%b
	big := (size + 1) * extra
	if i < big {
		return int64(i/(size+1) + 1)
	}
	return int64(extra + (i-big)/size + 1)
}
