package state

import (
	"fmt"

	"github.com/ariyn/ivm/internal/ivm/types"
)

// OldSnapshot reconstructs the contents of base relations as they were before a
// batch of changes: current minus inserted rows plus deleted rows.
type OldSnapshot struct {
	cur     Snapshot
	changes map[string][]types.Change
}

// NewOldSnapshot returns the pre-change view of cur. changes holds, per
// relation, every change applied since the state being reconstructed.
func NewOldSnapshot(cur Snapshot, changes map[string][]types.Change) *OldSnapshot {
	return &OldSnapshot{cur: cur, changes: changes}
}

func (o *OldSnapshot) Columns(rel string) ([]string, error) {
	return o.cur.Columns(rel)
}

func (o *OldSnapshot) Scan(rel string) ([][]any, error) {
	rows, err := o.cur.Scan(rel)
	if err != nil {
		return nil, err
	}
	return o.rewind(rel, rows, nil, nil), nil
}

func (o *OldSnapshot) Lookup(rel string, cols []int, key []any) ([][]any, error) {
	rows, err := o.cur.Lookup(rel, cols, key)
	if err != nil {
		return nil, err
	}
	return o.rewind(rel, rows, cols, key), nil
}

func (o *OldSnapshot) Count(rel string) (int, error) {
	n, err := o.cur.Count(rel)
	if err != nil {
		return 0, err
	}
	for _, c := range o.changes[rel] {
		n -= int(c.Action.Weight())
	}
	return n, nil
}

// rewind undoes the changes of rel on rows. When cols is set only changes
// whose values at cols equal key are considered.
func (o *OldSnapshot) rewind(rel string, rows [][]any, cols []int, key []any) [][]any {
	changes := o.changes[rel]
	if len(changes) == 0 {
		return rows
	}
	type entry struct {
		row []any
		n   int64
	}
	var order []string
	counts := map[string]*entry{}
	add := func(r []any, w int64) {
		k := types.EncodeKey(r)
		e, ok := counts[k]
		if !ok {
			e = &entry{row: r}
			counts[k] = e
			order = append(order, k)
		}
		e.n += w
	}
	for _, r := range rows {
		add(r, 1)
	}
	wantKey := types.EncodeKey(key)
	for _, c := range changes {
		if cols != nil {
			k := types.Pick(c.Values, cols)
			if types.HasNull(k) || types.EncodeKey(k) != wantKey {
				continue
			}
		}
		add(types.NormalizeAll(copyRow(c.Values)), -c.Action.Weight())
	}
	out := make([][]any, 0, len(rows))
	for _, k := range order {
		e := counts[k]
		for i := int64(0); i < e.n; i++ {
			out = append(out, append([]any(nil), e.row...))
		}
	}
	return out
}

// Frozen is a Snapshot over fixed row sets. It is mainly used to evaluate a
// tree against a hand-built state.
type Frozen struct {
	columns map[string][]string
	rows    map[string][][]any
}

func NewFrozen() *Frozen {
	return &Frozen{columns: map[string][]string{}, rows: map[string][][]any{}}
}

// Set replaces the contents of rel.
func (f *Frozen) Set(rel string, columns []string, rows ...[]any) *Frozen {
	f.columns[rel] = columns
	f.rows[rel] = nil
	for _, r := range rows {
		f.rows[rel] = append(f.rows[rel], types.NormalizeAll(copyRow(r)))
	}
	return f
}

func (f *Frozen) Columns(rel string) ([]string, error) {
	c, ok := f.columns[rel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRelation, rel)
	}
	return c, nil
}

func (f *Frozen) Scan(rel string) ([][]any, error) {
	if _, ok := f.columns[rel]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRelation, rel)
	}
	out := make([][]any, len(f.rows[rel]))
	for i, r := range f.rows[rel] {
		out[i] = append([]any(nil), r...)
	}
	return out, nil
}

func (f *Frozen) Lookup(rel string, cols []int, key []any) ([][]any, error) {
	rows, err := f.Scan(rel)
	if err != nil || types.HasNull(key) {
		return nil, err
	}
	want := types.EncodeKey(key)
	var out [][]any
	for _, r := range rows {
		if types.EncodeKey(types.Pick(r, cols)) == want {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *Frozen) Count(rel string) (int, error) {
	if _, ok := f.columns[rel]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoRelation, rel)
	}
	return len(f.rows[rel]), nil
}
