package state

import (
	"fmt"
	"sort"

	"github.com/ariyn/ivm/internal/ivm/agg"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// GroupState is the persisted state of one aggregate group.
type GroupState struct {
	Key []any
	// Count is the number of input rows in the group.
	Count int64
	// Values are the aggregate results last emitted for the group.
	Values []any
	// States holds accumulators for functions that can absorb changes. The
	// entry is nil for group-rescan functions.
	States []agg.State
}

func (g *GroupState) Clone() *GroupState {
	c := &GroupState{
		Key:    append([]any(nil), g.Key...),
		Count:  g.Count,
		Values: append([]any(nil), g.Values...),
		States: make([]agg.State, len(g.States)),
	}
	for i, s := range g.States {
		if s != nil {
			c.States[i] = s.Clone()
		}
	}
	return c
}

// Update carries the node state changes of one refresh cycle. A nil group
// removes the group; a zero count removes the entry.
type Update struct {
	Groups map[optree.NodeID]map[string]*GroupState
	Counts map[optree.NodeID]map[string]int64
}

func NewUpdate() *Update {
	return &Update{
		Groups: map[optree.NodeID]map[string]*GroupState{},
		Counts: map[optree.NodeID]map[string]int64{},
	}
}

// SetGroup records the new state of group key of node.
func (u *Update) SetGroup(node optree.NodeID, key string, g *GroupState) {
	m, ok := u.Groups[node]
	if !ok {
		m = map[string]*GroupState{}
		u.Groups[node] = m
	}
	m[key] = g
}

// SetCount records the new reference count of row key under node.
func (u *Update) SetCount(node optree.NodeID, key string, n int64) {
	m, ok := u.Counts[node]
	if !ok {
		m = map[string]int64{}
		u.Counts[node] = m
	}
	m[key] = n
}

func (u *Update) IsEmpty() bool {
	return u == nil || len(u.Groups) == 0 && len(u.Counts) == 0
}

type viewEntry struct {
	row types.Row
	n   int64
}

// ViewState is the materialized contents of a view plus the state persisted
// for its aggregate and distinct nodes. It is never modified in place: Apply
// returns a new value, so a failed apply leaves the previous state intact.
type ViewState struct {
	columns types.Columns
	rows    map[string]*viewEntry
	groups  map[optree.NodeID]map[string]*GroupState
	counts  map[optree.NodeID]map[string]int64
}

// NewViewState builds the state a full recomputation produced.
func NewViewState(cols types.Columns, rows []types.Row, u *Update) *ViewState {
	v := &ViewState{
		columns: cols,
		rows:    map[string]*viewEntry{},
		groups:  map[optree.NodeID]map[string]*GroupState{},
		counts:  map[optree.NodeID]map[string]int64{},
	}
	for _, r := range rows {
		v.add(r, 1)
	}
	if u != nil {
		for node, gs := range u.Groups {
			m := map[string]*GroupState{}
			for k, g := range gs {
				if g != nil {
					m[k] = g
				}
			}
			v.groups[node] = m
		}
		for node, cs := range u.Counts {
			m := map[string]int64{}
			for k, n := range cs {
				if n != 0 {
					m[k] = n
				}
			}
			v.counts[node] = m
		}
	}
	return v
}

func rowKey(r types.Row) string {
	return r.ID.String() + types.EncodeKey(r.Values)
}

func (v *ViewState) add(r types.Row, w int64) {
	k := rowKey(r)
	e, ok := v.rows[k]
	if !ok {
		e = &viewEntry{row: r.Clone()}
		v.rows[k] = e
	}
	e.n += w
	if e.n == 0 {
		delete(v.rows, k)
	}
}

func (v *ViewState) Columns() types.Columns { return v.columns }

// Len is the number of rows, counting duplicates.
func (v *ViewState) Len() int {
	n := 0
	for _, e := range v.rows {
		n += int(e.n)
	}
	return n
}

// Rows returns the contents ordered by identity then values.
func (v *ViewState) Rows() []types.Row {
	keys := make([]string, 0, len(v.rows))
	for k := range v.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := v.rows[keys[i]].row, v.rows[keys[j]].row
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		for x := 0; x < len(a.Values) && x < len(b.Values); x++ {
			if c := types.Compare(a.Values[x], b.Values[x]); c != 0 {
				return c < 0
			}
		}
		return len(a.Values) < len(b.Values)
	})
	var out []types.Row
	for _, k := range keys {
		e := v.rows[k]
		for i := int64(0); i < e.n; i++ {
			out = append(out, e.row.Clone())
		}
	}
	return out
}

// HasGroups reports whether group state is persisted for node.
func (v *ViewState) HasGroups(node optree.NodeID) bool {
	_, ok := v.groups[node]
	return ok
}

// Group returns the persisted state of one group. The result must not be
// modified.
func (v *ViewState) Group(node optree.NodeID, key string) (*GroupState, bool) {
	g, ok := v.groups[node][key]
	return g, ok
}

// HasCounts reports whether reference counts are persisted for node.
func (v *ViewState) HasCounts(node optree.NodeID) bool {
	_, ok := v.counts[node]
	return ok
}

func (v *ViewState) Count(node optree.NodeID, key string) int64 {
	return v.counts[node][key]
}

// Apply returns the state after delta and u. Deleting a row that is not
// present is an error and leaves v unchanged.
func (v *ViewState) Apply(delta *types.DeltaSet, u *Update) (*ViewState, error) {
	next := &ViewState{
		columns: v.columns,
		rows:    make(map[string]*viewEntry, len(v.rows)),
		groups:  make(map[optree.NodeID]map[string]*GroupState, len(v.groups)),
		counts:  make(map[optree.NodeID]map[string]int64, len(v.counts)),
	}
	for k, e := range v.rows {
		next.rows[k] = &viewEntry{row: e.row, n: e.n}
	}
	for _, d := range delta.Consolidate().Rows {
		if d.Action == types.Delete {
			e, ok := next.rows[rowKey(d.Row)]
			if !ok || e.n <= 0 {
				return nil, fmt.Errorf("view state underflow: row not found for deletion: %v", d.Row)
			}
		}
		next.add(d.Row, d.Action.Weight())
	}

	for node, gs := range v.groups {
		next.groups[node] = gs
	}
	for node, cs := range v.counts {
		next.counts[node] = cs
	}
	if u == nil {
		return next, nil
	}
	for node, changed := range u.Groups {
		m := make(map[string]*GroupState, len(next.groups[node])+len(changed))
		for k, g := range next.groups[node] {
			m[k] = g
		}
		for k, g := range changed {
			if g == nil {
				delete(m, k)
			} else {
				m[k] = g
			}
		}
		next.groups[node] = m
	}
	for node, changed := range u.Counts {
		m := make(map[string]int64, len(next.counts[node])+len(changed))
		for k, n := range next.counts[node] {
			m[k] = n
		}
		for k, n := range changed {
			if n < 0 {
				return nil, fmt.Errorf("view state underflow: negative reference count for node %d", node)
			}
			if n == 0 {
				delete(m, k)
			} else {
				m[k] = n
			}
		}
		next.counts[node] = m
	}
	return next, nil
}
