package types

import "fmt"

// DeltaSet is the unordered multiset of tagged rows one operator produces in a
// cycle.
type DeltaSet struct {
	Columns Columns
	Rows    []DeltaRow
}

func NewDeltaSet(cols Columns) *DeltaSet {
	return &DeltaSet{Columns: cols}
}

func (d *DeltaSet) Add(a Action, r Row) {
	d.Rows = append(d.Rows, DeltaRow{Action: a, Row: r})
}

func (d *DeltaSet) Append(rows ...DeltaRow) {
	d.Rows = append(d.Rows, rows...)
}

func (d *DeltaSet) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

func (d *DeltaSet) IsEmpty() bool {
	return d.Len() == 0
}

// Inserts returns the rows tagged Insert.
func (d *DeltaSet) Inserts() []Row {
	return d.filter(Insert)
}

// Deletes returns the rows tagged Delete.
func (d *DeltaSet) Deletes() []Row {
	return d.filter(Delete)
}

func (d *DeltaSet) filter(a Action) []Row {
	if d == nil {
		return nil
	}
	var out []Row
	for _, r := range d.Rows {
		if r.Action == a {
			out = append(out, r.Row)
		}
	}
	return out
}

// Consolidate nets out rows with the same identity and content. An Insert and a
// Delete of the same row cancel; the result never holds both for one row.
func (d *DeltaSet) Consolidate() *DeltaSet {
	if d == nil {
		return nil
	}
	var b Bag
	for _, r := range d.Rows {
		b.Add(r.Row, r.Action.Weight())
	}
	return &DeltaSet{Columns: d.Columns, Rows: b.Deltas()}
}

func (d *DeltaSet) String() string {
	if d == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v %v", d.Columns, d.Rows)
}

// Bag is a signed multiset of rows keyed by identity and content. The zero value
// is ready to use.
type Bag struct {
	entries map[bagKey]*bagEntry
	order   []bagKey
}

type bagKey struct {
	id      Identity
	content string
}

type bagEntry struct {
	row    Row
	weight int64
}

// Add adds weight w of row r.
func (b *Bag) Add(r Row, w int64) {
	if w == 0 {
		return
	}
	if b.entries == nil {
		b.entries = make(map[bagKey]*bagEntry)
	}
	k := bagKey{id: r.ID, content: EncodeKey(r.Values)}
	e, ok := b.entries[k]
	if !ok {
		e = &bagEntry{row: r}
		b.entries[k] = e
		b.order = append(b.order, k)
	}
	e.weight += w
}

// AddRows adds every row with weight w.
func (b *Bag) AddRows(rows []Row, w int64) {
	for _, r := range rows {
		b.Add(r, w)
	}
}

// Weight returns the net weight recorded for r.
func (b *Bag) Weight(r Row) int64 {
	if b.entries == nil {
		return 0
	}
	e, ok := b.entries[bagKey{id: r.ID, content: EncodeKey(r.Values)}]
	if !ok {
		return 0
	}
	return e.weight
}

// Each visits every entry with a non-zero weight in first-seen order.
func (b *Bag) Each(f func(r Row, w int64)) {
	for _, k := range b.order {
		e := b.entries[k]
		if e.weight != 0 {
			f(e.row, e.weight)
		}
	}
}

// Deltas expands the bag into tagged rows, |w| copies per entry.
func (b *Bag) Deltas() []DeltaRow {
	var out []DeltaRow
	b.Each(func(r Row, w int64) {
		a := Insert
		if w < 0 {
			a, w = Delete, -w
		}
		for i := int64(0); i < w; i++ {
			out = append(out, DeltaRow{Action: a, Row: r})
		}
	})
	return out
}

// Rows expands the positive part of the bag.
func (b *Bag) Rows() []Row {
	var out []Row
	b.Each(func(r Row, w int64) {
		for i := int64(0); i < w; i++ {
			out = append(out, r)
		}
	})
	return out
}

func (b *Bag) Len() int {
	n := 0
	b.Each(func(Row, int64) { n++ })
	return n
}

// DiffRows returns the tagged rows that turn before into after.
func DiffRows(before, after []Row) []DeltaRow {
	var b Bag
	b.AddRows(before, -1)
	b.AddRows(after, 1)
	return b.Deltas()
}
