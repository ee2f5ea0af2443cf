// Package state holds base-relation snapshots and persisted view state.
package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ariyn/ivm/internal/ivm/types"
)

var (
	// ErrNoRelation is returned for unknown relations.
	ErrNoRelation = errors.New("no such relation")
	// ErrDuplicateKey is returned when an insert or update would repeat a
	// primary key.
	ErrDuplicateKey = errors.New("duplicate primary key")
)

// Snapshot is read access to base relations at one point in time. Rows are
// returned as copies.
type Snapshot interface {
	Columns(rel string) ([]string, error)
	Scan(rel string) ([][]any, error)
	// Lookup returns the rows whose values at cols equal key.
	Lookup(rel string, cols []int, key []any) ([][]any, error)
	Count(rel string) (int, error)
}

// Store maintains the current contents of all base tables.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// Table is a single table's rows with lazily built hash indexes.
type Table struct {
	mu      sync.RWMutex
	name    string
	columns []string
	key     []int
	rows    [][]any
	// index maps an encoded column set to key -> row positions. Any write
	// drops all indexes.
	index map[string]map[string][]int
}

func NewStore() *Store {
	return &Store{
		tables: make(map[string]*Table),
	}
}

// CreateTable registers a table. key names its primary key columns, if any.
func (s *Store) CreateTable(name string, columns []string, key ...string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[name]; ok {
		return nil, fmt.Errorf("table %s already exists", name)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", name)
	}
	t := &Table{
		name:    name,
		columns: append([]string(nil), columns...),
		index:   make(map[string]map[string][]int),
	}
	for _, k := range key {
		idx := columnIndex(columns, k)
		if idx < 0 {
			return nil, fmt.Errorf("table %s: key column %s not found", name, k)
		}
		t.key = append(t.key, idx)
	}
	s.tables[name] = t
	return t, nil
}

// Table returns a table by name.
func (s *Store) Table(name string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRelation, name)
	}
	return t, nil
}

// Tables lists table names in sorted order.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.tables))
	for n := range s.tables {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Columns(rel string) ([]string, error) {
	t, err := s.Table(rel)
	if err != nil {
		return nil, err
	}
	return t.Columns(), nil
}

func (s *Store) Scan(rel string) ([][]any, error) {
	t, err := s.Table(rel)
	if err != nil {
		return nil, err
	}
	return t.Select(nil), nil
}

func (s *Store) Lookup(rel string, cols []int, key []any) ([][]any, error) {
	t, err := s.Table(rel)
	if err != nil {
		return nil, err
	}
	return t.Lookup(cols, key)
}

func (s *Store) Count(rel string) (int, error) {
	t, err := s.Table(rel)
	if err != nil {
		return 0, err
	}
	return t.Count(), nil
}

func (t *Table) Name() string { return t.name }

func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// Key returns the primary key positions.
func (t *Table) Key() []int { return append([]int(nil), t.key...) }

// Insert adds a row and returns the change event.
func (t *Table) Insert(values []any) (types.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, err := t.normalize(values)
	if err != nil {
		return types.Event{}, err
	}
	if err := t.checkKey(row, -1); err != nil {
		return types.Event{}, err
	}
	t.rows = append(t.rows, row)
	t.dropIndexes()
	return types.Event{Relation: t.name, Op: types.OpInsert, New: copyRow(row)}, nil
}

// Delete removes rows matching predicate and returns one event per row.
func (t *Table) Delete(predicate func([]any) (bool, error)) ([]types.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []types.Event
	remaining := make([][]any, 0, len(t.rows))
	for _, row := range t.rows {
		ok, err := predicate(row)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, types.Event{Relation: t.name, Op: types.OpDelete, Old: copyRow(row)})
		} else {
			remaining = append(remaining, row)
		}
	}
	t.rows = remaining
	t.dropIndexes()
	return events, nil
}

// Update rewrites rows matching predicate with set and returns one UPDATE
// event per row. Either every matching row is updated or none is.
func (t *Table) Update(predicate func([]any) (bool, error), set func([]any) ([]any, error)) ([]types.Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []types.Event
	next := make([][]any, len(t.rows))
	copy(next, t.rows)
	for i, row := range t.rows {
		ok, err := predicate(row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		updated, err := set(copyRow(row))
		if err != nil {
			return nil, err
		}
		if updated, err = t.normalize(updated); err != nil {
			return nil, err
		}
		next[i] = updated
		events = append(events, types.Event{Relation: t.name, Op: types.OpUpdate, Old: copyRow(row), New: copyRow(updated)})
	}
	if len(t.key) > 0 && len(events) > 0 {
		seen := make(map[string]bool, len(next))
		for _, row := range next {
			k := types.EncodeKey(types.Pick(row, t.key))
			if seen[k] {
				return nil, fmt.Errorf("%w: %s%v", ErrDuplicateKey, t.name, types.Pick(row, t.key))
			}
			seen[k] = true
		}
	}
	t.rows = next
	t.dropIndexes()
	return events, nil
}

// Apply replays a change against the table. It is used to load changes that
// were captured elsewhere.
func (t *Table) Apply(c types.Change) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, err := t.normalize(c.Values)
	if err != nil {
		return err
	}
	switch c.Action {
	case types.Insert:
		t.rows = append(t.rows, row)
	case types.Delete:
		if !t.removeRow(row) {
			return fmt.Errorf("row not found for deletion: %s%v", t.name, row)
		}
	}
	t.dropIndexes()
	return nil
}

// removeRow removes the first matching row
func (t *Table) removeRow(row []any) bool {
	for i, r := range t.rows {
		if types.ValuesEqual(r, row) {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			return true
		}
	}
	return false
}

// Select returns all rows matching the predicate
func (t *Table) Select(predicate func([]any) bool) [][]any {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result [][]any
	for _, row := range t.rows {
		if predicate == nil || predicate(row) {
			result = append(result, copyRow(row))
		}
	}
	return result
}

// Lookup returns rows whose values at cols equal key, using a hash index on
// cols. NULL never matches.
func (t *Table) Lookup(cols []int, key []any) ([][]any, error) {
	if len(cols) != len(key) {
		return nil, fmt.Errorf("lookup on %s: %d columns, %d values", t.name, len(cols), len(key))
	}
	for _, c := range cols {
		if c < 0 || c >= len(t.columns) {
			return nil, fmt.Errorf("lookup on %s: column %d out of range", t.name, c)
		}
	}
	if types.HasNull(key) {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]any
	for _, pos := range t.indexOn(cols)[types.EncodeKey(key)] {
		out = append(out, copyRow(t.rows[pos]))
	}
	return out, nil
}

// indexOn returns the hash index on cols, building it if needed. The caller
// holds the write lock.
func (t *Table) indexOn(cols []int) map[string][]int {
	name := fmt.Sprint(cols)
	if idx, ok := t.index[name]; ok {
		return idx
	}
	idx := make(map[string][]int)
	for i, row := range t.rows {
		k := types.Pick(row, cols)
		if types.HasNull(k) {
			continue
		}
		enc := types.EncodeKey(k)
		idx[enc] = append(idx[enc], i)
	}
	t.index[name] = idx
	return idx
}

func (t *Table) dropIndexes() {
	if len(t.index) > 0 {
		t.index = make(map[string]map[string][]int)
	}
}

// Count returns the number of rows
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

func (t *Table) normalize(values []any) ([]any, error) {
	if len(values) != len(t.columns) {
		return nil, fmt.Errorf("%s has %d columns, got %d values", t.name, len(t.columns), len(values))
	}
	return types.NormalizeAll(copyRow(values)), nil
}

// checkKey reports a key collision with any row other than skip.
func (t *Table) checkKey(row []any, skip int) error {
	if len(t.key) == 0 {
		return nil
	}
	k := types.Pick(row, t.key)
	for i, r := range t.rows {
		if i != skip && types.ValuesEqual(types.Pick(r, t.key), k) {
			return fmt.Errorf("%w: %s%v", ErrDuplicateKey, t.name, k)
		}
	}
	return nil
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func copyRow(r []any) []any {
	return append([]any(nil), r...)
}
