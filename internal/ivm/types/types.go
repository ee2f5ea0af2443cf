package types

import (
	"fmt"
	"strings"
)

// Identity is the stable fingerprint of a logical output row.
type Identity uint64

func (id Identity) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Column names one output column of an operator. Qualifier is the table alias
// the column is visible under and may be empty.
type Column struct {
	Qualifier string
	Name      string
}

func (c Column) String() string {
	if c.Qualifier == "" {
		return c.Name
	}
	return c.Qualifier + "." + c.Name
}

// Columns is an ordered output column list.
type Columns []Column

// Unqualified builds a column list without qualifiers.
func Unqualified(names ...string) Columns {
	out := make(Columns, len(names))
	for i, n := range names {
		out[i] = Column{Name: n}
	}
	return out
}

// Qualified builds a column list where every column carries qualifier q.
func Qualified(q string, names ...string) Columns {
	out := make(Columns, len(names))
	for i, n := range names {
		out[i] = Column{Qualifier: q, Name: n}
	}
	return out
}

// Requalify returns a copy of cs with every qualifier replaced by q.
func (cs Columns) Requalify(q string) Columns {
	out := make(Columns, len(cs))
	for i, c := range cs {
		out[i] = Column{Qualifier: q, Name: c.Name}
	}
	return out
}

func (cs Columns) Names() []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

// Concat returns cs followed by other.
func (cs Columns) Concat(other Columns) Columns {
	out := make(Columns, 0, len(cs)+len(other))
	out = append(out, cs...)
	return append(out, other...)
}

// Lookup resolves a possibly qualified column reference. Names compare
// case-insensitively. An unqualified name that matches more than one column is
// ambiguous.
func (cs Columns) Lookup(qualifier, name string) (int, error) {
	found := -1
	for i, c := range cs {
		if !strings.EqualFold(c.Name, name) {
			continue
		}
		if qualifier != "" && !strings.EqualFold(c.Qualifier, qualifier) {
			continue
		}
		if found >= 0 {
			return -1, fmt.Errorf("column reference %q is ambiguous", Column{Qualifier: qualifier, Name: name})
		}
		found = i
	}
	if found < 0 {
		return -1, fmt.Errorf("column %q not found in %v", Column{Qualifier: qualifier, Name: name}, cs)
	}
	return found, nil
}

// Has reports whether the reference resolves to exactly one column.
func (cs Columns) Has(qualifier, name string) bool {
	_, err := cs.Lookup(qualifier, name)
	return err == nil
}

// Row is an ordered tuple plus its identity.
type Row struct {
	ID     Identity
	Values []any
}

func (r Row) Clone() Row {
	return Row{ID: r.ID, Values: append([]any(nil), r.Values...)}
}

func (r Row) String() string {
	return fmt.Sprintf("%s%v", r.ID, r.Values)
}

// Action tags a delta row.
type Action uint8

const (
	Insert Action = iota + 1
	Delete
)

func (a Action) String() string {
	switch a {
	case Insert:
		return "I"
	case Delete:
		return "D"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Weight is +1 for Insert and -1 for Delete.
func (a Action) Weight() int64 {
	if a == Delete {
		return -1
	}
	return 1
}

// Invert swaps Insert and Delete.
func (a Action) Invert() Action {
	if a == Delete {
		return Insert
	}
	return Delete
}

// DeltaRow is a row tagged with the change it represents.
type DeltaRow struct {
	Action Action
	Row    Row
}

func (d DeltaRow) String() string {
	return d.Action.String() + " " + d.Row.String()
}
