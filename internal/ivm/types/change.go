package types

import (
	"fmt"
	"sort"
	"strings"
)

// Op is the kind of a raw base-table change as captured by the change buffer.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Op(%d)", uint8(o))
	}
}

// Event is one captured change. Old is set for UPDATE and DELETE, New for
// INSERT and UPDATE.
type Event struct {
	Seq      uint64
	Relation string
	Op       Op
	Old      []any
	New      []any
}

// Change is an event after UPDATE splitting: a single row image tagged with an
// action.
type Change struct {
	Seq    uint64
	Action Action
	Values []any
}

// Split turns an event into changes. An UPDATE becomes Delete(old) followed by
// Insert(new).
func (e Event) Split() ([]Change, error) {
	switch e.Op {
	case OpInsert:
		if e.New == nil {
			return nil, fmt.Errorf("insert event %d on %s has no new image", e.Seq, e.Relation)
		}
		return []Change{{Seq: e.Seq, Action: Insert, Values: e.New}}, nil
	case OpDelete:
		if e.Old == nil {
			return nil, fmt.Errorf("delete event %d on %s has no old image", e.Seq, e.Relation)
		}
		return []Change{{Seq: e.Seq, Action: Delete, Values: e.Old}}, nil
	case OpUpdate:
		if e.Old == nil || e.New == nil {
			return nil, fmt.Errorf("update event %d on %s needs both images", e.Seq, e.Relation)
		}
		return []Change{
			{Seq: e.Seq, Action: Delete, Values: e.Old},
			{Seq: e.Seq, Action: Insert, Values: e.New},
		}, nil
	default:
		return nil, fmt.Errorf("event %d on %s: unknown op %v", e.Seq, e.Relation, e.Op)
	}
}

// Frontier records, per base relation, the sequence number of the last change
// already incorporated into a view.
type Frontier map[string]uint64

func (f Frontier) Get(rel string) uint64 {
	if f == nil {
		return 0
	}
	return f[rel]
}

func (f Frontier) Clone() Frontier {
	out := make(Frontier, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Advance returns a copy of f with rel moved forward to seq. It never moves a
// relation backwards.
func (f Frontier) Advance(rel string, seq uint64) Frontier {
	out := f.Clone()
	if seq > out[rel] {
		out[rel] = seq
	}
	return out
}

func (f Frontier) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, f[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}
