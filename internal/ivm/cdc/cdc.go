// Package cdc holds the change buffers the engine reads base-table changes
// from.
package cdc

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariyn/ivm/internal/ivm/types"
)

// Reader is the read side of a change buffer. Reads never consume changes, so
// a cycle that is aborted can read the same range again.
type Reader interface {
	// GetDelta returns the changes of rel with since < seq <= until in
	// sequence order. UPDATE events come back as Delete(old), Insert(new).
	GetDelta(ctx context.Context, rel string, since, until uint64) ([]types.Change, error)
	// MaxSeq is the highest sequence number assigned so far, or 0.
	MaxSeq(ctx context.Context) (uint64, error)
}

// Buffer is an append-only log of base-table change events.
type Buffer interface {
	Reader
	// Append assigns sequence numbers to events in order and stores them.
	Append(ctx context.Context, events ...types.Event) ([]types.Event, error)
	// Truncate drops the events of rel with seq <= upTo.
	Truncate(ctx context.Context, rel string, upTo uint64) error
	Close() error
}

// MemoryBuffer is a Buffer kept in process memory.
type MemoryBuffer struct {
	mu     sync.RWMutex
	seq    uint64
	events map[string][]types.Event
}

func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{events: make(map[string][]types.Event)}
}

func (b *MemoryBuffer) Append(ctx context.Context, events ...types.Event) ([]types.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, e := range events {
		if err := validate(e); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Event, len(events))
	for i, e := range events {
		b.seq++
		e.Seq = b.seq
		e.Old = copyImage(e.Old)
		e.New = copyImage(e.New)
		b.events[e.Relation] = append(b.events[e.Relation], e)
		out[i] = e
	}
	return out, nil
}

func (b *MemoryBuffer) GetDelta(ctx context.Context, rel string, since, until uint64) ([]types.Change, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []types.Change
	for _, e := range b.events[rel] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.Seq <= since || e.Seq > until {
			continue
		}
		cs, err := e.Split()
		if err != nil {
			return nil, err
		}
		for _, c := range cs {
			c.Values = copyImage(c.Values)
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *MemoryBuffer) MaxSeq(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq, nil
}

func (b *MemoryBuffer) Truncate(ctx context.Context, rel string, upTo uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.events[rel][:0]
	for _, e := range b.events[rel] {
		if e.Seq > upTo {
			kept = append(kept, e)
		}
	}
	b.events[rel] = kept
	return nil
}

func (b *MemoryBuffer) Close() error { return nil }

// Len is the number of events held for rel.
func (b *MemoryBuffer) Len(rel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events[rel])
}

func validate(e types.Event) error {
	if e.Relation == "" {
		return fmt.Errorf("change event has no relation")
	}
	_, err := e.Split()
	return err
}

func copyImage(v []any) []any {
	if v == nil {
		return nil
	}
	return append([]any(nil), v...)
}
