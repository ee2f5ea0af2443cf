package main

import "github.com/ariyn/ivm/internal/ivm/types"

// Batch is the change one refresh made to one view.
type Batch struct {
	Step    int
	View    string
	Columns []string
	Rows    []types.DeltaRow
}

// Sink is the interface for delta sinks
type Sink interface {
	// WriteBatch writes the delta of a view. Each row carries its identity
	// and a +1/-1 weight.
	WriteBatch(Batch) error
	Close() error
}
