// Package eval computes the full contents of any operator tree node against a
// snapshot of the base relations.
//
// The differential engine uses it in two ways: to reconstruct the state of an
// intermediate node before and after a batch of changes, and to recompute
// scoped pieces of a node (one aggregate group, one window partition, the
// lateral rows of one outer row). Row identities are assigned by the row
// constructors in rows.go, which both paths share, so a row gets the same
// identity however it was produced.
package eval

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// DefaultMaxDepth is the recursive CTE iteration cap used when none is set.
const DefaultMaxDepth = 1000

var (
	// ErrRecursionLimit is returned when a recursive CTE does not reach a
	// fixpoint within the iteration cap.
	ErrRecursionLimit = errors.New("recursive CTE exceeded the maximum recursion depth")
	// ErrScalarSubquery is returned when a scalar subquery yields more than one
	// row.
	ErrScalarSubquery = errors.New("more than one row returned by a subquery used as an expression")
	// ErrUnbound is returned when a self reference is evaluated outside the
	// fixpoint of its CTE.
	ErrUnbound = errors.New("self reference evaluated outside its recursive CTE")
)

// Env evaluates the nodes of one tree against one snapshot. Results of full
// evaluations are cached for the lifetime of the Env, so an Env must not
// outlive the snapshot state it was created for.
type Env struct {
	ctx      context.Context
	tree     *optree.Tree
	snap     state.Snapshot
	outer    []any
	maxDepth int
	bindings map[optree.NodeID][]types.Row
	memo     map[optree.NodeID][]types.Row
}

// NewEnv returns an Env over snap.
func NewEnv(ctx context.Context, tree *optree.Tree, snap state.Snapshot) *Env {
	return &Env{
		ctx:      ctx,
		tree:     tree,
		snap:     snap,
		maxDepth: DefaultMaxDepth,
		memo:     map[optree.NodeID][]types.Row{},
	}
}

// WithMaxDepth sets the recursion cap. n <= 0 keeps the default.
func (e *Env) WithMaxDepth(n int) *Env {
	if n > 0 {
		e.maxDepth = n
	}
	return e
}

func (e *Env) Context() context.Context { return e.ctx }
func (e *Env) Tree() *optree.Tree       { return e.tree }
func (e *Env) Snapshot() state.Snapshot { return e.snap }
func (e *Env) Outer() []any             { return e.outer }
func (e *Env) MaxDepth() int            { return e.maxDepth }

// WithOuter returns an Env for a lateral body evaluated for one outer row.
func (e *Env) WithOuter(outer []any) *Env {
	c := e.derive()
	c.outer = outer
	return c
}

// WithBinding returns an Env in which self references to cte read rows.
func (e *Env) WithBinding(cte optree.NodeID, rows []types.Row) *Env {
	c := e.derive()
	c.bindings = make(map[optree.NodeID][]types.Row, len(e.bindings)+1)
	for k, v := range e.bindings {
		c.bindings[k] = v
	}
	c.bindings[cte] = rows
	return c
}

// WithSnapshot returns an Env reading snap instead.
func (e *Env) WithSnapshot(snap state.Snapshot) *Env {
	c := e.derive()
	c.snap = snap
	return c
}

// Uncorrelated returns an Env without outer row and bindings, as used by
// scalar subqueries.
func (e *Env) Uncorrelated() *Env {
	if e.outer == nil && e.bindings == nil {
		return e
	}
	c := e.derive()
	c.outer, c.bindings = nil, nil
	return c
}

func (e *Env) derive() *Env {
	return &Env{
		ctx:      e.ctx,
		tree:     e.tree,
		snap:     e.snap,
		outer:    e.outer,
		maxDepth: e.maxDepth,
		bindings: e.bindings,
		memo:     map[optree.NodeID][]types.Row{},
	}
}

// Rows returns the full contents of n. The returned slice is shared with the
// cache and must not be modified.
func (e *Env) Rows(n *optree.Node) ([]types.Row, error) {
	if rows, ok := e.memo[n.ID]; ok {
		return rows, nil
	}
	if err := e.ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := e.evaluate(n)
	if err != nil {
		return nil, err
	}
	e.memo[n.ID] = rows
	return rows, nil
}

func (e *Env) input(n *optree.Node, i int) *optree.Node {
	return e.tree.Input(n, i)
}

func (e *Env) evaluate(n *optree.Node) ([]types.Row, error) {
	switch o := n.Op.(type) {
	case *optree.Scan:
		vals, err := e.snap.Scan(o.Relation)
		if err != nil {
			return nil, err
		}
		out := make([]types.Row, len(vals))
		for i, v := range vals {
			out[i] = ScanRow(n, v)
		}
		return out, nil

	case *optree.Filter:
		in, err := e.Rows(e.input(n, 0))
		if err != nil {
			return nil, err
		}
		return FilterRows(o, in, e.outer)

	case *optree.Project:
		in, err := e.Rows(e.input(n, 0))
		if err != nil {
			return nil, err
		}
		return ProjectRows(o, in, e.outer)

	case *optree.InnerJoin, *optree.LeftJoin, *optree.FullJoin, *optree.SemiJoin, *optree.AntiJoin:
		l, err := e.Rows(e.input(n, 0))
		if err != nil {
			return nil, err
		}
		r, err := e.Rows(e.input(n, 1))
		if err != nil {
			return nil, err
		}
		return JoinRows(n, len(e.input(n, 0).Columns), l, r, e.outer)

	case *optree.Aggregate:
		groups, err := e.Groups(n)
		if err != nil {
			return nil, err
		}
		var out []types.Row
		for _, g := range groups {
			row, ok, err := GroupOutput(n, g, e.outer)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, row)
			}
		}
		return out, nil

	case *optree.Distinct:
		in, err := e.Rows(e.input(n, 0))
		if err != nil {
			return nil, err
		}
		return DistinctRows(in), nil

	case *optree.UnionAll:
		var out []types.Row
		for i, b := range o.Branches {
			in, err := e.Rows(e.tree.Node(b))
			if err != nil {
				return nil, err
			}
			for _, r := range in {
				out = append(out, BranchRow(r, i))
			}
		}
		return out, nil

	case *optree.Intersect, *optree.Except:
		l, err := e.Rows(e.input(n, 0))
		if err != nil {
			return nil, err
		}
		r, err := e.Rows(e.input(n, 1))
		if err != nil {
			return nil, err
		}
		return SetOpRows(n.Op, l, r), nil

	case *optree.Subquery, *optree.CteScan:
		return e.Rows(e.input(n, 0))

	case *optree.RecursiveCte:
		return e.Fixpoint(n)

	case *optree.SelfRef:
		rows, ok := e.bindings[o.CteNode()]
		if !ok {
			return nil, fmt.Errorf("%s: %w", n, ErrUnbound)
		}
		return rows, nil

	case *optree.Window:
		in, err := e.Rows(e.input(n, 0))
		if err != nil {
			return nil, err
		}
		return WindowRows(o, in, e.outer)

	case *optree.LateralFunction:
		in, err := e.Rows(e.input(n, 0))
		if err != nil {
			return nil, err
		}
		var out []types.Row
		for _, r := range in {
			rows, err := ExpandFunction(n, r, e.outer)
			if err != nil {
				return nil, err
			}
			out = append(out, rows...)
		}
		return out, nil

	case *optree.LateralSubquery:
		in, err := e.Rows(e.input(n, 0))
		if err != nil {
			return nil, err
		}
		var out []types.Row
		for _, r := range in {
			rows, err := e.LateralRows(n, r)
			if err != nil {
				return nil, err
			}
			out = append(out, rows...)
		}
		return out, nil

	case *optree.ScalarSubquery:
		in, err := e.Rows(e.input(n, 0))
		if err != nil {
			return nil, err
		}
		v, err := e.ScalarValue(n)
		if err != nil {
			return nil, err
		}
		out := make([]types.Row, len(in))
		for i, r := range in {
			out[i] = AppendValue(r, v)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%s: cannot evaluate %T", n, o)
	}
}

// Lookup returns the rows of n whose values at cols equal key. NULL never
// matches. Equality predicates are pushed down to base relation indexes
// through filters, renames and pass-through projections; anything else is
// evaluated in full and filtered.
func (e *Env) Lookup(n *optree.Node, cols []int, key []any) ([]types.Row, error) {
	if types.HasNull(key) {
		return nil, nil
	}
	if err := e.ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := e.memo[n.ID]; !ok {
		switch o := n.Op.(type) {
		case *optree.Scan:
			vals, err := e.snap.Lookup(o.Relation, cols, key)
			if err != nil {
				return nil, err
			}
			out := make([]types.Row, len(vals))
			for i, v := range vals {
				out[i] = ScanRow(n, v)
			}
			return out, nil
		case *optree.Filter:
			in, err := e.Lookup(e.input(n, 0), cols, key)
			if err != nil {
				return nil, err
			}
			return FilterRows(o, in, e.outer)
		case *optree.Subquery, *optree.CteScan:
			return e.Lookup(e.input(n, 0), cols, key)
		case *optree.Project:
			if inner, ok := passThrough(o, cols); ok {
				in, err := e.Lookup(e.input(n, 0), inner, key)
				if err != nil {
					return nil, err
				}
				return ProjectRows(o, in, e.outer)
			}
		}
	}
	rows, err := e.Rows(n)
	if err != nil {
		return nil, err
	}
	return MatchRows(rows, cols, key), nil
}

// MatchRows returns the rows whose values at cols equal key.
func MatchRows(rows []types.Row, cols []int, key []any) []types.Row {
	if types.HasNull(key) {
		return nil
	}
	want := types.EncodeKey(key)
	var out []types.Row
	for _, r := range rows {
		k := types.Pick(r.Values, cols)
		if !types.HasNull(k) && types.EncodeKey(k) == want {
			out = append(out, r)
		}
	}
	return out
}

// passThrough maps output positions of a projection to the input columns they
// copy.
func passThrough(p *optree.Project, cols []int) ([]int, bool) {
	exprs := p.Compiled()
	inner := make([]int, len(cols))
	for i, c := range cols {
		idx, ok := exprs[c].ColumnRef()
		if !ok {
			return nil, false
		}
		inner[i] = idx
	}
	return inner, true
}
