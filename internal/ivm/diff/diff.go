// Package diff computes the change a view's result undergoes when its base
// relations change, without recomputing the view.
//
// Differentiate walks the operator tree bottom-up. Every node turns the deltas
// of its children, plus the state of its inputs before and after the changes,
// into its own delta:
//
//   - Scan: d(scan R) = changes of R
//   - Filter, Project: d(f(S)) = f(dS)
//   - Inner join: d(L ⋈ R) = dL ⋈ R_new + L_old ⋈ dR
//   - Aggregate, Distinct, set operations, window: recompute only the groups,
//     rows or partitions the child delta touches, and emit the difference
//
// State before the changes is never stored for intermediate nodes; it is
// evaluated against the base relations rewound by the cycle's changes.
package diff

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

var (
	// ErrUnsupported marks constructs the engine cannot maintain at all. It
	// aborts the cycle.
	ErrUnsupported = errors.New("unsupported construct")
	// ErrInternal marks a broken tree contract, such as a self reference
	// outside its recursive CTE.
	ErrInternal = errors.New("internal error")
)

// FallbackError signals that differential maintenance would be unsound for
// this cycle and the view has to be recomputed in full. It is not a failure.
type FallbackError struct {
	Node   string
	Reason string
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s: full recompute required: %s", e.Node, e.Reason)
}

func fallback(n *optree.Node, format string, args ...any) error {
	return &FallbackError{Node: n.String(), Reason: fmt.Sprintf(format, args...)}
}

// LateralPolicy decides what happens when only the relations read by a
// lateral subquery body change and no correlation tells which outer rows are
// affected.
type LateralPolicy string

const (
	// LateralFallback requests a full recompute.
	LateralFallback LateralPolicy = "fallback"
	// LateralRescan re-evaluates the body for every outer row.
	LateralRescan LateralPolicy = "rescan"
)

// Cycle is the input of one differential computation.
type Cycle struct {
	Tree *optree.Tree
	// Current is the base relations with every change applied.
	Current state.Snapshot
	// Changes holds, per relation, the changes being incorporated.
	Changes map[string][]types.Change
	// View is the state persisted after the previous refresh, if any.
	View *state.ViewState

	MaxRecursionDepth int
	LateralPolicy     LateralPolicy
}

// Result is the outcome of Differentiate.
type Result struct {
	// Delta is the consolidated change of the tree's result.
	Delta *types.DeltaSet
	// State carries the persisted node state after the delta is applied.
	State *state.Update
}

// Differentiate computes the delta of the tree's root for the cycle's changes.
// A *FallbackError means the view must be recomputed in full instead.
func Differentiate(ctx context.Context, c Cycle) (*Result, error) {
	if c.Tree == nil || c.Current == nil {
		return nil, fmt.Errorf("%w: cycle without tree or snapshot", ErrInternal)
	}
	root := c.Tree.Root()
	if !root.Supported {
		return nil, &FallbackError{Node: root.String(), Reason: root.Reason}
	}
	if c.LateralPolicy == "" {
		c.LateralPolicy = LateralFallback
	}
	d := &differ{
		ctx:     ctx,
		tree:    c.Tree,
		current: c.Current,
		changes: c.Changes,
		view:    c.View,
		policy:  c.LateralPolicy,
		update:  state.NewUpdate(),
		memo:    map[optree.NodeID]*types.DeltaSet{},
	}
	d.newEnv = eval.NewEnv(ctx, c.Tree, c.Current).WithMaxDepth(c.MaxRecursionDepth)
	d.oldEnv = eval.NewEnv(ctx, c.Tree, state.NewOldSnapshot(c.Current, c.Changes)).WithMaxDepth(c.MaxRecursionDepth)

	delta, err := d.delta(root)
	if err != nil {
		return nil, err
	}
	return &Result{Delta: delta, State: d.update}, nil
}

type differ struct {
	ctx     context.Context
	tree    *optree.Tree
	current state.Snapshot
	changes map[string][]types.Change
	view    *state.ViewState
	policy  LateralPolicy
	update  *state.Update
	newEnv  *eval.Env
	oldEnv  *eval.Env
	// memo holds each node's delta so shared subtrees, such as a CTE body
	// read by several CteScans, are differentiated once per cycle.
	memo map[optree.NodeID]*types.DeltaSet
}

// changed reports whether any relation n reads has changes in this cycle.
func (d *differ) changed(n *optree.Node) bool {
	for _, rel := range n.Relations {
		if len(d.changes[rel]) > 0 {
			return true
		}
	}
	return false
}

func (d *differ) input(n *optree.Node, i int) *optree.Node {
	return d.tree.Input(n, i)
}

func (d *differ) delta(n *optree.Node) (*types.DeltaSet, error) {
	if ds, ok := d.memo[n.ID]; ok {
		return ds, nil
	}
	if err := d.ctx.Err(); err != nil {
		return nil, err
	}
	var (
		ds  *types.DeltaSet
		err error
	)
	if !d.changed(n) {
		ds = types.NewDeltaSet(n.Columns)
	} else {
		ds, err = d.dispatch(n)
		if err != nil {
			return nil, err
		}
		ds = ds.Consolidate()
	}
	d.memo[n.ID] = ds
	return ds, nil
}

func (d *differ) dispatch(n *optree.Node) (*types.DeltaSet, error) {
	if !n.Supported {
		return nil, &FallbackError{Node: n.String(), Reason: n.Reason}
	}
	switch o := n.Op.(type) {
	case *optree.Scan:
		return d.scan(n, o)
	case *optree.Filter:
		return d.filter(n, o)
	case *optree.Project:
		return d.project(n, o)
	case *optree.InnerJoin, *optree.LeftJoin, *optree.FullJoin:
		return d.join(n)
	case *optree.SemiJoin:
		return d.semiJoin(n, false, false)
	case *optree.AntiJoin:
		return d.semiJoin(n, true, o.NullAware)
	case *optree.Aggregate:
		return d.aggregate(n, o)
	case *optree.Distinct:
		return d.distinct(n)
	case *optree.UnionAll:
		return d.unionAll(n, o)
	case *optree.Intersect, *optree.Except:
		return d.setOp(n)
	case *optree.Subquery, *optree.CteScan:
		return d.rename(n)
	case *optree.RecursiveCte:
		return d.recursive(n, o)
	case *optree.SelfRef:
		return nil, fmt.Errorf("%w: %s differentiated outside its recursive CTE", ErrInternal, n)
	case *optree.Window:
		return d.window(n, o)
	case *optree.LateralFunction:
		return d.lateralFunction(n)
	case *optree.LateralSubquery:
		return d.lateralSubquery(n, o)
	case *optree.ScalarSubquery:
		return d.scalarSubquery(n)
	default:
		return nil, fmt.Errorf("%w: %s: unknown operator %T", ErrUnsupported, n, o)
	}
}

// env returns the evaluation environment for the state before (Delete) or
// after (Insert) the changes.
func (d *differ) env(a types.Action) *eval.Env {
	if a == types.Delete {
		return d.oldEnv
	}
	return d.newEnv
}
