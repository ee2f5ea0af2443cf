// Package refresh drives refresh cycles: it picks between differential and
// full maintenance, computes the result and applies it to a view's state.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ariyn/ivm/internal/ivm/cdc"
	"github.com/ariyn/ivm/internal/ivm/diff"
	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// Kind is the outcome of computing a delta.
type Kind int

const (
	// Ready means the delta was computed and can be applied.
	Ready Kind = iota + 1
	// Recompute means the view must be recomputed from scratch.
	Recompute
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Recompute:
		return "recompute"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// View is a maintained view and the state of its last applied refresh.
type View struct {
	Name string
	Tree *optree.Tree
	// ChangeRatio overrides Config.DifferentialMaxChangeRatio for this view.
	ChangeRatio *float64

	// State is nil until the view is first materialized.
	State *state.ViewState
	// Frontier is the last change sequence incorporated per relation.
	Frontier types.Frontier
}

// Result is a computed but not yet applied refresh.
type Result struct {
	Kind   Kind
	Cause  Cause
	Reason string

	// Delta and State are set for Ready results.
	Delta *types.DeltaSet
	State *state.Update

	// Frontier is the frontier the view reaches once the result is applied.
	Frontier types.Frontier
	// Changes is the number of change events read for the cycle.
	Changes int

	cycle   *Cycle
	started time.Time
}

func (r *Result) Phase() Phase { return r.cycle.Phase() }

// Engine refreshes views over one store and one change buffer. Callers must
// keep the store from changing while a cycle runs.
type Engine struct {
	cfg      Config
	store    state.Snapshot
	changes  cdc.Reader
	selector *Selector
	metrics  *Metrics
	logger   log.Logger
}

func NewEngine(cfg Config, store state.Snapshot, changes cdc.Reader, logger log.Logger, reg prometheus.Registerer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || changes == nil {
		return nil, errors.New("refresh engine needs a store and a change buffer")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		changes:  changes,
		selector: NewSelector(cfg.DifferentialMaxChangeRatio, cfg.AdaptiveThreshold),
		metrics:  NewMetrics(reg),
		logger:   log.With(logger, "component", "refresh"),
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Selector() *Selector { return e.selector }

// ComputeDelta computes the change of v since the given frontier. The upper
// bound of the cycle is pinned to the newest change at the time of the call.
// Problems that make differential maintenance unsound come back as a
// Recompute result; only fatal problems are errors.
func (e *Engine) ComputeDelta(ctx context.Context, v *View, since types.Frontier) (*Result, error) {
	if v == nil || v.Tree == nil {
		return nil, errors.New("refresh of a view without a tree")
	}
	res := &Result{cycle: newCycle(v.Name, e.logger), started: time.Now()}
	if err := res.cycle.To(ComputingDelta); err != nil {
		return nil, err
	}
	if err := e.compute(ctx, v, since, res); err != nil {
		res.cycle.abort()
		return nil, err
	}
	return res, nil
}

func (e *Engine) compute(ctx context.Context, v *View, since types.Frontier, res *Result) error {
	until, err := e.changes.MaxSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to pin change sequence: %w", err)
	}
	res.Frontier = since.Clone()
	changes := map[string][]types.Change{}
	for _, rel := range v.Tree.Relations() {
		cs, err := e.changes.GetDelta(ctx, rel, since.Get(rel), until)
		if err != nil {
			return fmt.Errorf("failed to read changes of %s: %w", rel, err)
		}
		res.Frontier = res.Frontier.Advance(rel, until)
		if len(cs) > 0 {
			changes[rel] = cs
			res.Changes += events(cs)
		}
	}

	if v.State == nil {
		return e.fallback(v, res, CauseNoState, "view is not materialized")
	}
	if root := v.Tree.Root(); !root.Supported {
		return e.fallback(v, res, CauseUnsupported, root.Reason)
	}

	threshold := e.selector.Threshold(v.Name, v.ChangeRatio)
	e.metrics.threshold.WithLabelValues(v.Name).Set(threshold)
	rels := make([]string, 0, len(changes))
	for rel := range changes {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		size, err := e.store.Count(rel)
		if err != nil {
			return err
		}
		if n := events(changes[rel]); Exceeds(threshold, n, size) {
			return e.fallback(v, res, CauseChangeRatio,
				fmt.Sprintf("%d changes to %s exceed ratio %.3f of %d rows", n, rel, threshold, size))
		}
	}

	out, err := diff.Differentiate(ctx, diff.Cycle{
		Tree:              v.Tree,
		Current:           e.store,
		Changes:           changes,
		View:              v.State,
		MaxRecursionDepth: e.cfg.MaxRecursionDepth,
		LateralPolicy:     diff.LateralPolicy(e.cfg.LateralInnerChangePolicy),
	})
	var fe *diff.FallbackError
	if errors.As(err, &fe) {
		return e.fallback(v, res, CauseOperator, fe.Error())
	}
	if err != nil {
		return fmt.Errorf("view %s: %w", v.Name, err)
	}
	res.Kind = Ready
	res.Delta = out.Delta
	res.State = out.State
	return res.cycle.To(DeltaReady)
}

func (e *Engine) fallback(v *View, res *Result, cause Cause, reason string) error {
	res.Kind = Recompute
	res.Cause = cause
	res.Reason = reason
	if cause != CauseNoState {
		e.metrics.fallbacks.WithLabelValues(v.Name, string(cause)).Inc()
		level.Info(e.logger).Log("msg", "falling back to full recompute", "view", v.Name, "reason", reason)
	}
	return res.cycle.To(FallbackToFull)
}

// events counts the change events behind cs. An UPDATE is one event.
func events(cs []types.Change) int {
	n := 0
	for i, c := range cs {
		if i == 0 || c.Seq != cs[i-1].Seq {
			n++
		}
	}
	return n
}

// Apply produces the state of v after res. v itself is left untouched; on
// error the cycle is aborted.
func (e *Engine) Apply(ctx context.Context, v *View, res *Result) (*state.ViewState, error) {
	if res == nil || res.cycle == nil {
		return nil, errors.New("apply of a result that was not computed")
	}
	if p := res.cycle.Phase(); p != DeltaReady && p != FallbackToFull {
		return nil, fmt.Errorf("%w: view %s: apply in phase %s", ErrIllegalTransition, v.Name, p)
	}
	next, err := e.apply(ctx, v, res)
	if err != nil {
		res.cycle.abort()
		return nil, err
	}
	if err := res.cycle.To(Applied); err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Engine) apply(ctx context.Context, v *View, res *Result) (*state.ViewState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.Kind == Recompute {
		return e.Recompute(ctx, v.Tree)
	}
	next, err := v.State.Apply(res.Delta, res.State)
	if err != nil {
		return nil, fmt.Errorf("failed to apply delta to %s: %w", v.Name, err)
	}
	return next, nil
}

// Recompute evaluates tree from scratch against the current store.
func (e *Engine) Recompute(ctx context.Context, tree *optree.Tree) (*state.ViewState, error) {
	env := eval.NewEnv(ctx, tree, e.store).WithMaxDepth(e.cfg.MaxRecursionDepth)
	rows, err := env.Rows(tree.Root())
	if err != nil {
		return nil, fmt.Errorf("full recompute failed: %w", err)
	}
	u, err := env.Persist(eval.Persistent(tree))
	if err != nil {
		return nil, fmt.Errorf("full recompute failed: %w", err)
	}
	return state.NewViewState(tree.Root().Columns, rows, u), nil
}

// Refresh runs one whole cycle for v. v's state and frontier change only when
// the cycle is applied.
func (e *Engine) Refresh(ctx context.Context, v *View) (*Result, error) {
	res, err := e.ComputeDelta(ctx, v, v.Frontier)
	if err != nil {
		level.Warn(e.logger).Log("msg", "refresh aborted", "view", v.Name, "phase", Aborted, "err", err)
		return nil, err
	}
	next, err := e.Apply(ctx, v, res)
	if err != nil {
		level.Warn(e.logger).Log("msg", "refresh aborted", "view", v.Name, "phase", res.Phase(), "err", err)
		return nil, err
	}
	v.State = next
	v.Frontier = res.Frontier
	e.observe(v, res)
	return res, nil
}

func (e *Engine) observe(v *View, res *Result) {
	elapsed := time.Since(res.started)
	e.metrics.refreshes.WithLabelValues(v.Name, res.Kind.String()).Inc()
	e.metrics.duration.WithLabelValues(v.Name, res.Kind.String()).Observe(elapsed.Seconds())

	rows := 0
	if res.Kind == Ready {
		rows = res.Delta.Len()
		e.metrics.deltaRows.WithLabelValues(v.Name).Observe(float64(rows))
		threshold := e.selector.ObserveDifferential(v.Name, v.ChangeRatio, elapsed)
		e.metrics.threshold.WithLabelValues(v.Name).Set(threshold)
	} else {
		rows = v.State.Len()
		e.selector.ObserveFull(v.Name, elapsed)
	}
	level.Info(e.logger).Log("msg", "view refreshed", "view", v.Name, "kind", res.Kind, "rows", rows, "changes", res.Changes, "duration", elapsed)
}
