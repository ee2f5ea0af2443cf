package refresh

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/ivm/internal/ivm/cdc"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *state.Store
	buffer *cdc.MemoryBuffer
	engine *Engine
}

// newHarness seeds orders(id, cust, amt) with ten rows.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  state.NewStore(),
		buffer: cdc.NewMemoryBuffer(),
	}
	orders, err := h.store.CreateTable("orders", []string{"id", "cust", "amt"}, "id")
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		_, err := orders.Insert([]any{i, i % 3, i * 10})
		require.NoError(t, err)
	}
	h.engine, err = NewEngine(cfg, h.store, h.buffer, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	return h
}

func (h *harness) insert(rows ...[]any) {
	h.t.Helper()
	tbl, err := h.store.Table("orders")
	require.NoError(h.t, err)
	for _, r := range rows {
		ev, err := tbl.Insert(r)
		require.NoError(h.t, err)
		_, err = h.buffer.Append(h.ctx, ev)
		require.NoError(h.t, err)
	}
}

func (h *harness) deleteID(id int) {
	h.t.Helper()
	tbl, err := h.store.Table("orders")
	require.NoError(h.t, err)
	evs, err := tbl.Delete(func(r []any) (bool, error) { return types.Equal(r[0], int64(id)), nil })
	require.NoError(h.t, err)
	_, err = h.buffer.Append(h.ctx, evs...)
	require.NoError(h.t, err)
}

// materialize registers a view over root and runs its first refresh.
func (h *harness) materialize(name string, build func(b *optree.Builder) optree.NodeID) *View {
	h.t.Helper()
	b := optree.NewBuilder()
	tree, err := b.Build(build(b))
	require.NoError(h.t, err)
	v := &View{Name: name, Tree: tree}
	res, err := h.engine.Refresh(h.ctx, v)
	require.NoError(h.t, err)
	require.Equal(h.t, Recompute, res.Kind)
	require.Equal(h.t, CauseNoState, res.Cause)
	return v
}

// requireFresh checks v against a recomputation from scratch.
func (h *harness) requireFresh(v *View) {
	h.t.Helper()
	want, err := h.engine.Recompute(h.ctx, v.Tree)
	require.NoError(h.t, err)
	if d := cmp.Diff(want.Rows(), v.State.Rows()); d != "" {
		h.t.Fatalf("view %s is stale (-want +got):\n%s", v.Name, d)
	}
}

func totals(b *optree.Builder) optree.NodeID {
	return b.Add(&optree.Aggregate{
		Input:   b.Scan("orders", []string{"id", "cust", "amt"}, "id"),
		GroupBy: []string{"cust"},
		Aggs:    []optree.AggExpr{{Func: "sum", Args: []string{"amt"}, Alias: "total"}},
	})
}

func large(b *optree.Builder) optree.NodeID {
	return b.Filter(b.Scan("orders", []string{"id", "cust", "amt"}, "id"), "amt > 30")
}

func staticConfig() Config {
	cfg := DefaultConfig()
	cfg.AdaptiveThreshold = false
	return cfg
}

func TestRefresh_MaterializeThenDifferential(t *testing.T) {
	h := newHarness(t, staticConfig())
	v := h.materialize("totals", totals)
	require.Equal(t, 3, v.State.Len())

	h.insert([]any{11, 1, 5})
	res, err := h.engine.Refresh(h.ctx, v)
	require.NoError(t, err)
	require.Equal(t, Ready, res.Kind)
	require.Equal(t, Applied, res.Phase())
	require.Equal(t, 1, res.Changes)
	require.Equal(t, 2, res.Delta.Len())
	require.Equal(t, uint64(1), v.Frontier.Get("orders"))
	h.requireFresh(v)

	res, err = h.engine.Refresh(h.ctx, v)
	require.NoError(t, err)
	require.True(t, res.Delta.IsEmpty())

	m := h.engine.metrics
	require.Equal(t, 2.0, testutil.ToFloat64(m.refreshes.WithLabelValues("totals", "ready")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.refreshes.WithLabelValues("totals", "recompute")))
	require.Equal(t, 0.15, testutil.ToFloat64(m.threshold.WithLabelValues("totals")))
}

func TestRefresh_ChangeRatio(t *testing.T) {
	h := newHarness(t, staticConfig())
	v := h.materialize("large", large)

	// 12 rows allow ceil(12 * 0.15) = 2 changes.
	h.insert([]any{11, 1, 50}, []any{12, 2, 5})
	res, err := h.engine.Refresh(h.ctx, v)
	require.NoError(t, err)
	require.Equal(t, Ready, res.Kind)

	h.insert([]any{13, 1, 50}, []any{14, 2, 60})
	h.deleteID(1)
	res, err = h.engine.Refresh(h.ctx, v)
	require.NoError(t, err)
	require.Equal(t, Recompute, res.Kind)
	require.Equal(t, CauseChangeRatio, res.Cause)
	require.Contains(t, res.Reason, "orders")
	require.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.fallbacks.WithLabelValues("large", "change_ratio")))
	h.requireFresh(v)

	disabled := 0.0
	v.ChangeRatio = &disabled
	h.insert([]any{15, 1, 70}, []any{16, 1, 80}, []any{17, 1, 90})
	res, err = h.engine.Refresh(h.ctx, v)
	require.NoError(t, err)
	require.Equal(t, Ready, res.Kind)
	h.requireFresh(v)
}

func TestRefresh_UpdateCountsOnce(t *testing.T) {
	h := newHarness(t, staticConfig())
	v := h.materialize("large", large)

	tbl, err := h.store.Table("orders")
	require.NoError(t, err)
	evs, err := tbl.Update(
		func(r []any) (bool, error) { return types.Equal(r[0], int64(2)) || types.Equal(r[0], int64(3)), nil },
		func(r []any) ([]any, error) { r[2] = int64(99); return r, nil },
	)
	require.NoError(t, err)
	_, err = h.buffer.Append(h.ctx, evs...)
	require.NoError(t, err)

	res, err := h.engine.Refresh(h.ctx, v)
	require.NoError(t, err)
	require.Equal(t, Ready, res.Kind)
	require.Equal(t, 2, res.Changes)
	h.requireFresh(v)
}

func TestRefresh_UnsupportedTree(t *testing.T) {
	h := newHarness(t, staticConfig())
	v := h.materialize("noisy", func(b *optree.Builder) optree.NodeID {
		return b.Filter(b.Scan("orders", []string{"id", "cust", "amt"}, "id"), "amt > random()")
	})

	h.insert([]any{11, 1, 5})
	res, err := h.engine.Refresh(h.ctx, v)
	require.NoError(t, err)
	require.Equal(t, Recompute, res.Kind)
	require.Equal(t, CauseUnsupported, res.Cause)
	require.Contains(t, res.Reason, "random")
	require.Equal(t, uint64(1), v.Frontier.Get("orders"))
}

func TestRefresh_OperatorFallback(t *testing.T) {
	h := newHarness(t, staticConfig())
	_, err := h.store.CreateTable("items", []string{"order_id", "qty"})
	require.NoError(t, err)
	v := h.materialize("lateral", func(b *optree.Builder) optree.NodeID {
		items := b.Add(&optree.Scan{Relation: "items", Alias: "i", Columns: []string{"order_id", "qty"}})
		body := b.Filter(items, "i.order_id = orders.id")
		return b.Add(&optree.LateralSubquery{Input: b.Scan("orders", []string{"id", "cust", "amt"}, "id"), Body: body})
	})

	tbl, err := h.store.Table("items")
	require.NoError(t, err)
	ev, err := tbl.Insert([]any{2, 9})
	require.NoError(t, err)
	_, err = h.buffer.Append(h.ctx, ev)
	require.NoError(t, err)

	res, err := h.engine.Refresh(h.ctx, v)
	require.NoError(t, err)
	require.Equal(t, Recompute, res.Kind)
	require.Equal(t, CauseOperator, res.Cause)
	h.requireFresh(v)
}

func TestApply_FailureLeavesViewUntouched(t *testing.T) {
	h := newHarness(t, staticConfig())
	v := h.materialize("large", large)

	// Lose the materialized rows so the next delete underflows.
	broken := state.NewViewState(v.Tree.Root().Columns, nil, nil)
	v.State = broken
	frontier := v.Frontier.Clone()
	h.deleteID(9)

	res, err := h.engine.ComputeDelta(h.ctx, v, v.Frontier)
	require.NoError(t, err)
	require.Equal(t, DeltaReady, res.Phase())
	_, err = h.engine.Apply(h.ctx, v, res)
	require.ErrorContains(t, err, "underflow")
	require.Equal(t, Aborted, res.Phase())

	_, err = h.engine.Refresh(h.ctx, v)
	require.Error(t, err)
	require.Same(t, broken, v.State)
	require.Equal(t, frontier, v.Frontier)

	_, err = h.engine.Apply(h.ctx, v, res)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRefresh_Cancelled(t *testing.T) {
	h := newHarness(t, staticConfig())
	v := h.materialize("totals", totals)
	before := v.State
	h.insert([]any{11, 1, 5})

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	_, err := h.engine.Refresh(ctx, v)
	require.ErrorIs(t, err, context.Canceled)
	require.Same(t, before, v.State)
	require.Equal(t, uint64(0), v.Frontier.Get("orders"))

	// The next cycle picks up the same change.
	res, err := h.engine.Refresh(h.ctx, v)
	require.NoError(t, err)
	require.Equal(t, 1, res.Changes)
	h.requireFresh(v)
}

func TestScheduler_RefreshAll(t *testing.T) {
	cfg := staticConfig()
	cfg.MaxConcurrentRefreshes = 2
	h := newHarness(t, cfg)
	views := []*View{
		h.materialize("totals", totals),
		h.materialize("large", large),
		h.materialize("all", func(b *optree.Builder) optree.NodeID {
			return b.Scan("orders", []string{"id", "cust", "amt"}, "id")
		}),
	}
	h.insert([]any{11, 2, 70})
	h.deleteID(4)

	s := NewScheduler(h.engine, nil)
	results, err := s.RefreshAll(h.ctx, views)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, v := range views {
		require.Equal(t, Ready, results[i].Kind, v.Name)
		require.Equal(t, uint64(2), v.Frontier.Get("orders"))
		h.requireFresh(v)
	}

	_, err = s.RefreshAll(h.ctx, []*View{views[0], views[0]})
	require.ErrorContains(t, err, "scheduled twice")
}

func TestNewEngine_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentRefreshes = 0
	_, err := NewEngine(cfg, state.NewStore(), cdc.NewMemoryBuffer(), nil, nil)
	require.Error(t, err)
}
