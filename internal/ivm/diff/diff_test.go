package diff

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/ariyn/ivm/internal/ivm/cdc"
	"github.com/ariyn/ivm/internal/ivm/eval"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/rowid"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// Floats must match exactly: differential and full results agree bit for bit.
var exactFloats = cmpopts.EquateNaNs()

// fixture drives refresh cycles against an in-memory store. Every refresh is
// checked against a full recomputation of the tree.
type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *state.Store
	buffer *cdc.MemoryBuffer
	tree   *optree.Tree
	view   *state.ViewState
	since  uint64
	policy LateralPolicy
}

func newFixture(t *testing.T, tree *optree.Tree) *fixture {
	t.Helper()
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  state.NewStore(),
		buffer: cdc.NewMemoryBuffer(),
		tree:   tree,
	}
}

func (f *fixture) table(name string, cols []string, key ...string) *fixture {
	f.t.Helper()
	_, err := f.store.CreateTable(name, cols, key...)
	require.NoError(f.t, err)
	return f
}

// seed loads rows without recording changes.
func (f *fixture) seed(rel string, rows ...[]any) *fixture {
	f.t.Helper()
	tbl, err := f.store.Table(rel)
	require.NoError(f.t, err)
	for _, r := range rows {
		_, err := tbl.Insert(r)
		require.NoError(f.t, err)
	}
	return f
}

func (f *fixture) materialize() *fixture {
	f.t.Helper()
	f.view, _ = f.full()
	return f
}

func (f *fixture) full() (*state.ViewState, *state.Update) {
	f.t.Helper()
	env := eval.NewEnv(f.ctx, f.tree, f.store)
	rows, err := env.Rows(f.tree.Root())
	require.NoError(f.t, err)
	u, err := env.Persist(eval.Persistent(f.tree))
	require.NoError(f.t, err)
	return state.NewViewState(f.tree.Root().Columns, rows, u), u
}

func (f *fixture) record(events []types.Event, err error) {
	f.t.Helper()
	require.NoError(f.t, err)
	_, err = f.buffer.Append(f.ctx, events...)
	require.NoError(f.t, err)
}

func (f *fixture) insert(rel string, rows ...[]any) {
	f.t.Helper()
	tbl, err := f.store.Table(rel)
	require.NoError(f.t, err)
	for _, r := range rows {
		ev, err := tbl.Insert(r)
		f.record([]types.Event{ev}, err)
	}
}

func (f *fixture) delete(rel string, where func([]any) bool) {
	f.t.Helper()
	tbl, err := f.store.Table(rel)
	require.NoError(f.t, err)
	f.record(tbl.Delete(func(r []any) (bool, error) { return where(r), nil }))
}

func (f *fixture) update(rel string, where func([]any) bool, set func([]any) []any) {
	f.t.Helper()
	tbl, err := f.store.Table(rel)
	require.NoError(f.t, err)
	f.record(tbl.Update(
		func(r []any) (bool, error) { return where(r), nil },
		func(r []any) ([]any, error) { return set(r), nil },
	))
}

func (f *fixture) cycle() (Cycle, uint64) {
	f.t.Helper()
	until, err := f.buffer.MaxSeq(f.ctx)
	require.NoError(f.t, err)
	changes := map[string][]types.Change{}
	for _, rel := range f.tree.Relations() {
		cs, err := f.buffer.GetDelta(f.ctx, rel, f.since, until)
		require.NoError(f.t, err)
		if len(cs) > 0 {
			changes[rel] = cs
		}
	}
	return Cycle{
		Tree:          f.tree,
		Current:       f.store,
		Changes:       changes,
		View:          f.view,
		LateralPolicy: f.policy,
	}, until
}

// refresh differentiates the pending changes, applies the delta to the view
// and requires the outcome to equal a full recomputation, persisted state
// included.
func (f *fixture) refresh() *Result {
	f.t.Helper()
	c, until := f.cycle()
	res, err := Differentiate(f.ctx, c)
	require.NoError(f.t, err)
	next, err := f.view.Apply(res.Delta, res.State)
	require.NoError(f.t, err)

	want, u := f.full()
	if d := cmp.Diff(want.Rows(), next.Rows(), exactFloats); d != "" {
		f.t.Fatalf("differential result differs from full recompute (-want +got):\n%s", d)
	}
	for node, groups := range u.Groups {
		if !f.view.HasGroups(node) {
			continue
		}
		for k, g := range groups {
			got, ok := next.Group(node, k)
			require.True(f.t, ok, "group %s of node %d missing", k, node)
			require.Equal(f.t, g.Count, got.Count)
			if d := cmp.Diff(g.Values, got.Values, exactFloats); d != "" {
				f.t.Fatalf("group %s of node %d (-want +got):\n%s", k, node, d)
			}
		}
	}
	for node, counts := range u.Counts {
		if !f.view.HasCounts(node) {
			continue
		}
		for k, n := range counts {
			require.Equal(f.t, n, next.Count(node, k), "reference count of %s", k)
		}
	}
	f.view = next
	f.since = until
	return res
}

func ordersSchema(f *fixture) *fixture {
	return f.
		table("orders", []string{"id", "cust", "amt"}, "id").
		table("customers", []string{"id", "region"}, "id").
		table("items", []string{"order_id", "qty"}).
		table("edges", []string{"src", "dst"}).
		seed("orders", []any{1, 10, 5}, []any{2, 10, 7}, []any{3, 20, 1}, []any{4, nil, 2}, []any{5, 30, 9}).
		seed("customers", []any{10, "E"}, []any{20, "W"}, []any{40, "N"}).
		seed("items", []any{1, 3}, []any{1, 4}, []any{3, 1}).
		seed("edges", []any{1, 2}, []any{2, 3}, []any{3, 4})
}

func is(col int, v any) func([]any) bool {
	return func(r []any) bool { return types.Equal(r[col], v) }
}

func set(col int, v any) func([]any) []any {
	return func(r []any) []any { r[col] = v; return r }
}

// mutations is a sequence of change batches touching every relation of the
// orders schema. Each batch is one refresh cycle. Edges stay acyclic.
var mutations = []func(f *fixture){
	func(f *fixture) {
		f.insert("orders", []any{6, 20, 4}, []any{7, 40, nil})
		f.insert("customers", []any{30, "S"})
		f.insert("edges", []any{4, 5})
	},
	func(f *fixture) {
		f.update("orders", is(0, int64(1)), set(1, int64(20)))
		f.delete("customers", is(0, int64(10)))
		f.update("items", is(0, int64(3)), set(1, int64(2)))
		f.delete("edges", is(0, int64(2)))
		f.insert("edges", []any{1, 3})
	},
	func(f *fixture) {
		f.delete("orders", is(0, int64(3)))
		f.insert("orders", []any{8, nil, 3})
		f.insert("items", []any{2, 5}, []any{nil, 2})
		f.insert("edges", []any{5, 6})
		f.delete("edges", is(0, int64(1)))
		f.insert("edges", []any{1, 3})
	},
	func(f *fixture) {
		f.update("orders", is(1, int64(20)), func(r []any) []any {
			if a, ok := r[2].(int64); ok {
				r[2] = a * 2
			}
			return r
		})
		f.update("edges", is(0, int64(3)), set(1, int64(6)))
		f.delete("items", is(0, nil))
	},
	func(f *fixture) {
		f.insert("orders", []any{9, 10, 1})
		f.delete("orders", is(0, int64(9)))
		f.update("customers", is(0, int64(20)), set(1, "E"))
		f.insert("customers", []any{10, "E"})
		f.delete("orders", is(0, int64(5)))
	},
	func(f *fixture) {
		f.insert("orders", []any{10, 20, 0.1}, []any{11, 20, 0.2})
	},
	func(f *fixture) {
		f.delete("orders", is(0, int64(10)))
	},
}

func project(b *optree.Builder, in optree.NodeID, cols ...string) optree.NodeID {
	exprs := make([]optree.ProjectExpr, len(cols))
	for i, c := range cols {
		exprs[i] = optree.ProjectExpr{SQL: c}
	}
	return b.Add(&optree.Project{Input: in, Exprs: exprs})
}

func orders(b *optree.Builder) optree.NodeID {
	return b.Scan("orders", []string{"id", "cust", "amt"}, "id")
}

func customers(b *optree.Builder) optree.NodeID {
	return b.Scan("customers", []string{"id", "region"}, "id")
}

func items(b *optree.Builder) optree.NodeID {
	return b.Add(&optree.Scan{Relation: "items", Alias: "i", Columns: []string{"order_id", "qty"}})
}

func join(on string) optree.JoinSpec { return optree.JoinSpec{On: on} }

func reach(b *optree.Builder, unionAll bool) optree.NodeID {
	base := b.Scan("edges", []string{"src", "dst"})
	self := b.Add(&optree.SelfRef{Cte: "reach", Alias: "r"})
	e := b.Add(&optree.Scan{Relation: "edges", Alias: "e", Columns: []string{"src", "dst"}})
	j := b.Add(&optree.InnerJoin{JoinSpec: optree.JoinSpec{Left: self, Right: e, On: "r.dst = e.src"}})
	step := project(b, j, "r.src", "e.dst")
	return b.Add(&optree.RecursiveCte{Name: "reach", Base: base, Recursive: step, UnionAll: unionAll, Columns: []string{"src", "dst"}})
}

func TestDifferentialMatchesFullRecompute(t *testing.T) {
	joinOp := func(kind string, spec optree.JoinSpec) optree.Op {
		switch kind {
		case "left":
			return &optree.LeftJoin{JoinSpec: spec}
		case "full":
			return &optree.FullJoin{JoinSpec: spec}
		case "semi":
			return &optree.SemiJoin{JoinSpec: spec}
		case "anti":
			return &optree.AntiJoin{JoinSpec: spec}
		case "not in":
			return &optree.AntiJoin{JoinSpec: spec, NullAware: true}
		}
		return &optree.InnerJoin{JoinSpec: spec}
	}
	joined := func(kind, on string) func(b *optree.Builder) optree.NodeID {
		return func(b *optree.Builder) optree.NodeID {
			spec := join(on)
			spec.Left, spec.Right = orders(b), customers(b)
			return b.Add(joinOp(kind, spec))
		}
	}

	tests := []struct {
		name   string
		build  func(b *optree.Builder) optree.NodeID
		policy LateralPolicy
	}{
		{"filter and project", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Project{Input: b.Filter(orders(b), "amt > 3"), Exprs: []optree.ProjectExpr{
				{SQL: "id"}, {SQL: "amt * 2", Alias: "dbl"},
			}})
		}, ""},
		{"project without key", func(b *optree.Builder) optree.NodeID {
			return project(b, orders(b), "cust")
		}, ""},
		{"inner join", joined("inner", "orders.cust = customers.id"), ""},
		{"left join", joined("left", "orders.cust = customers.id"), ""},
		{"full join", joined("full", "orders.cust = customers.id"), ""},
		{"join with residual", joined("left", "orders.cust = customers.id AND orders.amt > 4"), ""},
		{"left join without equi keys", joined("left", "orders.amt > 6"), ""},
		{"semi join", joined("semi", "orders.cust = customers.id"), ""},
		{"anti join", joined("anti", "orders.cust = customers.id"), ""},
		{"not in", func(b *optree.Builder) optree.NodeID {
			spec := join("orders.id = i.order_id")
			spec.Left, spec.Right = orders(b), items(b)
			return b.Add(joinOp("not in", spec))
		}, ""},
		{"grouped aggregate", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Aggregate{
				Input:   orders(b),
				GroupBy: []string{"cust"},
				Aggs: []optree.AggExpr{
					{Func: "count", Alias: "n"},
					{Func: "sum", Args: []string{"amt"}, Alias: "total"},
					{Func: "min", Args: []string{"amt"}, Alias: "lo"},
					{Func: "max", Args: []string{"amt"}, Alias: "hi"},
					{Func: "avg", Args: []string{"amt"}, Alias: "mean"},
					{Func: "count", Args: []string{"amt"}, Distinct: true, Alias: "kinds"},
					{Func: "string_agg", Args: []string{"id"}, OrderBy: []optree.OrderItem{{SQL: "id"}}, Alias: "ids"},
					{Func: "count", Args: []string{"*"}, Filter: "amt > 4", Alias: "big"},
				},
				Having: "total > 3",
			})
		}, ""},
		{"scalar aggregate", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Aggregate{Input: b.Filter(orders(b), "amt > 4"), Aggs: []optree.AggExpr{
				{Func: "count", Alias: "n"},
				{Func: "sum", Args: []string{"amt"}, Alias: "total"},
				{Func: "max", Args: []string{"amt"}, Alias: "hi"},
			}})
		}, ""},
		{"aggregate over join", func(b *optree.Builder) optree.NodeID {
			j := joined("inner", "orders.cust = customers.id")(b)
			return b.Add(&optree.Aggregate{Input: j, GroupBy: []string{"region"}, Aggs: []optree.AggExpr{
				{Func: "sum", Args: []string{"amt"}, Alias: "total"},
				{Func: "bool_and", Args: []string{"amt > 2"}, Alias: "all_big"},
			}})
		}, ""},
		{"aggregate by expression", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Aggregate{Input: orders(b), GroupBy: []string{"amt > 4"}, Aggs: []optree.AggExpr{
				{Func: "count", Alias: "n"},
			}})
		}, ""},
		{"distinct", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Distinct{Input: project(b, orders(b), "cust")})
		}, ""},
		{"union", func(b *optree.Builder) optree.NodeID {
			return b.Union(false, project(b, orders(b), "cust"), project(b, customers(b), "id"))
		}, ""},
		{"union all", func(b *optree.Builder) optree.NodeID {
			return b.Union(true, project(b, orders(b), "cust"), project(b, customers(b), "id"))
		}, ""},
		{"intersect", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Intersect{SetOp: optree.SetOp{Left: project(b, orders(b), "cust"), Right: project(b, customers(b), "id")}})
		}, ""},
		{"intersect all", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Intersect{SetOp: optree.SetOp{Left: project(b, orders(b), "cust"), Right: project(b, customers(b), "id"), All: true}})
		}, ""},
		{"except", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Except{SetOp: optree.SetOp{Left: project(b, orders(b), "cust"), Right: project(b, customers(b), "id")}})
		}, ""},
		{"except all", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Except{SetOp: optree.SetOp{Left: project(b, orders(b), "cust"), Right: project(b, customers(b), "id"), All: true}})
		}, ""},
		{"window", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Window{
				Input:       orders(b),
				PartitionBy: []string{"cust"},
				OrderBy:     []optree.OrderItem{{SQL: "amt"}},
				Funcs: []optree.WindowFunc{
					{Func: "row_number", Alias: "rn"},
					{Func: "rank", Alias: "rk"},
					{Func: "sum", Args: []string{"amt"}, Alias: "running"},
					{Func: "lag", Args: []string{"id"}, Alias: "prev"},
				},
			})
		}, ""},
		{"window without partition", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.Window{
				Input:   orders(b),
				OrderBy: []optree.OrderItem{{SQL: "amt", Desc: true}},
				Funcs:   []optree.WindowFunc{{Func: "dense_rank", Alias: "dr"}, {Func: "ntile", Args: []string{"2"}, Alias: "half"}},
			})
		}, ""},
		{"lateral function", func(b *optree.Builder) optree.NodeID {
			return b.Add(&optree.LateralFunction{Input: items(b), Func: "generate_series", Args: []string{"1", "qty"}, WithOrdinality: true})
		}, ""},
		{"correlated lateral subquery", func(b *optree.Builder) optree.NodeID {
			body := b.Add(&optree.Aggregate{Input: b.Filter(items(b), "i.order_id = orders.id"), Aggs: []optree.AggExpr{
				{Func: "sum", Args: []string{"qty"}, Alias: "qty"},
			}})
			return b.Add(&optree.LateralSubquery{Input: orders(b), Body: body, Correlation: []optree.Correlation{
				{OuterColumn: "orders.id", InnerRelation: "items", InnerColumn: "order_id"},
			}})
		}, ""},
		{"lateral subquery rescan", func(b *optree.Builder) optree.NodeID {
			body := b.Filter(items(b), "i.order_id = orders.id AND i.qty > 1")
			return b.Add(&optree.LateralSubquery{Input: orders(b), Body: body, Left: true})
		}, LateralRescan},
		{"scalar subquery", func(b *optree.Builder) optree.NodeID {
			s2 := b.Add(&optree.Scan{Relation: "orders", Alias: "s2", Columns: []string{"id", "cust", "amt"}, Key: []string{"id"}})
			mx := b.Add(&optree.Aggregate{Input: s2, Aggs: []optree.AggExpr{{Func: "max", Args: []string{"amt"}, Alias: "top"}}})
			return b.Add(&optree.ScalarSubquery{Input: customers(b), Subquery: mx, Alias: "top"})
		}, ""},
		{"shared cte", func(b *optree.Builder) optree.NodeID {
			body := b.Filter(orders(b), "amt > 1")
			x := b.Add(&optree.CteScan{Body: body, Alias: "x"})
			y := b.Add(&optree.CteScan{Body: body, Alias: "y"})
			return b.Add(&optree.InnerJoin{JoinSpec: optree.JoinSpec{Left: x, Right: y, On: "x.cust = y.cust"}})
		}, ""},
		{"subquery", func(b *optree.Builder) optree.NodeID {
			a := b.Add(&optree.Aggregate{Input: orders(b), GroupBy: []string{"cust"}, Aggs: []optree.AggExpr{{Func: "sum", Args: []string{"amt"}}}})
			s := b.Add(&optree.Subquery{Input: a, Alias: "s", ColumnAliases: []string{"c", "total"}})
			return b.Filter(s, "s.total > 5")
		}, ""},
		{"recursive union", func(b *optree.Builder) optree.NodeID { return reach(b, false) }, ""},
		{"recursive union all", func(b *optree.Builder) optree.NodeID { return reach(b, true) }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := optree.NewBuilder()
			tree, err := b.Build(tt.build(b))
			require.NoError(t, err)
			f := ordersSchema(newFixture(t, tree)).materialize()
			f.policy = tt.policy
			for _, m := range mutations {
				m(f)
				f.refresh()
			}
		})
	}
}

func salesView(t *testing.T) *fixture {
	b := optree.NewBuilder()
	s := b.Scan("orders", []string{"id", "region", "amt"}, "id")
	a := b.Add(&optree.Aggregate{Input: s, GroupBy: []string{"region"}, Aggs: []optree.AggExpr{{Func: "sum", Args: []string{"amt"}, Alias: "total"}}})
	tree, err := b.Build(a)
	require.NoError(t, err)
	return newFixture(t, tree).
		table("orders", []string{"id", "region", "amt"}, "id").
		seed("orders", []any{1, "E", 10}, []any{2, "E", 20}).
		materialize()
}

func TestInsertIntoNewGroup(t *testing.T) {
	f := salesView(t)
	f.insert("orders", []any{3, "W", 5})
	res := f.refresh()
	require.Equal(t, []types.DeltaRow{
		{Action: types.Insert, Row: types.Row{ID: rowid.Hash("W"), Values: []any{"W", int64(5)}}},
	}, res.Delta.Rows)
}

func TestDeleteUpdatesGroup(t *testing.T) {
	f := salesView(t)
	f.delete("orders", is(0, int64(1)))
	res := f.refresh()
	require.ElementsMatch(t, []types.DeltaRow{
		{Action: types.Delete, Row: types.Row{ID: rowid.Hash("E"), Values: []any{"E", int64(30)}}},
		{Action: types.Insert, Row: types.Row{ID: rowid.Hash("E"), Values: []any{"E", int64(20)}}},
	}, res.Delta.Rows)
	require.Equal(t, [][]any{{"E", int64(20)}}, [][]any{f.view.Rows()[0].Values})
}

func TestJoinKeyChangeWithConcurrentDelete(t *testing.T) {
	b := optree.NewBuilder()
	a := b.Scan("a", []string{"id", "k"}, "id")
	bb := b.Scan("b", []string{"id", "k"}, "id")
	j := b.Add(&optree.InnerJoin{JoinSpec: optree.JoinSpec{Left: a, Right: bb, On: "a.k = b.k"}})
	tree, err := b.Build(j)
	require.NoError(t, err)

	f := newFixture(t, tree).
		table("a", []string{"id", "k"}, "id").
		table("b", []string{"id", "k"}, "id").
		seed("a", []any{1, 1}).
		seed("b", []any{1, 1}, []any{2, 2}).
		materialize()
	require.Equal(t, 1, f.view.Len())

	f.update("a", is(1, int64(1)), set(1, int64(2)))
	f.delete("b", is(1, int64(1)))
	f.refresh()
	rows := f.view.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, []any{int64(1), int64(2), int64(2), int64(2)}, rows[0].Values)
}

func TestInsertThenDeleteCancels(t *testing.T) {
	f := salesView(t)
	f.insert("orders", []any{3, "W", 5})
	f.delete("orders", is(0, int64(3)))
	res := f.refresh()
	require.True(t, res.Delta.IsEmpty(), "got %v", res.Delta)
}

func TestFloatSumRetractionIsExact(t *testing.T) {
	f := salesView(t)
	f.insert("orders", []any{3, "F", 0.1}, []any{4, "F", 0.2})
	f.refresh()
	f.delete("orders", is(0, int64(3)))
	f.refresh()
	for _, r := range f.view.Rows() {
		if r.Values[0] == "F" {
			require.Equal(t, 0.2, r.Values[1])
			return
		}
	}
	t.Fatalf("group F missing from %v", f.view.Rows())
}

func TestIdentityIsReproducible(t *testing.T) {
	run := func() []types.Row {
		f := salesView(t)
		f.insert("orders", []any{3, "W", 5})
		f.refresh()
		return f.view.Rows()
	}
	first, second := run(), run()
	require.Equal(t, first, second)
	for _, r := range first {
		require.Equal(t, rowid.Hash(r.Values[0]), r.ID)
	}
}

func TestHavingBoundary(t *testing.T) {
	b := optree.NewBuilder()
	s := b.Scan("orders", []string{"id", "region", "amt"}, "id")
	a := b.Add(&optree.Aggregate{Input: s, GroupBy: []string{"region"}, Aggs: []optree.AggExpr{{Func: "sum", Args: []string{"amt"}, Alias: "total"}}, Having: "total >= 25"})
	tree, err := b.Build(a)
	require.NoError(t, err)
	f := newFixture(t, tree).
		table("orders", []string{"id", "region", "amt"}, "id").
		seed("orders", []any{1, "E", 10}, []any{2, "E", 20}, []any{3, "W", 20}).
		materialize()
	require.Equal(t, 1, f.view.Len())

	f.insert("orders", []any{4, "W", 5})
	f.delete("orders", is(0, int64(2)))
	res := f.refresh()
	require.ElementsMatch(t, []types.DeltaRow{
		{Action: types.Delete, Row: types.Row{ID: rowid.Hash("E"), Values: []any{"E", int64(30)}}},
		{Action: types.Insert, Row: types.Row{ID: rowid.Hash("W"), Values: []any{"W", int64(25)}}},
	}, res.Delta.Rows)
}

func TestRecursiveDeleteOnCycle(t *testing.T) {
	b := optree.NewBuilder()
	tree, err := b.Build(reach(b, false))
	require.NoError(t, err)
	f := newFixture(t, tree).
		table("edges", []string{"src", "dst"}).
		seed("edges", []any{1, 2}, []any{2, 3}, []any{3, 2}).
		materialize()

	f.delete("edges", func(r []any) bool { return types.Equal(r[0], int64(1)) })
	f.refresh()
	f.insert("edges", []any{3, 4})
	f.delete("edges", func(r []any) bool { return types.Equal(r[0], int64(2)) })
	f.refresh()
	f.insert("edges", []any{1, 2}, []any{2, 3})
	f.refresh()
}

func TestFallbacks(t *testing.T) {
	t.Run("unsupported node", func(t *testing.T) {
		b := optree.NewBuilder()
		tree, err := b.Build(b.Filter(orders(b), "amt > random()"))
		require.NoError(t, err)
		f := ordersSchema(newFixture(t, tree))
		f.view = state.NewViewState(tree.Root().Columns, nil, nil)
		f.insert("orders", []any{6, 20, 4})
		c, _ := f.cycle()
		_, err = Differentiate(f.ctx, c)
		var fe *FallbackError
		require.True(t, errors.As(err, &fe), "got %v", err)
		require.Contains(t, fe.Reason, "random")
	})

	t.Run("non-monotone recursion", func(t *testing.T) {
		b := optree.NewBuilder()
		base := b.Scan("edges", []string{"src", "dst"})
		self := b.Add(&optree.SelfRef{Cte: "reach", Alias: "r"})
		e := b.Add(&optree.Scan{Relation: "edges", Alias: "e", Columns: []string{"src", "dst"}})
		j := b.Add(&optree.AntiJoin{JoinSpec: optree.JoinSpec{Left: self, Right: e, On: "r.dst = e.src"}})
		cte := b.Add(&optree.RecursiveCte{Name: "reach", Base: base, Recursive: j, Columns: []string{"src", "dst"}})
		tree, err := b.Build(cte)
		require.NoError(t, err)
		f := ordersSchema(newFixture(t, tree)).materialize()
		f.insert("edges", []any{4, 5})
		c, _ := f.cycle()
		_, err = Differentiate(f.ctx, c)
		var fe *FallbackError
		require.True(t, errors.As(err, &fe), "got %v", err)
	})

	t.Run("uncorrelated lateral change", func(t *testing.T) {
		b := optree.NewBuilder()
		body := b.Filter(items(b), "i.order_id = orders.id")
		tree, err := b.Build(b.Add(&optree.LateralSubquery{Input: orders(b), Body: body}))
		require.NoError(t, err)
		f := ordersSchema(newFixture(t, tree)).materialize()
		f.insert("items", []any{2, 9})
		c, _ := f.cycle()
		_, err = Differentiate(f.ctx, c)
		var fe *FallbackError
		require.True(t, errors.As(err, &fe), "got %v", err)
		require.Contains(t, fe.Reason, "items")
	})

	t.Run("nonlinear recursion", func(t *testing.T) {
		b := optree.NewBuilder()
		base := b.Scan("edges", []string{"src", "dst"})
		x := b.Add(&optree.SelfRef{Cte: "reach", Alias: "x"})
		y := b.Add(&optree.SelfRef{Cte: "reach", Alias: "y"})
		j := b.Add(&optree.InnerJoin{JoinSpec: optree.JoinSpec{Left: x, Right: y, On: "x.dst = y.src"}})
		cte := b.Add(&optree.RecursiveCte{Name: "reach", Base: base, Recursive: project(b, j, "x.src", "y.dst"), Columns: []string{"src", "dst"}})
		tree, err := b.Build(cte)
		require.NoError(t, err)
		f := ordersSchema(newFixture(t, tree)).materialize()
		f.insert("edges", []any{4, 5})
		c, _ := f.cycle()
		_, err = Differentiate(f.ctx, c)
		require.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestUnchangedRelationsShortCircuit(t *testing.T) {
	b := optree.NewBuilder()
	tree, err := b.Build(joined3(b))
	require.NoError(t, err)
	f := ordersSchema(newFixture(t, tree)).materialize()
	f.insert("edges", []any{9, 9})
	res := f.refresh()
	require.True(t, res.Delta.IsEmpty())
	require.True(t, res.State.IsEmpty())
}

func joined3(b *optree.Builder) optree.NodeID {
	j := b.Add(&optree.InnerJoin{JoinSpec: optree.JoinSpec{Left: orders(b), Right: customers(b), On: "orders.cust = customers.id"}})
	return b.Add(&optree.Aggregate{Input: j, GroupBy: []string{"region"}, Aggs: []optree.AggExpr{{Func: "count", Alias: "n"}}})
}

func TestCancelledCycle(t *testing.T) {
	f := salesView(t)
	f.insert("orders", []any{3, "W", 5})
	c, _ := f.cycle()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Differentiate(ctx, c)
	require.ErrorIs(t, err, context.Canceled)
}
