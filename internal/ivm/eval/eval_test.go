package eval

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/rowid"
	"github.com/ariyn/ivm/internal/ivm/state"
	"github.com/ariyn/ivm/internal/ivm/types"
)

// sorted renders rows as value lists in a stable order.
func sorted(rows []types.Row) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = r.Values
	}
	sort.Slice(out, func(i, j int) bool {
		return types.EncodeKey(out[i]) < types.EncodeKey(out[j])
	})
	return out
}

func evalRoot(t *testing.T, b *optree.Builder, root optree.NodeID, snap state.Snapshot) []types.Row {
	t.Helper()
	tree, err := b.Build(root)
	require.NoError(t, err)
	rows, err := NewEnv(context.Background(), tree, snap).Rows(tree.Root())
	require.NoError(t, err)
	return rows
}

func joinData() *state.Frozen {
	return state.NewFrozen().
		Set("orders", []string{"id", "cust", "amt"},
			[]any{1, 10, 5}, []any{2, 10, 7}, []any{3, 20, 1}, []any{4, nil, 2}).
		Set("customers", []string{"id", "region"},
			[]any{10, "E"}, []any{30, "W"})
}

func TestJoinFamily(t *testing.T) {
	inner := [][]any{
		{int64(1), int64(10), int64(5), int64(10), "E"},
		{int64(2), int64(10), int64(7), int64(10), "E"},
	}
	tests := []struct {
		name string
		op   func(j optree.JoinSpec) optree.Op
		want [][]any
	}{
		{"inner", func(j optree.JoinSpec) optree.Op { return &optree.InnerJoin{JoinSpec: j} }, inner},
		{"left", func(j optree.JoinSpec) optree.Op { return &optree.LeftJoin{JoinSpec: j} }, append(append([][]any{}, inner...),
			[]any{int64(3), int64(20), int64(1), nil, nil},
			[]any{int64(4), nil, int64(2), nil, nil})},
		{"full", func(j optree.JoinSpec) optree.Op { return &optree.FullJoin{JoinSpec: j} }, append(append([][]any{}, inner...),
			[]any{int64(3), int64(20), int64(1), nil, nil},
			[]any{int64(4), nil, int64(2), nil, nil},
			[]any{nil, nil, nil, int64(30), "W"})},
		{"semi", func(j optree.JoinSpec) optree.Op { return &optree.SemiJoin{JoinSpec: j} }, [][]any{
			{int64(1), int64(10), int64(5)}, {int64(2), int64(10), int64(7)}}},
		{"anti", func(j optree.JoinSpec) optree.Op { return &optree.AntiJoin{JoinSpec: j} }, [][]any{
			{int64(3), int64(20), int64(1)}, {int64(4), nil, int64(2)}}},
		{"not in", func(j optree.JoinSpec) optree.Op { return &optree.AntiJoin{JoinSpec: j, NullAware: true} }, [][]any{
			{int64(3), int64(20), int64(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := optree.NewBuilder()
			o := b.Scan("orders", []string{"id", "cust", "amt"}, "id")
			c := b.Scan("customers", []string{"id", "region"}, "id")
			j := b.Add(tt.op(optree.JoinSpec{Left: o, Right: c, On: "orders.cust = customers.id"}))
			rows := evalRoot(t, b, j, joinData())
			want := append([][]any(nil), tt.want...)
			sort.Slice(want, func(i, j int) bool { return types.EncodeKey(want[i]) < types.EncodeKey(want[j]) })
			require.Equal(t, want, sorted(rows))
		})
	}
}

func TestJoinIdentityCombinesSides(t *testing.T) {
	b := optree.NewBuilder()
	o := b.Scan("orders", []string{"id", "cust", "amt"}, "id")
	c := b.Scan("customers", []string{"id", "region"}, "id")
	j := b.Add(&optree.LeftJoin{JoinSpec: optree.JoinSpec{Left: o, Right: c, On: "orders.cust = customers.id"}})
	rows := evalRoot(t, b, j, joinData())
	for _, r := range rows {
		left := rowid.Hash(r.Values[0])
		if r.Values[3] == nil {
			require.Equal(t, rowid.Combine(left, rowid.Null), r.ID)
		} else {
			require.Equal(t, rowid.Combine(left, rowid.Hash(r.Values[3])), r.ID)
		}
	}
}

func TestNotInWithEmptyRightKeepsNullKeys(t *testing.T) {
	snap := joinData().Set("customers", []string{"id", "region"})
	b := optree.NewBuilder()
	o := b.Scan("orders", []string{"id", "cust", "amt"}, "id")
	c := b.Scan("customers", []string{"id", "region"}, "id")
	j := b.Add(&optree.AntiJoin{JoinSpec: optree.JoinSpec{Left: o, Right: c, On: "orders.cust = customers.id"}, NullAware: true})
	require.Len(t, evalRoot(t, b, j, snap), 4)
}

func salesData() *state.Frozen {
	return state.NewFrozen().Set("sales", []string{"id", "region", "amt"},
		[]any{1, "E", 10}, []any{2, "E", 5}, []any{3, "W", 1})
}

func TestAggregate(t *testing.T) {
	b := optree.NewBuilder()
	s := b.Scan("sales", []string{"id", "region", "amt"}, "id")
	a := b.Add(&optree.Aggregate{
		Input:   s,
		GroupBy: []string{"region"},
		Aggs: []optree.AggExpr{
			{Func: "count", Alias: "n"},
			{Func: "sum", Args: []string{"amt"}, Alias: "total"},
			{Func: "string_agg", Args: []string{"id"}, Separator: "|", OrderBy: []optree.OrderItem{{SQL: "id", Desc: true}}, Alias: "ids"},
			{Func: "count", Args: []string{"*"}, Filter: "amt > 4", Alias: "big"},
		},
		Having: "n > 0",
	})
	rows := evalRoot(t, b, a, salesData())
	require.Equal(t, [][]any{
		{"E", int64(2), int64(15), "2|1", int64(2)},
		{"W", int64(1), int64(1), "3", int64(0)},
	}, sorted(rows))
	for _, r := range rows {
		require.Equal(t, rowid.Hash(r.Values[0]), r.ID)
	}
}

func TestScalarAggregateAlwaysHasOneRow(t *testing.T) {
	b := optree.NewBuilder()
	s := b.Scan("sales", []string{"id", "region", "amt"}, "id")
	f := b.Filter(s, "amt > 100")
	a := b.Add(&optree.Aggregate{Input: f, Aggs: []optree.AggExpr{
		{Func: "count", Alias: "n"},
		{Func: "sum", Args: []string{"amt"}, Alias: "total"},
	}})
	rows := evalRoot(t, b, a, salesData())
	require.Equal(t, [][]any{{int64(0), nil}}, sorted(rows))
	require.Equal(t, rowid.Hash(), rows[0].ID)
}

func TestDistinctAndSetOps(t *testing.T) {
	snap := state.NewFrozen().
		Set("l", []string{"x"}, []any{1}, []any{1}, []any{1}, []any{2}, []any{3}).
		Set("r", []string{"x"}, []any{1}, []any{3}, []any{3}, []any{4})

	build := func(op func(l, r optree.NodeID) optree.Op) []types.Row {
		b := optree.NewBuilder()
		l := b.Scan("l", []string{"x"})
		r := b.Scan("r", []string{"x"})
		return evalRoot(t, b, b.Add(op(l, r)), snap)
	}
	intersect := build(func(l, r optree.NodeID) optree.Op { return &optree.Intersect{SetOp: optree.SetOp{Left: l, Right: r}} })
	require.Equal(t, [][]any{{int64(1)}, {int64(3)}}, sorted(intersect))

	intersectAll := build(func(l, r optree.NodeID) optree.Op {
		return &optree.Intersect{SetOp: optree.SetOp{Left: l, Right: r, All: true}}
	})
	require.Equal(t, [][]any{{int64(1)}, {int64(3)}}, sorted(intersectAll))

	except := build(func(l, r optree.NodeID) optree.Op { return &optree.Except{SetOp: optree.SetOp{Left: l, Right: r}} })
	require.Equal(t, [][]any{{int64(2)}}, sorted(except))

	exceptAll := build(func(l, r optree.NodeID) optree.Op {
		return &optree.Except{SetOp: optree.SetOp{Left: l, Right: r, All: true}}
	})
	require.Equal(t, [][]any{{int64(1)}, {int64(1)}, {int64(2)}}, sorted(exceptAll))

	b := optree.NewBuilder()
	u := b.Union(false, b.Scan("l", []string{"x"}), b.Scan("r", []string{"x"}))
	require.Equal(t, [][]any{{int64(1)}, {int64(2)}, {int64(3)}, {int64(4)}}, sorted(evalRoot(t, b, u, snap)))

	b = optree.NewBuilder()
	u = b.Union(true, b.Scan("l", []string{"x"}), b.Scan("r", []string{"x"}))
	all := evalRoot(t, b, u, snap)
	require.Len(t, all, 9)
	require.NotEqual(t, all[0].ID, all[5].ID, "equal rows from different branches keep distinct identities")
}

func TestWindow(t *testing.T) {
	b := optree.NewBuilder()
	s := b.Scan("sales", []string{"id", "region", "amt"}, "id")
	w := b.Add(&optree.Window{
		Input:       s,
		PartitionBy: []string{"region"},
		OrderBy:     []optree.OrderItem{{SQL: "amt"}},
		Funcs: []optree.WindowFunc{
			{Func: "row_number", Alias: "rn"},
			{Func: "sum", Args: []string{"amt"}, Alias: "running"},
			{Func: "lag", Args: []string{"id"}, Alias: "prev"},
			{Func: "count", Args: []string{"*"}, Frame: &optree.Frame{
				Mode:  optree.FrameRows,
				Start: optree.Bound{Type: optree.UnboundedPreceding},
				End:   optree.Bound{Type: optree.UnboundedFollowing},
			}, Alias: "n"},
		},
	})
	rows := evalRoot(t, b, w, salesData())
	require.Equal(t, [][]any{
		{int64(1), "E", int64(10), int64(2), int64(15), int64(2), int64(2)},
		{int64(2), "E", int64(5), int64(1), int64(5), nil, int64(2)},
		{int64(3), "W", int64(1), int64(1), int64(1), nil, int64(1)},
	}, sorted(rows))
	for _, r := range rows {
		require.Equal(t, rowid.Hash(r.Values[0]), r.ID)
	}
}

func TestWindowRankingTies(t *testing.T) {
	snap := state.NewFrozen().Set("s", []string{"id", "v"},
		[]any{1, 10}, []any{2, 20}, []any{3, 20}, []any{4, 30})
	b := optree.NewBuilder()
	s := b.Scan("s", []string{"id", "v"}, "id")
	w := b.Add(&optree.Window{
		Input:   s,
		OrderBy: []optree.OrderItem{{SQL: "v"}},
		Funcs: []optree.WindowFunc{
			{Func: "rank"}, {Func: "dense_rank"}, {Func: "percent_rank"}, {Func: "cume_dist"},
			{Func: "sum", Args: []string{"v"}},
		},
	})
	rows := evalRoot(t, b, w, snap)
	require.Equal(t, [][]any{
		{int64(1), int64(10), int64(1), int64(1), 0.0, 0.25, int64(10)},
		{int64(2), int64(20), int64(2), int64(2), 1.0 / 3, 0.75, int64(50)},
		{int64(3), int64(20), int64(2), int64(2), 1.0 / 3, 0.75, int64(50)},
		{int64(4), int64(30), int64(4), int64(3), 1.0, 1.0, int64(80)},
	}, sorted(rows))
}

func TestNtile(t *testing.T) {
	var got []int64
	for i := 0; i < 10; i++ {
		got = append(got, ntile(i, 10, 3))
	}
	require.Equal(t, []int64{1, 1, 1, 1, 2, 2, 2, 3, 3, 3}, got)
	require.Equal(t, int64(2), ntile(1, 2, 5))
}

func TestLateralFunction(t *testing.T) {
	snap := state.NewFrozen().Set("docs", []string{"id", "tags", "meta"},
		[]any{1, []any{"a", "b"}, `{"k": 1, "j": "x"}`},
		[]any{2, nil, `{}`})

	b := optree.NewBuilder()
	d := b.Scan("docs", []string{"id", "tags", "meta"}, "id")
	u := b.Add(&optree.LateralFunction{Input: d, Func: "unnest", Args: []string{"tags"}, Alias: "t", ColumnAliases: []string{"tag"}, WithOrdinality: true, Left: true})
	p := b.Add(&optree.Project{Input: u, Exprs: []optree.ProjectExpr{{SQL: "docs.id"}, {SQL: "tag"}, {SQL: "ordinality"}}})
	require.Equal(t, [][]any{
		{int64(1), "a", int64(1)},
		{int64(1), "b", int64(2)},
		{int64(2), nil, nil},
	}, sorted(evalRoot(t, b, p, snap)))

	b = optree.NewBuilder()
	d = b.Scan("docs", []string{"id", "tags", "meta"}, "id")
	je := b.Add(&optree.LateralFunction{Input: d, Func: "json_each", Args: []string{"meta"}, ColumnAliases: []string{"k", "v"}})
	p = b.Add(&optree.Project{Input: je, Exprs: []optree.ProjectExpr{{SQL: "docs.id"}, {SQL: "k"}, {SQL: "v"}}})
	require.Equal(t, [][]any{
		{int64(1), "j", `"x"`},
		{int64(1), "k", "1"},
	}, sorted(evalRoot(t, b, p, snap)))

	b = optree.NewBuilder()
	d = b.Scan("docs", []string{"id", "tags", "meta"}, "id")
	gs := b.Add(&optree.LateralFunction{Input: d, Func: "generate_series", Args: []string{"1", "id * 2", "2"}})
	rows := evalRoot(t, b, gs, snap)
	require.Len(t, rows, 3)
}

func TestLateralSubquery(t *testing.T) {
	snap := state.NewFrozen().
		Set("orders", []string{"id", "cust"}, []any{1, "a"}, []any{2, "b"}).
		Set("items", []string{"order_id", "qty"}, []any{1, 3}, []any{1, 4})

	b := optree.NewBuilder()
	o := b.Scan("orders", []string{"id", "cust"}, "id")
	items := b.Add(&optree.Scan{Relation: "items", Alias: "i", Columns: []string{"order_id", "qty"}})
	body := b.Filter(items, "i.order_id = orders.id")
	top := b.Add(&optree.Window{Input: body, OrderBy: []optree.OrderItem{{SQL: "qty", Desc: true}}, Funcs: []optree.WindowFunc{{Func: "row_number", Alias: "rn"}}})
	lat := b.Add(&optree.LateralSubquery{Input: o, Body: top, Left: true})
	rows := evalRoot(t, b, lat, snap)
	require.Equal(t, [][]any{
		{int64(1), "a", int64(1), int64(3), int64(2)},
		{int64(1), "a", int64(1), int64(4), int64(1)},
		{int64(2), "b", nil, nil, nil},
	}, sorted(rows))
}

func TestScalarSubquery(t *testing.T) {
	b := optree.NewBuilder()
	s := b.Scan("sales", []string{"id", "region", "amt"}, "id")
	s2 := b.Add(&optree.Scan{Relation: "sales", Alias: "s2", Columns: []string{"id", "region", "amt"}, Key: []string{"id"}})
	mx := b.Add(&optree.Aggregate{Input: s2, Aggs: []optree.AggExpr{{Func: "max", Args: []string{"amt"}, Alias: "top"}}})
	sq := b.Add(&optree.ScalarSubquery{Input: s, Subquery: mx})
	rows := evalRoot(t, b, sq, salesData())
	require.Len(t, rows, 3)
	for _, r := range rows {
		require.Equal(t, int64(10), r.Values[3])
	}

	b = optree.NewBuilder()
	s = b.Scan("sales", []string{"id", "region", "amt"}, "id")
	ids := b.Add(&optree.Project{Input: b.Add(&optree.Scan{Relation: "sales", Alias: "s2", Columns: []string{"id", "region", "amt"}}), Exprs: []optree.ProjectExpr{{SQL: "id"}}})
	sq = b.Add(&optree.ScalarSubquery{Input: s, Subquery: ids})
	tree, err := b.Build(sq)
	require.NoError(t, err)
	_, err = NewEnv(context.Background(), tree, salesData()).Rows(tree.Root())
	require.ErrorIs(t, err, ErrScalarSubquery)
}

func reachTree(t *testing.T, unionAll bool) *optree.Tree {
	t.Helper()
	b := optree.NewBuilder()
	base := b.Scan("edges", []string{"src", "dst"})
	self := b.Add(&optree.SelfRef{Cte: "reach", Alias: "r"})
	e := b.Add(&optree.Scan{Relation: "edges", Alias: "e", Columns: []string{"src", "dst"}})
	j := b.Add(&optree.InnerJoin{JoinSpec: optree.JoinSpec{Left: self, Right: e, On: "r.dst = e.src"}})
	step := b.Add(&optree.Project{Input: j, Exprs: []optree.ProjectExpr{{SQL: "r.src"}, {SQL: "e.dst"}}})
	cte := b.Add(&optree.RecursiveCte{Name: "reach", Base: base, Recursive: step, UnionAll: unionAll, Columns: []string{"src", "dst"}})
	tree, err := b.Build(cte)
	require.NoError(t, err)
	return tree
}

func TestRecursiveCte(t *testing.T) {
	ctx := context.Background()
	cycle := state.NewFrozen().Set("edges", []string{"src", "dst"}, []any{1, 2}, []any{2, 3}, []any{3, 1})
	set := reachTree(t, false)
	rows, err := NewEnv(ctx, set, cycle).Rows(set.Root())
	require.NoError(t, err)
	require.Len(t, rows, 9)

	chain := state.NewFrozen().Set("edges", []string{"src", "dst"}, []any{1, 2}, []any{2, 3}, []any{3, 4})
	tree := reachTree(t, true)
	rows, err = NewEnv(ctx, tree, chain).Rows(tree.Root())
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for _, r := range rows {
		require.Equal(t, rowid.Hash(r.Values...), r.ID)
	}

	_, err = NewEnv(ctx, tree, cycle).WithMaxDepth(10).Rows(tree.Root())
	require.ErrorIs(t, err, ErrRecursionLimit)
}

func TestLookupPushdownMatchesFullEvaluation(t *testing.T) {
	b := optree.NewBuilder()
	o := b.Scan("orders", []string{"id", "cust", "amt"}, "id")
	f := b.Filter(o, "amt > 1")
	p := b.Add(&optree.Project{Input: f, Exprs: []optree.ProjectExpr{{SQL: "amt"}, {SQL: "cust"}, {SQL: "id"}}})
	tree, err := b.Build(p)
	require.NoError(t, err)

	env := NewEnv(context.Background(), tree, joinData())
	got, err := env.Lookup(tree.Root(), []int{1}, []any{int64(10)})
	require.NoError(t, err)
	full, err := NewEnv(context.Background(), tree, joinData()).Rows(tree.Root())
	require.NoError(t, err)
	require.Equal(t, sorted(MatchRows(full, []int{1}, []any{int64(10)})), sorted(got))
	require.Len(t, got, 2)

	none, err := env.Lookup(tree.Root(), []int{1}, []any{nil})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPersistentSkipsScopedNodes(t *testing.T) {
	b := optree.NewBuilder()
	o := b.Scan("orders", []string{"id", "cust"}, "id")
	items := b.Add(&optree.Scan{Relation: "items", Alias: "i", Columns: []string{"order_id", "qty"}})
	body := b.Add(&optree.Aggregate{Input: b.Filter(items, "i.order_id = orders.id"), Aggs: []optree.AggExpr{{Func: "sum", Args: []string{"qty"}}}})
	lat := b.Add(&optree.LateralSubquery{Input: o, Body: body})
	top := b.Add(&optree.Aggregate{Input: lat, GroupBy: []string{"cust"}, Aggs: []optree.AggExpr{{Func: "count"}}})
	tree, err := b.Build(top)
	require.NoError(t, err)

	p := Persistent(tree)
	require.Equal(t, map[optree.NodeID]bool{top: true}, p)

	snap := state.NewFrozen().
		Set("orders", []string{"id", "cust"}, []any{1, "a"}, []any{2, "a"}).
		Set("items", []string{"order_id", "qty"}, []any{1, 3})
	u, err := NewEnv(context.Background(), tree, snap).Persist(p)
	require.NoError(t, err)
	g := u.Groups[top][types.EncodeKey([]any{"a"})]
	require.NotNil(t, g)
	require.Equal(t, int64(2), g.Count)
	require.Equal(t, []any{int64(2)}, g.Values)

	// An aggregate read through a scalar subquery is not kept either.
	b = optree.NewBuilder()
	o = b.Scan("orders", []string{"id", "cust"}, "id")
	items = b.Add(&optree.Scan{Relation: "items", Columns: []string{"order_id", "qty"}})
	most := b.Add(&optree.Aggregate{Input: items, Aggs: []optree.AggExpr{{Func: "max", Args: []string{"qty"}}}})
	sq := b.Add(&optree.ScalarSubquery{Input: o, Subquery: most, Alias: "top"})
	top = b.Add(&optree.Aggregate{Input: sq, GroupBy: []string{"cust"}, Aggs: []optree.AggExpr{{Func: "count"}}})
	tree, err = b.Build(top)
	require.NoError(t, err)
	require.Equal(t, map[optree.NodeID]bool{top: true}, Persistent(tree))
}

func TestCancelledContext(t *testing.T) {
	b := optree.NewBuilder()
	s := b.Scan("sales", []string{"id", "region", "amt"}, "id")
	tree, err := b.Build(s)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEnv(ctx, tree, salesData()).Rows(tree.Root())
	require.ErrorIs(t, err, context.Canceled)
}
