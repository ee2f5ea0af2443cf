package expr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ariyn/ivm/internal/ivm/types"
)

var orderCols = types.Qualified("o", "id", "region", "amt", "note")

func evalOn(t *testing.T, sql string, row []any) any {
	t.Helper()
	e, err := Compile(sql, orderCols)
	require.NoError(t, err)
	v, err := e.Eval(row, nil)
	require.NoError(t, err)
	return v
}

func TestExprEval(t *testing.T) {
	row := []any{int64(1), "E", int64(10), nil}
	tests := []struct {
		sql  string
		want any
	}{
		{"amt + 5", int64(15)},
		{"amt / 4", int64(2)},
		{"amt / 4.0", 2.5},
		{"o.amt * 2 - id", int64(19)},
		{"region = 'E'", true},
		{"region <> 'E'", false},
		{"note = 'x'", nil},
		{"note is null", true},
		{"amt between 5 and 10", true},
		{"amt not between 11 and 20", true},
		{"region in ('W', 'E')", true},
		{"region in ('W', null)", nil},
		{"region not in ('W')", true},
		{"region like 'E%'", true},
		{"region like '_x'", false},
		{"case when amt > 5 then 'big' else 'small' end", "big"},
		{"case region when 'W' then 1 when 'E' then 2 end", int64(2)},
		{"coalesce(note, region)", "E"},
		{"nullif(amt, 10)", nil},
		{"greatest(amt, 3, 40)", int64(40)},
		{"upper(concat(region, '-', id))", "E-1"},
		{"cast(amt as char)", "10"},
		{"false and note = 'x'", false},
		{"true or note = 'x'", true},
		{"true and note = 'x'", nil},
		{"not (amt > 100)", true},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			require.Equal(t, tt.want, evalOn(t, tt.sql, row))
		})
	}
}

func TestExprFilterRejectsNull(t *testing.T) {
	e, err := Compile("note = 'x'", orderCols)
	require.NoError(t, err)
	ok, err := e.Test([]any{int64(1), "E", int64(10), nil}, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExprVolatileDetection(t *testing.T) {
	e, err := Compile("amt * random()", orderCols)
	require.NoError(t, err)
	require.True(t, e.Volatile())
	require.Equal(t, []string{"random"}, e.VolatileFunctions())

	e, err = Compile("abs(amt)", orderCols)
	require.NoError(t, err)
	require.False(t, e.Volatile())
}

func TestExprUnknownFunctionIsUnsupported(t *testing.T) {
	_, err := Compile("mystery(amt)", orderCols)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestExprDivisionByZero(t *testing.T) {
	e, err := Compile("amt / 0", orderCols)
	require.NoError(t, err)
	_, err = e.Eval([]any{int64(1), "E", int64(10), nil}, nil)
	require.Error(t, err)
}

func TestExprOuterReference(t *testing.T) {
	inner := types.Qualified("l", "order_id", "qty")
	outer := types.Qualified("o", "id", "region")
	e, err := CompileWithOuter("l.order_id = o.id", inner, outer)
	require.NoError(t, err)
	require.True(t, e.Correlated())
	require.Equal(t, []int{0}, e.OuterColumns())

	ok, err := e.Test([]any{int64(3), int64(1)}, []any{int64(3), "E"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExprColumnRef(t *testing.T) {
	e, err := Compile("(region)", orderCols)
	require.NoError(t, err)
	idx, ok := e.ColumnRef()
	require.True(t, ok)
	require.Equal(t, 1, idx)

	e, err = Compile("region || 'x'", orderCols)
	require.NoError(t, err)
	_, ok = e.ColumnRef()
	require.False(t, ok)
}

func TestCompileJoinSplitsEquiKeys(t *testing.T) {
	left := types.Qualified("a", "id", "k")
	right := types.Qualified("b", "k", "v")
	jc, err := CompileJoin("a.k = b.k and b.v > 3", left, right, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1}, jc.LeftKeys)
	require.Equal(t, []int{0}, jc.RightKeys)
	require.NotNil(t, jc.Residual)

	ok, err := jc.Matches([]any{int64(1), int64(2)}, []any{int64(2), int64(4)}, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = jc.Matches([]any{int64(1), nil}, []any{nil, int64(4)}, nil)
	require.NoError(t, err)
	require.False(t, ok, "NULL keys never match")
}

func TestCompileJoinReversedOperands(t *testing.T) {
	left := types.Qualified("a", "id", "k")
	right := types.Qualified("b", "k2")
	jc, err := CompileJoin("b.k2 = a.k", left, right, nil)
	require.NoError(t, err)
	require.Equal(t, []int{1}, jc.LeftKeys)
	require.Equal(t, []int{0}, jc.RightKeys)
	require.Nil(t, jc.Residual)
}
