package rowid

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ariyn/ivm/internal/ivm/types"
)

func TestHashIsReproducible(t *testing.T) {
	a := Hash(int64(1), "E", 10.5)
	b := Hash(int64(1), "E", 10.5)
	require.Equal(t, a, b)
}

func TestHashSeparatesValues(t *testing.T) {
	require.NotEqual(t, Hash("ab", "c"), Hash("a", "bc"))
	require.NotEqual(t, Hash("a"), Hash("a", ""))
}

func TestHashNullIsDistinguished(t *testing.T) {
	require.NotEqual(t, Hash(nil), Hash(""))
	require.NotEqual(t, Hash(nil, "x"), Hash("x"))
	require.Equal(t, Hash(nil, nil), Hash(nil, nil))
	require.NotEqual(t, Hash(nil, nil), Hash(nil))
}

func TestHashAtUsesOnlyKeyColumns(t *testing.T) {
	before := []any{int64(7), "old name", int64(3)}
	after := []any{int64(7), "new name", int64(4)}
	require.Equal(t, HashAt(before, []int{0}), HashAt(after, []int{0}))
	require.NotEqual(t, HashAt(before, nil), HashAt(after, nil))
}

func TestCombineIsOrderSensitive(t *testing.T) {
	a, b := types.Identity(1), types.Identity(2)
	require.NotEqual(t, Combine(a, b), Combine(b, a))
	require.Equal(t, Combine(a, b), Combine(a, b))
	require.NotEqual(t, Salt(a, 0), Salt(a, 1))
}
