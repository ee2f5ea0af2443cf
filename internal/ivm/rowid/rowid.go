// Package rowid assigns stable identities to rows.
//
// An identity is an xxhash64 over the text rendering of the identifying
// values. It depends only on those values, so the same logical row gets the
// same identity in every refresh cycle and after a restart.
package rowid

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/ariyn/ivm/internal/ivm/types"
)

const (
	// Seed is the xxhash64 seed used for every identity.
	Seed uint64 = 0x517cc1b727220a95

	// Separator is written between values so ("ab","c") and ("a","bc") differ.
	Separator = "\x1e"

	// NullMarker stands in for NULL.
	NullMarker = "\x00NULL\x00"
)

// Hash returns the identity of the given values.
func Hash(values ...any) types.Identity {
	d := xxhash.NewWithSeed(Seed)
	for i, v := range values {
		if i > 0 {
			_, _ = d.WriteString(Separator)
		}
		if v == nil {
			_, _ = d.WriteString(NullMarker)
			continue
		}
		_, _ = d.WriteString(types.FormatValue(v))
	}
	return types.Identity(d.Sum64())
}

// HashAt hashes the values at positions idx. An empty idx hashes all values.
func HashAt(values []any, idx []int) types.Identity {
	if len(idx) == 0 {
		return Hash(values...)
	}
	return Hash(types.Pick(values, idx)...)
}

// Combine derives one identity from several, order-sensitively.
func Combine(ids ...types.Identity) types.Identity {
	d := xxhash.NewWithSeed(Seed)
	var buf [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		_, _ = d.Write(buf[:])
	}
	return types.Identity(d.Sum64())
}

// Salt mixes a small integer (a union branch, an ordinal) into an identity.
func Salt(id types.Identity, n int) types.Identity {
	return Combine(id, types.Identity(uint64(n)))
}

// Null is the identity used for the missing side of an outer join.
var Null = Hash(nil)
