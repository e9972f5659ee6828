// Package sortkey encodes types.Value scalars into lexicographically
// order-preserving byte strings, shared by the index kinds whose key
// schema embeds "sortable(value)" (spec.md §4.3: range/order, and TTL
// through Encode64). The geo index encodes its Morton keys itself.
package sortkey

import (
	"encoding/binary"
	"math"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/types"
)

// Encode renders v as an order-preserving byte string. Supported kinds:
// i64, f64, string, bool; null encodes to an empty byte string without
// error. Anything else fails with SchemaViolation,
// since there is no universal total order across families (a vector or
// object has no meaningful "sortable" projection).
func Encode(v types.Value) ([]byte, error) {
	switch v.Kind {
	case types.KindI64:
		i, _ := v.GetAsI64()
		return encodeInt64(i), nil
	case types.KindF64:
		f, _ := v.GetAsF64()
		return encodeFloat64(f), nil
	case types.KindString:
		s, _ := v.GetAsString()
		return []byte(s), nil
	case types.KindBool:
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case types.KindNull:
		return nil, nil
	default:
		return nil, errs.New("sortkey.Encode", errs.SchemaViolation, "", nil)
	}
}

// encodeInt64 flips the sign bit so two's-complement ordering becomes
// unsigned big-endian ordering.
func encodeInt64(i int64) []byte {
	u := uint64(i) ^ (1 << 63)
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, u)
	return out
}

// Encode64 is encodeInt64 exported for callers (ttl) that build a
// sort key straight from an int64 without routing through a types.Value.
func Encode64(i int64) []byte { return encodeInt64(i) }

// Decode64 reverses Encode64.
func Decode64(b []byte) int64 {
	u := binary.BigEndian.Uint64(b)
	return int64(u ^ (1 << 63))
}

// encodeFloat64 maps IEEE-754 bit patterns onto an order preserving
// unsigned encoding: flip the sign bit for non-negatives, flip every bit
// for negatives (this is the standard float-to-sortable-uint trick).
func encodeFloat64(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, bits)
	return out
}
