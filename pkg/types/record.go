package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/themisdb/themis/pkg/errs"
)

// PK is the canonical primary key, spec.md §3: "collection:key".
type PK struct {
	Collection string
	Key        string
}

func (pk PK) String() string { return pk.Collection + ":" + pk.Key }

// ParsePK splits a "collection:key" string back into its parts. The first
// colon is the separator; keys may themselves contain colons.
func ParsePK(s string) (PK, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return PK{Collection: s[:i], Key: s[i+1:]}, true
		}
	}
	return PK{}, false
}

// Record is the canonical row/document/vertex: one versioned, hashed,
// semi-structured payload addressed by PK (spec.md §3).
type Record struct {
	PK      PK
	Value   Value // always KindObject
	Version uint64
	Hash    [32]byte
}

// ComputeHash derives the content hash of a record's value at its current
// version. Two records with identical (pk, value) bytes always hash the
// same; the hash has no security purpose, only change detection.
func ComputeHash(pk PK, canonical []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(pk.String()))
	h.Write(canonical)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{%s v%d}", r.PK, r.Version)
}

// EncodeRecordValue serializes a record's version, hash, and value into
// the bytes the entity layer stores under its pk. Layout: 8-byte
// big-endian version, 32-byte hash, then the value's canonical JSON.
func EncodeRecordValue(version uint64, hash [32]byte, value Value) ([]byte, error) {
	canonical, err := MarshalCanonical(value)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+32+len(canonical))
	binary.BigEndian.PutUint64(out[0:8], version)
	copy(out[8:40], hash[:])
	copy(out[40:], canonical)
	return out, nil
}

// DecodeRecordValue reverses EncodeRecordValue.
func DecodeRecordValue(stored []byte) (version uint64, hash [32]byte, value Value, err error) {
	if len(stored) < 40 {
		return 0, hash, Value{}, errs.New("types.DecodeRecordValue", errs.Internal, "", fmt.Errorf("stored record too short: %d bytes", len(stored)))
	}
	version = binary.BigEndian.Uint64(stored[0:8])
	copy(hash[:], stored[8:40])
	value, err = UnmarshalCanonical(stored[40:])
	if err != nil {
		return 0, hash, Value{}, err
	}
	return version, hash, value, nil
}
