// Package equality implements Themis's equality index kind (spec.md
// §4.3): key schema idx:T:C:value:pk, single or composite fields.
// Grounded on pkg/entity's Maintainer contract; the scan side is a
// straight prefix walk over pkg/storage, the same shape every other
// index kind in this tree uses.
package equality

import (
	"encoding/json"
	"strings"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

// CF is the column family an Index's entries live under. One Index
// instance owns one CF; callers creating multiple equality indexes
// give each its own name/CF.
func CF(name string) string { return "idx:" + name }

// Index maintains an equality index over one or more fields of records
// in a single collection.
type Index struct {
	name       string
	collection string
	fields     []string // composite field paths, in order
	cf         string
}

// New declares an equality index named name over collection, indexing
// fields (dotted paths) as a composite key in the given order. The
// caller must call EnsureColumnFamily on the owning engine before first
// use and Register the index on the entity layer.
func New(name, collection string, fields []string) *Index {
	return &Index{name: name, collection: collection, fields: fields, cf: CF(name)}
}

func (ix *Index) Name() string { return ix.name }

// ColumnFamily returns the CF this index's entries are stored under.
func (ix *Index) ColumnFamily() string { return ix.cf }

// projection renders the indexed fields of rec as the composite value
// component of the key, or ok=false if rec belongs to a different
// collection or any indexed field is absent (equality indexes do not
// index missing fields — that's what sparse is for).
func (ix *Index) projection(rec *types.Record) (string, bool) {
	if rec == nil || rec.PK.Collection != ix.collection {
		return "", false
	}
	parts := make([]string, len(ix.fields))
	for i, f := range ix.fields {
		v := rec.Value.Field(f)
		if v.IsNull() {
			return "", false
		}
		parts[i] = scalarString(v)
	}
	return strings.Join(parts, "\x00"), true
}

func scalarString(v types.Value) string {
	switch v.Kind {
	case types.KindString:
		s, _ := v.GetAsString()
		return s
	default:
		b, _ := json.Marshal(scalarWire(v))
		return string(b)
	}
}

func scalarWire(v types.Value) any {
	switch v.Kind {
	case types.KindI64:
		i, _ := v.GetAsI64()
		return i
	case types.KindF64:
		f, _ := v.GetAsF64()
		return f
	case types.KindBool:
		return v.Bool
	default:
		return nil
	}
}

func (ix *Index) key(value, pk string) string {
	return ix.name + ":" + ix.collection + ":" + value + ":" + pk
}

// OnPut removes any stale entry for before and adds the entry for after,
// inside txn.
func (ix *Index) OnPut(txn *storage.Txn, before, after *types.Record) error {
	if beforeValue, ok := ix.projection(before); ok {
		if err := txn.Delete(ix.cf, ix.key(beforeValue, before.PK.String())); err != nil && !errs.Is(err, errs.NotFound) {
			return err
		}
	}
	if afterValue, ok := ix.projection(after); ok {
		if err := txn.Put(ix.cf, ix.key(afterValue, after.PK.String()), nil); err != nil {
			return err
		}
	}
	return nil
}

// OnDelete removes before's entry.
func (ix *Index) OnDelete(txn *storage.Txn, before *types.Record) error {
	value, ok := ix.projection(before)
	if !ok {
		return nil
	}
	if err := txn.Delete(ix.cf, ix.key(value, before.PK.String())); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	return nil
}

// CountUpTo returns the number of entries matching fields, stopping
// once it has counted cap of them. The returned bool is true when the
// count is exact (fewer than cap entries matched) and false when it
// was capped (the real count may be larger) — the optimizer's
// selectivity probe, spec.md §4.6 ("read up to N keys").
func (ix *Index) CountUpTo(txn *storage.Txn, fields []types.Value, limit int) (int, bool) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = scalarString(f)
	}
	value := strings.Join(parts, "\x00")
	prefix := []byte(ix.name + ":" + ix.collection + ":" + value + ":")

	next := txn.PrefixIterator(ix.cf, prefix, storage.Forward)
	n := 0
	for n < limit {
		if _, _, ok := next(); !ok {
			return n, true
		}
		n++
	}
	return n, false
}

// Scan returns every primary key whose composite indexed value equals
// the given field values, in pk order.
func (ix *Index) Scan(txn *storage.Txn, fields []types.Value) ([]types.PK, error) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = scalarString(f)
	}
	value := strings.Join(parts, "\x00")
	prefix := []byte(ix.name + ":" + ix.collection + ":" + value + ":")

	next := txn.PrefixIterator(ix.cf, prefix, storage.Forward)
	var pks []types.PK
	for {
		k, _, ok := next()
		if !ok {
			break
		}
		pkStr := string(k[len(prefix):])
		pk, valid := types.ParsePK(pkStr)
		if !valid {
			continue
		}
		pks = append(pks, pk)
	}
	return pks, nil
}
