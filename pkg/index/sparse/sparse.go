// Package sparse implements Themis's sparse index kind (spec.md §4.3):
// key schema sidx:T:C:value:pk, equality scan only, built the same way
// as pkg/index/equality but naming its own column family and entries so
// a sparse index's much smaller footprint (only records with the field
// present ever get an entry) is never confused with a full equality
// index's key space at rebuild time.
package sparse

import (
	"encoding/json"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func CF(name string) string { return "sidx:" + name }

// Index maintains a sparse single-field index: records missing the
// field contribute no entry at all.
type Index struct {
	name       string
	collection string
	field      string
	cf         string
}

func New(name, collection, field string) *Index {
	return &Index{name: name, collection: collection, field: field, cf: CF(name)}
}

func (ix *Index) Name() string         { return ix.name }
func (ix *Index) ColumnFamily() string { return ix.cf }

func (ix *Index) projection(rec *types.Record) (string, bool) {
	if rec == nil || rec.PK.Collection != ix.collection {
		return "", false
	}
	v := rec.Value.Field(ix.field)
	if v.IsNull() {
		return "", false
	}
	return scalarString(v), true
}

func scalarString(v types.Value) string {
	switch v.Kind {
	case types.KindString:
		s, _ := v.GetAsString()
		return s
	case types.KindI64:
		i, _ := v.GetAsI64()
		b, _ := json.Marshal(i)
		return string(b)
	case types.KindF64:
		f, _ := v.GetAsF64()
		b, _ := json.Marshal(f)
		return string(b)
	case types.KindBool:
		b, _ := json.Marshal(v.Bool)
		return string(b)
	default:
		return ""
	}
}

func (ix *Index) key(value, pk string) string {
	return ix.name + ":" + ix.collection + ":" + value + ":" + pk
}

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

// CountUpTo returns the number of entries matching value, stopping once
// it has counted limit of them. The returned bool is true when the
// count is exact and false when it was capped — the optimizer's
// selectivity probe, spec.md §4.6 ("read up to N keys").
func (ix *Index) CountUpTo(txn *storage.Txn, value types.Value, limit int) (int, bool) {
	prefix := []byte(ix.name + ":" + ix.collection + ":" + scalarString(value) + ":")
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

// Scan returns every primary key whose field equals value.
func (ix *Index) Scan(txn *storage.Txn, value types.Value) ([]types.PK, error) {
	prefix := []byte(ix.name + ":" + ix.collection + ":" + scalarString(value) + ":")
	next := txn.PrefixIterator(ix.cf, prefix, storage.Forward)

	var pks []types.PK
	for {
		k, _, ok := next()
		if !ok {
			break
		}
		pk, valid := types.ParsePK(string(k[len(prefix):]))
		if !valid {
			continue
		}
		pks = append(pks, pk)
	}
	return pks, nil
}
