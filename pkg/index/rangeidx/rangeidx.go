// Package rangeidx implements Themis's range/order index kind (spec.md
// §4.3): key schema ridx:T:C:sortable(value):pk, supporting equality,
// bounded range scans, and full ordered scans for SORT. Values are
// encoded with pkg/index/sortkey so the byte order of the key equals
// the value order.
package rangeidx

import (
	"bytes"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/index/sortkey"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func CF(name string) string { return "ridx:" + name }

// Index maintains an order-preserving single-field index.
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

func (ix *Index) prefix() []byte {
	return []byte(ix.name + ":" + ix.collection + ":")
}

func (ix *Index) key(encoded []byte, pk string) []byte {
	out := append([]byte{}, ix.prefix()...)
	out = append(out, encoded...)
	out = append(out, ':')
	out = append(out, []byte(pk)...)
	return out
}

func (ix *Index) projection(rec *types.Record) ([]byte, bool) {
	if rec == nil || rec.PK.Collection != ix.collection {
		return nil, false
	}
	v := rec.Value.Field(ix.field)
	if v.IsNull() {
		return nil, false
	}
	enc, err := sortkey.Encode(v)
	if err != nil {
		return nil, false
	}
	return enc, true
}

func (ix *Index) OnPut(txn *storage.Txn, before, after *types.Record) error {
	if beforeEnc, ok := ix.projection(before); ok {
		if err := txn.Delete(ix.cf, string(ix.key(beforeEnc, before.PK.String()))); err != nil && !errs.Is(err, errs.NotFound) {
			return err
		}
	}
	if afterEnc, ok := ix.projection(after); ok {
		if err := txn.Put(ix.cf, string(ix.key(afterEnc, after.PK.String())), nil); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) OnDelete(txn *storage.Txn, before *types.Record) error {
	enc, ok := ix.projection(before)
	if !ok {
		return nil
	}
	if err := txn.Delete(ix.cf, string(ix.key(enc, before.PK.String()))); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	return nil
}

// Entry is one ordered result: the matching primary key and the raw
// sort-key bytes it was found under, so SORT can stream without
// re-deriving the order.
type Entry struct {
	PK      types.PK
	SortKey []byte
}

// ScanRange returns entries with encoded value in [lo, hi] (either bound
// nil means unbounded on that side), in ascending or descending key
// order depending on dir.
func (ix *Index) ScanRange(txn *storage.Txn, lo, hi *types.Value, dir storage.Direction) ([]Entry, error) {
	var loEnc, hiEnc []byte
	if lo != nil {
		enc, err := sortkey.Encode(*lo)
		if err != nil {
			return nil, err
		}
		loEnc = enc
	}
	if hi != nil {
		enc, err := sortkey.Encode(*hi)
		if err != nil {
			return nil, err
		}
		hiEnc = enc
	}

	next := txn.PrefixIterator(ix.cf, ix.prefix(), dir)
	prefixLen := len(ix.prefix())

	var entries []Entry
	for {
		k, _, ok := next()
		if !ok {
			break
		}
		rest := k[prefixLen:]
		// The pk ("collection:key") contains ':' itself, so split just
		// before its collection prefix.
		sep := bytes.LastIndex(rest, []byte(":"+ix.collection+":"))
		if sep < 0 {
			continue
		}
		sortKey, pkStr := rest[:sep], string(rest[sep+1:])

		if loEnc != nil && bytes.Compare(sortKey, loEnc) < 0 {
			if dir == storage.Forward {
				continue
			}
			break
		}
		if hiEnc != nil && bytes.Compare(sortKey, hiEnc) > 0 {
			if dir == storage.Forward {
				break
			}
			continue
		}

		pk, valid := types.ParsePK(pkStr)
		if !valid {
			continue
		}
		entries = append(entries, Entry{PK: pk, SortKey: append([]byte{}, sortKey...)})
	}
	return entries, nil
}

// ScanAll returns every entry in ascending key order, for a plain SORT
// with no filtering predicate.
func (ix *Index) ScanAll(txn *storage.Txn) ([]Entry, error) {
	return ix.ScanRange(txn, nil, nil, storage.Forward)
}

// CountUpTo returns the number of entries in [lo, hi], stopping once it
// has counted limit of them. The returned bool is true when the count
// is exact and false when it was capped — the optimizer's range
// selectivity probe, spec.md §4.6 ("probing both endpoints").
func (ix *Index) CountUpTo(txn *storage.Txn, lo, hi *types.Value, limit int) (int, bool) {
	var loEnc, hiEnc []byte
	if lo != nil {
		enc, err := sortkey.Encode(*lo)
		if err != nil {
			return 0, true
		}
		loEnc = enc
	}
	if hi != nil {
		enc, err := sortkey.Encode(*hi)
		if err != nil {
			return 0, true
		}
		hiEnc = enc
	}

	next := txn.PrefixIterator(ix.cf, ix.prefix(), storage.Forward)
	prefixLen := len(ix.prefix())
	n := 0
	for n < limit {
		k, _, ok := next()
		if !ok {
			return n, true
		}
		rest := k[prefixLen:]
		sep := bytes.LastIndex(rest, []byte(":"+ix.collection+":"))
		if sep < 0 {
			continue
		}
		sortKey := rest[:sep]
		if loEnc != nil && bytes.Compare(sortKey, loEnc) < 0 {
			continue
		}
		if hiEnc != nil && bytes.Compare(sortKey, hiEnc) > 0 {
			// Ascending iteration: once the key exceeds hi, every
			// remaining key does too, so the count is exact.
			return n, true
		}
		n++
	}
	return n, false
}
