// Package ttl implements Themis's TTL index kind (spec.md §4.3): key
// schema ttlidx:T:C:expiry_epoch_ms:pk, supporting a range scan over
// [-inf, now] to find expired records. Expiry is computed once per put
// as field + ttl_seconds and stored as an absolute epoch-millisecond
// sort key, reusing pkg/index/sortkey's order-preserving int64 codec.
package ttl

import (
	"time"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/index/sortkey"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func CF(name string) string { return "ttlidx:" + name }

// Index maintains an expiry index: field names the record's base
// timestamp (epoch seconds) and ttlSeconds is added to it to produce
// the expiry instant.
type Index struct {
	name       string
	collection string
	field      string
	ttlSeconds int64
	cf         string
}

func New(name, collection, field string, ttlSeconds int64) *Index {
	return &Index{name: name, collection: collection, field: field, ttlSeconds: ttlSeconds, cf: CF(name)}
}

func (ix *Index) Name() string         { return ix.name }
func (ix *Index) ColumnFamily() string { return ix.cf }

func (ix *Index) prefix() []byte { return []byte(ix.name + ":" + ix.collection + ":") }

func (ix *Index) expiryMillis(rec *types.Record) (int64, bool) {
	if rec == nil || rec.PK.Collection != ix.collection {
		return 0, false
	}
	v := rec.Value.Field(ix.field)
	base, err := v.GetAsI64()
	if err != nil {
		return 0, false
	}
	return (base + ix.ttlSeconds) * 1000, true
}

func (ix *Index) key(expiryMillis int64, pk string) []byte {
	enc := sortkey.Encode64(expiryMillis)
	out := append([]byte{}, ix.prefix()...)
	out = append(out, enc...)
	out = append(out, ':')
	out = append(out, []byte(pk)...)
	return out
}

func (ix *Index) OnPut(txn *storage.Txn, before, after *types.Record) error {
	if beforeExpiry, ok := ix.expiryMillis(before); ok {
		if err := txn.Delete(ix.cf, string(ix.key(beforeExpiry, before.PK.String()))); err != nil && !errs.Is(err, errs.NotFound) {
			return err
		}
	}
	if afterExpiry, ok := ix.expiryMillis(after); ok {
		if err := txn.Put(ix.cf, string(ix.key(afterExpiry, after.PK.String())), nil); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) OnDelete(txn *storage.Txn, before *types.Record) error {
	expiry, ok := ix.expiryMillis(before)
	if !ok {
		return nil
	}
	if err := txn.Delete(ix.cf, string(ix.key(expiry, before.PK.String()))); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	return nil
}

// SweepExpired returns every primary key whose expiry is at or before
// now, for the TTL sweep worker to delete.
func (ix *Index) SweepExpired(txn *storage.Txn, now time.Time) ([]types.PK, error) {
	nowMillis := now.UnixMilli()
	next := txn.PrefixIterator(ix.cf, ix.prefix(), storage.Forward)
	prefixLen := len(ix.prefix())

	var pks []types.PK
	for {
		k, _, ok := next()
		if !ok {
			break
		}
		rest := k[prefixLen:]
		if len(rest) < 9 { // 8-byte sort key + ':'
			continue
		}
		expiryBytes, pkStr := rest[:8], string(rest[9:])
		expiry := sortkey.Decode64(expiryBytes)
		if expiry > nowMillis {
			break
		}
		pk, valid := types.ParsePK(pkStr)
		if !valid {
			continue
		}
		pks = append(pks, pk)
	}
	return pks, nil
}
