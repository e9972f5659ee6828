// Package entity implements Themis's canonical record model on top of
// pkg/storage: the collection:key namespace, version and content-hash
// bookkeeping, and fan-out to every registered index maintainer on put
// and delete (spec.md §4.2). Grounded on the teacher's CreateNode/
// UpdateNode/DeleteNode shape in pkg/manager/manager.go, generalized
// from one struct per entity kind to one tagged Value payload per
// collection.
package entity

import (
	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

// RecordsCF is the column family every record is stored under, keyed by
// its "collection:key" primary key.
const RecordsCF = "records"

// Maintainer is implemented by each index kind. The entity layer calls
// OnPut/OnDelete inside the owning transaction; an error here fails the
// whole transaction (spec.md §4.3: "any maintenance error during a
// transaction fails the whole transaction").
type Maintainer interface {
	// Name identifies the index for error messages and rebuild().
	Name() string
	// OnPut is invoked after a record's version/hash are updated, with
	// before nil on first insert.
	OnPut(txn *storage.Txn, before, after *types.Record) error
	// OnDelete is invoked with the record as it existed just before
	// deletion.
	OnDelete(txn *storage.Txn, before *types.Record) error
}

// Layer is the entity layer's handle: a storage engine plus the set of
// index maintainers that must be kept consistent with every mutation.
type Layer struct {
	engine      *storage.Engine
	maintainers []Maintainer
}

// New wraps engine. Maintainers are registered separately via Register
// so pkg/index packages can depend on entity without entity depending
// on them.
func New(engine *storage.Engine) *Layer {
	return &Layer{engine: engine}
}

// Register adds m to the set of maintainers invoked on every put/delete.
// Call during startup, before any transaction touches affected
// collections.
func (l *Layer) Register(m Maintainer) {
	l.maintainers = append(l.maintainers, m)
}

// Get reads the current record at collection:key under txn's snapshot.
func Get(txn *storage.Txn, collection, key string) (*types.Record, error) {
	pk := types.PK{Collection: collection, Key: key}
	stored, err := txn.Get(RecordsCF, pk.String())
	if err != nil {
		return nil, err
	}
	version, hash, value, err := types.DecodeRecordValue(stored)
	if err != nil {
		return nil, err
	}
	return &types.Record{PK: pk, Value: value, Version: version, Hash: hash}, nil
}

// Put writes value at collection:key inside txn, incrementing the
// record's version and recomputing its content hash, then fans the
// {before, after} pair out to every registered maintainer so every
// index reflects exactly this version's fields (spec.md §3's
// no-torn-updates invariant).
func (l *Layer) Put(txn *storage.Txn, collection, key string, value types.Value) (*types.Record, error) {
	pk := types.PK{Collection: collection, Key: key}

	before, err := Get(txn, collection, key)
	if err != nil && !errs.Is(err, errs.NotFound) {
		return nil, err
	}

	nextVersion := uint64(1)
	if before != nil {
		nextVersion = before.Version + 1
	}

	canonical, err := types.MarshalCanonical(value)
	if err != nil {
		return nil, err
	}
	hash := types.ComputeHash(pk, canonical)

	encoded, err := types.EncodeRecordValue(nextVersion, hash, value)
	if err != nil {
		return nil, err
	}
	if err := txn.Put(RecordsCF, pk.String(), encoded); err != nil {
		return nil, err
	}

	after := &types.Record{PK: pk, Value: value, Version: nextVersion, Hash: hash}

	for _, m := range l.maintainers {
		if err := m.OnPut(txn, before, after); err != nil {
			return nil, errs.New("entity.Put", errs.Internal, pk.String(), err)
		}
	}

	log.WithCollection(collection).Debug().Str("key", key).Uint64("version", nextVersion).Msg("record put")
	return after, nil
}

// Delete removes collection:key inside txn and instructs every
// maintainer to retract the entries it derived from the record's last
// version. Deleting a record that does not exist is a no-op success,
// matching spec.md §4.2's delete contract.
func (l *Layer) Delete(txn *storage.Txn, collection, key string) error {
	before, err := Get(txn, collection, key)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil
		}
		return err
	}

	if err := txn.Delete(RecordsCF, before.PK.String()); err != nil {
		return err
	}

	for _, m := range l.maintainers {
		if err := m.OnDelete(txn, before); err != nil {
			return errs.New("entity.Delete", errs.Internal, before.PK.String(), err)
		}
	}

	log.WithCollection(collection).Debug().Str("key", key).Msg("record deleted")
	return nil
}

// ScanCollection iterates every live record in collection, in
// primary-key order, starting at start (exclusive) or from the
// beginning when start is empty.
func ScanCollection(txn *storage.Txn, collection, start string) func() (*types.Record, bool) {
	prefix := []byte(collection + ":")
	next := txn.PrefixIterator(RecordsCF, prefix, storage.Forward)

	skipping := start != ""
	startKey := types.PK{Collection: collection, Key: start}.String()

	return func() (*types.Record, bool) {
		for {
			k, v, ok := next()
			if !ok {
				return nil, false
			}
			if skipping {
				if string(k) <= startKey {
					continue
				}
				skipping = false
			}
			pk, valid := types.ParsePK(string(k))
			if !valid {
				continue
			}
			version, hash, value, err := types.DecodeRecordValue(v)
			if err != nil {
				continue
			}
			return &types.Record{PK: pk, Value: value, Version: version, Hash: hash}, true
		}
	}
}
