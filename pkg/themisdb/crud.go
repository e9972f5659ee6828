package themisdb

import (
	"context"
	"fmt"

	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/txn"
	"github.com/themisdb/themis/pkg/types"
)

// commit commits t and, if an audit hook is configured, signs a record
// of the commit after the fact. A hook failure is logged but never
// turns a successful commit into an error — the write already landed;
// losing its audit trail is a degraded, not a failed, operation.
func (db *DB) commit(ctx context.Context, t *txn.Transaction) error {
	if err := t.Commit(); err != nil {
		return err
	}
	if db.audit == nil {
		return nil
	}
	payload := []byte(fmt.Sprintf(`{"txn_id":%q}`, t.ID()))
	if _, err := db.audit(ctx, t.ID(), payload); err != nil {
		log.WithTxnID(t.ID()).Error().Err(err).Msg("audit hook failed after commit")
	}
	return nil
}

// Put writes value at collection:key in its own transaction, fanning
// out to every registered index maintainer, and returns the stored
// record. Equivalent to Begin/Put/Commit for the common single-write
// case (spec.md §6's entity CRUD surface).
func (db *DB) Put(ctx context.Context, collection, key string, value types.Value) (*types.Record, error) {
	txn, err := db.txns.Begin(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := txn.Put(collection, key, value)
	if err != nil {
		txn.Abort()
		return nil, err
	}
	if err := db.commit(ctx, txn); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get reads collection:key under a fresh read-only snapshot.
func (db *DB) Get(ctx context.Context, collection, key string) (*types.Record, error) {
	txn, err := db.txns.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()
	return txn.Get(collection, key)
}

// Delete removes collection:key and retracts it from every index in
// its own transaction.
func (db *DB) Delete(ctx context.Context, collection, key string) error {
	txn, err := db.txns.Begin(ctx)
	if err != nil {
		return err
	}
	if err := txn.Delete(collection, key); err != nil {
		txn.Abort()
		return err
	}
	return db.commit(ctx, txn)
}
