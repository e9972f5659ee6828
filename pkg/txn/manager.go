// Package txn is Themis's transaction manager (spec.md §4.3): it opens a
// transaction against the storage engine, issues a snapshot, and commits
// or rolls back atomically across the entity layer and every index that
// participated. Grounded on the teacher's pkg/manager lifecycle
// (NewManager/Start/Stop) minus the Raft consensus layer, since a
// single-node engine needs the same "one place owns the commit path"
// shape without a replicated log underneath it.
package txn

import (
	"context"
	"sync"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

// Manager owns the storage engine and entity layer, and is the sole
// entry point every higher layer (query engine, AQL executor, index
// rebuild) goes through to read or mutate data.
type Manager struct {
	engine *storage.Engine
	entity *entity.Layer

	mu     sync.Mutex
	active map[string]*Transaction
}

// New wires a transaction manager around an already-open storage engine
// and entity layer. Index packages register their maintainers on the
// entity layer before the first transaction begins.
func New(engine *storage.Engine, entityLayer *entity.Layer) *Manager {
	return &Manager{
		engine: engine,
		entity: entityLayer,
		active: make(map[string]*Transaction),
	}
}

// Transaction is a handle a caller threads through a unit of work: every
// entity Get/Put/Delete inside it observes the same snapshot until
// Commit or Abort.
type Transaction struct {
	storageTxn *storage.Txn
	entity     *entity.Layer
	manager    *Manager

	mu     sync.Mutex
	reads  map[string]struct{}
	writes map[string]struct{}
}

// Begin opens a new transaction. ctx is checked once up front: a
// cancelled context never gets as far as acquiring a storage snapshot.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("txn.Begin", errs.Cancelled, "", err)
	}

	storageTxn, err := m.engine.BeginTransaction(storage.TxnOptions{})
	if err != nil {
		return nil, err
	}

	t := &Transaction{
		storageTxn: storageTxn,
		entity:     m.entity,
		manager:    m,
		reads:      make(map[string]struct{}),
		writes:     make(map[string]struct{}),
	}

	m.mu.Lock()
	m.active[storageTxn.ID()] = t
	m.mu.Unlock()

	return t, nil
}

// ID returns the underlying storage transaction's identifier.
func (t *Transaction) ID() string { return t.storageTxn.ID() }

// Snapshot returns the read-view this transaction observes.
func (t *Transaction) Snapshot() types.Snapshot { return t.storageTxn.Snapshot() }

// Storage exposes the underlying storage.Txn for index maintainers and
// the query engine's scan operators, which read/write column families
// entity doesn't know about.
func (t *Transaction) Storage() *storage.Txn { return t.storageTxn }

// Get reads a record by collection:key under this transaction's
// snapshot, recording the read for the caller's own conflict analysis
// (Themis itself relies on storage's per-key locks for conflict
// detection; the read set is exposed for callers building
// read-repeatable query plans on top).
func (t *Transaction) Get(collection, key string) (*types.Record, error) {
	t.trackRead(collection, key)
	return entity.Get(t.storageTxn, collection, key)
}

// Put writes value at collection:key, fanning out to every registered
// index maintainer, and returns the new record.
func (t *Transaction) Put(collection, key string, value types.Value) (*types.Record, error) {
	t.trackWrite(collection, key)
	return t.entity.Put(t.storageTxn, collection, key, value)
}

// Delete removes collection:key and retracts it from every index.
func (t *Transaction) Delete(collection, key string) error {
	t.trackWrite(collection, key)
	return t.entity.Delete(t.storageTxn, collection, key)
}

// ScanCollection iterates collection in primary-key order from start.
func (t *Transaction) ScanCollection(collection, start string) func() (*types.Record, bool) {
	return entity.ScanCollection(t.storageTxn, collection, start)
}

func (t *Transaction) trackRead(collection, key string) {
	t.mu.Lock()
	t.reads[collection+":"+key] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) trackWrite(collection, key string) {
	t.mu.Lock()
	t.writes[collection+":"+key] = struct{}{}
	t.mu.Unlock()
}

// Commit applies every staged write atomically (storage.Txn.Commit is
// itself all-or-nothing across every column family touched, which is
// what makes entity mutations and their index fan-out commit together).
func (t *Transaction) Commit() error {
	defer t.forget()
	if err := t.storageTxn.Commit(); err != nil {
		return err
	}
	log.WithTxnID(t.ID()).Debug().
		Int("reads", len(t.reads)).
		Int("writes", len(t.writes)).
		Msg("transaction committed")
	return nil
}

// Abort discards every staged write and releases the transaction's
// locks and snapshot.
func (t *Transaction) Abort() {
	defer t.forget()
	t.storageTxn.Abort()
}

func (t *Transaction) forget() {
	t.manager.mu.Lock()
	delete(t.manager.active, t.ID())
	t.manager.mu.Unlock()
}
