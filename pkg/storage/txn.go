package storage

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/metrics"
	"github.com/themisdb/themis/pkg/types"
)

// Direction selects the order a prefixIterator walks keys in.
type Direction int

const (
	Forward Direction = iota
	Backward
)

type writeOp struct {
	del   bool
	value []byte
}

// TxnOptions configures beginTransaction.
type TxnOptions struct {
	// SetSnapshot is the "set_snapshot" flag (spec.md §4.1). It is not
	// read: BeginTransaction takes a read snapshot for every
	// transaction, read-only or not.
	SetSnapshot bool
}

// Txn is a handle returned by beginTransaction. Reads observe the
// snapshot taken at Begin; writes are buffered and validated against the
// lock table as they happen, then applied atomically on Commit.
type Txn struct {
	id       string
	engine   *Engine
	readTx   *bolt.Tx // long-lived read-only bbolt txn backing Get/prefixIterator
	snapshot types.Snapshot

	mu      sync.Mutex
	writes  map[string]map[string]writeOp // cf -> key -> op
	closed  bool
	aborted bool
}

// BeginTransaction opens a new transaction against e. The returned Txn
// must be committed or aborted exactly once; failing to do so leaks its
// read snapshot and any locks it has acquired.
func (e *Engine) BeginTransaction(opts TxnOptions) (*Txn, error) {
	readTx, err := e.db.Begin(false)
	if err != nil {
		return nil, errs.New("storage.BeginTransaction", errs.StorageUnavailable, "", err)
	}
	t := &Txn{
		id:     uuid.NewString(),
		engine: e,
		readTx: readTx,
		snapshot: types.Snapshot{
			ReadSeq:   e.nextSeq(),
			CreatedAt: nowFunc(),
		},
		writes: make(map[string]map[string]writeOp),
	}
	return t, nil
}

// Snapshot returns the read-view this transaction observes.
func (t *Txn) Snapshot() types.Snapshot { return t.snapshot }

// ID returns the transaction's opaque identifier, used by the lock table
// and surfaced in logs (log.WithTxnID).
func (t *Txn) ID() string { return t.id }

// Get reads key from cf under this transaction's snapshot, overlaid with
// this transaction's own uncommitted writes (read-your-writes).
func (t *Txn) Get(cf, key string) ([]byte, error) {
	t.mu.Lock()
	if ops, ok := t.writes[cf]; ok {
		if op, ok := ops[key]; ok {
			t.mu.Unlock()
			if op.del {
				return nil, errs.New("storage.Get", errs.NotFound, key, nil)
			}
			return op.value, nil
		}
	}
	t.mu.Unlock()

	b := t.readTx.Bucket([]byte(cf))
	if b == nil {
		return nil, errs.New("storage.Get", errs.NotFound, key, nil)
	}
	stored := b.Get([]byte(key))
	if stored == nil {
		return nil, errs.New("storage.Get", errs.NotFound, key, nil)
	}
	return decodeValue(stored)
}

// Put stages a write, acquiring the key's write lock — blocking up to
// the engine's configured lock timeout if another transaction holds it
// (see lockTable.acquire).
func (t *Txn) Put(cf, key string, value []byte) error {
	if err := t.engine.locks.acquire(cf, key, t.id, t.engine.opts.lockTimeout()); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writes[cf] == nil {
		t.writes[cf] = make(map[string]writeOp)
	}
	t.writes[cf][key] = writeOp{value: value}
	return nil
}

// Delete stages a tombstone for key, same locking discipline as Put.
func (t *Txn) Delete(cf, key string) error {
	if err := t.engine.locks.acquire(cf, key, t.id, t.engine.opts.lockTimeout()); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writes[cf] == nil {
		t.writes[cf] = make(map[string]writeOp)
	}
	t.writes[cf][key] = writeOp{del: true}
	return nil
}

// Commit applies every staged write atomically across all touched column
// families, then releases this transaction's locks and read snapshot.
// Commit is all-or-nothing: if the underlying bbolt write fails, no
// staged write is visible and locks are still released.
func (t *Txn) Commit() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TxnCommitDuration)
	defer t.finish()

	if len(t.writes) == 0 {
		return nil
	}
	err := t.engine.db.Update(func(tx *bolt.Tx) error {
		for cf, ops := range t.writes {
			b, err := tx.CreateBucketIfNotExists([]byte(cf))
			if err != nil {
				return err
			}
			for key, op := range ops {
				if op.del {
					if err := b.Delete([]byte(key)); err != nil {
						return err
					}
					continue
				}
				stored := encodeValue(op.value, cf, t.engine.opts)
				if err := b.Put([]byte(key), stored); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return errs.New("storage.Commit", errs.StorageUnavailable, "", err)
	}
	return nil
}

// Abort discards every staged write and releases this transaction's
// locks and read snapshot. Safe to call after a failed Put/Delete/Commit
// and safe to call from a deferred recover() on panic.
func (t *Txn) Abort() {
	t.aborted = true
	t.finish()
}

func (t *Txn) finish() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	t.engine.locks.release(t.id)
	if err := t.readTx.Rollback(); err != nil {
		log.WithComponent("storage").Debug().Err(err).Msg("read snapshot rollback")
	}
}

// PrefixIterator yields (key, value) pairs from cf whose key has the
// given prefix, in the requested direction, lazily off this
// transaction's snapshot. The returned function call advances one step
// and returns ok=false once exhausted.
func (t *Txn) PrefixIterator(cf string, prefix []byte, dir Direction) func() (key, value []byte, ok bool) {
	b := t.readTx.Bucket([]byte(cf))
	if b == nil {
		return func() ([]byte, []byte, bool) { return nil, nil, false }
	}
	c := b.Cursor()
	var k, v []byte
	started := false

	return func() ([]byte, []byte, bool) {
		if !started {
			started = true
			if dir == Forward {
				k, v = c.Seek(prefix)
			} else {
				// Seek to the first key past the prefix range, then step
				// back onto the last key within it.
				k, v = c.Seek(prefixUpperBound(prefix))
				if k == nil {
					k, v = c.Last()
				} else {
					k, v = c.Prev()
				}
			}
		} else if dir == Forward {
			k, v = c.Next()
		} else {
			k, v = c.Prev()
		}

		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil, nil, false
		}
		decoded, err := decodeValue(v)
		if err != nil {
			return nil, nil, false
		}
		return bytes.Clone(k), decoded, true
	}
}

// prefixUpperBound returns the lexicographically smallest key strictly
// greater than every key with the given prefix, or nil if prefix is all
// 0xFF bytes (no finite upper bound exists; callers fall back to Last).
func prefixUpperBound(prefix []byte) []byte {
	out := bytes.Clone(prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// nowFunc is indirected so tests can pin transaction timestamps.
var nowFunc = defaultNow
