/*
Package storage is Themis's ordered key-value core (spec.md §4.1). It
wraps go.etcd.io/bbolt — a single-file, copy-on-write B+tree — and adds
the three things bbolt doesn't give for free:

  - Column families: bbolt top-level buckets, created on Open.
  - Fine-grained write locking with a configurable timeout, so two
    transactions touching disjoint keys never block each other, a
    transaction waiting on a key another one holds either sees that
    holder release it (and fails with Conflict, not at commit time) or
    times out first (and fails with LockTimeout).
  - A value-size-gated compression codec: small values pass through
    untouched, values above the threshold get the cheap codec, and the
    heavy codec kicks in only for the explicitly "cold" column families
    a caller marks at Open time.

bbolt read transactions already are consistent point-in-time snapshots
(its MVCC is exactly what spec.md §3's Snapshot wants), so every Get and
prefixIterator under a Snapshot is just a long-lived bbolt read
transaction. Writers are serialized by bbolt itself; the lock table above
it exists so the *Themis* API can report Conflict/LockTimeout before a
writer ever blocks on bbolt's single global writer, and so unrelated keys
never contend.
*/
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/types"
)

// Options configures Open.
type Options struct {
	// LockTimeout bounds how long Put/Delete wait to acquire a key's
	// write lock before failing with LockTimeout. Zero means 1s
	// (spec.md §4.1 default).
	LockTimeout time.Duration

	// ColdColumnFamilies names the CFs whose values above
	// CompressionThreshold use the heavy codec instead of the fast one
	// (spec.md §4.1: "a fast codec by default, a heavier codec for the
	// coldest level").
	ColdColumnFamilies map[string]bool

	// CompressionThreshold is the value size, in bytes, above which
	// values are compressed at all. Zero means 256.
	CompressionThreshold int

	// ColumnFamilies lists the CFs to create if absent. The reserved
	// catalog family is always created regardless of this list.
	ColumnFamilies []string
}

const CatalogCF = "catalog"

func (o Options) lockTimeout() time.Duration {
	if o.LockTimeout <= 0 {
		return time.Second
	}
	return o.LockTimeout
}

func (o Options) threshold() int {
	if o.CompressionThreshold <= 0 {
		return 256
	}
	return o.CompressionThreshold
}

// Engine is the process-wide handle to one on-disk database directory.
// It owns the bbolt DB, the key lock table, and the monotonic sequence
// counter snapshots are drawn from.
type Engine struct {
	db   *bolt.DB
	path string
	opts Options

	locks *lockTable

	mu  sync.Mutex
	seq uint64
}

// Open opens (creating if absent) the database directory at path. A lock
// held by another process, or a corrupt file, surfaces as
// StorageUnavailable — Themis never treats that as retryable by the
// caller without intervention.
func Open(path string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errs.New("storage.Open", errs.StorageUnavailable, path, err)
	}
	dbPath := filepath.Join(path, "themis.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errs.New("storage.Open", errs.StorageUnavailable, path, err)
	}

	e := &Engine{db: db, path: path, opts: opts, locks: newLockTable()}

	cfs := append([]string{CatalogCF}, opts.ColumnFamilies...)
	err = db.Update(func(tx *bolt.Tx) error {
		for _, cf := range cfs {
			if _, err := tx.CreateBucketIfNotExists([]byte(cf)); err != nil {
				return fmt.Errorf("create column family %q: %w", cf, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.New("storage.Open", errs.StorageUnavailable, path, err)
	}

	log.WithComponent("storage").Info().Str("path", path).Msg("engine opened")
	return e, nil
}

// Close releases the underlying database file. Any transactions still
// open when Close is called must have been aborted or committed first.
func (e *Engine) Close() error {
	return e.db.Close()
}

// EnsureColumnFamily creates cf if it does not already exist. Used by
// index creation (createIndex) to provision a new index's key range
// without requiring every CF to be known at Open time.
func (e *Engine) EnsureColumnFamily(cf string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cf))
		return err
	})
}

func (e *Engine) nextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

// defaultNow is nowFunc's default; tests may swap the package var to pin
// transaction timestamps.
func defaultNow() time.Time { return time.Now() }
