package storage

import (
	"sync"
	"time"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/metrics"
)

// lockTable tracks which transaction currently holds a write lock on each
// (cf, key). Put/Delete acquire on first touch; a key already free or
// already held by txnID (re-entrant within one transaction) succeeds
// immediately. A key held by a different transaction blocks the caller
// until either the holder releases it — at which point the waiter's
// write is staged on top of a key that changed underneath its snapshot,
// so it fails with Conflict rather than silently proceeding (spec.md
// §4.1 — "first committer wins, loser gets Conflict") — or the
// configured lock timeout elapses first, which fails with LockTimeout
// instead (spec.md §4.1's distinct "lock acquisition exceeded the
// configured timeout" outcome). Commit/Abort release everything a
// transaction holds, on every exit path including panics.
type lockTable struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]string // "cf\x00key" -> owning txn ID
}

func newLockTable() *lockTable {
	lt := &lockTable{held: make(map[string]string)}
	lt.cond = sync.NewCond(&lt.mu)
	return lt
}

func lockKey(cf, key string) string { return cf + "\x00" + key }

// acquire blocks until the key is free (or already held by txnID), the
// current holder releases it, or timeout elapses — whichever comes
// first. Waiting for a holder that then releases still fails with
// Conflict, since the key changed out from under this caller's
// snapshot; waiting past timeout with no release fails with
// LockTimeout.
func (lt *lockTable) acquire(cf, key, txnID string, timeout time.Duration) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LockWaitDuration)

	k := lockKey(cf, key)
	deadline := time.Now().Add(timeout)

	lt.mu.Lock()
	defer lt.mu.Unlock()

	waitedForHolder := false
	for {
		owner, busy := lt.held[k]
		if !busy || owner == txnID {
			lt.held[k] = txnID
			if waitedForHolder {
				metrics.TxnConflictsTotal.Inc()
				return errs.New("storage.acquire", errs.Conflict, key, nil)
			}
			return nil
		}
		waitedForHolder = true

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.TxnConflictsTotal.Inc()
			return errs.New("storage.acquire", errs.LockTimeout, key, nil)
		}

		expired := false
		wake := time.AfterFunc(remaining, func() {
			lt.mu.Lock()
			expired = true
			lt.cond.Broadcast()
			lt.mu.Unlock()
		})
		lt.cond.Wait()
		wake.Stop()
		if expired {
			metrics.TxnConflictsTotal.Inc()
			return errs.New("storage.acquire", errs.LockTimeout, key, nil)
		}
	}
}

// release drops every lock held by txnID and wakes any acquire calls
// waiting on one of them.
func (lt *lockTable) release(txnID string) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for k, owner := range lt.held {
		if owner == txnID {
			delete(lt.held, k)
		}
	}
	lt.cond.Broadcast()
}
