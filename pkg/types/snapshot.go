package types

import "time"

// Snapshot is the opaque read-view handle created at transaction start
// and released on commit/abort (spec.md §3). ReadSeq is the storage
// engine's monotonic sequence number at the moment the snapshot was taken;
// every read performed under a Snapshot observes exactly that sequence.
type Snapshot struct {
	ReadSeq   uint64
	CreatedAt time.Time
}
