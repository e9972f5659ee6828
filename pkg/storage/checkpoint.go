package storage

import (
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/log"
)

// CreateCheckpoint writes a consistent, point-in-time copy of the entire
// database to destPath, using bbolt's own read transaction as the source
// (Tx.Copy never blocks writers for longer than it takes to start the
// transaction). destPath's parent directory must exist.
func (e *Engine) CreateCheckpoint(destPath string) error {
	start := time.Now()
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.New("storage.CreateCheckpoint", errs.StorageUnavailable, destPath, err)
	}
	defer f.Close()

	err = e.db.View(func(tx *bolt.Tx) error {
		return tx.Copy(f)
	})
	if err != nil {
		return errs.New("storage.CreateCheckpoint", errs.StorageUnavailable, destPath, err)
	}

	log.WithComponent("storage").Info().
		Str("dest", destPath).
		Dur("elapsed", time.Since(start)).
		Msg("checkpoint written")
	return nil
}

// RestoreFromCheckpoint replaces the database at path with the checkpoint
// file at srcPath. The engine at path must not be open; callers are
// responsible for calling Open only after RestoreFromCheckpoint returns.
func RestoreFromCheckpoint(path, srcPath string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errs.New("storage.RestoreFromCheckpoint", errs.StorageUnavailable, path, err)
	}
	dbPath := filepath.Join(path, "themis.db")

	src, err := os.Open(srcPath)
	if err != nil {
		return errs.New("storage.RestoreFromCheckpoint", errs.StorageUnavailable, srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errs.New("storage.RestoreFromCheckpoint", errs.StorageUnavailable, dbPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errs.New("storage.RestoreFromCheckpoint", errs.StorageUnavailable, dbPath, err)
	}

	log.WithComponent("storage").Info().
		Str("src", srcPath).
		Str("dest", dbPath).
		Msg("restored from checkpoint")
	return nil
}
