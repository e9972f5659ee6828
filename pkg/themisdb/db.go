// Package themisdb is Themis's top-level façade (spec.md §6): it wires
// storage, the entity layer, the transaction manager, every index kind,
// the query engine, AQL, the optimizer, and cursor paging into the
// handful of entry points external callers actually use — executeAQL,
// entity CRUD, index management, traversal, vector search. Grounded on
// the teacher's top-level server wiring (pkg/api.Server constructing
// every subsystem once at startup and handing out a thin method surface
// over them) generalized from a gRPC service to an embedded, in-process
// database handle.
package themisdb

import (
	"sync"

	"github.com/themisdb/themis/pkg/aql"
	"github.com/themisdb/themis/pkg/audit"
	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/index/equality"
	"github.com/themisdb/themis/pkg/index/fulltext"
	"github.com/themisdb/themis/pkg/index/geo"
	"github.com/themisdb/themis/pkg/index/graph"
	"github.com/themisdb/themis/pkg/index/rangeidx"
	"github.com/themisdb/themis/pkg/index/sparse"
	"github.com/themisdb/themis/pkg/index/ttl"
	"github.com/themisdb/themis/pkg/index/vector"
	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/optimizer"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/txn"
)

// Options configures Open. Fields map 1:1 onto the storage/vector
// open-time knobs spec.md §6 says the (out-of-scope) CLI/environment
// layer forwards unchanged.
type Options struct {
	Storage storage.Options

	// AuditHook, if set, is called after every committed transaction
	// with the transaction's id and a caller-supplied audit payload
	// (spec.md §9's encrypt-then-sign hook). Nil disables auditing.
	AuditHook audit.Hook
}

// DB is one open Themis database. All exported methods are safe for
// concurrent use; the underlying storage engine and index structures
// provide their own fine-grained locking (spec.md §5).
type DB struct {
	engine *storage.Engine
	entity *entity.Layer
	txns   *txn.Manager
	audit  audit.Hook

	mu       sync.RWMutex
	catalog  *aql.Catalog
	indexes  map[string]IndexRecord
	equality map[string]*equality.Index
	sparse   map[string]*sparse.Index
	rangeix  map[string]*rangeidx.Index
	geoix    map[string]*geo.Index
	ttlix    map[string]*ttl.Index
	fulltext map[string]*fulltext.Index
	graphs   map[string]*graph.Index
	vectors  map[string]*vector.Index

	estimator *optimizer.IndexEstimator
}

// Open opens (or creates) a Themis database rooted at path. The entity
// layer's records column family is always created alongside whatever
// opts.Storage.ColumnFamilies names; every index's own column family is
// created on demand by CreateIndex/loadCatalog instead, since it isn't
// known until an index exists.
func Open(path string, opts Options) (*DB, error) {
	opts.Storage.ColumnFamilies = append(append([]string{}, opts.Storage.ColumnFamilies...), entity.RecordsCF)
	engine, err := storage.Open(path, opts.Storage)
	if err != nil {
		return nil, err
	}
	entityLayer := entity.New(engine)

	db := &DB{
		engine:   engine,
		entity:   entityLayer,
		txns:     txn.New(engine, entityLayer),
		audit:    opts.AuditHook,
		catalog:  aql.NewCatalog(),
		indexes:  map[string]IndexRecord{},
		equality: map[string]*equality.Index{},
		sparse:   map[string]*sparse.Index{},
		rangeix:  map[string]*rangeidx.Index{},
		geoix:    map[string]*geo.Index{},
		ttlix:    map[string]*ttl.Index{},
		fulltext: map[string]*fulltext.Index{},
		graphs:   map[string]*graph.Index{},
		vectors:  map[string]*vector.Index{},
	}
	db.estimator = &optimizer.IndexEstimator{Equality: db.equality, Sparse: db.sparse, Range: db.rangeix}

	if err := db.loadCatalog(); err != nil {
		engine.Close()
		return nil, err
	}
	log.WithComponent("themisdb").Info().Str("path", path).Msg("database opened")
	return db, nil
}

// Close flushes any in-memory index state that has a save path
// configured and closes the underlying storage engine.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for name, rec := range db.indexes {
		if rec.Kind != VectorIndex || !rec.Config.Vector.AutoSave || rec.Config.Vector.SavePath == "" {
			continue
		}
		if ix, ok := db.vectors[name]; ok {
			if err := ix.SaveToFiles(rec.Config.Vector.SavePath); err != nil {
				log.WithIndex(name).Error().Err(err).Msg("vector index save failed")
			}
		}
	}
	return db.engine.Close()
}

// executor builds a fresh query.Executor bound to this DB's current
// index registries. It must be called under at least a read lock,
// since the registries it closes over can change under CreateIndex/
// DropIndex.
func (db *DB) executor() *query.Executor {
	return &query.Executor{
		Entity:   db.entity,
		Equality: db.equality,
		Sparse:   db.sparse,
		Range:    db.rangeix,
		Geo:      db.geoix,
		Fulltext: db.fulltext,
		Graph:    db.graphs,
		Vector:   db.vectors,
	}
}
