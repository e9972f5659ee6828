package themisdb

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/themisdb/themis/pkg/aql"
	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/index/equality"
	"github.com/themisdb/themis/pkg/index/fulltext"
	"github.com/themisdb/themis/pkg/index/geo"
	"github.com/themisdb/themis/pkg/index/graph"
	"github.com/themisdb/themis/pkg/index/rangeidx"
	"github.com/themisdb/themis/pkg/index/sparse"
	"github.com/themisdb/themis/pkg/index/ttl"
	"github.com/themisdb/themis/pkg/index/vector"
	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/storage"
)

// Kind names one of the eight index kinds spec.md §4.3 defines.
// createIndex itself.
type Kind string

const (
	EqualityIndex Kind = "equality"
	SparseIndex   Kind = "sparse"
	RangeIndex    Kind = "range"
	GeoIndexKind  Kind = "geo"
	TTLIndex      Kind = "ttl"
	FulltextIndex Kind = "fulltext"
	GraphIndex    Kind = "graph"
	VectorIndex   Kind = "vector"
)

// Config is the closed per-kind option set spec.md §6 defines. Exactly
// one of the kind-specific fields is meaningful, selected by the Kind
// passed to CreateIndex.
type Config struct {
	Unique bool // Equality, Sparse

	Collation string // Range: "binary" | "natural"; stored only, rangeidx always orders by sortkey bytes

	FieldLat, FieldLon string // Geo: FieldLat (default fields[0]) names the KindGeoPoint field; FieldLon is not read

	TTLSeconds int64 // TTL

	Fulltext FulltextConfig

	Vector VectorConfig

	GraphID          string // Graph: graph identity edges/traversals are scoped to
	VertexCollection string // Graph: collection a bare traversal Start literal resolves against
}

// FulltextConfig mirrors spec.md §6's fulltext config exactly.
type FulltextConfig struct {
	Language         string // "en" | "de" | "none"
	StemmingEnabled  bool
	StopwordsEnabled bool
	Stopwords        []string
	NormalizeUmlauts bool
}

// VectorConfig mirrors spec.md §6's vector config exactly.
type VectorConfig struct {
	Dim            int
	Metric         string // "l2" | "cosine" | "dot"
	M              int
	EfConstruction int
	EfSearch       int
	SavePath       string
	AutoSave       bool
}

// IndexRecord is the catalog entry persisted under storage.CatalogCF:
// index-name -> {collection, kind, fields, config, schema_version}
// (spec.md §6's "Persisted state layout").
type IndexRecord struct {
	Name          string
	Collection    string
	Kind          Kind
	Fields        []string
	Config        Config
	SchemaVersion int64
}

// CreateIndex registers a new index of kind over collection's fields,
// building the concrete index structure, ensuring its column family,
// registering it as an entity.Maintainer (for every kind but Vector,
// which maintains itself in memory and is registered separately below),
// recording it in the AQL catalog if the translator can drive scans
// from it, and persisting the catalog entry.
func (db *DB) CreateIndex(collection string, fields []string, kind Kind, cfg Config) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	name := indexName(collection, kind, fields)
	if _, exists := db.indexes[name]; exists {
		return errs.New("themisdb.CreateIndex", errs.SchemaViolation, name, nil)
	}

	if err := db.buildAndRegisterLocked(name, collection, fields, kind, cfg); err != nil {
		return err
	}

	rec := IndexRecord{Name: name, Collection: collection, Kind: kind, Fields: fields, Config: cfg, SchemaVersion: 1}
	db.indexes[name] = rec
	if err := db.persistIndexRecord(rec); err != nil {
		return err
	}
	log.WithIndex(name).Info().Str("collection", collection).Str("kind", string(kind)).Msg("index created")
	return nil
}

// buildAndRegisterLocked constructs the concrete index and wires it
// into every registry CreateIndex/loadCatalog needs populated. Callers
// hold db.mu.
func (db *DB) buildAndRegisterLocked(name, collection string, fields []string, kind Kind, cfg Config) error {
	switch kind {
	case EqualityIndex:
		ix := equality.New(name, collection, fields)
		if err := db.engine.EnsureColumnFamily(ix.ColumnFamily()); err != nil {
			return err
		}
		db.equality[name] = ix
		db.entity.Register(ix)
		db.catalog.AddIndex(collection, aql.IndexMeta{Name: name, Kind: aql.EqualityIndex, Fields: fields})

	case SparseIndex:
		if len(fields) != 1 {
			return errs.New("themisdb.CreateIndex", errs.SchemaViolation, name, nil)
		}
		ix := sparse.New(name, collection, fields[0])
		if err := db.engine.EnsureColumnFamily(ix.ColumnFamily()); err != nil {
			return err
		}
		db.sparse[name] = ix
		db.entity.Register(ix)
		db.catalog.AddIndex(collection, aql.IndexMeta{Name: name, Kind: aql.SparseIndex, Fields: fields})

	case RangeIndex:
		if len(fields) != 1 {
			return errs.New("themisdb.CreateIndex", errs.SchemaViolation, name, nil)
		}
		ix := rangeidx.New(name, collection, fields[0])
		if err := db.engine.EnsureColumnFamily(ix.ColumnFamily()); err != nil {
			return err
		}
		db.rangeix[name] = ix
		db.entity.Register(ix)
		db.catalog.AddIndex(collection, aql.IndexMeta{Name: name, Kind: aql.RangeIndex, Fields: fields})

	case GeoIndexKind:
		field := cfg.FieldLat
		if field == "" && len(fields) > 0 {
			field = fields[0]
		}
		ix := geo.New(name, collection, field)
		if err := db.engine.EnsureColumnFamily(ix.ColumnFamily()); err != nil {
			return err
		}
		db.geoix[name] = ix
		db.entity.Register(ix)

	case TTLIndex:
		field := fields[0]
		ix := ttl.New(name, collection, field, cfg.TTLSeconds)
		if err := db.engine.EnsureColumnFamily(ix.ColumnFamily()); err != nil {
			return err
		}
		db.ttlix[name] = ix
		db.entity.Register(ix)

	case FulltextIndex:
		field := fields[0]
		ix := fulltext.New(name, collection, field, analyzerFromConfig(cfg.Fulltext))
		if err := db.engine.EnsureColumnFamily(ix.ColumnFamily()); err != nil {
			return err
		}
		db.fulltext[name] = ix
		db.entity.Register(ix)
		db.catalog.AddIndex(collection, aql.IndexMeta{Name: name, Kind: aql.FulltextIndexK, Fields: fields})

	case GraphIndex:
		ix := graph.New(name, collection)
		if err := db.engine.EnsureColumnFamily(ix.ColumnFamily()); err != nil {
			return err
		}
		db.graphs[name] = ix
		db.entity.Register(ix)
		db.catalog.AddGraph(aql.GraphMeta{Name: name, ID: cfg.GraphID, VertexCollection: cfg.VertexCollection})

	case VectorIndex:
		field := fields[0]
		ix := vector.New(name, collection, field, vector.Options{
			Dimension:      cfg.Vector.Dim,
			Metric:         vector.Metric(cfg.Vector.Metric),
			M:              cfg.Vector.M,
			EfConstruction: cfg.Vector.EfConstruction,
			EfSearch:       cfg.Vector.EfSearch,
		})
		if cfg.Vector.SavePath != "" {
			_ = ix.LoadFromFiles(cfg.Vector.SavePath)
		}
		db.vectors[name] = ix
		db.entity.Register(ix)
		db.catalog.AddIndex(collection, aql.IndexMeta{Name: name, Kind: aql.VectorIndexK, Fields: fields})

	default:
		return errs.New("themisdb.CreateIndex", errs.InvalidQuery, name, nil)
	}
	return nil
}

// DropIndex removes an index from every in-memory registry and its
// catalog record. The underlying column family's data is left in place
// (spec.md names no requirement to reclaim it synchronously); a reused
// index name would need that space clean first, which rebuildIndex's
// sibling operation (not implemented) would handle.
func (db *DB) DropIndex(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	rec, ok := db.indexes[name]
	if !ok {
		return errs.New("themisdb.DropIndex", errs.NotFound, name, nil)
	}

	delete(db.equality, name)
	delete(db.sparse, name)
	delete(db.rangeix, name)
	delete(db.geoix, name)
	delete(db.ttlix, name)
	delete(db.fulltext, name)
	delete(db.graphs, name)
	delete(db.vectors, name)
	delete(db.indexes, name)

	db.catalog = rebuildCatalog(db.indexes)
	return db.deleteIndexRecord(rec.Name)
}

// RebuildIndex replays every record in the index's collection through
// its maintainer, from scratch. Used after a schema/config change or to
// repair a suspected inconsistency (spec.md §8: projected index content
// must always equal the live collection's projection).
func (db *DB) RebuildIndex(name string) error {
	db.mu.RLock()
	rec, ok := db.indexes[name]
	db.mu.RUnlock()
	if !ok {
		return errs.New("themisdb.RebuildIndex", errs.NotFound, name, nil)
	}

	txn, err := db.engine.BeginTransaction(storage.TxnOptions{})
	if err != nil {
		return err
	}
	defer txn.Abort()

	db.mu.RLock()
	maintainer, err := db.maintainerFor(rec)
	db.mu.RUnlock()
	if err != nil {
		return err
	}

	if ix, ok := maintainer.(*graph.Index); ok {
		if err := ix.Rebuild(txn); err != nil {
			return err
		}
		return txn.Commit()
	}

	next := entity.ScanCollection(txn, rec.Collection, "")
	for {
		current, ok := next()
		if !ok {
			break
		}
		if err := maintainer.OnPut(txn, nil, current); err != nil {
			return err
		}
	}
	return txn.Commit()
}

// ListIndexes returns every index's catalog record.
func (db *DB) ListIndexes() []IndexRecord {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]IndexRecord, 0, len(db.indexes))
	for _, rec := range db.indexes {
		out = append(out, rec)
	}
	return out
}

func (db *DB) maintainerFor(rec IndexRecord) (entity.Maintainer, error) {
	switch rec.Kind {
	case EqualityIndex:
		return db.equality[rec.Name], nil
	case SparseIndex:
		return db.sparse[rec.Name], nil
	case RangeIndex:
		return db.rangeix[rec.Name], nil
	case GeoIndexKind:
		return db.geoix[rec.Name], nil
	case TTLIndex:
		return db.ttlix[rec.Name], nil
	case FulltextIndex:
		return db.fulltext[rec.Name], nil
	case GraphIndex:
		return db.graphs[rec.Name], nil
	case VectorIndex:
		return db.vectors[rec.Name], nil
	default:
		return nil, errs.New("themisdb.maintainerFor", errs.Internal, rec.Name, nil)
	}
}

func analyzerFromConfig(cfg FulltextConfig) fulltext.Analyzer {
	stop := map[string]bool{}
	if cfg.StopwordsEnabled {
		for _, w := range cfg.Stopwords {
			stop[w] = true
		}
	}
	return fulltext.Analyzer{
		Lowercase:       true,
		Stopwords:       stop,
		Stem:            cfg.StemmingEnabled && cfg.Language == "en",
		NormalizeUmlaut: cfg.NormalizeUmlauts,
	}
}

func indexName(collection string, kind Kind, fields []string) string {
	name := collection + "_by"
	for _, f := range fields {
		name += "_" + f
	}
	if len(fields) == 0 {
		name = collection + "_" + string(kind)
	}
	return name
}

func rebuildCatalog(indexes map[string]IndexRecord) *aql.Catalog {
	cat := aql.NewCatalog()
	for _, rec := range indexes {
		switch rec.Kind {
		case EqualityIndex:
			cat.AddIndex(rec.Collection, aql.IndexMeta{Name: rec.Name, Kind: aql.EqualityIndex, Fields: rec.Fields})
		case SparseIndex:
			cat.AddIndex(rec.Collection, aql.IndexMeta{Name: rec.Name, Kind: aql.SparseIndex, Fields: rec.Fields})
		case RangeIndex:
			cat.AddIndex(rec.Collection, aql.IndexMeta{Name: rec.Name, Kind: aql.RangeIndex, Fields: rec.Fields})
		case FulltextIndex:
			cat.AddIndex(rec.Collection, aql.IndexMeta{Name: rec.Name, Kind: aql.FulltextIndexK, Fields: rec.Fields})
		case VectorIndex:
			cat.AddIndex(rec.Collection, aql.IndexMeta{Name: rec.Name, Kind: aql.VectorIndexK, Fields: rec.Fields})
		case GraphIndex:
			cat.AddGraph(aql.GraphMeta{Name: rec.Name, ID: rec.Config.GraphID, VertexCollection: rec.Config.VertexCollection})
		}
	}
	return cat
}

// persistIndexRecord and loadCatalog round-trip IndexRecord through a
// structpb.Struct, the same generic-protobuf wire choice pkg/cursor
// uses for its own small, stable record — avoiding a bespoke .proto
// schema this pack has no protoc step to generate from.
func (db *DB) persistIndexRecord(rec IndexRecord) error {
	wire, err := marshalIndexRecord(rec)
	if err != nil {
		return err
	}
	txn, err := db.engine.BeginTransaction(storage.TxnOptions{})
	if err != nil {
		return err
	}
	if err := txn.Put(storage.CatalogCF, "idx:"+rec.Name, wire); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

func (db *DB) deleteIndexRecord(name string) error {
	txn, err := db.engine.BeginTransaction(storage.TxnOptions{})
	if err != nil {
		return err
	}
	if err := txn.Delete(storage.CatalogCF, "idx:"+name); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}

// loadCatalog replays every persisted index record at Open, rebuilding
// the concrete index structures and the AQL catalog they feed.
func (db *DB) loadCatalog() error {
	txn, err := db.engine.BeginTransaction(storage.TxnOptions{})
	if err != nil {
		return err
	}
	defer txn.Abort()

	next := txn.PrefixIterator(storage.CatalogCF, []byte("idx:"), storage.Forward)
	for {
		_, value, ok := next()
		if !ok {
			break
		}
		rec, err := unmarshalIndexRecord(value)
		if err != nil {
			return err
		}
		if err := db.buildAndRegisterLocked(rec.Name, rec.Collection, rec.Fields, rec.Kind, rec.Config); err != nil {
			return err
		}
		db.indexes[rec.Name] = rec
	}
	return nil
}

func marshalIndexRecord(rec IndexRecord) ([]byte, error) {
	fields := map[string]any{
		"name":           rec.Name,
		"collection":     rec.Collection,
		"kind":           string(rec.Kind),
		"schema_version": float64(rec.SchemaVersion),
	}
	fieldList := make([]any, len(rec.Fields))
	for i, f := range rec.Fields {
		fieldList[i] = f
	}
	fields["fields"] = fieldList
	fields["config"] = configToMap(rec.Config)

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errs.New("themisdb.marshalIndexRecord", errs.Internal, rec.Name, err)
	}
	return proto.Marshal(s)
}

func unmarshalIndexRecord(wire []byte) (IndexRecord, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(wire, &s); err != nil {
		return IndexRecord{}, errs.New("themisdb.unmarshalIndexRecord", errs.Internal, "", err)
	}
	m := s.AsMap()

	rec := IndexRecord{}
	rec.Name, _ = m["name"].(string)
	rec.Collection, _ = m["collection"].(string)
	kind, _ := m["kind"].(string)
	rec.Kind = Kind(kind)
	if v, ok := m["schema_version"].(float64); ok {
		rec.SchemaVersion = int64(v)
	}
	if list, ok := m["fields"].([]any); ok {
		for _, f := range list {
			if s, ok := f.(string); ok {
				rec.Fields = append(rec.Fields, s)
			}
		}
	}
	if cfgMap, ok := m["config"].(map[string]any); ok {
		rec.Config = configFromMap(cfgMap)
	}
	return rec, nil
}

func configToMap(cfg Config) map[string]any {
	return map[string]any{
		"unique":                     cfg.Unique,
		"collation":                  cfg.Collation,
		"field_lat":                  cfg.FieldLat,
		"field_lon":                  cfg.FieldLon,
		"ttl_seconds":                float64(cfg.TTLSeconds),
		"graph_id":                   cfg.GraphID,
		"vertex_collection":          cfg.VertexCollection,
		"fulltext_language":          cfg.Fulltext.Language,
		"fulltext_stem":              cfg.Fulltext.StemmingEnabled,
		"fulltext_stopwords_enabled": cfg.Fulltext.StopwordsEnabled,
		"fulltext_normalize_umlauts": cfg.Fulltext.NormalizeUmlauts,
		"vector_dim":                 float64(cfg.Vector.Dim),
		"vector_metric":              string(cfg.Vector.Metric),
		"vector_m":                   float64(cfg.Vector.M),
		"vector_ef_construction":     float64(cfg.Vector.EfConstruction),
		"vector_ef_search":           float64(cfg.Vector.EfSearch),
		"vector_save_path":           cfg.Vector.SavePath,
		"vector_auto_save":           cfg.Vector.AutoSave,
	}
}

func configFromMap(m map[string]any) Config {
	var cfg Config
	cfg.Unique, _ = m["unique"].(bool)
	cfg.Collation, _ = m["collation"].(string)
	cfg.FieldLat, _ = m["field_lat"].(string)
	cfg.FieldLon, _ = m["field_lon"].(string)
	if v, ok := m["ttl_seconds"].(float64); ok {
		cfg.TTLSeconds = int64(v)
	}
	cfg.GraphID, _ = m["graph_id"].(string)
	cfg.VertexCollection, _ = m["vertex_collection"].(string)
	cfg.Fulltext.Language, _ = m["fulltext_language"].(string)
	cfg.Fulltext.StemmingEnabled, _ = m["fulltext_stem"].(bool)
	cfg.Fulltext.StopwordsEnabled, _ = m["fulltext_stopwords_enabled"].(bool)
	cfg.Fulltext.NormalizeUmlauts, _ = m["fulltext_normalize_umlauts"].(bool)
	if v, ok := m["vector_dim"].(float64); ok {
		cfg.Vector.Dim = int(v)
	}
	cfg.Vector.Metric, _ = m["vector_metric"].(string)
	if v, ok := m["vector_m"].(float64); ok {
		cfg.Vector.M = int(v)
	}
	if v, ok := m["vector_ef_construction"].(float64); ok {
		cfg.Vector.EfConstruction = int(v)
	}
	if v, ok := m["vector_ef_search"].(float64); ok {
		cfg.Vector.EfSearch = int(v)
	}
	cfg.Vector.SavePath, _ = m["vector_save_path"].(string)
	cfg.Vector.AutoSave, _ = m["vector_auto_save"].(bool)
	return cfg
}
