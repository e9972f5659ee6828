// Package fulltext implements Themis's BM25 fulltext index kind
// (spec.md §4.3): key schema ftidx:T:C:token:pk, plus side structures
// for per-document length and average document length, scored with
// Okapi BM25 (k1=1.2, b=0.75 by default).
package fulltext

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func CF(name string) string { return "ftidx:" + name }

// Analyzer configures tokenization identically at index and query time
// (spec.md §4.3).
type Analyzer struct {
	Lowercase       bool
	Stopwords       map[string]bool
	Stem            bool // English Porter subset
	NormalizeUmlaut bool // ä->a, ö->o, ü->u, ß->ss
}

// DefaultAnalyzer lowercases and nothing else.
func DefaultAnalyzer() Analyzer {
	return Analyzer{Lowercase: true}
}

const (
	k1 = 1.2
	b  = 0.75
)

// Index maintains a BM25 index over one text field of a collection.
type Index struct {
	name       string
	collection string
	field      string
	cf         string
	analyzer   Analyzer
}

func New(name, collection, field string, analyzer Analyzer) *Index {
	return &Index{name: name, collection: collection, field: field, cf: CF(name), analyzer: analyzer}
}

func (ix *Index) Name() string         { return ix.name }
func (ix *Index) ColumnFamily() string { return ix.cf }

// Tokenize splits text per the index's analyzer config: optional
// lowercasing and umlaut normalization, then a split at every rune
// that is not an ASCII lowercase letter or digit, then optional
// stopword removal and an English Porter-subset stemmer.
func (ix *Index) Tokenize(text string) []string {
	if ix.analyzer.Lowercase {
		text = strings.ToLower(text)
	}
	if ix.analyzer.NormalizeUmlaut {
		text = normalizeUmlaut(text)
	}
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, tok := range fields {
		if ix.analyzer.Stopwords != nil && ix.analyzer.Stopwords[tok] {
			continue
		}
		if ix.analyzer.Stem {
			tok = stemEnglish(tok)
		}
		out = append(out, tok)
	}
	return out
}

func normalizeUmlaut(s string) string {
	replacer := strings.NewReplacer("ä", "a", "ö", "o", "ü", "u", "ß", "ss")
	return replacer.Replace(s)
}

// stemEnglish applies a small subset of Porter's suffix-stripping rules
// — enough to fold plurals and common verb endings without pulling in a
// full stemmer implementation.
func stemEnglish(tok string) string {
	for _, suffix := range []string{"ing", "edly", "ed", "ies", "es", "s"} {
		if len(tok) > len(suffix)+2 && strings.HasSuffix(tok, suffix) {
			return tok[:len(tok)-len(suffix)]
		}
	}
	return tok
}

// postingKey: ftidx:T:C:token:pk
func (ix *Index) postingKey(token, pk string) string {
	return ix.name + ":" + ix.collection + ":" + token + ":" + pk
}

// docLenKey and statsKey live in the same CF under a reserved prefix
// that can never collide with a token (tokens never contain NUL).
func (ix *Index) docLenKey(pk string) string { return "\x00len:" + ix.name + ":" + pk }
func (ix *Index) statsKey() string           { return "\x00stats:" + ix.name }

func (ix *Index) projection(rec *types.Record) ([]string, bool) {
	if rec == nil || rec.PK.Collection != ix.collection {
		return nil, false
	}
	v := rec.Value.Field(ix.field)
	s, err := v.GetAsString()
	if err != nil {
		return nil, false
	}
	return ix.Tokenize(s), true
}

func (ix *Index) OnPut(txn *storage.Txn, before, after *types.Record) error {
	if beforeTokens, ok := ix.projection(before); ok {
		if err := ix.retract(txn, before.PK.String(), beforeTokens); err != nil {
			return err
		}
	}
	if afterTokens, ok := ix.projection(after); ok {
		if err := ix.admit(txn, after.PK.String(), afterTokens); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) OnDelete(txn *storage.Txn, before *types.Record) error {
	tokens, ok := ix.projection(before)
	if !ok {
		return nil
	}
	return ix.retract(txn, before.PK.String(), tokens)
}

func (ix *Index) admit(txn *storage.Txn, pk string, tokens []string) error {
	for _, tok := range tokens {
		if err := ix.bumpPosting(txn, tok, pk, 1); err != nil {
			return err
		}
	}
	if err := ix.setDocLen(txn, pk, len(tokens)); err != nil {
		return err
	}
	return ix.adjustStats(txn, 1, len(tokens))
}

func (ix *Index) retract(txn *storage.Txn, pk string, tokens []string) error {
	for _, tok := range tokens {
		if err := ix.bumpPosting(txn, tok, pk, -1); err != nil {
			return err
		}
	}
	oldLen, _ := ix.getDocLen(txn, pk)
	if err := ix.clearDocLen(txn, pk); err != nil {
		return err
	}
	return ix.adjustStats(txn, -1, -oldLen)
}

// bumpPosting increments (delta>0) or removes (delta<0) the per-
// (token,doc) frequency entry. Frequency is stored as the value so
// scoring can read term frequency directly off the posting.
func (ix *Index) bumpPosting(txn *storage.Txn, token, pk string, delta int) error {
	key := ix.postingKey(token, pk)
	if delta > 0 {
		freq := 1
		if existing, err := txn.Get(ix.cf, key); err == nil {
			freq = int(binary.BigEndian.Uint32(existing)) + 1
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(freq))
		return txn.Put(ix.cf, key, buf)
	}
	if err := txn.Delete(ix.cf, key); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	return nil
}

func (ix *Index) setDocLen(txn *storage.Txn, pk string, length int) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(length))
	return txn.Put(ix.cf, ix.docLenKey(pk), buf)
}

func (ix *Index) getDocLen(txn *storage.Txn, pk string) (int, error) {
	stored, err := txn.Get(ix.cf, ix.docLenKey(pk))
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(stored)), nil
}

func (ix *Index) clearDocLen(txn *storage.Txn, pk string) error {
	if err := txn.Delete(ix.cf, ix.docLenKey(pk)); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	return nil
}

type stats struct {
	docCount int64
	totalLen int64
}

func (ix *Index) getStats(txn *storage.Txn) stats {
	stored, err := txn.Get(ix.cf, ix.statsKey())
	if err != nil || len(stored) < 16 {
		return stats{}
	}
	return stats{
		docCount: int64(binary.BigEndian.Uint64(stored[0:8])),
		totalLen: int64(binary.BigEndian.Uint64(stored[8:16])),
	}
}

func (ix *Index) adjustStats(txn *storage.Txn, docDelta, lenDelta int) error {
	s := ix.getStats(txn)
	s.docCount += int64(docDelta)
	s.totalLen += int64(lenDelta)
	if s.docCount < 0 {
		s.docCount = 0
	}
	if s.totalLen < 0 {
		s.totalLen = 0
	}
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.docCount))
	binary.BigEndian.PutUint64(buf[8:16], uint64(s.totalLen))
	return txn.Put(ix.cf, ix.statsKey(), buf)
}

// Hit is one scored fulltext result.
type Hit struct {
	PK    types.PK
	Score float64
}

// Search tokenizes query with the index's analyzer, intersects the
// posting lists of its distinct tokens (a document must contain every
// token to match), scores each match by the BM25 sum over the query
// terms, and returns hits sorted by descending score.
func (ix *Index) Search(txn *storage.Txn, query string) ([]Hit, error) {
	tokens := ix.Tokenize(query)
	s := ix.getStats(txn)
	if s.docCount == 0 {
		return nil, nil
	}
	avgLen := float64(s.totalLen) / float64(s.docCount)

	scores := make(map[string]float64)
	matched := make(map[string]int)
	terms := make(map[string]bool)
	for _, tok := range tokens {
		if terms[tok] {
			continue
		}
		terms[tok] = true
		prefix := []byte(ix.name + ":" + ix.collection + ":" + tok + ":")
		next := txn.PrefixIterator(ix.cf, prefix, storage.Forward)

		postings := make(map[string]int)
		for {
			k, v, ok := next()
			if !ok {
				break
			}
			pk := string(k[len(prefix):])
			postings[pk] = int(binary.BigEndian.Uint32(v))
		}
		df := float64(len(postings))
		if df == 0 {
			return nil, nil
		}
		idf := math.Log(1 + (float64(s.docCount)-df+0.5)/(df+0.5))

		for pk, tf := range postings {
			docLen, err := ix.getDocLen(txn, pk)
			if err != nil {
				continue
			}
			norm := 1 - b + b*(float64(docLen)/avgLen)
			termScore := idf * (float64(tf) * (k1 + 1)) / (float64(tf) + k1*norm)
			scores[pk] += termScore
			matched[pk]++
		}
	}

	hits := make([]Hit, 0, len(scores))
	for pkStr, score := range scores {
		if matched[pkStr] < len(terms) {
			continue
		}
		pk, valid := types.ParsePK(pkStr)
		if !valid {
			continue
		}
		hits = append(hits, Hit{PK: pk, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}
