// Package payload implements the per-shard payload store of spec.md §4.3:
// a key->JSON document store with secondary indices over scalar fields,
// used both to serve payload reads and to answer filtered-search
// candidate-set queries cheaply.
package payload

import (
	"encoding/gob"
	"io"
	"sync"

	"github.com/liliang-cn/vzr/pkg/errs"
)

// Document is the JSON payload attached to a vector, keyed by internal_id.
type Document = map[string]any

// Store holds documents and a secondary index per scalar field value.
type Store struct {
	mu       sync.RWMutex
	docs     map[uint32]Document
	index    map[string]map[any]map[uint32]struct{} // field -> value -> set<internal_id>
	maxBytes int
}

// New creates an empty payload store. maxBytes bounds a single document's
// encoded size; 0 means unbounded (collection policy decides the value).
func New(maxBytes int) *Store {
	return &Store{
		docs:  make(map[uint32]Document),
		index: make(map[string]map[any]map[uint32]struct{}),
		maxBytes: maxBytes,
	}
}

// Put stores (or replaces) the document for id, updating secondary indices.
func (s *Store) Put(id uint32, doc Document) error {
	if s.maxBytes > 0 {
		if size := estimateSize(doc); size > s.maxBytes {
			return errs.Newf("payload_put", errs.InvalidInput, "payload size %d exceeds limit %d", size, s.maxBytes)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.docs[id]; ok {
		s.unindex(id, old)
	}
	s.docs[id] = doc
	s.reindex(id, doc)
	return nil
}

// Get returns the document for id, if any.
func (s *Store) Get(id uint32) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Delete removes id's document and its secondary-index entries.
func (s *Store) Delete(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		s.unindex(id, doc)
		delete(s.docs, id)
	}
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// MatchEquals returns the candidate set for field == value, used by the
// shard's crossover heuristic (spec.md §4.3) to decide brute-force vs. ANN.
func (s *Store) MatchEquals(field string, value any) map[uint32]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byValue, ok := s.index[field]
	if !ok {
		return nil
	}
	set, ok := byValue[value]
	if !ok {
		return nil
	}
	out := make(map[uint32]struct{}, len(set))
	for id := range set {
		out[id] = struct{}{}
	}
	return out
}

// Cardinality estimates |MatchEquals(field,value)| without copying, for
// the shard's cheap crossover decision.
func (s *Store) Cardinality(field string, value any) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byValue, ok := s.index[field]
	if !ok {
		return 0
	}
	return len(byValue[value])
}

func (s *Store) reindex(id uint32, doc Document) {
	for field, value := range doc {
		normalized := normalizeIndexable(value)
		if normalized == nil {
			continue
		}
		byValue, ok := s.index[field]
		if !ok {
			byValue = make(map[any]map[uint32]struct{})
			s.index[field] = byValue
		}
		set, ok := byValue[normalized]
		if !ok {
			set = make(map[uint32]struct{})
			byValue[normalized] = set
		}
		set[id] = struct{}{}
	}
}

func (s *Store) unindex(id uint32, doc Document) {
	for field, value := range doc {
		normalized := normalizeIndexable(value)
		if normalized == nil {
			continue
		}
		if byValue, ok := s.index[field]; ok {
			if set, ok := byValue[normalized]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(byValue, normalized)
				}
			}
		}
	}
}

// normalizeIndexable returns a hashable scalar for v, or nil if v is a
// nested structure that the secondary index does not cover.
func normalizeIndexable(v any) any {
	switch t := v.(type) {
	case string, bool, int, int64:
		return t
	case float64:
		return t
	case float32:
		return float64(t)
	default:
		return nil
	}
}

// Save gob-encodes the store's documents; secondary indices are rebuilt
// on Load rather than serialized, since they are fully derived from docs.
func (s *Store) Save(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := gob.NewEncoder(w).Encode(s.docs); err != nil {
		return errs.Newf("payload_save", errs.Internal, "encode documents: %v", err)
	}
	return nil
}

// Load replaces a store's documents from a Save stream and rebuilds its
// secondary indices.
func (s *Store) Load(r io.Reader) error {
	var docs map[uint32]Document
	if err := gob.NewDecoder(r).Decode(&docs); err != nil {
		return errs.Newf("payload_load", errs.Corruption, "decode documents: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = docs
	s.index = make(map[string]map[any]map[uint32]struct{})
	for id, doc := range docs {
		s.reindex(id, doc)
	}
	return nil
}

// estimateSize is a cheap proxy for encoded JSON size without paying for
// a full json.Marshal on every write.
func estimateSize(doc Document) int {
	size := 2
	for k, v := range doc {
		size += len(k) + 8
		if s, ok := v.(string); ok {
			size += len(s)
		} else {
			size += 16
		}
	}
	return size
}
