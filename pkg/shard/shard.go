// Package shard implements spec.md §4.3: a single HNSW + payload + sparse
// instance over a hash-partitioned subset of a collection, with the
// filtered-search crossover heuristic between payload-index lookup and
// ANN-then-post-filter.
package shard

import (
	"regexp"
	"sync"

	"github.com/liliang-cn/vzr/pkg/errs"
	"github.com/liliang-cn/vzr/pkg/hnsw"
	"github.com/liliang-cn/vzr/pkg/kernel"
	"github.com/liliang-cn/vzr/pkg/payload"
	"github.com/liliang-cn/vzr/pkg/quantization"
	"github.com/liliang-cn/vzr/pkg/sparse"
)

var idPattern = regexp.MustCompile(`^[^\x00]{1,1024}$`)

// ValidateID enforces spec.md §6's vector id syntax.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return errs.Newf("validate_id", errs.InvalidInput, "id must be 1-1024 bytes with no NUL")
	}
	return nil
}

// Config controls a shard's index parameters, copied from the owning
// collection's frozen CollectionConfig.
type Config struct {
	Dimension          int
	Metric             kernel.Metric
	HNSW               hnsw.Params
	OverFetchFactor    float64 // ef multiplier applied when a filter forces ANN + post-filter
	CrossoverThreshold float64 // payload cardinality fraction below which brute-force-by-filter wins
	PayloadMaxBytes    int
}

// DefaultConfig fills in spec.md §6's documented defaults.
func DefaultConfig(dimension int, metric kernel.Metric) Config {
	return Config{
		Dimension:          dimension,
		Metric:             metric,
		HNSW:               hnsw.DefaultParams(metric),
		OverFetchFactor:    3.0,
		CrossoverThreshold: 0.05,
		PayloadMaxBytes:    0,
	}
}

// Shard owns one HNSW graph, one payload store, and one BM25 index for
// its partition of a collection's vectors.
type Shard struct {
	mu sync.RWMutex

	cfg     Config
	graph   *hnsw.Index
	payload *payload.Store
	sparse  *sparse.Index

	quantizer   quantization.Codec
	quantizerMu sync.RWMutex

	idToInternal map[string]uint32
	internalToID map[uint32]string
	nextInternal uint32
}

// New creates an empty shard.
func New(cfg Config) *Shard {
	return &Shard{
		cfg:          cfg,
		graph:        hnsw.New(cfg.Dimension, cfg.HNSW),
		payload:      payload.New(cfg.PayloadMaxBytes),
		sparse:       sparse.New(),
		idToInternal: make(map[string]uint32),
		internalToID: make(map[uint32]string),
		nextInternal: 1,
	}
}

// SetQuantizer stores a trained quantizer on the shard. Called once, when
// the collection's training threshold is reached; see spec.md §4.1's
// one-shot training rule. No search path reads it: ANN and brute-force
// distances are computed on the full-precision vectors in the graph.
func (s *Shard) SetQuantizer(q quantization.Codec) {
	s.quantizerMu.Lock()
	defer s.quantizerMu.Unlock()
	s.quantizer = q
}

// Insert adds a new vector under id, assigning a fresh internal_id.
// Fails with Conflict if id already exists in this shard (callers should
// route Update to existing ids instead).
func (s *Shard) Insert(id string, vector []float32, doc payload.Document, text string) (uint32, error) {
	if err := ValidateID(id); err != nil {
		return 0, err
	}
	if len(vector) != s.cfg.Dimension {
		return 0, errs.Newf("shard_insert", errs.InvalidInput, "vector dimension %d != collection dimension %d", len(vector), s.cfg.Dimension)
	}
	if s.cfg.Metric == kernel.Cosine {
		if kernel.ZeroNorm(vector) {
			return 0, errs.Newf("shard_insert", errs.InvalidInput, "zero-vector cosine insert")
		}
		kernel.Normalize(vector)
	}

	s.mu.Lock()
	if _, exists := s.idToInternal[id]; exists {
		s.mu.Unlock()
		return 0, errs.Newf("shard_insert", errs.Conflict, "id %q already exists", id)
	}
	internalID := s.nextInternal
	s.nextInternal++
	s.idToInternal[id] = internalID
	s.internalToID[internalID] = id
	s.mu.Unlock()

	if err := s.graph.Insert(internalID, vector); err != nil {
		s.mu.Lock()
		delete(s.idToInternal, id)
		delete(s.internalToID, internalID)
		s.mu.Unlock()
		return 0, err
	}
	if doc != nil {
		if err := s.payload.Put(internalID, doc); err != nil {
			s.mu.Lock()
			delete(s.idToInternal, id)
			delete(s.internalToID, internalID)
			s.mu.Unlock()
			_ = s.graph.Delete(internalID)
			return 0, err
		}
	}
	if text != "" {
		s.sparse.Index(internalID, text)
	}
	return internalID, nil
}

// Update is semantically delete-then-insert preserving internal_id, per
// spec.md §3's lifecycle rule, when id already exists and dimension
// matches (or vector is omitted and only payload changes).
func (s *Shard) Update(id string, vector []float32, doc payload.Document, text string) error {
	s.mu.RLock()
	internalID, exists := s.idToInternal[id]
	s.mu.RUnlock()
	if !exists {
		return errs.Newf("shard_update", errs.NotFound, "id %q not found", id)
	}

	if vector != nil {
		if len(vector) != s.cfg.Dimension {
			return errs.Newf("shard_update", errs.InvalidInput, "vector dimension %d != collection dimension %d", len(vector), s.cfg.Dimension)
		}
		if s.cfg.Metric == kernel.Cosine {
			if kernel.ZeroNorm(vector) {
				return errs.Newf("shard_update", errs.InvalidInput, "zero-vector cosine update")
			}
			kernel.Normalize(vector)
		}
		if err := s.graph.Delete(internalID); err != nil {
			return err
		}
		// Delete only tombstones; compacting drops the old node so the
		// same internal_id can be inserted again.
		s.graph.Compact()
		if err := s.graph.Insert(internalID, vector); err != nil {
			return err
		}
	}
	if doc != nil {
		if err := s.payload.Put(internalID, doc); err != nil {
			return err
		}
	}
	if text != "" {
		s.sparse.Index(internalID, text)
	}
	return s.maybeCompact()
}

// Delete tombstones id's vector and removes its payload/sparse entries.
// Deleting an id that does not exist is a no-op (spec.md §4.4's
// idempotency rule for replayed WAL records).
func (s *Shard) Delete(id string) error {
	s.mu.Lock()
	internalID, exists := s.idToInternal[id]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.idToInternal, id)
	delete(s.internalToID, internalID)
	s.mu.Unlock()

	if err := s.graph.Delete(internalID); err != nil {
		return nil // already tombstoned or absent: idempotent
	}
	s.payload.Delete(internalID)
	s.sparse.Remove(internalID)
	return s.maybeCompact()
}

const compactionThreshold = 0.20

func (s *Shard) maybeCompact() error {
	if s.graph.TombstoneFraction() >= compactionThreshold {
		s.graph.Compact()
	}
	return nil
}

// SearchResult is a single ranked hit with its original string id.
type SearchResult struct {
	ID         string
	InternalID uint32
	Distance   float32
}

// Search runs plain ANN search, projecting internal ids back to string ids.
func (s *Shard) Search(query []float32, k int) ([]SearchResult, error) {
	if s.cfg.Metric == kernel.Cosine {
		if kernel.ZeroNorm(query) {
			return nil, errs.Newf("shard_search", errs.InvalidInput, "zero-vector cosine query")
		}
		q := make([]float32, len(query))
		copy(q, query)
		kernel.Normalize(q)
		query = q
	}
	hits, err := s.graph.Search(query, k, 0)
	if err != nil {
		return nil, err
	}
	return s.project(hits), nil
}

// FilteredSearch implements spec.md §4.3's crossover heuristic: when the
// equality predicate field=value is estimated to select at most ~5% of
// the shard, resolve candidates via the payload index and score them
// directly; otherwise run HNSW with an enlarged ef and post-filter.
func (s *Shard) FilteredSearch(query []float32, k int, field string, value any, predicate func(payload.Document) bool) ([]SearchResult, error) {
	if s.cfg.Metric == kernel.Cosine {
		if kernel.ZeroNorm(query) {
			return nil, errs.Newf("shard_filtered_search", errs.InvalidInput, "zero-vector cosine query")
		}
		q := make([]float32, len(query))
		copy(q, query)
		kernel.Normalize(q)
		query = q
	}

	total := s.graph.Len()
	if total == 0 {
		return []SearchResult{}, nil
	}
	cardinality := s.payload.Cardinality(field, value)
	fraction := float64(cardinality) / float64(total)

	if cardinality > 0 && fraction <= s.cfg.CrossoverThreshold {
		return s.bruteForceOverCandidates(query, k, s.payload.MatchEquals(field, value))
	}

	ef := int(float64(k) * s.cfg.OverFetchFactor)
	hits, err := s.graph.Search(query, ef, ef)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, k)
	for _, h := range hits {
		s.mu.RLock()
		id, ok := s.internalToID[h.ID]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		doc, _ := s.payload.Get(h.ID)
		if predicate != nil && !predicate(doc) {
			continue
		}
		out = append(out, SearchResult{ID: id, InternalID: h.ID, Distance: h.Distance})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func (s *Shard) bruteForceOverCandidates(query []float32, k int, candidates map[uint32]struct{}) ([]SearchResult, error) {
	type scored struct {
		id   uint32
		dist float32
	}
	scoredList := make([]scored, 0, len(candidates))
	for internalID := range candidates {
		vec, ok := s.vectorOf(internalID)
		if !ok {
			continue
		}
		d, err := kernel.Distance(s.cfg.Metric, query, vec)
		if err != nil {
			continue
		}
		scoredList = append(scoredList, scored{internalID, d})
	}
	for i := 1; i < len(scoredList); i++ {
		for j := i; j > 0 && (scoredList[j].dist < scoredList[j-1].dist ||
			(scoredList[j].dist == scoredList[j-1].dist && scoredList[j].id < scoredList[j-1].id)); j-- {
			scoredList[j], scoredList[j-1] = scoredList[j-1], scoredList[j]
		}
	}
	if len(scoredList) > k {
		scoredList = scoredList[:k]
	}
	out := make([]SearchResult, len(scoredList))
	for i, sc := range scoredList {
		s.mu.RLock()
		id := s.internalToID[sc.id]
		s.mu.RUnlock()
		out[i] = SearchResult{ID: id, InternalID: sc.id, Distance: sc.dist}
	}
	return out, nil
}

// vectorOf is used only by the brute-force candidate path; the graph
// already owns the canonical float32 data, so there is no second copy
// to maintain for non-quantized collections.
func (s *Shard) vectorOf(internalID uint32) ([]float32, bool) {
	return s.graph.VectorOf(internalID)
}

func (s *Shard) project(hits []hnsw.Result) []SearchResult {
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		s.mu.RLock()
		id, ok := s.internalToID[h.ID]
		s.mu.RUnlock()
		if ok {
			out = append(out, SearchResult{ID: id, InternalID: h.ID, Distance: h.Distance})
		}
	}
	return out
}

// SparseIndex returns the shard's BM25 index for hybrid search's sparse stage.
func (s *Shard) SparseIndex() *sparse.Index { return s.sparse }

// Graph exposes the HNSW index for the collection's snapshot writer.
func (s *Shard) Graph() *hnsw.Index { return s.graph }

// Payload exposes the payload store for the collection's snapshot writer.
func (s *Shard) Payload() *payload.Store { return s.payload }

// Len returns the number of live vectors in the shard.
func (s *Shard) Len() int { return s.graph.Len() }

// InternalIDFor returns the internal_id for id, if present.
func (s *Shard) InternalIDFor(id string) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	internalID, ok := s.idToInternal[id]
	return internalID, ok
}

// IDFor returns the string id for an internal_id, if present.
func (s *Shard) IDFor(internalID uint32) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.internalToID[internalID]
	return id, ok
}

// IDMap returns a copy of the id->internal_id routing table, for the
// collection's snapshot writer.
func (s *Shard) IDMap() map[string]uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint32, len(s.idToInternal))
	for id, internalID := range s.idToInternal {
		out[id] = internalID
	}
	return out
}

// Restore replaces the shard's graph, payload store, sparse index, and
// id routing table wholesale from a snapshot, used on collection load.
func (s *Shard) Restore(graph *hnsw.Index, payloadStore *payload.Store, sparseIndex *sparse.Index, idMap map[string]uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.graph = graph
	s.payload = payloadStore
	s.sparse = sparseIndex
	s.idToInternal = make(map[string]uint32, len(idMap))
	s.internalToID = make(map[uint32]string, len(idMap))
	var maxInternal uint32
	for id, internalID := range idMap {
		s.idToInternal[id] = internalID
		s.internalToID[internalID] = id
		if internalID > maxInternal {
			maxInternal = internalID
		}
	}
	s.nextInternal = maxInternal + 1
}
