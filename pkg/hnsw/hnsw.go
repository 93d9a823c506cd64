// Package hnsw implements the Hierarchical Navigable Small World graph
// index of spec.md §4.2: per-level neighbor lists keyed by internal_id,
// deterministic tie-breaking, and logical delete with tombstones.
package hnsw

import (
	"container/heap"
	"encoding/gob"
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/liliang-cn/vzr/pkg/errs"
	"github.com/liliang-cn/vzr/pkg/kernel"
)

// Params configures graph construction and search.
type Params struct {
	M              int // max bidirectional links per node above level 0
	EfConstruction int
	EfSearch       int
	Seed           int64
	Metric         kernel.Metric
}

// DefaultParams returns spec.md §6's documented defaults.
func DefaultParams(metric kernel.Metric) Params {
	return Params{M: 16, EfConstruction: 200, EfSearch: 64, Seed: 0, Metric: metric}
}

// node is the graph's unit of storage. Neighbors[l] is the ordered
// neighbor list at level l; level 0 always exists once the node is live.
type node struct {
	ID        uint32
	Vector    []float32
	Level     int
	Neighbors [][]uint32
}

// Index is a single HNSW graph over fixed-dimension float32 vectors.
type Index struct {
	mu sync.RWMutex

	dimension int
	params    Params
	mMax0     int
	levelMult float64
	rng       *rand.Rand

	nodes      map[uint32]*node
	tombstones map[uint32]struct{}
	entryID    uint32
	entryLevel int
	hasEntry   bool
}

// New creates an empty index for vectors of the given dimension.
func New(dimension int, p Params) *Index {
	if p.M <= 0 {
		p.M = 16
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = 200
	}
	if p.EfSearch <= 0 {
		p.EfSearch = 64
	}
	return &Index{
		dimension:  dimension,
		params:     p,
		mMax0:      p.M * 2,
		levelMult:  1.0 / math.Log(float64(p.M)),
		rng:        rand.New(rand.NewSource(p.Seed)),
		nodes:      make(map[uint32]*node),
		tombstones: make(map[uint32]struct{}),
	}
}

// SetEfSearch adjusts the search-time candidate width. This is the one
// HNSW parameter spec.md §3 allows to change after collection creation.
func (idx *Index) SetEfSearch(ef int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.params.EfSearch = ef
}

// Len returns the number of live (non-tombstoned) nodes.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes) - len(idx.tombstones)
}

func (idx *Index) drawLevel() int {
	u := idx.rng.Float64()
	for u <= 0 {
		u = idx.rng.Float64()
	}
	return int(math.Floor(-math.Log(u) * idx.levelMult))
}

func (idx *Index) validate(vector []float32) error {
	if len(vector) != idx.dimension {
		return errs.Newf("hnsw_insert", errs.InvalidInput, "vector dimension %d != index dimension %d", len(vector), idx.dimension)
	}
	for _, x := range vector {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return errs.Newf("hnsw_insert", errs.InvalidInput, "NaN/Inf in vector")
		}
	}
	return nil
}

func (idx *Index) dist(a, b []float32) float32 {
	d, err := kernel.Distance(idx.params.Metric, a, b)
	errs.Must("hnsw_dist", err == nil, "distance kernel failed on equal-length validated vectors: %v", err)
	return d
}

// Insert adds id/vector to the graph. The vector is validated and copied
// and the node's level drawn before the write lock is taken. The node is
// then registered and the neighbor lists of existing nodes are updated in
// place, level by level, as links to it are added; a panic part-way
// through is not rolled back and can leave some of those lists updated.
func (idx *Index) Insert(id uint32, vector []float32) error {
	if err := idx.validate(vector); err != nil {
		return err
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	level := idx.drawLevel()
	shadow := &node{ID: id, Vector: vec, Level: level, Neighbors: make([][]uint32, level+1)}
	for l := range shadow.Neighbors {
		shadow.Neighbors[l] = nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		return errs.Newf("hnsw_insert", errs.Conflict, "internal_id %d already present", id)
	}

	if !idx.hasEntry {
		idx.nodes[id] = shadow
		idx.entryID = id
		idx.entryLevel = level
		idx.hasEntry = true
		return nil
	}

	entry := idx.entryID
	for l := idx.entryLevel; l > level; l-- {
		entry = idx.greedyDescend(vec, entry, l)
	}

	// Registered before linking so addAndMaybeShrink can weigh the new
	// node alongside a neighbor's old links when it shrinks a list.
	idx.nodes[id] = shadow
	for l := min(level, idx.entryLevel); l >= 0; l-- {
		candidates := idx.searchLayer(vec, entry, idx.params.EfConstruction, l)
		maxConns := idx.params.M
		if l == 0 {
			maxConns = idx.mMax0
		}
		selected := idx.selectNeighbors(vec, candidates, maxConns)
		shadow.Neighbors[l] = selected
		if len(candidates) > 0 {
			entry = candidates[0].id
		}

		for _, nb := range selected {
			idx.addAndMaybeShrink(nb, id, l)
		}
	}

	if level > idx.entryLevel {
		idx.entryID = id
		idx.entryLevel = level
	}
	return nil
}

// addAndMaybeShrink appends newID to nb's neighbor list at level l,
// shrinking with the same heuristic if the bound is exceeded.
func (idx *Index) addAndMaybeShrink(nb, newID uint32, l int) {
	n := idx.nodes[nb]
	if n == nil || l >= len(n.Neighbors) {
		return
	}
	for _, existing := range n.Neighbors[l] {
		if existing == newID {
			return
		}
	}
	n.Neighbors[l] = append(n.Neighbors[l], newID)

	bound := idx.params.M
	if l == 0 {
		bound = idx.mMax0
	}
	if len(n.Neighbors[l]) <= bound {
		return
	}

	pool := make([]candidate, 0, len(n.Neighbors[l]))
	for _, c := range n.Neighbors[l] {
		if cn := idx.nodes[c]; cn != nil {
			pool = append(pool, candidate{id: c, dist: idx.dist(n.Vector, cn.Vector)})
		}
	}
	n.Neighbors[l] = idx.selectNeighbors(n.Vector, pool, bound)
}

// greedyDescend performs 1-nearest search at a single level starting
// from entry, used to descend from the entry point's top level down to
// the new node's level (spec.md §4.2 step 2).
func (idx *Index) greedyDescend(query []float32, entry uint32, level int) uint32 {
	current := entry
	currentDist := idx.dist(query, idx.nodes[current].Vector)
	for {
		improved := false
		for _, nb := range idx.neighborsAt(current, level) {
			n := idx.nodes[nb]
			if n == nil {
				continue
			}
			d := idx.dist(query, n.Vector)
			if d < currentDist {
				currentDist = d
				current = nb
				improved = true
			}
		}
		if !improved {
			return current
		}
	}
}

func (idx *Index) neighborsAt(id uint32, level int) []uint32 {
	n := idx.nodes[id]
	if n == nil || level >= len(n.Neighbors) {
		return nil
	}
	return n.Neighbors[level]
}

type candidate struct {
	id   uint32
	dist float32
}

// searchLayer runs the beam search of spec.md §4.2 step 3 at a single
// level, returning up to ef candidates sorted by ascending distance
// (ties broken by ascending id).
func (idx *Index) searchLayer(query []float32, entry uint32, ef int, level int) []candidate {
	visited := map[uint32]bool{entry: true}
	entryDist := idx.dist(query, idx.nodes[entry].Vector)

	cands := &candidateHeap{less: func(a, b candidate) bool { return closer(a, b) }}
	heap.Push(cands, candidate{id: entry, dist: entryDist})

	best := &candidateHeap{less: func(a, b candidate) bool { return farther(a, b) }}
	heap.Push(best, candidate{id: entry, dist: entryDist})

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		worst := (*best.items)[0]
		if c.dist > worst.dist && best.Len() >= ef {
			break
		}
		for _, nb := range idx.neighborsAt(c.id, level) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			n := idx.nodes[nb]
			if n == nil {
				continue
			}
			d := idx.dist(query, n.Vector)
			if best.Len() < ef || d < (*best.items)[0].dist {
				heap.Push(cands, candidate{id: nb, dist: d})
				heap.Push(best, candidate{id: nb, dist: d})
				if best.Len() > ef {
					heap.Pop(best)
				}
			}
		}
	}

	out := make([]candidate, len(*best.items))
	copy(out, *best.items)
	sortCandidates(out)
	return out
}

// selectNeighbors implements spec.md §4.2 step 3's heuristic: starting
// from the closest candidate, accept a candidate iff it is closer to the
// new node than to every already-accepted neighbor, until bound is reached.
func (idx *Index) selectNeighbors(query []float32, candidates []candidate, bound int) []uint32 {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sortCandidates(sorted)

	accepted := make([]candidate, 0, bound)
	for _, c := range sorted {
		if len(accepted) >= bound {
			break
		}
		good := true
		for _, a := range accepted {
			an := idx.nodes[a.id]
			cn := idx.nodes[c.id]
			if an == nil || cn == nil {
				continue
			}
			if idx.dist(cn.Vector, an.Vector) < c.dist {
				good = false
				break
			}
		}
		if good {
			accepted = append(accepted, c)
		}
	}
	ids := make([]uint32, len(accepted))
	for i, a := range accepted {
		ids[i] = a.id
	}
	return ids
}

// Result is a single ranked search hit.
type Result struct {
	ID       uint32
	Distance float32
}

// Search returns the top-k nearest live nodes to query, breaking ties by
// ascending internal_id (spec.md §4.2 step 4, §8 property).
func (idx *Index) Search(query []float32, k, ef int) ([]Result, error) {
	if err := idx.validate(query); err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry || k <= 0 {
		return []Result{}, nil
	}
	if ef < k {
		ef = k
	}
	if ef < idx.params.EfSearch {
		ef = idx.params.EfSearch
	}

	entry := idx.entryID
	for l := idx.entryLevel; l > 0; l-- {
		entry = idx.greedyDescend(query, entry, l)
	}

	cands := idx.searchLayer(query, entry, ef, 0)

	live := cands[:0:0]
	for _, c := range cands {
		if _, dead := idx.tombstones[c.id]; !dead {
			live = append(live, c)
		}
	}
	sortCandidates(live)

	if len(live) > k {
		live = live[:k]
	}
	out := make([]Result, len(live))
	for i, c := range live {
		out[i] = Result{ID: c.id, Distance: c.dist}
	}
	return out, nil
}

// VectorOf returns the stored vector for a live or tombstoned internal_id,
// used by callers (e.g. the shard's filtered brute-force path) that need
// the raw vector for a candidate set gathered outside of Search.
func (idx *Index) VectorOf(id uint32) ([]float32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n, ok := idx.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Vector, true
}

// Delete logically tombstones id: its neighbor-list entries persist
// until the next Compact, but it is filtered from every Search output.
func (idx *Index) Delete(id uint32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.nodes[id]; !ok {
		return errs.Newf("hnsw_delete", errs.NotFound, "internal_id %d not present", id)
	}
	idx.tombstones[id] = struct{}{}
	return nil
}

// TombstoneFraction reports live-deleted / total, used to trigger
// compaction per spec.md §4.2's default 20% threshold.
func (idx *Index) TombstoneFraction() float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.nodes) == 0 {
		return 0
	}
	return float64(len(idx.tombstones)) / float64(len(idx.nodes))
}

// Compact rebuilds the graph from scratch using only live vectors,
// dropping tombstoned nodes entirely and reassigning a fresh entry
// point. Edge ids referencing removed nodes cannot reappear afterward.
func (idx *Index) Compact() {
	idx.mu.Lock()
	live := make(map[uint32][]float32, len(idx.nodes)-len(idx.tombstones))
	for id, n := range idx.nodes {
		if _, dead := idx.tombstones[id]; !dead {
			live[id] = n.Vector
		}
	}
	idx.mu.Unlock()

	rebuilt := New(idx.dimension, idx.params)
	rebuilt.rng = idx.rng
	for id, vec := range live {
		_ = rebuilt.Insert(id, vec)
	}

	idx.mu.Lock()
	idx.nodes = rebuilt.nodes
	idx.tombstones = make(map[uint32]struct{})
	idx.entryID = rebuilt.entryID
	idx.entryLevel = rebuilt.entryLevel
	idx.hasEntry = rebuilt.hasEntry
	idx.mu.Unlock()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func closer(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.id < b.id
}

func farther(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.id > b.id
}

func sortCandidates(c []candidate) {
	// insertion sort: candidate sets here are bounded by ef, small enough
	// that an allocation-free sort beats pulling in sort.Slice's closures.
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && closer(c[j], c[j-1]); j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// gobNode/gobGraph are the wire shapes for Save/Load, kept distinct from
// node so the exported graph package (pkg/snapshot) never depends on
// hnsw's unexported fields directly.
type gobNode struct {
	ID        uint32
	Vector    []float32
	Level     int
	Neighbors [][]uint32
}

// Save serializes the graph (params, entry point, nodes, tombstones)
// with encoding/gob, matching the teacher's pkg/index/hnsw.go approach.
func (idx *Index) Save(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	enc := gob.NewEncoder(w)
	if err := enc.Encode(idx.dimension); err != nil {
		return err
	}
	if err := enc.Encode(idx.params); err != nil {
		return err
	}
	if err := enc.Encode(idx.entryID); err != nil {
		return err
	}
	if err := enc.Encode(idx.entryLevel); err != nil {
		return err
	}
	if err := enc.Encode(idx.hasEntry); err != nil {
		return err
	}
	nodes := make([]gobNode, 0, len(idx.nodes))
	for _, n := range idx.nodes {
		nodes = append(nodes, gobNode{ID: n.ID, Vector: n.Vector, Level: n.Level, Neighbors: n.Neighbors})
	}
	if err := enc.Encode(nodes); err != nil {
		return err
	}
	tomb := make([]uint32, 0, len(idx.tombstones))
	for id := range idx.tombstones {
		tomb = append(tomb, id)
	}
	return enc.Encode(tomb)
}

// Load replaces the index's contents with a graph previously written by Save.
func Load(r io.Reader) (*Index, error) {
	dec := gob.NewDecoder(r)
	var dimension int
	var params Params
	var entryID uint32
	var entryLevel int
	var hasEntry bool
	var nodes []gobNode
	var tomb []uint32

	for _, err := range []error{
		dec.Decode(&dimension),
		dec.Decode(&params),
		dec.Decode(&entryID),
		dec.Decode(&entryLevel),
		dec.Decode(&hasEntry),
		dec.Decode(&nodes),
		dec.Decode(&tomb),
	} {
		if err != nil {
			return nil, errs.Newf("hnsw_load", errs.Corruption, "decode graph: %v", err)
		}
	}

	idx := New(dimension, params)
	idx.entryID = entryID
	idx.entryLevel = entryLevel
	idx.hasEntry = hasEntry
	for _, n := range nodes {
		idx.nodes[n.ID] = &node{ID: n.ID, Vector: n.Vector, Level: n.Level, Neighbors: n.Neighbors}
	}
	for _, id := range tomb {
		idx.tombstones[id] = struct{}{}
	}
	return idx, nil
}
