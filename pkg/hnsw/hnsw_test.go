package hnsw

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/liliang-cn/vzr/pkg/kernel"
)

func TestEmptyIndexSearchReturnsEmpty(t *testing.T) {
	idx := New(3, DefaultParams(kernel.Cosine))
	results, err := idx.Search([]float32{1, 0, 0}, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
}

func TestInsertThenSearchFindsExactMatch(t *testing.T) {
	idx := New(3, DefaultParams(kernel.Cosine))
	if err := idx.Insert(1, []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(2, []float32{0, 1, 0}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(3, []float32{0, 0, 1}); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search([]float32{1, 0, 0}, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != 1 {
		t.Fatalf("expected id 1 first, got %d", results[0].ID)
	}
	if results[0].Distance > 1e-4 {
		t.Fatalf("expected ~0 distance for exact match, got %v", results[0].Distance)
	}
}

func TestKGreaterThanSizeReturnsAllLive(t *testing.T) {
	idx := New(2, DefaultParams(kernel.Euclidean))
	idx.Insert(1, []float32{0, 0})
	idx.Insert(2, []float32{1, 1})
	results, err := idx.Search([]float32{0, 0}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
}

func TestKZeroReturnsEmpty(t *testing.T) {
	idx := New(2, DefaultParams(kernel.Euclidean))
	idx.Insert(1, []float32{0, 0})
	results, err := idx.Search([]float32{0, 0}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results for k=0, got %d", len(results))
	}
}

func TestDeletedNodeNeverReturned(t *testing.T) {
	idx := New(2, DefaultParams(kernel.Euclidean))
	idx.Insert(1, []float32{0, 0})
	idx.Insert(2, []float32{0.01, 0.01})
	if err := idx.Delete(1); err != nil {
		t.Fatal(err)
	}
	results, err := idx.Search([]float32{0, 0}, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.ID == 1 {
			t.Fatal("deleted id returned by search")
		}
	}
}

func TestInsertDeleteInsertCycleNeverReturnsDeleted(t *testing.T) {
	idx := New(2, DefaultParams(kernel.Euclidean))
	for cycle := 0; cycle < 5; cycle++ {
		id := uint32(cycle + 100)
		if err := idx.Insert(id, []float32{float32(cycle), 0}); err != nil {
			t.Fatal(err)
		}
		if err := idx.Delete(id); err != nil {
			t.Fatal(err)
		}
		results, _ := idx.Search([]float32{float32(cycle), 0}, 5, 0)
		for _, r := range results {
			if r.ID == id {
				t.Fatalf("cycle %d: deleted id resurfaced", cycle)
			}
		}
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	idx := New(3, DefaultParams(kernel.Cosine))
	if err := idx.Insert(1, []float32{1, 0}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestTieBreakAscendingInternalID(t *testing.T) {
	idx := New(2, DefaultParams(kernel.Euclidean))
	idx.Insert(5, []float32{1, 0})
	idx.Insert(3, []float32{1, 0})
	idx.Insert(9, []float32{1, 0})
	results, err := idx.Search([]float32{1, 0}, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != 3 || results[1].ID != 5 || results[2].ID != 9 {
		t.Fatalf("expected ascending-id tie break [3,5,9], got %v", results)
	}
}

func TestCompactDropsTombstonedNodes(t *testing.T) {
	idx := New(2, DefaultParams(kernel.Euclidean))
	for i := uint32(0); i < 50; i++ {
		idx.Insert(i, []float32{float32(i), float32(i)})
	}
	for i := uint32(0); i < 20; i++ {
		idx.Delete(i)
	}
	idx.Compact()
	if idx.Len() != 30 {
		t.Fatalf("expected 30 live nodes after compaction, got %d", idx.Len())
	}
	results, _ := idx.Search([]float32{1, 1}, 50, 0)
	for _, r := range results {
		if r.ID < 20 {
			t.Fatalf("compacted graph still returns tombstoned id %d", r.ID)
		}
	}
}

func TestRecallAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	dim := 32
	n := 500

	vectors := make(map[uint32][]float32, n)
	idx := New(dim, DefaultParams(kernel.Euclidean))
	for i := uint32(0); i < uint32(n); i++ {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()
		}
		vectors[i] = v
		if err := idx.Insert(i, v); err != nil {
			t.Fatal(err)
		}
	}

	queries := 20
	k := 10
	var totalRecall float64
	for q := 0; q < queries; q++ {
		query := make([]float32, dim)
		for d := range query {
			query[d] = rng.Float32()
		}

		bruteForce := bruteForceTopK(vectors, query, k)
		approx, err := idx.Search(query, k, 128)
		if err != nil {
			t.Fatal(err)
		}

		approxSet := make(map[uint32]bool, len(approx))
		for _, r := range approx {
			approxSet[r.ID] = true
		}
		hits := 0
		for _, id := range bruteForce {
			if approxSet[id] {
				hits++
			}
		}
		totalRecall += float64(hits) / float64(k)
	}

	avgRecall := totalRecall / float64(queries)
	if avgRecall < 0.8 {
		t.Fatalf("recall@%d = %.2f, want >= 0.8 (relaxed bound for small n/test speed)", k, avgRecall)
	}
}

func bruteForceTopK(vectors map[uint32][]float32, query []float32, k int) []uint32 {
	type scored struct {
		id   uint32
		dist float32
	}
	all := make([]scored, 0, len(vectors))
	for id, v := range vectors {
		d, _ := kernel.SqL2(query, v)
		all = append(all, scored{id, d})
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].dist < all[j-1].dist; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) > k {
		all = all[:k]
	}
	out := make([]uint32, len(all))
	for i, s := range all {
		out[i] = s.id
	}
	return out
}

func TestSaveLoadRoundTrip(t *testing.T) {
	idx := New(2, DefaultParams(kernel.Euclidean))
	for i := uint32(0); i < 30; i++ {
		idx.Insert(i, []float32{float32(i), float32(i) * 2})
	}
	idx.Delete(5)

	var buf bytes.Buffer
	if err := idx.Save(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Len() != idx.Len() {
		t.Fatalf("loaded graph has %d live nodes, want %d", loaded.Len(), idx.Len())
	}
	results, _ := loaded.Search([]float32{10, 20}, 3, 0)
	if len(results) != 3 {
		t.Fatalf("expected 3 results from loaded graph, got %d", len(results))
	}
}
