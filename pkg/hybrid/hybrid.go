// Package hybrid implements the fusion pipeline of spec.md §4.7: a dense
// ANN stage and a sparse BM25 stage combined by Reciprocal Rank Fusion,
// a min-max-normalized weighted blend, or a pure alpha blend.
package hybrid

import (
	"sort"
	"strings"
)

// Algorithm selects the fusion strategy.
type Algorithm int

const (
	RRF Algorithm = iota
	Weighted
	AlphaBlend
)

const rrfK = 60

// DenseHit is one result from the dense (ANN) stage.
type DenseHit struct {
	ID       string
	Distance float32
}

// SparseHit is one result from the sparse (BM25) stage.
type SparseHit struct {
	ID    string
	Score float64
}

// Promotion boosts (and optionally pins) documents whose file_path
// matches one of Patterns, per spec.md §4.7's README-promotion rule.
type Promotion struct {
	Enabled  bool
	Patterns []string
	Boost    float64
	Pin      bool
}

// Result is a single fused hit.
type Result struct {
	ID     string
	Score  float64
	Pinned bool
}

// Fuse combines dense and sparse result lists into up to k ranked hits.
func Fuse(dense []DenseHit, sparse []SparseHit, k int, alpha float64, algo Algorithm, promo Promotion) []Result {
	denseRank := rankDense(dense)
	sparseRank := rankSparse(sparse)

	ids := make(map[string]struct{})
	for id := range denseRank {
		ids[id] = struct{}{}
	}
	for id := range sparseRank {
		ids[id] = struct{}{}
	}

	var denseScoreByID, sparseScoreByID map[string]float64
	if algo == Weighted {
		denseScoreByID = normalizeDense(dense)
		sparseScoreByID = normalizeSparse(sparse)
	}

	results := make([]Result, 0, len(ids))
	for id := range ids {
		var score float64
		switch algo {
		case RRF:
			score = rrfScore(denseRank, sparseRank, id, alpha)
		case Weighted:
			score = alpha*denseScoreByID[id] + (1-alpha)*sparseScoreByID[id]
		case AlphaBlend:
			score = alphaBlendScore(dense, sparse, id, alpha)
		}
		results = append(results, Result{ID: id, Score: score})
	}

	if promo.Enabled {
		applyPromotion(results, promo)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Pinned != results[j].Pinned {
			return results[i].Pinned
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func rankDense(hits []DenseHit) map[string]int {
	sorted := append([]DenseHit(nil), hits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Distance < sorted[j].Distance })
	ranks := make(map[string]int, len(sorted))
	for i, h := range sorted {
		ranks[h.ID] = i + 1
	}
	return ranks
}

func rankSparse(hits []SparseHit) map[string]int {
	sorted := append([]SparseHit(nil), hits...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	ranks := make(map[string]int, len(sorted))
	for i, h := range sorted {
		ranks[h.ID] = i + 1
	}
	return ranks
}

// rrfScore is absent (rank == 0) contributes 0 for that stage, matching
// the usual RRF convention that an unranked document only scores from
// the stage(s) that actually surfaced it.
func rrfScore(denseRank, sparseRank map[string]int, id string, alpha float64) float64 {
	var score float64
	if r, ok := denseRank[id]; ok {
		score += alpha / float64(rrfK+r)
	}
	if r, ok := sparseRank[id]; ok {
		score += (1 - alpha) / float64(rrfK+r)
	}
	return score
}

func normalizeDense(hits []DenseHit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	min, max := hits[0].Distance, hits[0].Distance
	for _, h := range hits {
		if h.Distance < min {
			min = h.Distance
		}
		if h.Distance > max {
			max = h.Distance
		}
	}
	span := float64(max - min)
	for _, h := range hits {
		if span == 0 {
			out[h.ID] = 1
			continue
		}
		// smaller distance is better, so invert after min-max normalization
		out[h.ID] = 1 - (float64(h.Distance-min) / span)
	}
	return out
}

func normalizeSparse(hits []SparseHit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	span := max - min
	for _, h := range hits {
		if span == 0 {
			out[h.ID] = 1
			continue
		}
		out[h.ID] = (h.Score - min) / span
	}
	return out
}

// alphaBlendScore special-cases alpha at the extremes: at alpha==0 only
// the sparse stage contributes, at alpha==1 only dense, matching
// spec.md §4.7's "only one stage contributes if alpha in {0,1}" rule.
func alphaBlendScore(dense []DenseHit, sparse []SparseHit, id string, alpha float64) float64 {
	denseNorm := normalizeDense(dense)
	sparseNorm := normalizeSparse(sparse)
	if alpha <= 0 {
		return sparseNorm[id]
	}
	if alpha >= 1 {
		return denseNorm[id]
	}
	return alpha*denseNorm[id] + (1-alpha)*sparseNorm[id]
}

func applyPromotion(results []Result, promo Promotion) {
	for i := range results {
		if matchesAny(results[i].ID, promo.Patterns) {
			results[i].Score *= promo.Boost
			if promo.Pin {
				results[i].Pinned = true
			}
		}
	}
}

func matchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}
