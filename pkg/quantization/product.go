package quantization

import (
	"math"
	"math/rand"

	"github.com/liliang-cn/vzr/pkg/errs"
)

// ProductQuantizer partitions a D-dimensional vector into M subspaces and
// encodes each subspace by its nearest of K=2^bits centroids, learned via
// k-means. AsymmetricDistance precomputes an M x K lookup table per query
// (squared distance from the query's subvector to every centroid) and then
// sums one table read per candidate's M codes, per spec.md §4.1.
type ProductQuantizer struct {
	dimension int
	subspaces int
	subDim    int
	k         int // 2^bits centroids per subspace
	codebooks [][][]float32
	trained   bool
}

// NewProductQuantizer creates an untrained PQ codec. dimension must be
// evenly divisible by subspaces; bits must keep k = 2^bits within a byte.
func NewProductQuantizer(dimension, subspaces, bits int) (*ProductQuantizer, error) {
	if dimension <= 0 || subspaces <= 0 {
		return nil, errs.Newf("pq_new", errs.InvalidInput, "dimension and subspaces must be positive")
	}
	if dimension%subspaces != 0 {
		return nil, errs.Newf("pq_new", errs.InvalidInput, "dimension %d not divisible by subspaces %d", dimension, subspaces)
	}
	if bits < 1 || bits > 8 {
		return nil, errs.Newf("pq_new", errs.InvalidInput, "bits must be in [1,8], got %d", bits)
	}
	k := 1 << uint(bits)
	return &ProductQuantizer{
		dimension: dimension,
		subspaces: subspaces,
		subDim:    dimension / subspaces,
		k:         k,
		codebooks: make([][][]float32, subspaces),
	}, nil
}

// Train runs k-means independently per subspace. Train may run exactly
// once; retraining an existing codec is rejected (spec.md §4.1).
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if pq.trained {
		return errs.Newf("pq_train", errs.Conflict, "quantizer already trained; create a new collection to retrain")
	}
	if len(vectors) < pq.k {
		return errs.Newf("pq_train", errs.InvalidInput, "need at least %d training vectors, got %d", pq.k, len(vectors))
	}

	for m := 0; m < pq.subspaces; m++ {
		start := m * pq.subDim
		end := start + pq.subDim
		sub := make([][]float32, len(vectors))
		for i, v := range vectors {
			if len(v) != pq.dimension {
				return errs.Newf("pq_train", errs.InvalidInput, "vector dimension %d != quantizer dimension %d", len(v), pq.dimension)
			}
			sub[i] = v[start:end]
		}
		centroids, err := kMeans(sub, pq.k, 20)
		if err != nil {
			return errs.Newf("pq_train", errs.InvalidInput, "k-means failed for subspace %d: %v", m, err)
		}
		pq.codebooks[m] = centroids
	}
	pq.trained = true
	return nil
}

// Encode assigns each subvector to its nearest centroid, one byte per subspace.
func (pq *ProductQuantizer) Encode(vector []float32) ([]byte, error) {
	if !pq.trained {
		return nil, errs.Newf("pq_encode", errs.InvalidInput, "quantizer not trained")
	}
	if len(vector) != pq.dimension {
		return nil, errs.Newf("pq_encode", errs.InvalidInput, "vector dimension %d != quantizer dimension %d", len(vector), pq.dimension)
	}

	codes := make([]byte, pq.subspaces)
	for m := 0; m < pq.subspaces; m++ {
		start := m * pq.subDim
		sub := vector[start : start+pq.subDim]
		codes[m] = byte(nearestCentroid(sub, pq.codebooks[m]))
	}
	return codes, nil
}

// Decode reconstructs an approximate vector by concatenating each
// subspace's assigned centroid.
func (pq *ProductQuantizer) Decode(codes []byte) ([]float32, error) {
	if !pq.trained {
		return nil, errs.Newf("pq_decode", errs.InvalidInput, "quantizer not trained")
	}
	if len(codes) != pq.subspaces {
		return nil, errs.Newf("pq_decode", errs.Corruption, "code length %d != subspaces %d", len(codes), pq.subspaces)
	}
	out := make([]float32, pq.dimension)
	for m := 0; m < pq.subspaces; m++ {
		idx := int(codes[m])
		if idx >= pq.k {
			return nil, errs.Newf("pq_decode", errs.Corruption, "code %d out of range for subspace %d", idx, m)
		}
		copy(out[m*pq.subDim:(m+1)*pq.subDim], pq.codebooks[m][idx])
	}
	return out, nil
}

// AsymmetricDistance precomputes one M x K lookup table for the query
// (squared distance from each query subvector to every centroid in that
// subspace) and then sums M table reads — the per-candidate cost spec.md
// §4.1 calls out, independent of the original dimensionality.
func (pq *ProductQuantizer) AsymmetricDistance(query []float32, code []byte) (float32, error) {
	if !pq.trained {
		return 0, errs.Newf("pq_asym_dist", errs.InvalidInput, "quantizer not trained")
	}
	if len(query) != pq.dimension {
		return 0, errs.Newf("pq_asym_dist", errs.InvalidInput, "query dimension %d != quantizer dimension %d", len(query), pq.dimension)
	}
	if len(code) != pq.subspaces {
		return 0, errs.Newf("pq_asym_dist", errs.Corruption, "code length %d != subspaces %d", len(code), pq.subspaces)
	}

	table := pq.buildLookupTable(query)
	var total float32
	for m := 0; m < pq.subspaces; m++ {
		total += table[m][code[m]]
	}
	return total, nil
}

// buildLookupTable computes, for each subspace m and centroid k, the
// squared distance from query's m-th subvector to that centroid.
func (pq *ProductQuantizer) buildLookupTable(query []float32) [][]float32 {
	table := make([][]float32, pq.subspaces)
	for m := 0; m < pq.subspaces; m++ {
		start := m * pq.subDim
		sub := query[start : start+pq.subDim]
		row := make([]float32, pq.k)
		for k := 0; k < pq.k; k++ {
			row[k] = sqL2(sub, pq.codebooks[m][k])
		}
		table[m] = row
	}
	return table
}

func nearestCentroid(v []float32, centroids [][]float32) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for i, c := range centroids {
		d := sqL2(v, c)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func sqL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// kMeans runs Lloyd's algorithm for maxIters iterations over points,
// returning k centroids. Centroids are seeded from distinct training
// points (a lightweight k-means++-style spread via random non-repeating
// picks) so that small or skewed samples still produce k distinct seeds.
func kMeans(points [][]float32, k, maxIters int) ([][]float32, error) {
	if len(points) < k {
		return nil, errs.Newf("kmeans", errs.InvalidInput, "need at least %d points for %d centroids", k, k)
	}
	dim := len(points[0])

	perm := rand.Perm(len(points))
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		c := make([]float32, dim)
		copy(c, points[perm[i]])
		centroids[i] = c
	}

	assign := make([]int, len(points))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, p := range points {
			a := nearestCentroid(p, centroids)
			if a != assign[i] {
				assign[i] = a
				changed = true
			}
		}

		sums := make([][]float32, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, p := range points {
			a := assign[i]
			counts[a]++
			for d := 0; d < dim; d++ {
				sums[a][d] += p[d]
			}
		}
		for i := 0; i < k; i++ {
			if counts[i] == 0 {
				continue // keep previous centroid; an empty cluster contributes nothing to retrain
			}
			for d := 0; d < dim; d++ {
				centroids[i][d] = sums[i][d] / float32(counts[i])
			}
		}

		if !changed && iter > 0 {
			break
		}
	}
	return centroids, nil
}

var _ Codec = (*ProductQuantizer)(nil)
