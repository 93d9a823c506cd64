package quantization

import (
	"github.com/liliang-cn/vzr/pkg/errs"
)

// ScalarQuantizer implements SQ-8 (and, via NBits, SQ-1..SQ-8): per-dimension
// (min, scale) learned from a training sample. Components are bit-packed
// back to back; only the whole code is rounded up to a byte boundary.
type ScalarQuantizer struct {
	dimension int
	nbits     int
	min       []float32
	scale     []float32 // (max-min)/maxVal per dimension, precomputed so Encode/Decode never divide
	trained   bool
}

// NewScalarQuantizer creates an untrained SQ codec for dimension-length
// vectors, quantizing each component to nbits bits (1..8).
func NewScalarQuantizer(dimension, nbits int) (*ScalarQuantizer, error) {
	if dimension <= 0 {
		return nil, errs.Newf("sq_new", errs.InvalidInput, "dimension must be positive, got %d", dimension)
	}
	if nbits < 1 || nbits > 8 {
		return nil, errs.Newf("sq_new", errs.InvalidInput, "nbits must be in [1,8], got %d", nbits)
	}
	return &ScalarQuantizer{
		dimension: dimension,
		nbits:     nbits,
		min:       make([]float32, dimension),
		scale:     make([]float32, dimension),
	}, nil
}

// Train learns per-dimension (min,scale) from a sample of vectors. Train
// may run exactly once per codec instance; a second call fails.
func (sq *ScalarQuantizer) Train(vectors [][]float32) error {
	if sq.trained {
		return errs.Newf("sq_train", errs.Conflict, "quantizer already trained; create a new collection to retrain")
	}
	if len(vectors) == 0 {
		return errs.Newf("sq_train", errs.InvalidInput, "no training vectors provided")
	}

	maxv := make([]float32, sq.dimension)
	copy(sq.min, vectors[0])
	copy(maxv, vectors[0])

	for _, vec := range vectors {
		if len(vec) != sq.dimension {
			return errs.Newf("sq_train", errs.InvalidInput, "vector dimension %d != quantizer dimension %d", len(vec), sq.dimension)
		}
		for d, x := range vec {
			if x < sq.min[d] {
				sq.min[d] = x
			}
			if x > maxv[d] {
				maxv[d] = x
			}
		}
	}

	levels := float32((int(1) << uint(sq.nbits)) - 1)
	for d := 0; d < sq.dimension; d++ {
		span := maxv[d] - sq.min[d]
		if span <= 0 {
			span = 1e-6
		}
		sq.scale[d] = span / levels
	}
	sq.trained = true
	return nil
}

// Encode packs a vector's per-dimension quantization levels into a
// bit-dense byte slice.
func (sq *ScalarQuantizer) Encode(vector []float32) ([]byte, error) {
	if !sq.trained {
		return nil, errs.Newf("sq_encode", errs.InvalidInput, "quantizer not trained")
	}
	if len(vector) != sq.dimension {
		return nil, errs.Newf("sq_encode", errs.InvalidInput, "vector dimension %d != quantizer dimension %d", len(vector), sq.dimension)
	}

	bytesNeeded := (sq.dimension*sq.nbits + 7) / 8
	code := make([]byte, bytesNeeded)

	levels := float32((int(1) << uint(sq.nbits)) - 1)
	bitOffset := 0
	for d, x := range vector {
		level := uint32(clamp01((x-sq.min[d])/levelSpan(sq.scale[d], sq.nbits))*levels + 0.5)
		for b := 0; b < sq.nbits; b++ {
			if level&(1<<uint(b)) != 0 {
				code[bitOffset/8] |= 1 << uint(bitOffset%8)
			}
			bitOffset++
		}
	}
	return code, nil
}

// levelSpan reconstructs the (max-min) span from the stored per-dim scale
// for use as the normalization divisor during encode.
func levelSpan(scale float32, nbits int) float32 {
	levels := float32((int(1) << uint(nbits)) - 1)
	return scale * levels
}

func clamp01(x float32) float32 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Decode reconstructs an approximate vector from its SQ code.
func (sq *ScalarQuantizer) Decode(code []byte) ([]float32, error) {
	if !sq.trained {
		return nil, errs.Newf("sq_decode", errs.InvalidInput, "quantizer not trained")
	}
	out := make([]float32, sq.dimension)
	bitOffset := 0
	for d := 0; d < sq.dimension; d++ {
		var level uint32
		for b := 0; b < sq.nbits; b++ {
			byteIdx := bitOffset / 8
			if byteIdx >= len(code) {
				return nil, errs.Newf("sq_decode", errs.Corruption, "code too short for dimension %d", sq.dimension)
			}
			if code[byteIdx]&(1<<uint(bitOffset%8)) != 0 {
				level |= 1 << uint(b)
			}
			bitOffset++
		}
		out[d] = sq.min[d] + float32(level)*sq.scale[d]
	}
	return out, nil
}

// AsymmetricDistance computes squared-L2 distance between a raw query
// and a stored SQ code by decoding the code once (SQ decode is cheap:
// one multiply-add per dimension, unlike PQ's table lookups) and running
// the standard kernel on the reconstruction.
func (sq *ScalarQuantizer) AsymmetricDistance(query []float32, code []byte) (float32, error) {
	vec, err := sq.Decode(code)
	if err != nil {
		return 0, err
	}
	if len(query) != len(vec) {
		return 0, errs.Newf("sq_asym_dist", errs.InvalidInput, "query dimension %d != codec dimension %d", len(query), len(vec))
	}
	var sum float32
	for i := range query {
		d := query[i] - vec[i]
		sum += d * d
	}
	return sum, nil
}

var _ Codec = (*ScalarQuantizer)(nil)

// compressionRatio reports the bits-per-component savings, useful for
// operators sizing memory for a collection's quantization choice.
func (sq *ScalarQuantizer) compressionRatio() float32 {
	return float32(32) / float32(sq.nbits)
}
