// Package quantization implements the scalar (SQ-8) and product (PQ)
// vector codecs of spec.md §4.1: lossy float32 -> byte encodings with an
// asymmetric distance that never fully reconstructs the query side.
//
// Retraining an existing codec is forbidden by construction: Train sets
// an internal trained flag, and Train refuses to run again once it is
// set. Changing quantization parameters requires building a new
// collection, never mutating one in place.
package quantization

// Codec is the common interface for trained vector quantizers.
type Codec interface {
	// Encode compresses a vector to its code bytes. Fails if untrained
	// or if the vector's dimension does not match the codec's.
	Encode(vector []float32) ([]byte, error)
	// AsymmetricDistance scores a raw, unquantized query against a
	// stored code. PQ sums per-subspace table reads; SQ decodes the
	// code and compares the reconstruction.
	AsymmetricDistance(query []float32, code []byte) (float32, error)
	// Decode reconstructs an approximate vector from a code, used only
	// for diagnostics/compaction, never on the hot search path.
	Decode(code []byte) ([]float32, error)
}

// Kind identifies which codec a collection is configured with.
type Kind int

const (
	None Kind = iota
	Scalar
	Product
)
