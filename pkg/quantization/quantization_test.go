package quantization

import (
	"math/rand"
	"testing"
)

func randVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = r.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func TestScalarQuantizerRoundTrip(t *testing.T) {
	dim := 16
	sq, err := NewScalarQuantizer(dim, 8)
	if err != nil {
		t.Fatal(err)
	}
	train := randVectors(200, dim, 1)
	if err := sq.Train(train); err != nil {
		t.Fatal(err)
	}

	v := train[0]
	code, err := sq.Encode(v)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := sq.Decode(code)
	if err != nil {
		t.Fatal(err)
	}
	for i := range v {
		if diff := v[i] - decoded[i]; diff > 0.05 || diff < -0.05 {
			t.Fatalf("dimension %d: reconstructed %v too far from original %v", i, decoded[i], v[i])
		}
	}
}

func TestScalarQuantizerRejectsRetrain(t *testing.T) {
	sq, _ := NewScalarQuantizer(4, 8)
	train := randVectors(10, 4, 1)
	if err := sq.Train(train); err != nil {
		t.Fatal(err)
	}
	if err := sq.Train(train); err == nil {
		t.Fatal("expected retraining to be rejected")
	}
}

func TestScalarQuantizerAsymmetricDistance(t *testing.T) {
	dim := 8
	sq, _ := NewScalarQuantizer(dim, 8)
	train := randVectors(100, dim, 2)
	if err := sq.Train(train); err != nil {
		t.Fatal(err)
	}
	q := train[5]
	code, _ := sq.Encode(train[5])
	dist, err := sq.AsymmetricDistance(q, code)
	if err != nil {
		t.Fatal(err)
	}
	if dist > 0.01 {
		t.Fatalf("distance to own (re-encoded) vector too large: %v", dist)
	}
}

func TestProductQuantizerTrainAndEncode(t *testing.T) {
	dim := 8
	pq, err := NewProductQuantizer(dim, 2, 4) // k=16 centroids
	if err != nil {
		t.Fatal(err)
	}
	train := randVectors(64, dim, 3)
	if err := pq.Train(train); err != nil {
		t.Fatal(err)
	}

	code, err := pq.Encode(train[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 2 {
		t.Fatalf("expected 2 codes (one per subspace), got %d", len(code))
	}

	dist, err := pq.AsymmetricDistance(train[0], code)
	if err != nil {
		t.Fatal(err)
	}
	if dist < 0 {
		t.Fatalf("distance must be non-negative, got %v", dist)
	}
}

func TestProductQuantizerRejectsRetrain(t *testing.T) {
	pq, _ := NewProductQuantizer(4, 2, 2)
	train := randVectors(16, 4, 4)
	if err := pq.Train(train); err != nil {
		t.Fatal(err)
	}
	if err := pq.Train(train); err == nil {
		t.Fatal("expected retraining to be rejected")
	}
}

func TestProductQuantizerRejectsBadDimension(t *testing.T) {
	if _, err := NewProductQuantizer(7, 2, 4); err == nil {
		t.Fatal("expected error: 7 not divisible by 2")
	}
}
