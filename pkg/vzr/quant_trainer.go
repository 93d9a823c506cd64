package vzr

import (
	"sync"

	"github.com/liliang-cn/vzr/pkg/quantization"
)

// quantTrainer buffers inserted vectors until TrainingBatch is reached,
// then trains the configured codec exactly once, per spec.md §4.1's
// one-shot training rule: a collection is either trained once at
// creation-time warmup or never retrained.
type quantTrainer struct {
	mu      sync.Mutex
	cfg     QuantizationConfig
	buf     [][]float32
	trained bool
}

func newQuantTrainer(cfg QuantizationConfig) *quantTrainer {
	return &quantTrainer{cfg: cfg}
}

// observe buffers vector and, once TrainingBatch samples have
// accumulated, trains a codec and returns it with ready=true. Every
// call after the first successful training is a no-op.
func (t *quantTrainer) observe(vector []float32) (codec quantization.Codec, ready bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.trained {
		return nil, false
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	t.buf = append(t.buf, vec)
	if len(t.buf) < t.cfg.TrainingBatch {
		return nil, false
	}

	dimension := len(t.buf[0])
	c, err := t.cfg.newCodec(dimension)
	if err != nil || c == nil {
		t.trained = true
		return nil, false
	}
	trainable, ok := c.(interface{ Train(vectors [][]float32) error })
	if !ok {
		t.trained = true
		return nil, false
	}
	if err := trainable.Train(t.buf); err != nil {
		t.trained = true
		return nil, false
	}
	t.trained = true
	t.buf = nil
	return c, true
}
