package encode

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"os"
)

// stubEncoder produces deterministic pseudo-random unit vectors seeded from
// the input bytes. Unlike a zero-vector noop, identical inputs always map to
// the same vector and distinct inputs land far apart, so similarity search
// and the worker pipeline behave meaningfully without an inference server.
type stubEncoder struct {
	dim   int
	model string
}

func newStub(cfg Config) *stubEncoder {
	return &stubEncoder{dim: cfg.Dimension, model: cfg.Model + "-stub"}
}

func (s *stubEncoder) EncodeText(_ context.Context, text string) ([]float32, error) {
	return s.fromSeed([]byte(text)), nil
}

func (s *stubEncoder) EncodeImage(_ context.Context, path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	return s.fromSeed(data), nil
}

func (s *stubEncoder) fromSeed(data []byte) []float32 {
	sum := sha256.Sum256(data)
	rng := rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(sum[0:8]),
		binary.LittleEndian.Uint64(sum[8:16]),
	))
	vec := make([]float32, s.dim)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64())
	}
	return Normalize(vec)
}

func (s *stubEncoder) Dimension() int { return s.dim }
func (s *stubEncoder) Model() string  { return s.model }
