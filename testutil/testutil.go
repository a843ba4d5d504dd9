// Package testutil provides deterministic helpers for PulseDB tests:
// seeded random vectors and a hash-based stand-in embedder.
package testutil

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
)

// RNG is a thread-safe seeded random number generator.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates a new RNG with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Reset returns the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Float32 returns a pseudo-random number in [0, 1).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// Vector returns a pseudo-random vector with components in [0, 1).
func (r *RNG) Vector(dim int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.rand.Float32()
	}
	return v
}

// Vectors returns n pseudo-random vectors.
func (r *RNG) Vectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = r.Vector(dim)
	}
	return out
}

// Embed deterministically maps text to a dim-length vector: equal texts get
// equal vectors; texts that differ at all, even by a shared prefix, get
// unrelated pseudo-random vectors. Good enough for
// exercising search plumbing without a model.
func Embed(text string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

// Embedder returns an embedding function over Embed, for wiring into
// embedding.ServiceFunc.
func Embedder(dim int) func(ctx context.Context, text string) ([]float32, error) {
	return func(_ context.Context, text string) ([]float32, error) {
		return Embed(text, dim), nil
	}
}
