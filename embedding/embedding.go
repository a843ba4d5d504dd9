// Package embedding defines the pluggable embedding boundary. PulseDB never
// executes models itself: the engine either validates caller-supplied
// vectors (External) or delegates to a consumer-provided Service.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrExternalProvider is returned when the engine is asked to generate an
// embedding but the database is configured with the External provider.
var ErrExternalProvider = errors.New("embedding: external provider cannot generate embeddings; supply one with the experience")

// Service produces a fixed-dimension vector per text.
// Implementations must be safe for concurrent use.
type Service interface {
	// Embed returns the embedding for text. The result length must equal
	// Dimension().
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed output dimension.
	Dimension() int
}

// External is the default provider: callers supply pre-computed embeddings
// and the engine only validates their length.
type External struct {
	Dim int
}

// Embed always fails; External never generates vectors.
func (External) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrExternalProvider
}

// Dimension returns the configured default dimension.
func (e External) Dimension() int { return e.Dim }

// ServiceFunc adapts a plain function into a Service, for consumers wiring
// in their own model runtime.
type ServiceFunc struct {
	Dim int
	Fn  func(ctx context.Context, text string) ([]float32, error)
}

// Embed invokes the wrapped function and validates the result length.
func (s ServiceFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.Fn(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding: inference failed: %w", err)
	}
	if len(vec) != s.Dim {
		return nil, fmt.Errorf("embedding: model returned %d dimensions, want %d", len(vec), s.Dim)
	}
	return vec, nil
}

// Dimension returns the fixed output dimension.
func (s ServiceFunc) Dimension() int { return s.Dim }
