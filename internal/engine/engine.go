package engine

import (
	"context"

	"github.com/raaihank/hebrew-safe-harbor/internal/document"
)

// Engine is the external de-identification engine. Recognition, conflict
// resolution and masking all happen behind this boundary.
type Engine interface {
	// Name identifies the engine in logs and /info
	Name() string

	// Initialize blocks until the engine is able to serve requests or ctx ends
	Initialize(ctx context.Context) error

	// Anonymize returns one OutputDocument per input, in order. Each output's
	// Entities and Masks must be the same length and positionally aligned.
	Anonymize(ctx context.Context, docs []document.InputDocument) ([]document.OutputDocument, error)
}

// Ensure PresidioEngine implements the interface
var _ Engine = (*PresidioEngine)(nil)
