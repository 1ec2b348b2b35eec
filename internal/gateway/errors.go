package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineUnavailable is returned while the engine is loading or after it failed to load
	ErrEngineUnavailable = errors.New("anonymization engine is not available")

	// ErrMisaligned means the engine returned a different number of entities and masks
	ErrMisaligned = errors.New("engine returned misaligned entities and masks")

	// ErrOffsetOutOfRange means an engine offset does not fit the text it indexes
	ErrOffsetOutOfRange = errors.New("engine returned an offset out of range")
)

// EngineError wraps any failure raised by the engine or found in its output
type EngineError struct {
	DocID string
	Err   error
}

func (e *EngineError) Error() string {
	if e.DocID == "" {
		return fmt.Sprintf("engine error: %v", e.Err)
	}
	return fmt.Sprintf("engine error on %s: %v", e.DocID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
