package planner

import (
	"errors"
	"fmt"
)

// InputError is a request refused before any computation starts.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

var (
	// ErrNoOrigin is returned when optimization is requested before a
	// starting location was chosen.
	ErrNoOrigin = &InputError{Msg: "select a starting location first"}

	// ErrNothingToCollect is the soft outcome for a group with no usable bins.
	ErrNothingToCollect = errors.New("nothing to collect")

	// ErrSuperseded is returned by a plan cancelled by a newer plan for the
	// same group.
	ErrSuperseded = errors.New("superseded by a newer plan")
)

// ProviderError reports a failed directions call. The route ordering was
// persisted under RouteID and can be retried without recomputation.
type ProviderError struct {
	RouteID string
	Err     error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("directions for route %s: %v", e.RouteID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
