package session

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistryConflict is returned when a session for the callSid is already live.
	ErrRegistryConflict = errors.New("session: call already has a live session")
	// ErrDraining is returned when the process no longer accepts new calls.
	ErrDraining = errors.New("session: registry is draining")
	// ErrNotActive is returned for operations that need an active session.
	ErrNotActive = errors.New("session: not active")
	// ErrFinalizationTimeout is returned by Stop when the final analysis did
	// not finish in time and the last incremental result was persisted instead.
	ErrFinalizationTimeout = errors.New("session: final analysis timed out")
)

// Effect names a protective side effect.
type Effect string

const (
	EffectWarning Effect = "warning"
	EffectAlert   Effect = "alert"
)

// DispatchError describes one failed side effect. Target is the call for a
// warning and the recipient phone (or callee, for directory failures) for an alert.
type DispatchError struct {
	Effect Effect
	Target string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s to %s: %v", e.Effect, e.Target, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
