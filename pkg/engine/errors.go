package engine

import (
	"errors"
	"fmt"

	"github.com/simbridge-dev/simbridge/pkg/protocol"
)

// Sentinel errors returned by the engine.
var (
	// ErrEngineClosed is returned by NextEvent and Run after Close.
	ErrEngineClosed = errors.New("engine: closed")

	// ErrRoundTripInFlight is returned when NextEvent is called while
	// another call is still running.
	ErrRoundTripInFlight = errors.New("engine: round trip already in flight")

	// ErrSchemaMissing is returned when a state must be encoded before the
	// brain has sent the state schema.
	ErrSchemaMissing = errors.New("engine: state schema not received")
)

// UnknownMessageError is returned for a server message type outside the
// protocol.
type UnknownMessageError struct {
	Phase protocol.Phase
}

// Error returns the error message.
func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("engine: received unknown message (%d) from server", int32(e.Phase))
}

// ProtocolError reports a message that is not valid in the current mode
// and phase.
type ProtocolError struct {
	Mode  Mode
	Op    string
	Phase protocol.Phase
}

// Error returns the error message.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("engine: protocol error: unexpected %s during %s: %s", e.Op, e.Mode, e.Phase)
}

// PanicError wraps a panic recovered from a simulator callback.
type PanicError struct {
	Value any
	Stack []byte
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// EpisodeStartError wraps a failure of Simulator.EpisodeStart.
type EpisodeStartError struct {
	Err error
}

// Error returns the error message.
func (e *EpisodeStartError) Error() string {
	return fmt.Sprintf("engine: episode start: %v", e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *EpisodeStartError) Unwrap() error {
	return e.Err
}

// SimulateError wraps a failure of Simulator.Simulate.
type SimulateError struct {
	Err error
}

// Error returns the error message.
func (e *SimulateError) Error() string {
	return fmt.Sprintf("engine: simulate: %v", e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SimulateError) Unwrap() error {
	return e.Err
}

// EpisodeFinishError wraps a failure of Simulator.EpisodeFinish.
type EpisodeFinishError struct {
	Err error
}

// Error returns the error message.
func (e *EpisodeFinishError) Error() string {
	return fmt.Sprintf("engine: episode finish: %v", e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *EpisodeFinishError) Unwrap() error {
	return e.Err
}
