package pbft

import (
	"errors"
	"fmt"
)

// Error classes for consensus operations.
// Use errors.Is() to check the class, then inspect the message for details.
//
// Error Classification:
//   - ErrConfig: Hard configuration errors - must fix and restart
//   - ErrInvalidMessage: Malformed, unauthenticated or out-of-window messages - dropped
//   - ErrByzantine: Evidence of a faulty peer (equivocation, forged certificates)
//   - ErrInternal: Invariant violations - the engine halts
var (
	// ErrConfig indicates a configuration error that prevents startup.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidMessage indicates a message that must be dropped.
	// Examples: decode failure, signer mismatch, certificate without quorum.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrByzantine indicates evidence of Byzantine behavior from a peer.
	// Examples: two different votes for the same slot, inconsistent NewView.
	ErrByzantine = errors.New("byzantine behavior detected")

	// ErrInternal indicates an internal invariant violation. Once returned the
	// engine stops participating, since continuing could violate safety.
	// Examples: two digests decided at one sequence, watermark regression.
	ErrInternal = errors.New("internal error")

	// ErrQueueFull is returned by Engine.TrySubmit when the event queue is full.
	ErrQueueFull = errors.New("event queue full")

	// ErrStopped is returned when submitting to an engine that is no longer running.
	ErrStopped = errors.New("engine stopped")
)

func wrapConfig(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfig, msg)
}

func wrapConfigf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func wrapInvalidMessage(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, msg)
}

func wrapInvalidMessagef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func wrapByzantinef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrByzantine, fmt.Sprintf(format, args...))
}

func wrapInternalf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}
