package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacity is returned by Acquire when starting a new stream would
	// exceed the configured concurrency ceiling. Existing streams are
	// unaffected and can still be joined.
	ErrCapacity = errors.New("stream capacity reached")

	// ErrStreamDraining is returned by Acquire when the requested stream is
	// being torn down. Callers may retry shortly; a fresh request after
	// removal starts a new process.
	ErrStreamDraining = errors.New("stream is draining")

	// ErrHandleBusy is returned by Remove when the handle still has live
	// consumers and is not terminal.
	ErrHandleBusy = errors.New("stream has live consumers")

	// ErrProcessExited is the relay error seen by consumers when the
	// transcoding process ended before they detached.
	ErrProcessExited = errors.New("transcoding process exited")
)

// StartError wraps a failure to bring a transcoding process to readiness:
// spawn failure, exit before first output, or readiness timeout. A failed
// start leaves no entry in the registry.
type StartError struct {
	Key StreamKey
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start transcoder for %s: %v", e.Key, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
