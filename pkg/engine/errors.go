package engine

import "errors"

var (
	// ErrLaunchFailed indicates the engine process could not be spawned.
	ErrLaunchFailed = errors.New("engine launch failed")
	// ErrReadinessTimeout indicates the process started but never became
	// ready within the bounded wait. The process has already been terminated
	// by the time the error is returned.
	ErrReadinessTimeout = errors.New("engine not ready in time")
	// ErrEndpointUnavailable indicates no transport endpoint could be bound.
	ErrEndpointUnavailable = errors.New("transport endpoint unavailable")
	// ErrAlreadyStopped indicates Stop was called on a supervisor whose
	// process already exited.
	ErrAlreadyStopped = errors.New("engine already stopped")
)
