package supervisor

import "errors"

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid supervisor config")

// ErrSessionActive is returned by Start while a session is running.
var ErrSessionActive = errors.New("a session is already active")

// SpawnError reports that a child could not be started. Children spawned
// earlier in the same attempt have been terminated when it is returned.
type SpawnError struct {
	Child string
	Err   error
}

func (e *SpawnError) Error() string { return "spawn " + e.Child + ": " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// errPrimaryStuck is the outcome error when an interrupted primary outlives
// its forced kill.
var errPrimaryStuck = errors.New("primary child did not exit after kill")
