package session

import "errors"

var (
	// ErrNotFound indicates the session id is unknown in memory and, when an
	// archive is configured, in the archive as well.
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy indicates an operation that requires a settled session
	// arrived while a turn was executing.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionCancelled indicates a follow-up was sent to a cancelled
	// session. Cancellation is monotonic: cancelled sessions never run again.
	ErrSessionCancelled = errors.New("session cancelled")
	// ErrAlreadyStarted indicates Begin was called on a session that already
	// left Pending.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrCapacity indicates the active-session ceiling was reached.
	ErrCapacity = errors.New("session capacity exhausted")
	// ErrCancelled is returned by execution units that observed the
	// cancellation flag at a checkpoint and exited cleanly.
	ErrCancelled = errors.New("investigation cancelled")
)
