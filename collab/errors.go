package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when joining a session that does not
	// exist, is inactive, or has expired. Fatal to the join call; never
	// retried automatically.
	ErrSessionNotFound = errors.New("session not found or inactive")

	// ErrAuthRequired is returned when no authenticated identity was
	// configured on the client.
	ErrAuthRequired = errors.New("authenticated user identity required")

	// ErrSessionFull is returned when a join would exceed the session's
	// participant limit.
	ErrSessionFull = errors.New("session participant limit reached")

	// ErrRetriesExhausted is the terminal connection error surfaced after
	// the supervisor's retry ceiling is hit.
	ErrRetriesExhausted = errors.New("connection retries exhausted")
)

// PersistenceError wraps a failed read or write against the persistence
// gateway. The attempted write is lost but the log stays consistent: nothing
// partial is ever written.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransportError wraps a realtime channel failure. Recovered automatically
// through backoff until the retry ceiling, then surfaced as terminal.
type TransportError struct {
	Channel string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport channel %s: %v", e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
