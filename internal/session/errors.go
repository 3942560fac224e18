package session

import "errors"

var (
	// ErrAuth is returned by Connect when no valid credential is available.
	// No network attempt is made.
	ErrAuth = errors.New("session: not authenticated")

	// ErrConnectTimeout is returned by Connect when the handshake does not
	// complete within the connect timeout.
	ErrConnectTimeout = errors.New("session: connect timed out")

	// ErrInvalidState is returned when an operation is not allowed in the
	// current state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrSuperseded is returned by an operation whose session was
	// disconnected or replaced while it was in progress.
	ErrSuperseded = errors.New("session: superseded")
)
