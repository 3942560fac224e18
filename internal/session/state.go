package session

import (
	"fmt"
	"time"
)

// State is the connection lifecycle state of a [Controller].
type State int

const (
	// StateIdle is the initial state. No transport exists.
	StateIdle State = iota

	// StateConnecting means a transport is being dialled and the handshake
	// has not completed.
	StateConnecting

	// StateOpen means the handshake completed and the microphone is off.
	StateOpen

	// StateStreaming means the microphone is captured and forwarded.
	StateStreaming

	// StateClosing means the transport is being torn down.
	StateClosing

	// StateClosed is entered only through an explicit disconnect.
	StateClosed

	// StateFailed is entered on connect timeout or unexpected closure. A new
	// Connect is required to recover.
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Connected reports whether s has a usable transport.
func (s State) Connected() bool {
	return s == StateOpen || s == StateStreaming
}

// canConnect reports whether Connect may start from s.
func (s State) canConnect() bool {
	return s == StateIdle || s == StateClosed || s == StateFailed
}

// Session describes one connection attempt. A new Session (with a new ID) is
// created by every Connect and every character switch.
type Session struct {
	ID        string
	Character string
	State     State
	CreatedAt time.Time
}
