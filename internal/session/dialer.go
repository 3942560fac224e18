package session

import (
	"context"

	"github.com/MrWong99/voicelink/internal/transport"
	"github.com/MrWong99/voicelink/pkg/audio"
)

// Conn is an open duplex connection as seen by the [Controller].
// [*transport.Transport] satisfies it.
type Conn interface {
	SendAudio(frame audio.AudioFrame) error
	SendControl(msg transport.ControlMessage) error
	Close() error
}

// DialRequest carries the per-connection handshake parameters.
type DialRequest struct {
	Character string
	Token     string
}

// Dialer opens a [Conn]. Dial returns once the handshake has completed; the
// handlers must be wired before that so no inbound traffic is lost.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest, h transport.Handlers) (Conn, error)
}

// TransportDialer dials with [transport.Open]. Config supplies the base URL,
// paths, timeouts and inbound audio tagging; Token and Character are filled
// from the request.
type TransportDialer struct {
	Config transport.Config
}

var _ Dialer = TransportDialer{}

// Dial implements [Dialer].
func (d TransportDialer) Dial(ctx context.Context, req DialRequest, h transport.Handlers) (Conn, error) {
	cfg := d.Config
	cfg.Token = req.Token
	cfg.Character = req.Character
	t, err := transport.Open(ctx, cfg, h)
	if err != nil {
		return nil, err
	}
	return t, nil
}
