// Package transport owns one duplex WebSocket connection to the voice service.
//
// The connection speaks a minimal subset of the engine.io/socket.io framing:
// the server opens with a "0" packet, the client acknowledges with "40", and
// control messages travel as "42" event arrays. Binary frames carry audio and
// are passed through unmodified in both directions.
//
// A Transport never reconnects on its own. When the connection drops the
// OnClose handler fires once and the Transport is spent.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicelink/pkg/audio"
)

const (
	// DefaultPath is the voice endpoint path appended to the base URL.
	DefaultPath = "/api/voice-chat"

	// DefaultHandshakeTimeout bounds dial plus the "0"/"40" exchange.
	DefaultHandshakeTimeout = 10 * time.Second

	// defaultReadLimit allows whole WAV chunks in a single message.
	defaultReadLimit = 4 << 20
)

// ErrNotOpen is returned by the send methods when the connection is not open.
var ErrNotOpen = errors.New("transport: not open")

// CloseError describes why a connection ended without the client asking.
type CloseError struct {
	// Code is the WebSocket close status, or -1 when the connection failed
	// without a close frame.
	Code websocket.StatusCode

	// Reason is the server-supplied close reason or protocol message.
	Reason string

	// Err is the underlying read error, if any.
	Err error
}

func (e *CloseError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("transport: connection closed (%d): %s", e.Code, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("transport: connection closed: %v", e.Err)
	default:
		return fmt.Sprintf("transport: connection closed (%d)", e.Code)
	}
}

func (e *CloseError) Unwrap() error { return e.Err }

// Config parameterises a single connection.
type Config struct {
	// BaseURL is the service origin. http and https are upgraded to ws and wss.
	BaseURL string

	// Path defaults to [DefaultPath].
	Path string

	// Token is the opaque bearer credential sent as the "token" query parameter.
	Token string

	// Character is sent as the "character" query parameter.
	Character string

	// HandshakeTimeout defaults to [DefaultHandshakeTimeout].
	HandshakeTimeout time.Duration

	// InboundEncoding and InboundFormat tag every received binary frame.
	InboundEncoding audio.Encoding
	InboundFormat   audio.Format

	// HTTPClient is used for the upgrade request. Nil uses the default client.
	HTTPClient *http.Client
}

// Handlers receive inbound traffic. All handlers run on the transport's read
// goroutine, synchronously and in arrival order. Nil handlers are skipped.
type Handlers struct {
	OnAudio   func(audio.AudioFrame)
	OnControl func(ControlMessage)

	// OnClose fires at most once, when the connection ends for any reason
	// other than [Transport.Close].
	OnClose func(error)
}

// BuildURL returns the upgrade URL for cfg.
func BuildURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("transport: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported url scheme %q", u.Scheme)
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")

	q := u.Query()
	q.Set("token", cfg.Token)
	q.Set("character", cfg.Character)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transport is an open connection. Create one with [Open].
type Transport struct {
	conn    *websocket.Conn
	cfg     Config
	h       Handlers
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	open      atomic.Bool
	closed    atomic.Bool // set by Close
	closeOnce sync.Once
	done      chan struct{}
}

// Open dials the service, completes the handshake, and starts the read loop.
// It returns once the connection is ready for application traffic.
func Open(ctx context.Context, cfg Config, h Handlers) (*Transport, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	u, err := BuildURL(cfg)
	if err != nil {
		return nil, err
	}

	hctx, hcancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer hcancel()

	conn, _, err := websocket.Dial(hctx, u, &websocket.DialOptions{HTTPClient: cfg.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	conn.SetReadLimit(defaultReadLimit)

	if err := handshake(hctx, conn); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}

	tctx, tcancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:    conn,
		cfg:     cfg,
		h:       h,
		started: time.Now(),
		ctx:     tctx,
		cancel:  tcancel,
		done:    make(chan struct{}),
	}
	t.open.Store(true)
	go t.readLoop()

	slog.Debug("transport open", "character", cfg.Character, "inbound_encoding", cfg.InboundEncoding)
	return t, nil
}

// handshake waits for the server's open packet and acknowledges it.
func handshake(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("transport: handshake: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		kind, payload := parsePacket(string(data))
		switch kind {
		case packetOpen:
			if err := conn.Write(ctx, websocket.MessageText, []byte(connectAck)); err != nil {
				return fmt.Errorf("transport: send connect ack: %w", err)
			}
			return nil
		case packetConnectError:
			return fmt.Errorf("transport: handshake rejected: %s", payload)
		case packetClose, packetDisconnect:
			return errors.New("transport: handshake: server closed the connection")
		}
	}
}

// IsOpen reports whether the connection can carry traffic.
func (t *Transport) IsOpen() bool { return t.open.Load() }

// Done is closed when the read loop has exited.
func (t *Transport) Done() <-chan struct{} { return t.done }

// SendAudio writes frame.Data as one binary message.
func (t *Transport) SendAudio(frame audio.AudioFrame) error {
	if !t.open.Load() {
		return ErrNotOpen
	}
	if err := t.conn.Write(t.ctx, websocket.MessageBinary, frame.Data); err != nil {
		return fmt.Errorf("transport: send audio: %w", err)
	}
	return nil
}

// SendControl writes msg inside a 42["message", ...] envelope.
func (t *Transport) SendControl(msg ControlMessage) error {
	if !t.open.Load() {
		return ErrNotOpen
	}
	data, err := encodeEvent(msg)
	if err != nil {
		return err
	}
	if err := t.conn.Write(t.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: send control: %w", err)
	}
	return nil
}

// Close shuts the connection down. OnClose is not invoked. Idempotent.
func (t *Transport) Close() error {
	t.closed.Store(true)
	t.shutdown(websocket.StatusNormalClosure, "client closed")
	return nil
}

func (t *Transport) shutdown(code websocket.StatusCode, reason string) bool {
	first := false
	t.closeOnce.Do(func() {
		first = true
		t.open.Store(false)
		t.cancel()
		t.conn.Close(code, reason)
	})
	return first
}

// fail ends the connection after an unexpected closure and reports it.
func (t *Transport) fail(cerr *CloseError) {
	if t.closed.Load() {
		return
	}
	if !t.shutdown(websocket.StatusNormalClosure, "") {
		return
	}
	slog.Warn("transport closed unexpectedly", "character", t.cfg.Character, "err", cerr)
	if t.h.OnClose != nil {
		t.h.OnClose(cerr)
	}
}

// readLoop owns conn.Read. It exits when the connection fails or is closed.
func (t *Transport) readLoop() {
	defer close(t.done)

	for {
		typ, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.fail(&CloseError{Code: websocket.CloseStatus(err), Err: err})
			return
		}
		if t.closed.Load() {
			return
		}

		if typ == websocket.MessageBinary {
			if t.h.OnAudio != nil {
				t.h.OnAudio(audio.AudioFrame{
					Data:       data,
					SampleRate: t.cfg.InboundFormat.SampleRate,
					Channels:   t.cfg.InboundFormat.Channels,
					Encoding:   t.cfg.InboundEncoding,
					Timestamp:  time.Since(t.started),
				})
			}
			continue
		}
		if !t.handleText(string(data)) {
			return
		}
	}
}

// handleText dispatches one text packet. It returns false when the packet
// ended the connection.
func (t *Transport) handleText(s string) bool {
	kind, payload := parsePacket(s)
	switch kind {
	case packetPing:
		if err := t.conn.Write(t.ctx, websocket.MessageText, []byte(pong)); err != nil {
			slog.Debug("transport: pong failed", "err", err)
		}
	case packetEvent:
		msg, err := decodeEvent(payload)
		if err != nil {
			slog.Debug("transport: discarding malformed event", "err", err, "payload", payload)
			return true
		}
		if t.h.OnControl != nil {
			t.h.OnControl(msg)
		}
	case packetClose, packetDisconnect:
		t.fail(&CloseError{Code: websocket.StatusNormalClosure, Reason: "server disconnected"})
		return false
	case packetConnectError:
		t.fail(&CloseError{Code: websocket.StatusPolicyViolation, Reason: "connect error: " + payload})
		return false
	case packetOpen, packetConnect, packetPong:
		// Handshake leftovers.
	default:
		slog.Debug("transport: discarding unrecognised text frame", "frame", s)
	}
	return true
}
