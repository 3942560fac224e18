// Package session drives one voice conversation at a time.
//
// A [Controller] owns the connection state machine
//
//	Idle → Connecting → Open ⇄ Streaming → Closing → Closed | Failed
//
// and coordinates the three independent event sources of a call: the
// microphone capture loop, the transport read loop, and the caller issuing
// commands. The microphone stream and the connection are owned by the
// capture pipeline and the transport respectively; the controller only
// starts, stops and gates them.
//
// Every transport is tagged with a generation number. Callbacks from a
// transport that has since been replaced or dropped carry a stale generation
// and are ignored, so at most one transport feeds the session at any time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicelink/internal/auth"
	"github.com/MrWong99/voicelink/internal/capture"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/transport"
	"github.com/MrWong99/voicelink/pkg/audio"
)

// DefaultConnectTimeout bounds Connect independently of the transport's own
// handshake timeout.
const DefaultConnectTimeout = 5 * time.Second

// User-facing status texts.
const (
	statusIdle       = "Press to start a conversation"
	statusWelcome    = "Welcome, %s! Press to start a conversation"
	statusSignIn     = "Please sign in to start a conversation"
	statusConnecting = "Starting conversation with %s..."
	statusOpen       = "Connected to %s."
	statusStreaming  = "Connected to %s. Start talking..."
	statusMicError   = "Error starting microphone. Please check permissions and try again."
	statusTimeout    = "%s did not answer in time. Please try again."
	statusDialError  = "Could not reach %s. Please try again."
	statusLost       = "Lost connection to %s. Press to start a new conversation"
	statusGoodbye    = "%s enjoyed your call, please feel free to call again"
)

// Control message types understood on the inbound side.
const (
	msgStatus = "status"
	msgError  = "error"
)

// Playback is the sink for inbound audio. [*playback.Queue] satisfies it.
type Playback interface {
	Enqueue(frame audio.AudioFrame)
	Clear()
}

// CharacterResolver maps a user-typed character name to a catalog
// identifier. Unknown names are returned unchanged.
type CharacterResolver interface {
	Resolve(name string) string
}

// Config holds the collaborators of a [Controller].
type Config struct {
	// Dialer opens the duplex connection. Required.
	Dialer Dialer

	// Credentials supplies the bearer token. Required.
	Credentials auth.Credentials

	// Capture configures the microphone pipeline. Capture.Source is
	// required; the frame, level and error callbacks are owned by the
	// controller and overwritten.
	Capture capture.Config

	// Playback receives inbound audio. Required.
	Playback Playback

	// Devices provides the selected input device. Nil uses the default
	// device.
	Devices *audio.DeviceRegistry

	// Resolver normalises character names. May be nil.
	Resolver CharacterResolver

	// Character is preselected for the first Connect.
	Character string

	// ConnectTimeout defaults to [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Controller is the session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	dialer   Dialer
	creds    auth.Credentials
	playback Playback
	devices  *audio.DeviceRegistry
	resolver CharacterResolver
	metrics  *observe.Metrics
	timeout  time.Duration
	capture  *capture.Pipeline

	// opMu serialises Connect, StartListening and SwitchCharacter.
	// StopListening and Disconnect never take it; they cancel instead.
	opMu sync.Mutex

	mu            sync.RWMutex
	state         State
	sess          Session
	conn          Conn
	gen           uint64 // identifies the current transport
	listenGen     uint64 // bumped by every stop of the microphone
	character     string
	userID        string
	status        string
	cancelConnect context.CancelFunc

	onState  func(from, to State)
	onStatus func(string)
	onLevel  func(float64)
}

// New returns an idle Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		dialer:    cfg.Dialer,
		creds:     cfg.Credentials,
		playback:  cfg.Playback,
		devices:   cfg.Devices,
		resolver:  cfg.Resolver,
		metrics:   cfg.Metrics,
		timeout:   cfg.ConnectTimeout,
		character: cfg.Character,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultConnectTimeout
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	capCfg := cfg.Capture
	capCfg.OnFrame = c.forward
	capCfg.OnLevel = c.handleLevel
	capCfg.OnError = c.handleCaptureError
	c.capture = capture.New(capCfg)

	c.status = c.idleStatus()
	return c
}

// ── Accessors ─────────────────────────────────────────────────────────────────

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns a snapshot of the current session. The zero Session is
// returned before the first Connect.
func (c *Controller) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// Status returns the current user-facing status text.
func (c *Controller) Status() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Character returns the selected character.
func (c *Controller) Character() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.character
}

// OnStateChange registers fn to be called after every state transition.
// Callbacks run outside the controller lock and must not block.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnStatus registers fn to be called whenever the status text changes.
func (c *Controller) OnStatus(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// OnLevel registers fn to receive microphone levels (0-100) while the
// microphone is captured.
func (c *Controller) OnLevel(fn func(float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevel = fn
}

// ── Operations ────────────────────────────────────────────────────────────────

// Connect opens a new session with character (empty = the selected one).
// It returns once the handshake completed and the state is Open, or fails
// with [ErrAuth] before any network activity, or with [ErrConnectTimeout]
// when the handshake takes longer than the connect timeout. After a timeout
// or dial error the state is Failed and Connect may be called again.
func (c *Controller) Connect(ctx context.Context, character string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	token, err := c.credential()
	if err != nil {
		c.setStatus(statusSignIn)
		return err
	}
	character = c.resolve(character)

	c.mu.Lock()
	if character == "" {
		character = c.character
	}
	if character == "" {
		c.mu.Unlock()
		return errors.New("session: connect: no character selected")
	}
	if !c.state.canConnect() {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}
	a, ch := c.beginLocked(ctx, character, token)
	c.mu.Unlock()
	c.publish(ch)

	return c.dial(a)
}

// StartListening starts the microphone and moves Open → Streaming. Calling
// it while Streaming is a no-op. If the microphone cannot be opened the
// state stays Open and the returned error wraps a *[capture.MicrophoneError].
func (c *Controller) StartListening(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateStreaming:
		c.mu.Unlock()
		return nil
	case StateOpen:
	default:
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start listening while %s", ErrInvalidState, state)
	}
	gen, listenGen, character := c.gen, c.listenGen, c.character
	c.mu.Unlock()

	return c.listen(ctx, gen, listenGen, character)
}

// StopListening releases the microphone and moves Streaming → Open. It is
// safe in any state and always leaves the microphone released. A pending
// StartListening is cancelled.
func (c *Controller) StopListening() {
	c.mu.Lock()
	c.listenGen++
	c.mu.Unlock()

	c.capture.Stop()

	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	ch := c.setLocked(StateOpen, fmt.Sprintf(statusOpen, c.character))
	c.mu.Unlock()
	c.publish(ch)
}

// SwitchCharacter selects a different character. While a session is Open or
// Streaming it performs, strictly in order: stop listening, close the
// current transport, open a new transport for character, and resume
// listening if the microphone was on. The two transports are never open at
// the same time. Otherwise the character is only recorded for the next
// Connect.
func (c *Controller) SwitchCharacter(ctx context.Context, character string) error {
	character = c.resolve(character)
	if character == "" {
		return errors.New("session: switch character: empty name")
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state, gen, previous := c.state, c.gen, c.character
	if !state.Connected() {
		c.character = character
		c.mu.Unlock()
		slog.Info("character selected", "character", character)
		return nil
	}
	c.mu.Unlock()
	if character == previous {
		return nil
	}

	token, err := c.credential()
	if err != nil {
		return err
	}
	resume := state == StateStreaming
	slog.Info("switching character",
		"from", previous,
		"to", character,
		"resume_listening", resume,
	)

	// Stop listening.
	c.StopListening()
	c.mu.RLock()
	listenGen := c.listenGen
	c.mu.RUnlock()

	// Close the current transport.
	c.mu.Lock()
	if c.gen != gen || !c.state.Connected() {
		c.mu.Unlock()
		return fmt.Errorf("session: switch character: %w", ErrSuperseded)
	}
	c.gen++
	gen = c.gen
	old := c.conn
	c.conn = nil
	ch := c.setLocked(StateClosing, "")
	c.mu.Unlock()
	c.publish(ch)

	c.playback.Clear()
	if old != nil {
		if err := old.Close(); err != nil {
			slog.Debug("session: close previous transport", "err", err)
		}
	}

	// Open the new transport.
	c.mu.Lock()
	if c.gen != gen || c.state != StateClosing {
		c.mu.Unlock()
		return fmt.Errorf("session: switch character: %w", ErrSuperseded)
	}
	a, ch := c.beginLocked(ctx, character, token)
	c.mu.Unlock()
	c.publish(ch)

	if err := c.dial(a); err != nil {
		return err
	}

	// Resume listening.
	if !resume {
		return nil
	}
	return c.listen(ctx, a.gen, listenGen, character)
}

// Disconnect ends the session: it cancels a pending connect, releases the
// microphone, closes the transport, drops queued playback and moves to
// Closed. It is idempotent and takes effect before it returns.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.listenGen++
	gen := c.gen
	cancel := c.cancelConnect
	c.cancelConnect = nil
	conn := c.conn
	c.conn = nil
	character := c.character
	inCall := c.state == StateConnecting || c.state.Connected()
	var ch change
	if inCall {
		ch = c.setLocked(StateClosing, "")
	}
	c.mu.Unlock()
	c.publish(ch)

	if cancel != nil {
		cancel()
	}
	c.capture.Stop()
	c.playback.Clear()
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("session: close transport", "err", err)
		}
	}

	status := c.idleStatus()
	if inCall {
		status = fmt.Sprintf(statusGoodbye, character)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	ch = c.setLocked(StateClosed, status)
	c.mu.Unlock()
	c.publish(ch)
}

// ── Connection attempt ────────────────────────────────────────────────────────

// attempt is one dial in flight.
type attempt struct {
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	character string
	token     string
}

// beginLocked starts a new session in state Connecting. c.mu must be held.
func (c *Controller) beginLocked(ctx context.Context, character, token string) (attempt, change) {
	c.gen++
	ctx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	c.character = character
	c.userID = userIDFrom(token)
	c.sess = Session{
		ID:        uuid.NewString(),
		Character: character,
		State:     c.state,
		CreatedAt: time.Now(),
	}
	a := attempt{gen: c.gen, ctx: ctx, cancel: cancel, character: character, token: token}
	return a, c.setLocked(StateConnecting, fmt.Sprintf(statusConnecting, character))
}

// dial races the handshake against the connect timeout and settles the
// attempt.
func (c *Controller) dial(a attempt) error {
	defer a.cancel()

	ctx, span := observe.StartSpan(a.ctx, "session.connect")
	defer span.End()
	log := observe.SessionLogger(ctx, c.Session().ID, a.character)

	gen := a.gen
	h := transport.Handlers{
		OnAudio:   func(f audio.AudioFrame) { c.handleAudio(gen, f) },
		OnControl: func(m transport.ControlMessage) { c.handleControl(gen, m) },
		OnClose:   func(err error) { c.handleClose(gen, err) },
	}
	req := DialRequest{Character: a.character, Token: a.token}

	start := time.Now()
	conn, err := raceTimeout(ctx, c.timeout, func(ctx context.Context) (Conn, error) {
		return c.dialer.Dial(ctx, req, h)
	}, func(late Conn) {
		_ = late.Close()
	})
	elapsed := time.Since(start)

	c.mu.Lock()
	if c.gen == gen {
		c.cancelConnect = nil
	}

	if err != nil {
		outcome, status := "error", fmt.Sprintf(statusDialError, a.character)
		if errors.Is(err, ErrConnectTimeout) {
			outcome, status = "timeout", fmt.Sprintf(statusTimeout, a.character)
		}
		c.metrics.RecordConnect(ctx, outcome, elapsed)
		span.RecordError(err)
		if c.gen != gen {
			c.mu.Unlock()
			return fmt.Errorf("session: connect to %s: %w", a.character, ErrSuperseded)
		}
		ch := c.setLocked(StateFailed, status)
		c.mu.Unlock()
		c.publish(ch)
		log.Warn("connect failed", "err", err, "elapsed", elapsed)
		return fmt.Errorf("session: connect to %s: %w", a.character, err)
	}

	if c.gen != gen || c.state != StateConnecting {
		lost := c.gen == gen
		c.mu.Unlock()
		_ = conn.Close()
		c.metrics.RecordConnect(ctx, "aborted", elapsed)
		if lost {
			return fmt.Errorf("session: connect to %s: connection lost during handshake", a.character)
		}
		return fmt.Errorf("session: connect to %s: %w", a.character, ErrSuperseded)
	}
	c.conn = conn
	userID := c.userID
	ch := c.setLocked(StateOpen, fmt.Sprintf(statusOpen, a.character))
	c.mu.Unlock()

	c.metrics.RecordConnect(ctx, "ok", elapsed)
	c.publish(ch)
	log.Info("session open", "elapsed", elapsed)

	if err := conn.SendControl(transport.ConfigMessage(a.character, userID)); err != nil {
		c.metrics.RecordSendFailure(ctx, "control")
		log.Warn("send config message failed", "err", err)
	}
	return nil
}

// listen starts the microphone and enters Streaming unless the session or
// listen generation moved on in the meantime.
func (c *Controller) listen(ctx context.Context, gen, listenGen uint64, character string) error {
	var deviceID string
	if c.devices != nil {
		deviceID = c.devices.Selected(audio.DeviceInput)
	}

	if err := c.capture.Start(ctx, deviceID); err != nil {
		if errors.Is(err, capture.ErrStopped) {
			return fmt.Errorf("session: start listening: %w", ErrSuperseded)
		}
		slog.Warn("microphone unavailable", "device", deviceID, "err", err)
		c.setStatus(statusMicError)
		return fmt.Errorf("session: start listening: %w", err)
	}

	c.mu.Lock()
	if c.gen != gen || c.listenGen != listenGen || c.state != StateOpen {
		c.mu.Unlock()
		c.capture.Stop()
		return fmt.Errorf("session: start listening: %w", ErrSuperseded)
	}
	ch := c.setLocked(StateStreaming, fmt.Sprintf(statusStreaming, character))
	c.mu.Unlock()
	c.publish(ch)
	return nil
}

// ── Event handlers ────────────────────────────────────────────────────────────

// forward sends one microphone frame. It runs on the capture goroutine and
// drops the frame unless the session is Streaming.
func (c *Controller) forward(frame audio.AudioFrame) {
	c.mu.RLock()
	conn, streaming := c.conn, c.state == StateStreaming
	c.mu.RUnlock()
	if !streaming || conn == nil {
		return
	}

	ctx := context.Background()
	if err := conn.SendAudio(frame); err != nil {
		c.metrics.RecordSendFailure(ctx, "audio")
		slog.Debug("dropping microphone frame", "err", err)
		return
	}
	c.metrics.RecordFrameSent(ctx)
}

func (c *Controller) handleLevel(level float64) {
	c.metrics.RecordMicLevel(context.Background(), level)
	c.mu.RLock()
	fn := c.onLevel
	c.mu.RUnlock()
	if fn != nil {
		fn(level)
	}
}

// handleCaptureError runs when the microphone breaks while streaming. The
// pipeline has already released the stream.
func (c *Controller) handleCaptureError(err error) {
	c.mu.Lock()
	if c.state != StateStreaming {
		c.mu.Unlock()
		return
	}
	c.listenGen++
	ch := c.setLocked(StateOpen, statusMicError)
	c.mu.Unlock()

	slog.Warn("microphone failed while streaming", "err", err)
	c.publish(ch)
}

// live reports whether gen is the current transport of an active session.
func (c *Controller) live(gen uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gen == c.gen && (c.state == StateConnecting || c.state.Connected())
}

func (c *Controller) handleAudio(gen uint64, frame audio.AudioFrame) {
	if !c.live(gen) {
		return
	}
	c.metrics.RecordFrameReceived(context.Background(), string(frame.Encoding))
	c.playback.Enqueue(frame)
}

func (c *Controller) handleControl(gen uint64, msg transport.ControlMessage) {
	if !c.live(gen) {
		return
	}
	switch msg.Type {
	case msgStatus:
		if s := msg.Content(); s != "" {
			c.setStatus(s)
		}
	case msgError:
		slog.Warn("voice service reported an error", "message", msg.Content())
		if s := msg.Content(); s != "" {
			c.setStatus(s)
		}
	default:
		slog.Debug("ignoring control message", "type", msg.Type)
	}
}

// handleClose runs on the transport goroutine when the connection ends
// without being asked to.
func (c *Controller) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || !(c.state == StateConnecting || c.state.Connected()) {
		c.mu.Unlock()
		return
	}
	c.listenGen++
	conn := c.conn
	c.conn = nil
	ch := c.setLocked(StateFailed, fmt.Sprintf(statusLost, c.character))
	sess := c.sess
	c.mu.Unlock()

	slog.Warn("session transport closed unexpectedly",
		"session_id", sess.ID,
		"character", sess.Character,
		"err", err,
	)
	c.capture.Stop()
	c.playback.Clear()
	if conn != nil {
		_ = conn.Close()
	}
	c.publish(ch)
}

// ── State plumbing ────────────────────────────────────────────────────────────

// change is a state and/or status update to publish once c.mu is released.
type change struct {
	from, to State
	status   string // empty when unchanged
}

// setLocked moves to state to and optionally replaces the status. c.mu must
// be held.
func (c *Controller) setLocked(to State, status string) change {
	ch := change{from: c.state, to: to}
	c.state = to
	c.sess.State = to
	if status != "" && status != c.status {
		c.status = status
		ch.status = status
	}
	return ch
}

func (c *Controller) setStatus(status string) {
	c.mu.Lock()
	ch := c.setLocked(c.state, status)
	c.mu.Unlock()
	c.publish(ch)
}

// publish records metrics and notifies observers. It must be called without
// c.mu held.
func (c *Controller) publish(ch change) {
	c.mu.RLock()
	onState, onStatus, sess := c.onState, c.onStatus, c.sess
	c.mu.RUnlock()

	if ch.from != ch.to {
		c.metrics.RecordTransition(context.Background(),
			ch.from.String(), ch.to.String(),
			ch.from.Connected(), ch.to.Connected(),
		)
		slog.Info("session state changed",
			"session_id", sess.ID,
			"character", sess.Character,
			"from", ch.from,
			"to", ch.to,
		)
		if onState != nil {
			onState(ch.from, ch.to)
		}
	}
	if ch.status != "" && onStatus != nil {
		onStatus(ch.status)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// credential returns the current token or an [ErrAuth] error.
func (c *Controller) credential() (string, error) {
	if c.creds == nil || !c.creds.Authenticated() {
		return "", ErrAuth
	}
	tok, err := c.creds.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	return tok, nil
}

func (c *Controller) resolve(name string) string {
	if name == "" || c.resolver == nil {
		return name
	}
	return c.resolver.Resolve(name)
}

// idleStatus greets the signed-in user by name when the token says who they
// are.
func (c *Controller) idleStatus() string {
	if c.creds == nil || !c.creds.Authenticated() {
		return statusIdle
	}
	tok, err := c.creds.Token()
	if err != nil {
		return statusIdle
	}
	id, err := auth.ParseIdentity(tok)
	if err != nil || id.Name == "" {
		return statusIdle
	}
	return fmt.Sprintf(statusWelcome, id.Name)
}

func userIDFrom(token string) string {
	id, err := auth.ParseIdentity(token)
	if err != nil {
		return ""
	}
	return id.UserID
}
