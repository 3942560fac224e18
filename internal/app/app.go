// Package app wires the voicelink subsystems into a running terminal client.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config, Run serves the console and the telemetry listener, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithAudio, WithDialer,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/auth"
	"github.com/MrWong99/voicelink/internal/capture"
	"github.com/MrWong99/voicelink/internal/catalog"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/history"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/playback"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/internal/transport"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/codec"
	"github.com/MrWong99/voicelink/pkg/audio/portaudio"
)

// Audio is the device backend: microphone, device listing, and output
// players bound to one device.
type Audio interface {
	audio.Source
	audio.DeviceLister
	NewPlayer(deviceID string, format audio.Format) audio.Player
}

// portaudioBackend adapts [portaudio.Backend] to [Audio].
type portaudioBackend struct {
	*portaudio.Backend
}

func (b portaudioBackend) NewPlayer(deviceID string, format audio.Format) audio.Player {
	return b.Backend.NewPlayer(deviceID, format)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	audio    Audio
	devices  *audio.DeviceRegistry
	output   *outputPlayer
	queue    *playback.Queue
	catalog  *catalog.Client
	resolver *catalog.Resolver
	ctrl     *session.Controller
	dialer   session.Dialer
	creds    auth.Credentials
	metrics  *observe.Metrics
	tel      *observe.Telemetry
	level    *slog.LevelVar
	history  *history.FileStore

	in    io.Reader
	out   io.Writer
	outMu sync.Mutex

	// closers are called in order during Shutdown, after the session and
	// playback have stopped.
	closers []func() error

	// pending tracks the console worker running session commands.
	pending sync.WaitGroup

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAudio injects a device backend instead of initialising PortAudio.
func WithAudio(b Audio) Option {
	return func(a *App) { a.audio = b }
}

// WithDialer injects a session dialer instead of the WebSocket transport.
func WithDialer(d session.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithCredentials injects a credential source instead of the configured
// token or environment variable.
func WithCredentials(c auth.Credentials) Option {
	return func(a *App) { a.creds = c }
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry exposes t.Handler at /metrics on the telemetry listener.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.tel = t }
}

// WithLevelVar lets config reloads adjust the log level of the default
// logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConsole sets the command input and the status output. Default:
// stdin and stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.in, a.out = in, out }
}

// WithHTTPClient replaces the catalog HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) {
		a.catalog = catalog.New(a.cfg.Server.URL,
			catalog.WithHTTPClient(c),
			catalog.WithPath(a.cfg.Server.CharactersPath),
		)
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		in:  os.Stdin,
		out: os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.creds == nil {
		a.creds = auth.FromConfig(cfg.Auth.Token, cfg.Auth.TokenEnv)
	}
	if a.catalog == nil {
		a.catalog = catalog.New(cfg.Server.URL, catalog.WithPath(cfg.Server.CharactersPath))
	}
	a.resolver = catalog.NewResolver(catalog.DefaultCharacters)
	if cfg.Session.HistoryFile != "" {
		a.history = history.NewFileStore(cfg.Session.HistoryFile)
	}

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Playback ──────────────────────────────────────────────────────
	if err := a.initPlayback(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init playback: %w", err)
	}

	// ── 3. Session ───────────────────────────────────────────────────────
	a.initSession()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initAudio() error {
	if a.audio == nil {
		b, err := portaudio.Open()
		if err != nil {
			return err
		}
		a.audio = portaudioBackend{b}
		a.closers = append(a.closers, b.Close)
	}
	a.devices = audio.NewDeviceRegistry(a.audio)

	for kind, name := range map[audio.DeviceKind]string{
		audio.DeviceInput:  a.cfg.Audio.InputDevice,
		audio.DeviceOutput: a.cfg.Audio.OutputDevice,
	} {
		if err := a.selectDevice(kind, name); err != nil {
			a.runClosers()
			return err
		}
	}
	return nil
}

func (a *App) initPlayback() error {
	ac := a.cfg.Audio
	dec, err := codec.NewRegistry().New(ac.InboundCodec, codec.Options{
		SampleRate: ac.InboundSampleRate,
		Channels:   ac.InboundChannels,
	})
	if err != nil {
		return err
	}
	a.output = newOutputPlayer(a.audio.NewPlayer, a.devices.Selected(audio.DeviceOutput), ac.InboundFormat())
	a.queue = playback.New(a.output, dec, playback.WithMetrics(a.metrics))
	return nil
}

func (a *App) initSession() {
	if a.dialer == nil {
		a.dialer = session.TransportDialer{Config: transport.Config{
			BaseURL:          a.cfg.Server.URL,
			Path:             a.cfg.Server.VoicePath,
			HandshakeTimeout: a.cfg.Server.HandshakeTimeout,
			InboundEncoding:  a.cfg.Audio.InboundCodec,
			InboundFormat:    a.cfg.Audio.InboundFormat(),
		}}
	}
	a.ctrl = session.New(session.Config{
		Dialer:      a.dialer,
		Credentials: a.creds,
		Capture: capture.Config{
			Source:          a.audio,
			SampleRate:      a.cfg.Audio.SampleRate,
			ChunkSamples:    a.cfg.Audio.ChunkSamples,
			FramesPerBuffer: a.cfg.Audio.FramesPerBuffer,
		},
		Playback:       a.queue,
		Devices:        a.devices,
		Resolver:       a.resolver,
		Character:      a.cfg.Session.Character,
		ConnectTimeout: a.cfg.Session.ConnectTimeout,
		Metrics:        a.metrics,
	})
	a.ctrl.OnStatus(func(s string) { a.printf("» %s\n", s) })
	a.ctrl.OnStateChange(a.stateChanged)
}

func (a *App) stateChanged(from, to session.State) {
	slog.Debug("session state changed", "from", from, "to", to)

	if a.history == nil || (to != session.StateClosed && to != session.StateFailed) {
		return
	}
	switch from {
	case session.StateIdle, session.StateClosed, session.StateFailed:
		return
	}
	s := a.ctrl.Session()
	if s.ID == "" {
		return
	}
	now := time.Now()
	err := a.history.Append(history.Record{
		EndedAt:    now.UTC(),
		SessionID:  s.ID,
		Character:  s.Character,
		Outcome:    to.String(),
		DurationMS: now.Sub(s.CreatedAt).Milliseconds(),
	})
	if err != nil {
		slog.Warn("failed to record call history", "err", err)
	}
}

// selectDevice selects the device whose ID or label matches name. An empty
// name selects the system default.
func (a *App) selectDevice(kind audio.DeviceKind, name string) error {
	if name == "" {
		return a.devices.Select(kind, "")
	}
	list, err := a.devices.Devices(kind)
	if err != nil {
		return err
	}
	for _, d := range list {
		if d.ID == name || strings.EqualFold(d.Label, name) {
			return a.devices.Select(kind, d.ID)
		}
	}
	return fmt.Errorf("select %s device %q: %w", kind, name, audio.ErrDeviceNotFound)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the session controller.
func (a *App) Session() *session.Controller { return a.ctrl }

// Devices returns the device registry.
func (a *App) Devices() *audio.DeviceRegistry { return a.devices }

// ─── Run ─────────────────────────────────────────────────────────────────────

// errQuit ends Run after the quit command or the end of console input.
var errQuit = errors.New("app: quit")

// Run refreshes the character catalog, serves the telemetry listener when
// configured, and processes console commands until ctx is cancelled or the
// user quits.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.refreshCharacters(ctx)
		return nil
	})

	if addr := a.cfg.Telemetry.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("telemetry listener started", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: telemetry listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return a.console(ctx) })

	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handler returns the telemetry mux: /healthz, /readyz and, when telemetry
// was injected, /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(
		health.Ready("session", func() (bool, string) {
			st := a.ctrl.State()
			return st.Connected(), st.String()
		}),
	).Register(mux)
	if a.tel != nil {
		mux.Handle("GET /metrics", a.tel.Handler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// refreshCharacters loads the catalog into the resolver. On failure the
// default characters stay in place and the user is told.
func (a *App) refreshCharacters(ctx context.Context) []string {
	names, err := a.catalog.Characters(ctx)
	if err != nil {
		slog.Warn("character catalog unavailable, using defaults", "err", err)
		a.printf("» Could not load characters, using defaults.\n")
	}
	a.resolver.SetNames(names)
	return names
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable differences between old and new.
// It is meant as the [config.Watcher] callback.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Compare(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.InputDeviceChanged {
		if err := a.selectDevice(audio.DeviceInput, new.Audio.InputDevice); err != nil {
			slog.Warn("config reload: input device not applied", "err", err)
		}
	}
	if d.OutputDeviceChanged {
		if err := a.selectDevice(audio.DeviceOutput, new.Audio.OutputDevice); err != nil {
			slog.Warn("config reload: output device not applied", "err", err)
		} else {
			a.output.SetDevice(a.devices.Selected(audio.DeviceOutput))
		}
	}
	if d.CharacterChanged && new.Session.Character != "" {
		if err := a.ctrl.SwitchCharacter(ctx, new.Session.Character); err != nil {
			slog.Warn("config reload: character not applied", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: some changes need a restart", "keys", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the session and releases audio resources. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		a.ctrl.Disconnect()
		a.pending.Wait()
		if err := a.queue.Close(); err != nil {
			slog.Warn("playback close error", "err", err)
		}
		if err := a.output.Close(); err != nil {
			slog.Warn("audio output close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}
