package app_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/auth"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/history"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/internal/transport"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
)

// ── Test doubles ──────────────────────────────────────────────────────────────

// fakeAudio implements app.Audio on top of the audio mocks.
type fakeAudio struct {
	source  *mock.Source
	devices *mock.Devices

	mu      sync.Mutex
	players []string // device IDs passed to NewPlayer
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{
		source: &mock.Source{},
		devices: &mock.Devices{Result: []audio.DeviceDescriptor{
			{ID: "mic-0", Label: "Built-in Microphone", Kind: audio.DeviceInput, Default: true},
			{ID: "mic-1", Label: "USB Headset", Kind: audio.DeviceInput},
			{ID: "spk-0", Label: "Speakers", Kind: audio.DeviceOutput, Default: true},
			{ID: "spk-1", Label: "USB Headset", Kind: audio.DeviceOutput},
		}},
	}
}

func (f *fakeAudio) OpenInput(ctx context.Context, id string, format audio.Format, fpb int) (audio.InputStream, error) {
	return f.source.OpenInput(ctx, id, format, fpb)
}

func (f *fakeAudio) Devices() ([]audio.DeviceDescriptor, error) { return f.devices.Devices() }

func (f *fakeAudio) NewPlayer(deviceID string, _ audio.Format) audio.Player {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.players = append(f.players, deviceID)
	return &mock.Player{}
}

func (f *fakeAudio) playerDevices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.players...)
}

type fakeConn struct {
	mu      sync.Mutex
	audio   int
	control []transport.ControlMessage
	closed  bool
}

func (c *fakeConn) SendAudio(audio.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio++
	return nil
}

func (c *fakeConn) SendControl(msg transport.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = append(c.control, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	reqs     []session.DialRequest
	handlers transport.Handlers
}

func (d *fakeDialer) Dial(_ context.Context, req session.DialRequest, h transport.Handlers) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	d.reqs = append(d.reqs, req)
	d.handlers = h
	return c, nil
}

func (d *fakeDialer) lastHandlers() transport.Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers
}

func (d *fakeDialer) last() (*fakeConn, session.DialRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, session.DialRequest{}
	}
	return d.conns[len(d.conns)-1], d.reqs[len(d.reqs)-1]
}

// stallingDialer blocks every dial until its context is cancelled.
type stallingDialer struct {
	entered chan struct{}
	ended   chan error
}

func (d *stallingDialer) Dial(ctx context.Context, _ session.DialRequest, _ transport.Handlers) (session.Conn, error) {
	d.entered <- struct{}{}
	<-ctx.Done()
	d.ended <- ctx.Err()
	return nil, ctx.Err()
}

// syncBuffer is a bytes.Buffer safe for concurrent writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	app    *app.App
	audio  *fakeAudio
	dialer *fakeDialer
	out    *syncBuffer
	level  *slog.LevelVar
	cfg    *config.Config
}

func catalogServer(t *testing.T, names ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/characters" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"characters":["%s"]}`, strings.Join(names, `","`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL, extra string) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf("server:\n  url: %s\naudio:\n  chunk_samples: 4\n  inbound_codec: pcm16\n%s", baseURL, extra)
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, input string) *harness {
	t.Helper()
	return newHarnessReader(t, cfg, strings.NewReader(input))
}

func newHarnessReader(t *testing.T, cfg *config.Config, input io.Reader) *harness {
	t.Helper()
	h := &harness{
		audio:  newFakeAudio(),
		dialer: &fakeDialer{},
		out:    &syncBuffer{},
		level:  new(slog.LevelVar),
		cfg:    cfg,
	}
	a, err := app.New(cfg,
		app.WithAudio(h.audio),
		app.WithDialer(h.dialer),
		app.WithCredentials(auth.Static("opaque-token")),
		app.WithLevelVar(h.level),
		app.WithConsole(input, h.out),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	h.app = a
	return h
}

func (h *harness) exec(t *testing.T, line string) {
	t.Helper()
	if err := h.app.Exec(context.Background(), line); err != nil {
		t.Fatalf("Exec(%q): %v", line, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_SelectsConfiguredDevices(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya")
	cfg := testConfig(t, srv.URL, "  input_device: usb headset\n  output_device: spk-1\n")
	h := newHarness(t, cfg, "")

	if got := h.app.Devices().Selected(audio.DeviceInput); got != "mic-1" {
		t.Errorf("input = %q, want mic-1 (matched by label)", got)
	}
	if got := h.app.Devices().Selected(audio.DeviceOutput); got != "spk-1" {
		t.Errorf("output = %q, want spk-1 (matched by id)", got)
	}
}

func TestNew_UnknownDeviceFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://localhost:1", "  input_device: Theremin\n")
	_, err := app.New(cfg, app.WithAudio(newFakeAudio()), app.WithDialer(&fakeDialer{}))
	if !errors.Is(err, audio.ErrDeviceNotFound) {
		t.Fatalf("New error = %v, want ErrDeviceNotFound", err)
	}
}

func TestExec_CallListenHangup(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya", "Miles")
	h := newHarness(t, testConfig(t, srv.URL, ""), "")

	h.exec(t, "call Maya")
	if st := h.app.Session().State(); st != session.StateOpen {
		t.Fatalf("state after call = %s, want open", st)
	}
	conn, req := h.dialer.last()
	if req.Character != "Maya" || req.Token != "opaque-token" {
		t.Errorf("dial request = %+v", req)
	}

	h.exec(t, "listen")
	if st := h.app.Session().State(); st != session.StateStreaming {
		t.Fatalf("state after listen = %s, want streaming", st)
	}
	stream := h.audio.source.LastStream()
	stream.Feed([]float32{0.1, 0.2, 0.3, 0.4})
	waitFor(t, "a frame sent", func() bool { return conn.audioCount() == 1 })

	h.exec(t, "mute")
	if !stream.Closed() {
		t.Error("microphone stream still open after mute")
	}

	h.exec(t, "hangup")
	if st := h.app.Session().State(); st != session.StateClosed {
		t.Fatalf("state after hangup = %s, want closed", st)
	}
	out := h.out.String()
	for _, want := range []string{"Starting conversation with Maya...", "Start talking...", "Maya enjoyed your call"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExec_SwitchResolvesSpokenName(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya", "Miles")
	h := newHarness(t, testConfig(t, srv.URL, ""), "")

	h.exec(t, "characters")
	h.exec(t, "call Maya")
	h.exec(t, "switch myles")

	_, req := h.dialer.last()
	if req.Character != "Miles" {
		t.Errorf("switched to %q, want Miles", req.Character)
	}
	if got := h.app.Session().Character(); got != "Miles" {
		t.Errorf("Character() = %q, want Miles", got)
	}
}

func TestExec_CharactersListsCatalog(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya", "Miles", "Zed")
	h := newHarness(t, testConfig(t, srv.URL, "session:\n  character: Zed\n"), "")

	h.exec(t, "characters")
	out := h.out.String()
	for _, want := range []string{"  Maya\n", "  Miles\n", "* Zed\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestExec_CatalogFailureFallsBack(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	h := newHarness(t, testConfig(t, srv.URL, ""), "")

	h.exec(t, "characters")
	out := h.out.String()
	if !strings.Contains(out, "using defaults") || !strings.Contains(out, "Maya") || !strings.Contains(out, "Miles") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestExec_Devices(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya")
	h := newHarness(t, testConfig(t, srv.URL, ""), "")

	h.exec(t, "device out USB Headset")
	if got := h.app.Devices().Selected(audio.DeviceOutput); got != "spk-1" {
		t.Errorf("output = %q, want spk-1", got)
	}
	h.exec(t, "devices")
	out := h.out.String()
	if !strings.Contains(out, "* Built-in Microphone") || !strings.Contains(out, "* USB Headset") {
		t.Errorf("selection markers missing:\n%s", out)
	}

	if err := h.app.Exec(context.Background(), "device sideways x"); err == nil {
		t.Error("expected usage error")
	}
}

func TestExec_Errors(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya")
	h := newHarness(t, testConfig(t, srv.URL, ""), "")
	ctx := context.Background()

	if err := h.app.Exec(ctx, "dance"); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("Exec(dance) = %v", err)
	}
	if err := h.app.Exec(ctx, "switch"); err == nil {
		t.Error("switch without a name should fail")
	}
	if err := h.app.Exec(ctx, "listen"); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("listen while idle = %v, want ErrInvalidState", err)
	}
	if err := h.app.Exec(ctx, ""); err != nil {
		t.Errorf("empty line = %v", err)
	}
}

func TestHandler_ReadinessFollowsSession(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya")
	h := newHarness(t, testConfig(t, srv.URL, ""), "")
	handler := h.app.Handler()

	get := func(path string) int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	if code := get("/healthz"); code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", code)
	}
	if code := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("readyz while idle = %d, want 503", code)
	}
	h.exec(t, "call Maya")
	if code := get("/readyz"); code != http.StatusOK {
		t.Errorf("readyz while open = %d, want 200", code)
	}
	if code := get("/metrics"); code != http.StatusNotFound {
		t.Errorf("metrics without telemetry = %d, want 404", code)
	}
}

func TestRun_EndsOnQuit(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya")
	h := newHarness(t, testConfig(t, srv.URL, ""), "status\nquit\n")

	done := make(chan error, 1)
	go func() { done <- h.app.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after quit")
	}
	if !strings.Contains(h.out.String(), "idle (character") {
		t.Errorf("status output missing:\n%s", h.out.String())
	}
}

func TestRun_EndsOnCancel(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya")
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	h := newHarnessReader(t, testConfig(t, srv.URL, ""), pr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_HangupCancelsPendingCall(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya")
	cfg := testConfig(t, srv.URL, "")
	cfg.Session.ConnectTimeout = time.Minute

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	dialer := &stallingDialer{entered: make(chan struct{}, 1), ended: make(chan error, 1)}
	out := &syncBuffer{}
	a, err := app.New(cfg,
		app.WithAudio(newFakeAudio()),
		app.WithDialer(dialer),
		app.WithCredentials(auth.Static("opaque-token")),
		app.WithConsole(pr, out),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	if _, err := io.WriteString(pw, "call Maya\n"); err != nil {
		t.Fatalf("write call: %v", err)
	}
	select {
	case <-dialer.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("call never started dialing")
	}
	if got := a.Session().State(); got != session.StateConnecting {
		t.Fatalf("state = %s, want connecting", got)
	}

	if _, err := io.WriteString(pw, "hangup\n"); err != nil {
		t.Fatalf("write hangup: %v", err)
	}
	select {
	case err := <-dialer.ended:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("dial ended with %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("hangup did not cancel the pending call")
	}
	waitFor(t, "session closed", func() bool { return a.Session().State() == session.StateClosed })

	if _, err := io.WriteString(pw, "quit\n"); err != nil {
		t.Fatalf("write quit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after quit")
	}
}

func TestApplyConfig_LiveChanges(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya", "Miles")
	h := newHarness(t, testConfig(t, srv.URL, "session:\n  character: Maya\n"), "")
	h.exec(t, "call")

	next := *h.cfg
	next.LogLevel = config.LogDebug
	next.Session.Character = "Miles"
	next.Audio.OutputDevice = "USB Headset"
	next.Server.URL = "http://elsewhere.example.com"

	h.app.ApplyConfig(context.Background(), h.cfg, &next)

	if h.level.Level() != slog.LevelDebug {
		t.Errorf("log level = %s, want DEBUG", h.level.Level())
	}
	if _, req := h.dialer.last(); req.Character != "Miles" {
		t.Errorf("reconnected to %q, want Miles", req.Character)
	}
	if got := h.app.Devices().Selected(audio.DeviceOutput); got != "spk-1" {
		t.Errorf("output = %q, want spk-1", got)
	}
}

func TestOutputFollowsDeviceSelection(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya")
	h := newHarness(t, testConfig(t, srv.URL, ""), "")

	h.exec(t, "call Maya")
	onAudio := h.dialer.lastHandlers().OnAudio
	pcm := audio.AudioFrame{Data: []byte{1, 0, 2, 0}, Encoding: audio.EncodingPCM16}

	onAudio(pcm)
	waitFor(t, "player for default output", func() bool { return len(h.audio.playerDevices()) == 1 })

	h.exec(t, "device out USB Headset")
	onAudio(pcm)
	waitFor(t, "player for new output", func() bool { return len(h.audio.playerDevices()) == 2 })

	if got := h.audio.playerDevices(); got[0] != "" || got[1] != "spk-1" {
		t.Errorf("players opened for %q, want [\"\" \"spk-1\"]", got)
	}
}

func TestHistory_RecordsFinishedCalls(t *testing.T) {
	t.Parallel()

	srv := catalogServer(t, "Maya")
	path := filepath.Join(t.TempDir(), "calls.jsonl")
	h := newHarness(t, testConfig(t, srv.URL, "session:\n  history_file: "+path+"\n"), "")

	h.exec(t, "history")
	if !strings.Contains(h.out.String(), "no calls yet") {
		t.Errorf("empty history output:\n%s", h.out.String())
	}

	h.exec(t, "call Maya")
	h.exec(t, "hangup")
	h.exec(t, "hangup")

	records, err := history.NewFileStore(path).Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("recorded %d calls, want 1", len(records))
	}
	if r := records[0]; r.Character != "Maya" || r.Outcome != "closed" || r.SessionID != h.app.Session().Session().ID {
		t.Errorf("record = %+v", r)
	}

	h.exec(t, "history")
	if out := h.out.String(); !strings.Contains(out, "Maya") || !strings.Contains(out, "closed") {
		t.Errorf("history output:\n%s", out)
	}
}
