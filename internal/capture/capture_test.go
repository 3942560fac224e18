package capture_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/capture"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
)

// recorder collects pipeline callbacks.
type recorder struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	levels []float64
	errs   []error
	got    chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 256)} }

func (r *recorder) onFrame(f audio.AudioFrame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) onLevel(l float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, l)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) signal() {
	select {
	case r.got <- struct{}{}:
	default:
	}
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for pipeline callback")
		}
	}
}

func newPipeline(src *mock.Source, rec *recorder) *capture.Pipeline {
	return capture.New(capture.Config{
		Source:       src,
		SampleRate:   16000,
		ChunkSamples: 4,
		OnFrame:      rec.onFrame,
		OnLevel:      rec.onLevel,
		OnError:      rec.onError,
	})
}

func TestStart_EmitsChunkedPCM16(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	rec := newRecorder()
	p := newPipeline(src, rec)
	if err := p.Start(context.Background(), "mic-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if call := src.OpenCalls[0]; call.DeviceID != "mic-1" || call.Format.SampleRate != 16000 || call.Format.Channels != 1 {
		t.Errorf("OpenInput call = %+v", call)
	}

	// Uneven reads: 3 + 3 + 2 samples make exactly two chunks of 4.
	st := src.LastStream()
	st.Feed([]float32{0.5, -1.0, 2.0})
	st.Feed([]float32{0, 0.25, -0.25})
	st.Feed([]float32{1.0, -2.0})
	rec.wait(t, 2)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.frames) != 2 {
		t.Fatalf("got %d frames; want 2", len(rec.frames))
	}

	first := rec.frames[0]
	if first.Encoding != audio.EncodingPCM16 || first.SampleRate != 16000 || first.Channels != 1 {
		t.Errorf("frame tag = %s %v", first.Encoding, first.Format())
	}
	if len(first.Data) != 8 {
		t.Fatalf("frame size = %d bytes; want 8", len(first.Data))
	}
	sample := func(b []byte, i int) int16 { return int16(binary.LittleEndian.Uint16(b[i*2:])) }
	if s := sample(first.Data, 0); s != 16383 && s != 16384 {
		t.Errorf("0.5 -> %d; want 16383 or 16384", s)
	}
	if s := sample(first.Data, 1); s != -32767 {
		t.Errorf("-1.0 -> %d; want -32767", s)
	}
	if s := sample(first.Data, 2); s != 32767 {
		t.Errorf("2.0 -> %d; want clamped 32767", s)
	}
	if s := sample(rec.frames[1].Data, 3); s != -32767 {
		t.Errorf("-2.0 -> %d; want clamped -32767", s)
	}

	if rec.frames[1].Timestamp != 250*time.Microsecond {
		t.Errorf("second frame timestamp = %v; want 250µs", rec.frames[1].Timestamp)
	}
	if len(rec.levels) != 2 || rec.levels[0] <= 0 {
		t.Errorf("levels = %v; want two positive values", rec.levels)
	}
}

func TestStart_WhileActiveIsNoop(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p := newPipeline(src, newRecorder())
	if err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := src.OpenCount(); n != 1 {
		t.Errorf("OpenInput called %d times; want 1", n)
	}
	if !p.Active() {
		t.Error("Active = false while streaming")
	}
}

func TestStart_PermissionDenied(t *testing.T) {
	t.Parallel()

	src := &mock.Source{OpenError: audio.ErrPermissionDenied}
	rec := newRecorder()
	p := newPipeline(src, rec)

	err := p.Start(context.Background(), "")
	var me *capture.MicrophoneError
	if !errors.As(err, &me) {
		t.Fatalf("Start err = %v; want *MicrophoneError", err)
	}
	if !me.PermissionDenied() || !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("err = %v; want permission denied", err)
	}
	if p.Active() {
		t.Error("Active = true after failed Start")
	}

	// The pipeline stays usable once access is granted.
	src.SetOpenError(nil)
	if err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	p.Stop()
	if rec.frameCount() != 0 {
		t.Error("frames emitted without samples")
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	p := newPipeline(src, newRecorder())

	// Not started: no-op.
	p.Stop()
	p.Stop()

	if err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	p.Stop()

	if !src.LastStream().Closed() {
		t.Error("stream not closed after Stop")
	}
	if p.Active() {
		t.Error("Active = true after Stop")
	}
}

func TestStop_NoFrameAfterReturn(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	rec := newRecorder()
	p := newPipeline(src, rec)
	if err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := src.LastStream()

	feeding := make(chan struct{})
	go func() {
		defer close(feeding)
		for st.Feed([]float32{0.1, 0.1, 0.1, 0.1}) {
			time.Sleep(100 * time.Microsecond)
		}
	}()
	rec.wait(t, 1)

	p.Stop()
	atStop := rec.frameCount()
	<-feeding

	time.Sleep(20 * time.Millisecond)
	if got := rec.frameCount(); got != atStop {
		t.Errorf("frames after Stop: %d -> %d", atStop, got)
	}
}

func TestStop_DuringPendingOpen(t *testing.T) {
	t.Parallel()

	src := &mock.Source{OpenDelay: time.Second}
	p := newPipeline(src, newRecorder())

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(context.Background(), "") }()

	// Let Start reach OpenInput.
	deadline := time.Now().Add(time.Second)
	for src.OpenCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, capture.ErrStopped) {
			t.Errorf("Start err = %v; want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if p.Active() {
		t.Error("Active = true after cancelled Start")
	}
}

func TestStreamFailure_ReportsError(t *testing.T) {
	t.Parallel()

	src := &mock.Source{}
	rec := newRecorder()
	p := newPipeline(src, rec)
	if err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Closing underneath the pipeline simulates an unplugged device.
	_ = src.LastStream().Close()
	rec.wait(t, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 {
		t.Fatalf("got %d errors; want 1", len(rec.errs))
	}
	var me *capture.MicrophoneError
	if !errors.As(rec.errs[0], &me) || !errors.Is(rec.errs[0], audio.ErrStreamClosed) {
		t.Errorf("err = %v; want MicrophoneError wrapping ErrStreamClosed", rec.errs[0])
	}
	if p.Active() {
		t.Error("Active = true after stream failure")
	}
}
