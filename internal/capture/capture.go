// Package capture turns a microphone stream into fixed-size PCM16 frames.
//
// A [Pipeline] reads float32 buffers from an [audio.Source], accumulates them
// into chunks of ChunkSamples, converts each chunk with [audio.FloatToPCM16],
// and hands the result to the OnFrame callback together with an RMS level.
// Stop is synchronous: once it returns no further callback will fire for the
// stopped run, even if the device is still being released.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

const (
	// DefaultChunkSamples is the number of samples per emitted frame.
	DefaultChunkSamples = 2048

	// DefaultSampleRate is the capture rate agreed with the voice service.
	DefaultSampleRate = 16000

	defaultFramesPerBuffer = 512
)

// ErrStopped is returned by Start when Stop was called while the microphone
// was still being opened.
var ErrStopped = errors.New("capture: stopped before the microphone opened")

// MicrophoneError reports that the input device could not be opened or failed
// while streaming. Err wraps [audio.ErrPermissionDenied] or
// [audio.ErrDeviceNotFound] when the backend could classify the failure.
type MicrophoneError struct {
	DeviceID string
	Err      error
}

func (e *MicrophoneError) Error() string {
	dev := e.DeviceID
	if dev == "" {
		dev = "default"
	}
	return fmt.Sprintf("capture: microphone %q: %v", dev, e.Err)
}

func (e *MicrophoneError) Unwrap() error { return e.Err }

// PermissionDenied reports whether access to the device was refused.
func (e *MicrophoneError) PermissionDenied() bool {
	return errors.Is(e.Err, audio.ErrPermissionDenied)
}

// Config configures a [Pipeline].
type Config struct {
	// Source opens the microphone. Required.
	Source audio.Source

	// SampleRate defaults to [DefaultSampleRate]. Frames are always mono.
	SampleRate int

	// ChunkSamples defaults to [DefaultChunkSamples].
	ChunkSamples int

	// FramesPerBuffer is passed to the source as a read size hint.
	FramesPerBuffer int

	// OnFrame receives each PCM16 frame in capture order.
	OnFrame func(audio.AudioFrame)

	// OnLevel receives the RMS level (0-100) of each chunk. Optional.
	OnLevel func(float64)

	// OnError is called when a running stream fails. The pipeline is
	// inactive by the time it is called. Optional.
	OnError func(error)
}

// Pipeline owns at most one microphone stream at a time. It can be started
// again after Stop or after a failed Start.
type Pipeline struct {
	cfg Config

	// gen identifies the current run. Stop bumps it, which silences the
	// reader of the previous run.
	gen atomic.Uint64

	mu         sync.Mutex
	stream     audio.InputStream
	done       chan struct{}
	cancelOpen context.CancelFunc

	// emitMu is held for the duration of every callback so Stop can wait
	// for an in-flight emit.
	emitMu sync.Mutex
}

// New returns an idle pipeline.
func New(cfg Config) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultChunkSamples
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = defaultFramesPerBuffer
	}
	return &Pipeline{cfg: cfg}
}

// Active reports whether a stream is open.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// Start opens deviceID (empty = default input) and begins emitting frames.
// Calling Start while active is a no-op. Open failures are returned as
// *[MicrophoneError].
func (p *Pipeline) Start(ctx context.Context, deviceID string) error {
	p.mu.Lock()
	if p.stream != nil {
		p.mu.Unlock()
		return nil
	}
	if p.cancelOpen != nil {
		p.mu.Unlock()
		return errors.New("capture: start already in progress")
	}
	gen := p.gen.Add(1)
	octx, cancel := context.WithCancel(ctx)
	p.cancelOpen = cancel
	p.mu.Unlock()

	format := audio.Format{SampleRate: p.cfg.SampleRate, Channels: 1}
	stream, err := p.cfg.Source.OpenInput(octx, deviceID, format, p.cfg.FramesPerBuffer)
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelOpen = nil

	if p.gen.Load() != gen {
		if stream != nil {
			_ = stream.Close()
		}
		return ErrStopped
	}
	if err != nil {
		return &MicrophoneError{DeviceID: deviceID, Err: err}
	}

	p.stream = stream
	p.done = make(chan struct{})
	go p.run(gen, stream, p.done)

	slog.Info("microphone capture started",
		"device", deviceID,
		"sample_rate", p.cfg.SampleRate,
		"chunk_samples", p.cfg.ChunkSamples,
	)
	return nil
}

// Stop releases the microphone. After Stop returns no OnFrame or OnLevel
// callback of the stopped run will be invoked. Safe to call at any time,
// including concurrently with a pending Start, but not from inside a callback.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.gen.Add(1)
	if p.cancelOpen != nil {
		p.cancelOpen()
	}
	stream, done := p.stream, p.done
	p.stream, p.done = nil, nil
	p.mu.Unlock()

	// Wait out an emit that passed the generation check before the bump.
	p.emitMu.Lock()
	stopped := stream != nil
	p.emitMu.Unlock()

	if !stopped {
		return
	}

	if err := stream.Close(); err != nil {
		slog.Warn("capture: close microphone stream", "err", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		slog.Warn("capture: reader did not exit after stream close")
	}
	slog.Info("microphone capture stopped")
}

// run reads the stream until it is closed, emitting one frame per chunk.
func (p *Pipeline) run(gen uint64, stream audio.InputStream, done chan struct{}) {
	defer close(done)

	chunk := p.cfg.ChunkSamples
	pending := make([]float32, 0, chunk*2)
	var emitted int64

	for {
		samples, err := stream.Read()
		if err != nil {
			if p.gen.Load() != gen {
				return
			}
			p.fail(gen, stream, err)
			return
		}
		pending = append(pending, samples...)

		for len(pending) >= chunk {
			ts := time.Duration(emitted) * time.Second / time.Duration(p.cfg.SampleRate)
			frame := audio.AudioFrame{
				Data:       audio.FloatToPCM16(pending[:chunk]),
				SampleRate: p.cfg.SampleRate,
				Channels:   1,
				Encoding:   audio.EncodingPCM16,
				Timestamp:  ts,
			}
			level := audio.RMSLevel(pending[:chunk])
			if !p.emit(gen, frame, level) {
				return
			}
			emitted += int64(chunk)
			pending = append(pending[:0], pending[chunk:]...)
		}
	}
}

// emit delivers one frame unless the run has been stopped.
func (p *Pipeline) emit(gen uint64, frame audio.AudioFrame, level float64) bool {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.gen.Load() != gen {
		return false
	}
	if p.cfg.OnLevel != nil {
		p.cfg.OnLevel(level)
	}
	if p.cfg.OnFrame != nil {
		p.cfg.OnFrame(frame)
	}
	return true
}

// fail tears down a run whose stream broke underneath it.
func (p *Pipeline) fail(gen uint64, stream audio.InputStream, err error) {
	p.mu.Lock()
	if p.gen.Load() != gen {
		p.mu.Unlock()
		return
	}
	p.gen.Add(1)
	p.stream, p.done = nil, nil
	p.mu.Unlock()

	_ = stream.Close()
	slog.Warn("microphone stream failed", "err", err)

	if p.cfg.OnError != nil {
		p.cfg.OnError(&MicrophoneError{Err: err})
	}
}
