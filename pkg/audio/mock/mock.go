// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.InputStream], [audio.Player], and [audio.DeviceLister] interfaces for
// use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	stream, _ := src.OpenInput(ctx, "", audio.Format{SampleRate: 16000, Channels: 1}, 512)
//	src.LastStream().Feed(make([]float32, 512))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ─── Devices ──────────────────────────────────────────────────────────────────

// Devices is a mock implementation of [audio.DeviceLister].
type Devices struct {
	mu sync.Mutex

	// Result is returned by [Devices.Devices].
	Result []audio.DeviceDescriptor

	// Err is returned by [Devices.Devices].
	Err error

	// CallCount records how many times Devices was called.
	CallCount int
}

// Devices implements [audio.DeviceLister].
func (d *Devices) Devices() ([]audio.DeviceDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCount++
	if d.Err != nil {
		return nil, d.Err
	}
	out := make([]audio.DeviceDescriptor, len(d.Result))
	copy(out, d.Result)
	return out, nil
}

// ─── Source / InputStream ─────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.OpenInput] invocation.
type OpenCall struct {
	DeviceID        string
	Format          audio.Format
	FramesPerBuffer int
}

// Source is a mock implementation of [audio.Source]. Each successful
// OpenInput call creates a new [Stream] that the test feeds with samples.
type Source struct {
	mu sync.Mutex

	// OpenError, when non-nil, is returned by OpenInput instead of a stream.
	OpenError error

	// OpenDelay delays OpenInput, simulating a permission prompt.
	OpenDelay time.Duration

	// OpenCalls records all OpenInput invocations.
	OpenCalls []OpenCall

	// Streams holds every stream created, in order.
	Streams []*Stream
}

// OpenInput implements [audio.Source].
func (s *Source) OpenInput(ctx context.Context, deviceID string, format audio.Format, framesPerBuffer int) (audio.InputStream, error) {
	s.mu.Lock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{DeviceID: deviceID, Format: format, FramesPerBuffer: framesPerBuffer})
	delay, openErr := s.OpenDelay, s.OpenError
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	st := NewStream()
	s.mu.Lock()
	s.Streams = append(s.Streams, st)
	s.mu.Unlock()
	return st, nil
}

// SetOpenError replaces OpenError under the mock's lock.
func (s *Source) SetOpenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenError = err
}

// LastStream returns the most recently opened stream, or nil.
func (s *Source) LastStream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Streams) == 0 {
		return nil
	}
	return s.Streams[len(s.Streams)-1]
}

// OpenCount returns the number of OpenInput calls.
func (s *Source) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// Stream is a mock [audio.InputStream]. Read returns buffers passed to Feed in
// order and blocks while none are pending.
type Stream struct {
	buffers   chan []float32
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	closeCount int
}

// NewStream returns an open stream with room for 64 pending buffers.
func NewStream() *Stream {
	return &Stream{
		buffers: make(chan []float32, 64),
		closed:  make(chan struct{}),
	}
}

// Feed queues samples for a future Read. It returns false if the stream is
// closed or the buffer is full.
func (s *Stream) Feed(samples []float32) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.buffers <- samples:
		return true
	default:
		return false
	}
}

// Read implements [audio.InputStream].
func (s *Stream) Read() ([]float32, error) {
	select {
	case <-s.closed:
		return nil, audio.ErrStreamClosed
	case b := <-s.buffers:
		return b, nil
	}
}

// Close implements [audio.InputStream]. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player]. Each Play call records the
// frame, then waits for PlayDuration (or ctx cancellation) before returning.
type Player struct {
	mu sync.Mutex

	// PlayDuration is how long each Play call blocks.
	PlayDuration time.Duration

	// PlayError is returned by every Play call that is not cancelled.
	PlayError error

	// Played records every frame whose playback started, in order.
	Played []audio.AudioFrame

	// Completed counts Play calls that ran to completion.
	Completed int

	// Cancelled counts Play calls interrupted by ctx.
	Cancelled int

	// MaxConcurrent is the highest number of simultaneous Play calls observed.
	MaxConcurrent int

	// Started, when non-nil, receives each frame as its playback starts.
	Started chan audio.AudioFrame

	inFlight int
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, frame audio.AudioFrame) error {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.MaxConcurrent {
		p.MaxConcurrent = p.inFlight
	}
	p.Played = append(p.Played, frame)
	d, playErr, started := p.PlayDuration, p.PlayError, p.Started
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- frame:
		case <-ctx.Done():
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		p.mu.Lock()
		p.Cancelled++
		p.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
	}

	p.mu.Lock()
	p.Completed++
	p.mu.Unlock()
	return playErr
}

// Snapshot returns a copy of the played frames and the maximum observed
// concurrency.
func (p *Player) Snapshot() (played []audio.AudioFrame, maxConcurrent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.AudioFrame, len(p.Played))
	copy(out, p.Played)
	return out, p.MaxConcurrent
}
