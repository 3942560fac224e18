// Package portaudio implements the [audio.Source], [audio.Player], and
// [audio.DeviceLister] interfaces on top of PortAudio blocking streams.
//
// Devices are identified by their PortAudio name. An empty device ID selects
// the host's default device.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicelink/pkg/audio"
)

var (
	_ audio.Source       = (*Backend)(nil)
	_ audio.DeviceLister = (*Backend)(nil)
	_ audio.Player       = (*Player)(nil)
)

// Backend owns the PortAudio library lifetime. Create one per process with
// [Open] and release it with [Backend.Close].
type Backend struct {
	mu     sync.Mutex
	closed bool
}

// Open initialises PortAudio.
func Open() (*Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Backend{}, nil
}

// Close terminates PortAudio. Streams and players must be closed first.
// Idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return portaudio.Terminate()
}

// Devices implements [audio.DeviceLister]. A device with both input and output
// channels is reported once per kind.
func (b *Backend) Devices() ([]audio.DeviceDescriptor, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]audio.DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			out = append(out, audio.DeviceDescriptor{ID: d.Name, Label: d.Name, Kind: audio.DeviceInput, Default: d == defIn})
		}
		if d.MaxOutputChannels > 0 {
			out = append(out, audio.DeviceDescriptor{ID: d.Name, Label: d.Name, Kind: audio.DeviceOutput, Default: d == defOut})
		}
	}
	return out, nil
}

// findDevice resolves id to a PortAudio device of the given kind.
func findDevice(id string, kind audio.DeviceKind) (*portaudio.DeviceInfo, error) {
	if id == "" {
		var (
			d   *portaudio.DeviceInfo
			err error
		)
		if kind == audio.DeviceOutput {
			d, err = portaudio.DefaultOutputDevice()
		} else {
			d, err = portaudio.DefaultInputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("portaudio: default %s device: %w", kind, classify(err))
		}
		return d, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name != id {
			continue
		}
		if kind == audio.DeviceInput && d.MaxInputChannels > 0 {
			return d, nil
		}
		if kind == audio.DeviceOutput && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("portaudio: %s device %q: %w", kind, id, audio.ErrDeviceNotFound)
}

// classify maps PortAudio error codes onto the audio package sentinels.
func classify(err error) error {
	var pe portaudio.Error
	if !errors.As(err, &pe) {
		return err
	}
	switch pe {
	case portaudio.DeviceUnavailable:
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	case portaudio.InvalidDevice:
		return fmt.Errorf("%w: %v", audio.ErrDeviceNotFound, err)
	}
	return err
}

// ── Input ─────────────────────────────────────────────────────────────────────

// OpenInput implements [audio.Source]. The stream is mono float32 at
// format.SampleRate; format.Channels is ignored.
func (b *Backend) OpenInput(_ context.Context, deviceID string, format audio.Format, framesPerBuffer int) (audio.InputStream, error) {
	device, err := findDevice(deviceID, audio.DeviceInput)
	if err != nil {
		return nil, err
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = 512
	}

	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: 1,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", classify(err))
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", classify(err))
	}

	slog.Debug("portaudio input stream started",
		"device", device.Name,
		"sample_rate", format.SampleRate,
		"frames_per_buffer", framesPerBuffer,
	)
	return &inputStream{stream: stream, buf: buf}, nil
}

// inputStream adapts a started PortAudio input stream to [audio.InputStream].
type inputStream struct {
	stream *portaudio.Stream
	buf    []float32

	readMu    sync.Mutex // held for the duration of a stream.Read
	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *inputStream) Read() ([]float32, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.closed.Load() {
		return nil, audio.ErrStreamClosed
	}
	if err := s.stream.Read(); err != nil {
		if s.closed.Load() {
			return nil, audio.ErrStreamClosed
		}
		// Input overflow only means samples were dropped.
		if !errors.Is(err, portaudio.InputOverflowed) {
			return nil, fmt.Errorf("portaudio: read: %w", err)
		}
	}
	out := make([]float32, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

// Close aborts the stream, which unblocks a pending Read, then closes it once
// the reader has returned.
func (s *inputStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.stream.Abort()
		s.readMu.Lock()
		defer s.readMu.Unlock()
		err = s.stream.Close()
	})
	return err
}

// ── Output ────────────────────────────────────────────────────────────────────

// Player plays PCM16 frames on one output device. The output stream is opened
// lazily on the first Play and kept open until [Player.Close].
type Player struct {
	deviceID        string
	format          audio.Format
	framesPerBuffer int
	conv            audio.FormatConverter

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	closed bool
}

// NewPlayer returns a player for deviceID (empty = default output) that
// renders every frame in format, converting as needed.
func (b *Backend) NewPlayer(deviceID string, format audio.Format) *Player {
	if format.SampleRate <= 0 {
		format.SampleRate = 48000
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Player{
		deviceID:        deviceID,
		format:          format,
		framesPerBuffer: format.SampleRate / 50, // 20 ms
		conv:            audio.FormatConverter{Target: format},
	}
}

func (p *Player) open() error {
	if p.stream != nil {
		return nil
	}
	device, err := findDevice(p.deviceID, audio.DeviceOutput)
	if err != nil {
		return err
	}
	p.buf = make([]int16, p.framesPerBuffer*p.format.Channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: p.format.Channels,
			Latency:  device.DefaultLowOutputLatency,
		},
		SampleRate:      float64(p.format.SampleRate),
		FramesPerBuffer: p.framesPerBuffer,
	}, p.buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output stream: %w", classify(err))
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("portaudio: start output stream: %w", classify(err))
	}
	p.stream = stream
	return nil
}

// Play implements [audio.Player]. It returns once the last buffer of frame has
// been handed to the device, or early when ctx is cancelled.
func (p *Player) Play(ctx context.Context, frame audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("portaudio: player closed")
	}
	if err := p.open(); err != nil {
		return err
	}

	pcm := p.conv.Convert(frame).Data
	step := len(p.buf) * 2
	for off := 0; off < len(pcm); off += step {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := pcm[off:min(off+step, len(pcm))]
		n := len(chunk) / 2
		for i := range p.buf {
			if i < n {
				p.buf[i] = int16(chunk[i*2]) | int16(chunk[i*2+1])<<8
			} else {
				p.buf[i] = 0
			}
		}
		if err := p.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close stops and releases the output stream. Idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.stream == nil {
		return nil
	}
	_ = p.stream.Stop()
	return p.stream.Close()
}
