// Package codec decodes inbound audio chunks into PCM16 frames.
//
// The remote service delivers each audio chunk as one binary WebSocket
// message. A session uses exactly one [Decoder], chosen by name from the
// configuration:
//
//   - "wav": every chunk is a self-contained RIFF/WAVE file (default).
//   - "pcm16": every chunk is raw little-endian PCM16 at a fixed format.
//   - "opus": every chunk is one self-contained Opus packet.
//
// Decoders are not safe for concurrent use; the playback queue calls Decode
// from a single goroutine.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrUnknownCodec is returned by [Registry.New] when no factory has been
// registered under the requested name.
var ErrUnknownCodec = errors.New("codec: unknown codec")

// Decoder turns one inbound chunk into a playable PCM16 frame.
type Decoder interface {
	// Decode returns an [audio.EncodingPCM16] frame. Failures are reported as
	// *[DecodeError].
	Decode(frame audio.AudioFrame) (audio.AudioFrame, error)

	// Encoding reports the chunk encoding this decoder accepts.
	Encoding() audio.Encoding
}

// DecodeError describes a chunk that could not be decoded. It is never fatal:
// the playback queue skips the chunk and moves on.
type DecodeError struct {
	Encoding audio.Encoding
	Bytes    int
	Err      error
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode %s chunk (%d bytes): %v", e.Encoding, e.Bytes, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(enc audio.Encoding, frame audio.AudioFrame, err error) error {
	return &DecodeError{Encoding: enc, Bytes: len(frame.Data), Err: err}
}

// Options carries the format needed by decoders whose chunks do not describe
// themselves. The wav decoder ignores it.
type Options struct {
	SampleRate int
	Channels   int
}

// Factory constructs a [Decoder].
type Factory func(Options) (Decoder, error)

// Registry maps codec names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[audio.Encoding]Factory
}

// NewRegistry returns a registry with the built-in wav, pcm16 and opus codecs.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[audio.Encoding]Factory)}
	r.Register(audio.EncodingWAV, func(Options) (Decoder, error) { return WAV{}, nil })
	r.Register(audio.EncodingPCM16, func(o Options) (Decoder, error) { return NewPCM16(o) })
	r.Register(audio.EncodingOpus, func(o Options) (Decoder, error) { return NewOpus(o) })
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name audio.Encoding, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New constructs the decoder registered under name.
func (r *Registry) New(name audio.Encoding, opts Options) (Decoder, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownCodec, name, r.Names())
	}
	return f(opts)
}

// Names returns the registered codec names in sorted order.
func (r *Registry) Names() []audio.Encoding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]audio.Encoding, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
