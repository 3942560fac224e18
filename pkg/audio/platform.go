// Package audio defines the types and device-facing interfaces used by the
// voicelink audio pipeline.
//
// The primary abstractions are:
//
//   - [Source] opens a microphone and returns an [InputStream] of float32
//     samples.
//   - [Player] plays one decoded PCM16 [AudioFrame] to completion on an
//     output device.
//   - [DeviceLister] enumerates input and output devices as
//     [DeviceDescriptor] values. [DeviceRegistry] adds a current selection.
//
// Implementations are provided by backend packages (e.g., audio/portaudio) and
// by audio/mock for tests. The interfaces are intentionally narrow so the
// session core never touches a device handle directly.
//
// This package lives under pkg/ because external code is expected to supply
// its own backends.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by a [Source] when the operating system or
	// user refuses microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceNotFound is returned when the requested device identifier does
	// not match any available device.
	ErrDeviceNotFound = errors.New("audio: device not found")

	// ErrStreamClosed is returned by [InputStream.Read] after Close.
	ErrStreamClosed = errors.New("audio: stream closed")
)

// InputStream is an open microphone stream.
//
// Read blocks until the next buffer of mono float32 samples in [-1.0, 1.0] is
// available. After Close, Read returns [ErrStreamClosed] (or another non-nil
// error). Close is idempotent and may be called concurrently with Read.
type InputStream interface {
	Read() ([]float32, error)
	Close() error
}

// Source opens microphone streams.
//
// deviceID selects the input device; an empty string selects the system
// default. framesPerBuffer is a hint for the size of each Read result.
// Implementations must return errors wrapping [ErrPermissionDenied] or
// [ErrDeviceNotFound] where applicable so callers can classify the failure.
type Source interface {
	OpenInput(ctx context.Context, deviceID string, format Format, framesPerBuffer int) (InputStream, error)
}

// Player renders decoded audio.
//
// Play blocks until frame has been played to completion or ctx is cancelled,
// whichever happens first. frame is always [EncodingPCM16]. Implementations
// need not be safe for concurrent Play calls: the playback queue guarantees at
// most one in flight.
type Player interface {
	Play(ctx context.Context, frame AudioFrame) error
}
