package audio

import "time"

// Encoding tags the byte layout of an [AudioFrame] payload.
type Encoding string

const (
	// EncodingPCM16 is raw little-endian signed 16-bit PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingWAV is a self-contained RIFF/WAVE container holding PCM16 data.
	EncodingWAV Encoding = "wav"

	// EncodingOpus is a single self-contained Opus packet.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingWAV, EncodingOpus:
		return true
	}
	return false
}

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Outbound frames are produced by the capture pipeline; inbound frames are
// produced by the transport and consumed by the playback queue.
//
// Frames are treated as immutable once constructed: consumers must copy Data
// before modifying it.
type AudioFrame struct {
	// Data is the encoded payload. For [EncodingPCM16] it is little-endian int16.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for microphone capture). Zero when the
	// payload is a container that carries its own format.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo. Zero for self-describing containers.
	Channels int

	// Encoding identifies how Data is laid out.
	Encoding Encoding

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the PCM format declared by the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of a PCM16 frame. It returns zero for
// other encodings or when the format is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.Encoding != EncodingPCM16 || f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
