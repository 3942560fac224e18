package codec

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// PCM16 passes raw little-endian PCM16 chunks through, stamping them with the
// configured format.
type PCM16 struct {
	format audio.Format
}

var _ Decoder = (*PCM16)(nil)

// NewPCM16 returns a raw PCM decoder. SampleRate and Channels must be set.
func NewPCM16(o Options) (*PCM16, error) {
	if o.SampleRate <= 0 || o.Channels <= 0 {
		return nil, fmt.Errorf("codec: pcm16 requires sample rate and channels, got %d Hz, %d ch", o.SampleRate, o.Channels)
	}
	return &PCM16{format: audio.Format{SampleRate: o.SampleRate, Channels: o.Channels}}, nil
}

// Encoding implements [Decoder].
func (p *PCM16) Encoding() audio.Encoding { return audio.EncodingPCM16 }

// Decode implements [Decoder]. Chunks that are empty or not a whole number of
// sample frames are rejected.
func (p *PCM16) Decode(frame audio.AudioFrame) (audio.AudioFrame, error) {
	if len(frame.Data) == 0 {
		return audio.AudioFrame{}, decodeErr(audio.EncodingPCM16, frame, errors.New("empty chunk"))
	}
	if len(frame.Data)%(2*p.format.Channels) != 0 {
		return audio.AudioFrame{}, decodeErr(audio.EncodingPCM16, frame, errors.New("chunk is not aligned to whole sample frames"))
	}
	return audio.AudioFrame{
		Data:       frame.Data,
		SampleRate: p.format.SampleRate,
		Channels:   p.format.Channels,
		Encoding:   audio.EncodingPCM16,
		Timestamp:  frame.Timestamp,
	}, nil
}
