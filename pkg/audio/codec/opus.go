package codec

import (
	"errors"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// opusMaxFrameMs is the longest frame duration an Opus packet can carry.
const opusMaxFrameMs = 120

// Opus decodes chunks that each hold a single Opus packet.
// Decoder state carries across packets of the same session.
type Opus struct {
	dec       *gopus.Decoder
	format    audio.Format
	frameSize int
}

var _ Decoder = (*Opus)(nil)

// NewOpus returns an Opus decoder. Opus supports 8, 12, 16, 24 and 48 kHz with
// one or two channels; zero values default to 48 kHz mono.
func NewOpus(o Options) (*Opus, error) {
	if o.SampleRate == 0 {
		o.SampleRate = 48000
	}
	if o.Channels == 0 {
		o.Channels = 1
	}
	dec, err := gopus.NewDecoder(o.SampleRate, o.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &Opus{
		dec:       dec,
		format:    audio.Format{SampleRate: o.SampleRate, Channels: o.Channels},
		frameSize: o.SampleRate * opusMaxFrameMs / 1000,
	}, nil
}

// Encoding implements [Decoder].
func (o *Opus) Encoding() audio.Encoding { return audio.EncodingOpus }

// Decode implements [Decoder].
func (o *Opus) Decode(frame audio.AudioFrame) (audio.AudioFrame, error) {
	if len(frame.Data) == 0 {
		return audio.AudioFrame{}, decodeErr(audio.EncodingOpus, frame, errors.New("empty packet"))
	}
	pcm, err := o.dec.Decode(frame.Data, o.frameSize, false)
	if err != nil {
		return audio.AudioFrame{}, decodeErr(audio.EncodingOpus, frame, err)
	}
	return audio.AudioFrame{
		Data:       int16sToBytes(pcm),
		SampleRate: o.format.SampleRate,
		Channels:   o.format.Channels,
		Encoding:   audio.EncodingPCM16,
		Timestamp:  frame.Timestamp,
	}, nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
