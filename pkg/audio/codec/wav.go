package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/voicelink/pkg/audio"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// WAV decodes chunks that are complete RIFF/WAVE files with 16-bit PCM data.
type WAV struct{}

var _ Decoder = WAV{}

// Encoding implements [Decoder].
func (WAV) Encoding() audio.Encoding { return audio.EncodingWAV }

// Decode implements [Decoder]. The data chunk size is clamped to the bytes
// actually present, so streamed headers with a placeholder size still decode.
func (WAV) Decode(frame audio.AudioFrame) (audio.AudioFrame, error) {
	info, err := parseWAV(frame.Data)
	if err != nil {
		return audio.AudioFrame{}, decodeErr(audio.EncodingWAV, frame, err)
	}
	end := min(info.dataOffset+info.dataSize, len(frame.Data))
	pcm := frame.Data[info.dataOffset:end]
	if len(pcm)%(2*info.channels) != 0 {
		pcm = pcm[:len(pcm)-len(pcm)%(2*info.channels)]
	}
	if len(pcm) == 0 {
		return audio.AudioFrame{}, decodeErr(audio.EncodingWAV, frame, errors.New("empty data chunk"))
	}
	return audio.AudioFrame{
		Data:       pcm,
		SampleRate: info.sampleRate,
		Channels:   info.channels,
		Encoding:   audio.EncodingPCM16,
		Timestamp:  frame.Timestamp,
	}, nil
}

type wavInfo struct {
	sampleRate int
	channels   int
	dataOffset int
	dataSize   int
}

// parseWAV walks the RIFF chunks of wav and returns the PCM format and the
// location of the data chunk.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size < 16 || offset+8+16 > len(wav) {
				return wavInfo{}, errors.New("truncated fmt chunk")
			}
			f := wav[offset+8:]
			tag := binary.LittleEndian.Uint16(f[0:2])
			bits := binary.LittleEndian.Uint16(f[14:16])
			if tag != wavFormatPCM && tag != wavFormatExtensible {
				return wavInfo{}, fmt.Errorf("unsupported format tag 0x%04x", tag)
			}
			if bits != 16 {
				return wavInfo{}, fmt.Errorf("unsupported bit depth %d", bits)
			}
			info.channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.sampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			if info.channels <= 0 || info.sampleRate <= 0 {
				return wavInfo{}, errors.New("invalid fmt chunk")
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return wavInfo{}, errors.New("data chunk before fmt chunk")
			}
			info.dataOffset = offset + 8
			info.dataSize = size
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("missing data chunk")
}

// EncodeWAV wraps little-endian PCM16 data in a minimal RIFF/WAVE container.
func EncodeWAV(pcm []byte, format audio.Format) []byte {
	const headerSize = 44
	out := make([]byte, headerSize+len(pcm))
	blockAlign := format.Channels * 2

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(out[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(format.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerSize:], pcm)
	return out
}
