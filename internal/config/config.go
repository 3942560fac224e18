// Package config provides the configuration schema, loader, and hot-reload
// watcher for the voicelink client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultVoicePath         = "/api/voice-chat"
	DefaultCharactersPath    = "/api/characters"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultConnectTimeout    = 5 * time.Second
	DefaultTokenEnv          = "VOICELINK_TOKEN"
	DefaultSampleRate        = 16000
	DefaultChunkSamples      = 2048
	DefaultFramesPerBuffer   = 512
	DefaultInboundCodec      = audio.EncodingWAV
	DefaultInboundSampleRate = 24000
	DefaultServiceName       = "voicelink"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig locates the remote voice service.
type ServerConfig struct {
	// URL is the service origin (e.g., "https://voice.example.com"). http and
	// https are upgraded to ws and wss for the voice connection.
	URL string `yaml:"url"`

	// VoicePath is the WebSocket endpoint path. Default: /api/voice-chat.
	VoicePath string `yaml:"voice_path"`

	// CharactersPath is the catalog endpoint path. Default: /api/characters.
	CharactersPath string `yaml:"characters_path"`

	// HandshakeTimeout bounds the transport dial and handshake. Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// AuthConfig selects where the bearer token comes from.
type AuthConfig struct {
	// Token is a literal token. Prefer TokenEnv for anything but testing.
	Token string `yaml:"token"`

	// TokenEnv names the environment variable holding the token. It is read
	// on every connect. Default: VOICELINK_TOKEN (when Token is empty).
	TokenEnv string `yaml:"token_env"`
}

// SessionConfig holds conversation defaults.
type SessionConfig struct {
	// Character is preselected at startup.
	Character string `yaml:"character"`

	// ConnectTimeout bounds Connect regardless of HandshakeTimeout.
	// Default: 5s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// HistoryFile, when set, receives one JSON line per finished call.
	HistoryFile string `yaml:"history_file"`
}

// AudioConfig selects devices and wire formats.
type AudioConfig struct {
	// InputDevice and OutputDevice are device names as listed by the
	// "devices" command. Empty selects the system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// SampleRate is the microphone capture rate sent to the service.
	// Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSamples is the number of samples per outbound frame. Default: 2048.
	ChunkSamples int `yaml:"chunk_samples"`

	// FramesPerBuffer is the device buffer size. Default: 512.
	FramesPerBuffer int `yaml:"frames_per_buffer"`

	// InboundCodec is how the service frames audio it sends back: wav,
	// pcm16 or opus. Default: wav.
	InboundCodec audio.Encoding `yaml:"inbound_codec"`

	// InboundSampleRate and InboundChannels describe pcm16 and opus inbound
	// audio. WAV chunks carry their own format. Defaults: 24000, 1.
	InboundSampleRate int `yaml:"inbound_sample_rate"`
	InboundChannels   int `yaml:"inbound_channels"`
}

// InboundFormat returns the configured inbound PCM format.
func (a AudioConfig) InboundFormat() audio.Format {
	return audio.Format{SampleRate: a.InboundSampleRate, Channels: a.InboundChannels}
}

// TelemetryConfig configures the metrics and health listener.
type TelemetryConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz (e.g., ":9090").
	// Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// ServiceName is the OpenTelemetry service name. Default: voicelink.
	ServiceName string `yaml:"service_name"`
}
