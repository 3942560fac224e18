package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// opusRates lists the sample rates an Opus decoder accepts.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}

	if cfg.Server.VoicePath == "" {
		cfg.Server.VoicePath = DefaultVoicePath
	}
	if cfg.Server.CharactersPath == "" {
		cfg.Server.CharactersPath = DefaultCharactersPath
	}
	if cfg.Server.HandshakeTimeout == 0 {
		cfg.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if cfg.Auth.Token == "" && cfg.Auth.TokenEnv == "" {
		cfg.Auth.TokenEnv = DefaultTokenEnv
	}

	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.ChunkSamples == 0 {
		cfg.Audio.ChunkSamples = DefaultChunkSamples
	}
	if cfg.Audio.FramesPerBuffer == 0 {
		cfg.Audio.FramesPerBuffer = DefaultFramesPerBuffer
	}
	if cfg.Audio.InboundCodec == "" {
		cfg.Audio.InboundCodec = DefaultInboundCodec
	}
	if cfg.Audio.InboundSampleRate == 0 {
		cfg.Audio.InboundSampleRate = DefaultInboundSampleRate
	}
	if cfg.Audio.InboundChannels == 0 {
		cfg.Audio.InboundChannels = 1
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Server
	if cfg.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if u, err := url.Parse(cfg.Server.URL); err != nil {
		errs = append(errs, fmt.Errorf("server.url %q is invalid: %w", cfg.Server.URL, err))
	} else if !slices.Contains([]string{"http", "https", "ws", "wss"}, u.Scheme) || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.url %q must be an absolute http, https, ws or wss URL", cfg.Server.URL))
	}
	if cfg.Server.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.handshake_timeout %s must not be negative", cfg.Server.HandshakeTimeout))
	}

	// Session
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.ChunkSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_samples %d must be positive", a.ChunkSamples))
	}
	if a.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d must be positive", a.FramesPerBuffer))
	}
	if a.InboundCodec != "" && !a.InboundCodec.IsValid() {
		errs = append(errs, fmt.Errorf("audio.inbound_codec %q is invalid; valid values: wav, pcm16, opus", a.InboundCodec))
	}
	if a.InboundSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.inbound_sample_rate %d must be positive", a.InboundSampleRate))
	}
	if a.InboundChannels < 0 || a.InboundChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.inbound_channels %d must be 1 or 2", a.InboundChannels))
	}
	if a.InboundCodec == audio.EncodingOpus && a.InboundSampleRate > 0 && !slices.Contains(opusRates, a.InboundSampleRate) {
		errs = append(errs, fmt.Errorf("audio.inbound_sample_rate %d is not supported by opus; valid values: %v", a.InboundSampleRate, opusRates))
	}

	return errors.Join(errs...)
}
