package config

// Diff describes what changed between two configs.
//
// Log level, preselected character, and audio devices are applied live.
// Everything else is listed in RestartRequired so the caller can warn.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CharacterChanged bool
	NewCharacter     string

	InputDeviceChanged  bool
	OutputDeviceChanged bool

	// RestartRequired names the YAML keys that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.CharacterChanged &&
		!d.InputDeviceChanged && !d.OutputDeviceChanged &&
		len(d.RestartRequired) == 0
}

// Compare returns the differences between old and new.
func Compare(old, new *Config) Diff {
	var d Diff

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}
	if old.Session.Character != new.Session.Character {
		d.CharacterChanged = true
		d.NewCharacter = new.Session.Character
	}
	d.InputDeviceChanged = old.Audio.InputDevice != new.Audio.InputDevice
	d.OutputDeviceChanged = old.Audio.OutputDevice != new.Audio.OutputDevice

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.url", old.Server.URL != new.Server.URL)
	restart("server.voice_path", old.Server.VoicePath != new.Server.VoicePath)
	restart("server.characters_path", old.Server.CharactersPath != new.Server.CharactersPath)
	restart("server.handshake_timeout", old.Server.HandshakeTimeout != new.Server.HandshakeTimeout)
	restart("auth", old.Auth != new.Auth)
	restart("session.connect_timeout", old.Session.ConnectTimeout != new.Session.ConnectTimeout)
	restart("session.history_file", old.Session.HistoryFile != new.Session.HistoryFile)
	restart("audio.sample_rate", old.Audio.SampleRate != new.Audio.SampleRate)
	restart("audio.chunk_samples", old.Audio.ChunkSamples != new.Audio.ChunkSamples)
	restart("audio.frames_per_buffer", old.Audio.FramesPerBuffer != new.Audio.FramesPerBuffer)
	restart("audio.inbound_codec", old.Audio.InboundCodec != new.Audio.InboundCodec ||
		old.Audio.InboundFormat() != new.Audio.InboundFormat())
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}
