package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only settings that
// can be applied without a restart are tracked individually.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is set when any voice setting changed. It takes effect
	// with the next voice session.
	VoiceChanged bool

	// ChatChanged is set when the chat prompt or token cap changed.
	ChatChanged bool

	// VisionChanged is set when scan or thumbnail timing changed.
	VisionChanged bool

	// RestartRequired lists sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Empty reports whether d contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.ChatChanged && !d.VisionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.VoiceChanged = !voiceEqual(old.Voice, new.Voice)
	d.ChatChanged = old.Chat != new.Chat
	d.VisionChanged = old.Vision != new.Vision

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}

func voiceEqual(a, b VoiceConfig) bool {
	if a.TranscriptionEnabled() != b.TranscriptionEnabled() {
		return false
	}
	a.Transcription, b.Transcription = nil, nil
	return a == b
}
