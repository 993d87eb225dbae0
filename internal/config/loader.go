package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live":     {"gemini"},
	"llm":      {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"vision":   {"gemini"},
	"imagegen": {"gemini", "openai"},
}

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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
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

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("live", cfg.Providers.Live.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("vision", cfg.Providers.Vision.Name)
	validateProviderName("imagegen", cfg.Providers.ImageGen.Name)

	if cfg.Providers.LLM.Name != "" && cfg.Providers.LLM.Model == "" {
		errs = append(errs, errors.New("providers.llm.model is required when providers.llm is configured"))
	}

	v := cfg.Voice
	if v.Modality != "" && !v.Modality.IsValid() {
		errs = append(errs, fmt.Errorf("voice.modality %q is invalid; valid values: audio, text", v.Modality))
	}
	if v.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("voice.frames_per_buffer %d must not be negative", v.FramesPerBuffer))
	}
	if v.PlaybackBuffer < 0 {
		errs = append(errs, fmt.Errorf("voice.playback_buffer %d must not be negative", v.PlaybackBuffer))
	}
	if v.Modality == ModalityText && v.Transcription != nil && *v.Transcription {
		slog.Warn("voice.transcription has no effect with text modality")
	}

	if cfg.Chat.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_tokens %d must not be negative", cfg.Chat.MaxTokens))
	}
	if cfg.Vision.ScanInterval < 0 {
		errs = append(errs, fmt.Errorf("vision.scan_interval %s must not be negative", cfg.Vision.ScanInterval))
	}
	if cfg.Vision.ThumbnailTimeout < 0 {
		errs = append(errs, fmt.Errorf("vision.thumbnail_timeout %s must not be negative", cfg.Vision.ThumbnailTimeout))
	}
	if cfg.History.Limit < 0 {
		errs = append(errs, fmt.Errorf("history.limit %d must not be negative", cfg.History.Limit))
	}

	if cfg.Providers.Vision.Name == "" && cfg.Providers.ImageGen.Name != "" {
		slog.Warn("providers.imagegen is configured without providers.vision; thumbnails will never be generated")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
