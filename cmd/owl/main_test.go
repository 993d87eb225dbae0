package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/owl/internal/app"
	"github.com/MrWong99/owl/internal/config"
	"github.com/MrWong99/owl/internal/oracle"
	imagegenmock "github.com/MrWong99/owl/pkg/provider/imagegen/mock"
	"github.com/MrWong99/owl/pkg/provider/llm"
	llmmock "github.com/MrWong99/owl/pkg/provider/llm/mock"
	"github.com/MrWong99/owl/pkg/provider/vision"
	visionmock "github.com/MrWong99/owl/pkg/provider/vision/mock"
	"github.com/MrWong99/owl/pkg/voice"
)

func newTestApp(t *testing.T, providers *app.Providers) *app.App {
	t.Helper()
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	a, err := app.New(context.Background(), &cfg, providers, app.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestRunChat(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "The night listens."}}
	a := newTestApp(t, &app.Providers{LLM: p})

	var out bytes.Buffer
	in := strings.NewReader("Who hunts at dusk?\n\n   \nAnd at dawn?\n")
	if err := runChat(context.Background(), a, in, newTerminal(&out)); err != nil {
		t.Fatalf("runChat: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "owl: "+oracle.Welcome) {
		t.Errorf("welcome line missing from %q", got)
	}
	if n := strings.Count(got, "owl: The night listens."); n != 2 {
		t.Errorf("replies printed = %d, want 2\n%s", n, got)
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("Complete calls = %d, want 2 (blank lines skipped)", n)
	}
}

func TestRunChat_ProviderError(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, &app.Providers{LLM: &llmmock.Provider{CompleteErr: errors.New("quota")}})

	var out bytes.Buffer
	if err := runChat(context.Background(), a, strings.NewReader("hello\n"), newTerminal(&out)); err != nil {
		t.Fatalf("runChat: %v", err)
	}
	if !strings.Contains(out.String(), oracle.TransmissionError) {
		t.Errorf("output %q lacks the transmission error line", out.String())
	}
}

func TestRunChat_NotConfigured(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, nil)
	err := runChat(context.Background(), a, strings.NewReader(""), newTerminal(&bytes.Buffer{}))
	if !errors.Is(err, app.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func writeJPEG(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "barn.jpg")
	data := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunVision(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, &app.Providers{
		Vision:   &visionmock.Provider{Text: "Two eyes glint in the hayloft."},
		ImageGen: &imagegenmock.Provider{Image: &vision.Image{MIMEType: "image/png", Data: []byte("png")}},
	})

	var out bytes.Buffer
	job := visionJob{path: writeJPEG(t), prompt: "what is watching?"}
	if err := runVision(context.Background(), a, newTerminal(&out), job); err != nil {
		t.Fatalf("runVision: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"owl: Two eyes glint in the hayloft.",
		"History (1):",
		"thumbnail image/png, 3 bytes",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q:\n%s", want, got)
		}
	}
}

func TestRunVision_Scan(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, &app.Providers{Vision: &visionmock.Provider{Text: "Fog."}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	term := newTerminal(&out)
	job := visionJob{path: writeJPEG(t), scan: true, interval: 5 * time.Millisecond}
	if err := runVision(ctx, a, term, job); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("runVision: %v", err)
	}
	term.mu.Lock()
	got := out.String()
	term.mu.Unlock()
	if !strings.Contains(got, "Surveillance active") || !strings.Contains(got, "] Fog.") {
		t.Errorf("scan output = %q", got)
	}
}

func TestRunVision_MissingFile(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, &app.Providers{Vision: &visionmock.Provider{Text: "x"}})
	job := visionJob{path: filepath.Join(t.TempDir(), "gone.jpg")}
	if err := runVision(context.Background(), a, newTerminal(&bytes.Buffer{}), job); err == nil {
		t.Fatal("expected error for a missing image")
	}
}

func TestTerminal_Transcript(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	term := newTerminal(&out)

	term.transcript("Who")
	term.transcript("Who goes")
	term.transcript("Who goes there?")
	term.transcript("")
	term.transcript("Again")

	want := "owl: Who\nowl: goes\nowl: there?\nowl: Again\n"
	if out.String() != want {
		t.Errorf("printed %q, want %q", out.String(), want)
	}
}

func TestTerminal_States(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	term := newTerminal(&out)
	term.state(voice.Connecting)
	term.state(voice.Active)
	term.state(voice.Closing)
	term.state(voice.Idle)
	term.sessionError(errors.New("reset"))

	want := statusAwakening + "\n" + statusPerched + "\n" + statusDormant + "\n" + statusSevered + " (reset)\n"
	if out.String() != want {
		t.Errorf("printed %q, want %q", out.String(), want)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "google-key")
	t.Setenv("OPENAI_API_KEY", "openai-key")

	cfg := &config.Config{Providers: config.ProvidersConfig{
		Live:     config.ProviderEntry{Name: "gemini"},
		LLM:      config.ProviderEntry{Name: "openai", APIKey: "explicit"},
		Vision:   config.ProviderEntry{Name: "gemini"},
		ImageGen: config.ProviderEntry{Name: "openai"},
	}}
	applyEnv(cfg)

	p := cfg.Providers
	if p.Live.APIKey != "google-key" || p.Vision.APIKey != "google-key" {
		t.Errorf("gemini keys = %q, %q", p.Live.APIKey, p.Vision.APIKey)
	}
	if p.LLM.APIKey != "explicit" {
		t.Errorf("explicit key overwritten: %q", p.LLM.APIKey)
	}
	if p.ImageGen.APIKey != "openai-key" {
		t.Errorf("imagegen key = %q", p.ImageGen.APIKey)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(defaultConfigYAML))
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Providers.Live.Name != "gemini" || cfg.Providers.LLM.Model == "" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg)

	cfg := &config.Config{Providers: config.ProvidersConfig{
		LLM:      config.ProviderEntry{Name: "ollama", Model: "llama3.2", BaseURL: "http://localhost:11434"},
		ImageGen: config.ProviderEntry{Name: "openai", APIKey: "sk-test", Options: map[string]any{"timeout": "30s"}},
		Vision:   config.ProviderEntry{Name: "unheard-of"},
	}}
	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.LLM == nil || ps.ImageGen == nil {
		t.Errorf("providers = %+v", ps)
	}
	if ps.Live != nil || ps.Vision != nil {
		t.Errorf("unconfigured or unknown providers should stay nil: %+v", ps)
	}

	cfg.Providers.Live = config.ProviderEntry{Name: "gemini"}
	if _, err := buildProviders(cfg, reg); err == nil {
		t.Error("expected error for gemini live without api key")
	}
}

func TestOptDuration(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"s": "1m30s", "i": 5, "f": 0.5, "bad": "soon", "b": true}
	tests := map[string]time.Duration{
		"s":       90 * time.Second,
		"i":       5 * time.Second,
		"f":       500 * time.Millisecond,
		"bad":     0,
		"b":       0,
		"missing": 0,
	}
	for key, want := range tests {
		if got := optDuration(opts, key); got != want {
			t.Errorf("optDuration(%q) = %v, want %v", key, got, want)
		}
	}
	if got := optDuration(nil, "s"); got != 0 {
		t.Errorf("optDuration(nil) = %v", got)
	}
}

func TestFirstLine(t *testing.T) {
	t.Parallel()
	if got := firstLine("short\nsecond", 10); got != "short" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("abcdefghij", 5); got != "abcd…" {
		t.Errorf("firstLine = %q", got)
	}
}
