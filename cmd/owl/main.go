// Command owl is the terminal front-end of the Owl: a live voice perch, a
// text chat and a night-vision image analyser backed by hosted models.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/owl/internal/app"
	"github.com/MrWong99/owl/internal/config"
	"github.com/MrWong99/owl/internal/observe"
	"github.com/MrWong99/owl/pkg/audio"
	"github.com/MrWong99/owl/pkg/audio/playback"
	"github.com/MrWong99/owl/pkg/audio/portaudio"
	"github.com/MrWong99/owl/pkg/provider/imagegen"
	geminiimage "github.com/MrWong99/owl/pkg/provider/imagegen/gemini"
	openaiimage "github.com/MrWong99/owl/pkg/provider/imagegen/openai"
	"github.com/MrWong99/owl/pkg/provider/live"
	geminilive "github.com/MrWong99/owl/pkg/provider/live/gemini"
	"github.com/MrWong99/owl/pkg/provider/llm"
	"github.com/MrWong99/owl/pkg/provider/llm/anyllm"
	"github.com/MrWong99/owl/pkg/provider/vision"
	geminivision "github.com/MrWong99/owl/pkg/provider/vision/gemini"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	modeLive   = "live"
	modeChat   = "chat"
	modeVision = "vision"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "owl.yaml", "path to the YAML configuration file")
	mode := flag.String("mode", modeLive, "front-end to run: live, chat or vision")
	imagePath := flag.String("image", "", "image file to analyse in vision mode")
	prompt := flag.String("prompt", "", "custom vision prompt")
	scan := flag.Bool("scan", false, "vision mode: re-analyse the image every vision.scan_interval")
	flag.Parse()

	switch *mode {
	case modeLive, modeChat, modeVision:
	default:
		fmt.Fprintf(os.Stderr, "owl: unknown mode %q (want live, chat or vision)\n", *mode)
		return 2
	}
	if *mode == modeVision && *imagePath == "" {
		fmt.Fprintln(os.Stderr, "owl: vision mode needs -image")
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "owl: %v\n", err)
		return 1
	}
	applyEnv(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("owl starting",
		"version", version,
		"config", *configPath,
		"from_file", fromFile,
		"mode", *mode,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, *mode)

	// ── Audio devices (live mode only) ────────────────────────────────────────
	term := newTerminal(os.Stdout)
	opts := []app.Option{
		app.WithSessionHandlers(term.state, term.transcript, term.sessionError),
	}
	var timeline *playback.Timeline
	if *mode == modeLive {
		speaker, err := portaudio.OpenSpeaker(audio.PlaybackFormat, cfg.Voice.PlaybackBuffer)
		if err != nil {
			slog.Error("failed to open speaker", "err", err)
			return 1
		}
		defer speaker.Close()
		timeline = playback.NewTimeline(speaker, audio.PlaybackFormat,
			playback.WithBufferFrames(cfg.Voice.PlaybackBuffer),
		)
		opts = append(opts, app.WithAudio(portaudio.Microphone{}, timeline))
	}

	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if fromFile {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyEnv(new)
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			application.ApplyConfig(d, new)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := cfg.Server.ListenAddr; addr != "-" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           application.Handler(tel.Handler),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	if timeline != nil {
		g.Go(func() error { return timeline.Run(gctx) })
	}

	g.Go(func() error {
		// A finished front-end ends the whole process.
		defer cancel()
		switch *mode {
		case modeChat:
			return runChat(gctx, application, os.Stdin, term)
		case modeVision:
			return runVision(gctx, application, term, visionJob{
				path:     *imagePath,
				prompt:   *prompt,
				scan:     *scan,
				interval: cfg.Vision.ScanInterval,
			})
		default:
			return runLive(gctx, application, term)
		}
	})

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer scancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Configuration ─────────────────────────────────────────────────────────────

// loadConfig reads path. A missing file at the default location yields the
// built-in Gemini setup so the owl runs with nothing but an API key.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) || flagWasSet("config") {
		return nil, false, err
	}
	cfg, err = config.LoadFromReader(strings.NewReader(defaultConfigYAML))
	return cfg, false, err
}

const defaultConfigYAML = `
providers:
  live:     {name: gemini}
  llm:      {name: gemini, model: gemini-2.5-flash}
  vision:   {name: gemini}
  imagegen: {name: gemini}
`

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// envKeys maps provider names to the environment variable holding their API
// key when the config leaves it empty.
var envKeys = map[string][]string{
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
	"deepseek":  {"DEEPSEEK_API_KEY"},
	"mistral":   {"MISTRAL_API_KEY"},
	"groq":      {"GROQ_API_KEY"},
}

// applyEnv fills empty API keys from the environment.
func applyEnv(cfg *config.Config) {
	for _, e := range []*config.ProviderEntry{
		&cfg.Providers.Live, &cfg.Providers.LLM, &cfg.Providers.Vision, &cfg.Providers.ImageGen,
	} {
		if e.APIKey != "" {
			continue
		}
		for _, key := range envKeys[e.Name] {
			if v := os.Getenv(key); v != "" {
				e.APIKey = v
				break
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini", func(entry config.ProviderEntry) (live.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini live: api_key is required")
		}
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// Every any-llm backend takes an optional APIKey and BaseURL; local
	// servers such as ollama simply leave the key empty.
	for _, providerName := range anyllm.Backends {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── Vision ────────────────────────────────────────────────────────────────

	reg.RegisterVision("gemini", func(entry config.ProviderEntry) (vision.Provider, error) {
		var opts []geminivision.Option
		if entry.Model != "" {
			opts = append(opts, geminivision.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminivision.WithBaseURL(entry.BaseURL))
		}
		return geminivision.New(ctx, entry.APIKey, opts...)
	})

	// ── Image generation ──────────────────────────────────────────────────────

	reg.RegisterImageGen("gemini", func(entry config.ProviderEntry) (imagegen.Provider, error) {
		var opts []geminiimage.Option
		if entry.Model != "" {
			opts = append(opts, geminiimage.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminiimage.WithBaseURL(entry.BaseURL))
		}
		return geminiimage.New(ctx, entry.APIKey, opts...)
	})

	reg.RegisterImageGen("openai", func(entry config.ProviderEntry) (imagegen.Provider, error) {
		var opts []openaiimage.Option
		if entry.Model != "" {
			opts = append(opts, openaiimage.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openaiimage.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openaiimage.WithTimeout(d))
		}
		return openaiimage.New(entry.APIKey, opts...)
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.Live, err = create("live", cfg.Providers.Live, reg.CreateLive); err != nil {
		return nil, err
	}
	if ps.LLM, err = create("llm", cfg.Providers.LLM, reg.CreateLLM); err != nil {
		return nil, err
	}
	if ps.Vision, err = create("vision", cfg.Providers.Vision, reg.CreateVision); err != nil {
		return nil, err
	}
	if ps.ImageGen, err = create("imagegen", cfg.Providers.ImageGen, reg.CreateImageGen); err != nil {
		return nil, err
	}
	return ps, nil
}

// create builds one provider. An empty name or a name nobody registered
// leaves the slot empty.
func create[T any](kind string, entry config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, nil
	}
	p, err := factory(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not available, skipping", "kind", kind, "name", entry.Name)
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name)
	return p, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, mode string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║           Owl startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Live", cfg.Providers.Live.Name, cfg.Providers.Live.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Vision", cfg.Providers.Vision.Name, cfg.Providers.Vision.Model)
	printProvider("ImageGen", cfg.Providers.ImageGen.Name, cfg.Providers.ImageGen.Model)
	fmt.Printf("║  Mode            : %-19s ║\n", mode)
	fmt.Printf("║  Voice           : %-19s ║\n", cfg.Voice.VoiceName)
	if cfg.History.PostgresDSN != "" {
		fmt.Printf("║  History         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  History         : %-19s ║\n", "memory")
	}
	if cfg.Server.ListenAddr != "-" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration extracts a duration from a provider Options map. Strings are
// parsed with time.ParseDuration and numbers are taken as seconds. Returns 0
// when the key is absent or malformed.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		return 0
	}
}
