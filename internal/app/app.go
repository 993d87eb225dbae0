// Package app wires the Owl subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Handler exposes the operational HTTP surface, and Shutdown
// tears everything down in reverse order.
//
// For testing, inject mock implementations via functional options
// (WithHistoryStore, WithAudio, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/owl/internal/config"
	"github.com/MrWong99/owl/internal/health"
	"github.com/MrWong99/owl/internal/history"
	"github.com/MrWong99/owl/internal/history/postgres"
	"github.com/MrWong99/owl/internal/observe"
	"github.com/MrWong99/owl/internal/oracle"
	"github.com/MrWong99/owl/pkg/audio/capture"
	"github.com/MrWong99/owl/pkg/audio/playback"
	"github.com/MrWong99/owl/pkg/provider/imagegen"
	"github.com/MrWong99/owl/pkg/provider/live"
	"github.com/MrWong99/owl/pkg/provider/llm"
	"github.com/MrWong99/owl/pkg/provider/vision"
	"github.com/MrWong99/owl/pkg/voice"
)

// ErrNotConfigured is returned by the capability accessors when the provider
// backing the capability is not configured.
var ErrNotConfigured = errors.New("app: capability not configured")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Live     live.Provider
	LLM      llm.Provider
	Vision   vision.Provider
	ImageGen imagegen.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	// Audio devices for the live session. Both must be set for the voice
	// capability to be available.
	mic capture.Device
	out playback.Output

	onState      func(voice.State)
	onTranscript func(string)
	onError      func(error)

	// Subsystems, initialised in New and torn down in Shutdown.
	store  history.Store
	chat   *oracle.Chat
	vision *oracle.Vision
	voice  *SessionManager
	health *health.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAudio sets the microphone and speaker used by live voice sessions.
func WithAudio(mic capture.Device, out playback.Output) Option {
	return func(a *App) { a.mic, a.out = mic, out }
}

// WithSessionHandlers registers handlers for voice session events. Any of them
// may be nil. See [SessionManagerConfig] for the calling rules.
func WithSessionHandlers(onState func(voice.State), onTranscript func(string), onError func(error)) Option {
	return func(a *App) { a.onState, a.onTranscript, a.onError = onState, onTranscript, onError }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger of the app and its subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Capabilities whose
// provider is nil stay disabled; their accessors return [ErrNotConfigured].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 2. Chat and vision services ──────────────────────────────────────
	a.initOracle()

	// ── 3. Voice sessions ────────────────────────────────────────────────
	a.initVoice()

	// ── 4. Readiness checks ──────────────────────────────────────────────
	a.initHealth()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory opens the PostgreSQL store when a DSN is configured and falls
// back to an in-memory store otherwise.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	limit := a.cfg.History.Limit
	if a.cfg.History.PostgresDSN == "" {
		a.store = history.NewMemStore(limit)
		a.log.Info("history kept in memory", "limit", limit)
		return nil
	}

	store, pool, err := postgres.Open(ctx, a.cfg.History.PostgresDSN, limit)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	a.log.Info("history stored in postgres", "limit", limit)
	return nil
}

func (a *App) initOracle() {
	if p := a.providers.LLM; p != nil {
		opts := []oracle.ChatOption{
			oracle.WithChatLogger(a.log),
			oracle.WithChatMetrics(a.metrics, a.cfg.Providers.LLM.Name),
			oracle.WithMaxTokens(a.cfg.Chat.MaxTokens),
		}
		if a.cfg.Chat.SystemPrompt != "" {
			opts = append(opts, oracle.WithChatPrompt(a.cfg.Chat.SystemPrompt))
		}
		a.chat = oracle.NewChat(p, opts...)
	}

	if p := a.providers.Vision; p != nil {
		a.vision = oracle.NewVision(p, a.providers.ImageGen, a.store,
			oracle.WithVisionLogger(a.log),
			oracle.WithVisionMetrics(a.metrics, a.cfg.Providers.Vision.Name, a.cfg.Providers.ImageGen.Name),
			oracle.WithThumbnailTimeout(a.cfg.Vision.ThumbnailTimeout),
		)
		a.closers = append(a.closers, func() error {
			a.vision.Close()
			return nil
		})
	}
}

func (a *App) initVoice() {
	if a.providers.Live == nil || a.mic == nil || a.out == nil {
		return
	}
	a.voice = NewSessionManager(SessionManagerConfig{
		Provider:     a.providers.Live,
		Microphone:   a.mic,
		Output:       a.out,
		Voice:        a.cfg.Voice,
		Metrics:      a.metrics,
		Logger:       a.log,
		OnState:      a.onState,
		OnTranscript: a.onTranscript,
		OnError:      a.onError,
	})
	a.closers = append(a.closers, a.voice.Stop)
}

func (a *App) initHealth() {
	store := a.store
	a.health = health.New(health.Checker{
		Name: "history",
		Check: func(ctx context.Context) error {
			_, err := store.List(ctx, 1)
			return err
		},
	})
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Chat returns the text chat service.
func (a *App) Chat() (*oracle.Chat, error) {
	if a.chat == nil {
		return nil, fmt.Errorf("%w: chat needs providers.llm", ErrNotConfigured)
	}
	return a.chat, nil
}

// Vision returns the image analysis service.
func (a *App) Vision() (*oracle.Vision, error) {
	if a.vision == nil {
		return nil, fmt.Errorf("%w: vision needs providers.vision", ErrNotConfigured)
	}
	return a.vision, nil
}

// Voice returns the live session manager.
func (a *App) Voice() (*SessionManager, error) {
	if a.voice == nil {
		return nil, fmt.Errorf("%w: voice needs providers.live and audio devices", ErrNotConfigured)
	}
	return a.voice, nil
}

// History returns the vision history store.
func (a *App) History() history.Store { return a.store }

// Health returns the readiness handler so callers can add checks.
func (a *App) Health() *health.Handler { return a.health }

// ApplyConfig applies a reloaded configuration. Only the voice section takes
// effect at runtime, on the next session; everything else needs a restart.
func (a *App) ApplyConfig(d config.ConfigDiff, cfg *config.Config) {
	if d.VoiceChanged && a.voice != nil {
		a.voice.Reconfigure(cfg.Voice)
		a.log.Info("voice settings apply to the next session", "voice", cfg.Voice.VoiceName)
	}
	if d.ChatChanged || d.VisionChanged {
		a.log.Warn("chat and vision settings apply after a restart")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Status is the body of GET /status.
type Status struct {
	Voice        *SessionInfo `json:"voice,omitempty"`
	Chat         bool         `json:"chat"`
	Vision       bool         `json:"vision"`
	HistoryItems int          `json:"history_items"`
}

// Handler returns the operational HTTP surface: health probes, GET /status
// and, when metrics is non-nil, GET /metrics. Every route is instrumented by
// [observe.Middleware].
func (a *App) Handler(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.HandleFunc("GET /status", a.serveStatus)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) serveStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{Chat: a.chat != nil, Vision: a.vision != nil}
	if a.voice != nil {
		info := a.voice.Info()
		st.Voice = &info
	}
	items, err := a.store.List(r.Context(), 0)
	if err != nil {
		observe.Logger(r.Context()).Warn("status: list history", "err", err)
		http.Error(w, "history unavailable", http.StatusServiceUnavailable)
		return
	}
	st.HistoryItems = len(items)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
