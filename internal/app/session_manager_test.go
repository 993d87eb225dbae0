package app_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/owl/internal/app"
	"github.com/MrWong99/owl/internal/config"
	"github.com/MrWong99/owl/internal/observe"
	audiomock "github.com/MrWong99/owl/pkg/audio/mock"
	"github.com/MrWong99/owl/pkg/provider/live"
	livemock "github.com/MrWong99/owl/pkg/provider/live/mock"
	"github.com/MrWong99/owl/pkg/voice"
)

const waitTimeout = 2 * time.Second

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter sums the int64 data points of name whose attribute key equals val.
// An empty key sums every point.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, key, val string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is %T", name, met.Data)
			}
			for _, dp := range sum.DataPoints {
				if key != "" {
					if v, ok := dp.Attributes.Value(attribute.Key(key)); !ok || v.AsString() != val {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func defaultVoice() config.VoiceConfig {
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	return cfg.Voice
}

type managerFixture struct {
	sm       *app.SessionManager
	provider *livemock.Provider
	mic      *audiomock.Microphone
	reader   *sdkmetric.ManualReader

	mu     sync.Mutex
	states []voice.State
	errs   []error
}

func newManager(t *testing.T, mutate ...func(*app.SessionManagerConfig)) *managerFixture {
	t.Helper()
	m, reader := newTestMetrics(t)
	f := &managerFixture{
		provider: &livemock.Provider{},
		mic:      &audiomock.Microphone{},
		reader:   reader,
	}
	cfg := app.SessionManagerConfig{
		Provider:   f.provider,
		Microphone: f.mic,
		Output:     &audiomock.Output{},
		Voice:      defaultVoice(),
		Metrics:    m,
		Logger:     slog.New(slog.DiscardHandler),
		OnState: func(s voice.State) {
			f.mu.Lock()
			f.states = append(f.states, s)
			f.mu.Unlock()
		},
		OnError: func(err error) {
			f.mu.Lock()
			f.errs = append(f.errs, err)
			f.mu.Unlock()
		},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	f.sm = app.NewSessionManager(cfg)
	t.Cleanup(func() { _ = f.sm.Stop() })
	return f
}

// activate starts a session and acknowledges its setup.
func (f *managerFixture) activate(t *testing.T) *livemock.Stream {
	t.Helper()
	if err := f.sm.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	stream := f.provider.Last()
	stream.Emit(live.Message{SetupComplete: true})
	waitFor(t, "active session", func() bool { return f.sm.State() == voice.Active })
	return stream
}

func (f *managerFixture) Errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()
	f := newManager(t)

	if info := f.sm.Info(); info.State != "idle" || info.Voice != config.DefaultVoiceName {
		t.Errorf("idle info = %+v", info)
	}

	stream := f.activate(t)

	info := f.sm.Info()
	if info.State != "active" {
		t.Errorf("State = %q, want active", info.State)
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt should be set while active")
	}
	if info.Voice != config.DefaultVoiceName {
		t.Errorf("Voice = %q, want %q", info.Voice, config.DefaultVoiceName)
	}

	calls := f.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Voice.ID != config.DefaultVoiceName || cfg.SystemPrompt != config.DefaultLivePrompt || !cfg.Transcription {
		t.Errorf("stream config = %+v", cfg)
	}
	if f.mic.LastFramesPerBuffer != config.DefaultFramesPerBuffer {
		t.Errorf("frames per buffer = %d, want %d", f.mic.LastFramesPerBuffer, config.DefaultFramesPerBuffer)
	}

	if !f.mic.Tick(make([]float32, config.DefaultFramesPerBuffer)) || !stream.WaitSent(1, waitTimeout) {
		t.Fatal("captured audio was not streamed")
	}

	if err := f.sm.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if f.sm.State() != voice.Idle {
		t.Errorf("state after Stop = %v", f.sm.State())
	}
	if !stream.Closed() || !f.mic.Current().Closed() {
		t.Error("Stop did not release the stream and microphone")
	}
	if info := f.sm.Info(); !info.StartedAt.IsZero() {
		t.Errorf("StartedAt after Stop = %v, want zero", info.StartedAt)
	}
	if n := counter(t, f.reader, "owl.voice.session_starts", "outcome", observe.OutcomeOK); n != 1 {
		t.Errorf("ok starts = %d, want 1", n)
	}
}

func TestSessionManager_DoubleStart(t *testing.T) {
	t.Parallel()
	f := newManager(t)
	f.activate(t)

	if err := f.sm.Start(context.Background()); !errors.Is(err, voice.ErrSessionBusy) {
		t.Fatalf("second Start err = %v, want ErrSessionBusy", err)
	}
	if n := len(f.provider.Calls()); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}
	if n := counter(t, f.reader, "owl.voice.session_starts", "outcome", observe.OutcomeBusy); n != 1 {
		t.Errorf("busy starts = %d, want 1", n)
	}
}

func TestSessionManager_StopWithoutStart(t *testing.T) {
	t.Parallel()
	f := newManager(t)
	if err := f.sm.Stop(); err != nil {
		t.Fatalf("Stop() on idle manager: %v", err)
	}
	select {
	case <-f.sm.Done():
	default:
		t.Error("Done() of an idle manager should be closed")
	}
}

func TestSessionManager_StartFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		setup   func(*managerFixture)
		want    error
		outcome string
	}{
		{
			name:    "microphone denied",
			setup:   func(f *managerFixture) { f.mic.OpenErr = errors.New("permission denied") },
			want:    voice.ErrDeviceUnavailable,
			outcome: observe.OutcomeDevice,
		},
		{
			name:    "stream refused",
			setup:   func(f *managerFixture) { f.provider.ConnectErr = errors.New("401") },
			want:    voice.ErrStreamOpenFailed,
			outcome: observe.OutcomeStreamOpen,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newManager(t)
			tt.setup(f)

			err := f.sm.Start(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start err = %v, want %v", err, tt.want)
			}
			if f.sm.State() != voice.Idle {
				t.Errorf("state = %v, want idle", f.sm.State())
			}
			if n := counter(t, f.reader, "owl.voice.session_starts", "outcome", tt.outcome); n != 1 {
				t.Errorf("%s starts = %d, want 1", tt.outcome, n)
			}
			if n := counter(t, f.reader, "owl.voice.active_sessions", "", ""); n != 0 {
				t.Errorf("active sessions = %d, want 0", n)
			}
		})
	}
}

func TestSessionManager_StreamErrorEndsSession(t *testing.T) {
	t.Parallel()
	f := newManager(t)
	stream := f.activate(t)

	stream.End(errors.New("connection reset"))
	waitFor(t, "idle session", func() bool { return f.sm.State() == voice.Idle })
	waitFor(t, "error handler", func() bool { return len(f.Errors()) == 1 })

	if err := f.Errors()[0]; !errors.Is(err, voice.ErrStreamError) {
		t.Errorf("OnError got %v, want a stream error", err)
	}
	if n := counter(t, f.reader, "owl.voice.session_errors", "", ""); n != 1 {
		t.Errorf("session errors = %d, want 1", n)
	}
	if n := counter(t, f.reader, "owl.voice.active_sessions", "", ""); n != 0 {
		t.Errorf("active sessions = %d, want 0", n)
	}

	f.activate(t)
	if n := len(f.provider.Calls()); n != 2 {
		t.Errorf("Connect calls after restart = %d, want 2", n)
	}
}

func TestSessionManager_Transcript(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		last string
	)
	f := newManager(t, func(c *app.SessionManagerConfig) {
		c.OnTranscript = func(s string) {
			mu.Lock()
			last = s
			mu.Unlock()
		}
	})
	stream := f.activate(t)

	stream.Emit(live.Message{OutputTranscription: "Who"})
	stream.Emit(live.Message{OutputTranscription: "goes there?"})
	waitFor(t, "transcript", func() bool { return f.sm.Info().Transcript == "Who goes there?" })

	mu.Lock()
	got := last
	mu.Unlock()
	if got != "Who goes there?" {
		t.Errorf("OnTranscript last = %q", got)
	}

	_ = f.sm.Stop()
	if tr := f.sm.Info().Transcript; tr != "" {
		t.Errorf("transcript after Stop = %q, want empty", tr)
	}
}

func TestSessionManager_ReconfigureAppliesToNextSession(t *testing.T) {
	t.Parallel()
	f := newManager(t)
	f.activate(t)

	next := defaultVoice()
	next.VoiceName = "Puck"
	f.sm.Reconfigure(next)

	if v := f.sm.Info().Voice; v != config.DefaultVoiceName {
		t.Errorf("running session voice = %q, want %q", v, config.DefaultVoiceName)
	}

	if err := f.sm.Stop(); err != nil {
		t.Fatal(err)
	}
	f.activate(t)

	calls := f.provider.Calls()
	if got := calls[len(calls)-1].Cfg.Voice.ID; got != "Puck" {
		t.Errorf("next session voice = %q, want Puck", got)
	}
	if v := f.sm.Info().Voice; v != "Puck" {
		t.Errorf("Info().Voice = %q, want Puck", v)
	}
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	f := newManager(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			_ = f.sm.Start(context.Background())
		})
		wg.Go(func() {
			_ = f.sm.Info()
			_ = f.sm.State()
		})
	}
	wg.Wait()

	if n := len(f.provider.Calls()); n != 1 {
		t.Errorf("Connect calls = %d, want exactly 1", n)
	}
	if err := f.sm.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestLiveConfig(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name string
		in   config.VoiceConfig
		want live.Config
	}{
		{
			name: "defaults",
			in:   defaultVoice(),
			want: live.Config{
				ResponseModality: live.ModalityAudio,
				Voice:            live.VoiceProfile{ID: config.DefaultVoiceName},
				SystemPrompt:     config.DefaultLivePrompt,
				Transcription:    true,
			},
		},
		{
			name: "text without transcription",
			in: config.VoiceConfig{
				VoiceName:          "Kore",
				SystemPrompt:       "hoot",
				Modality:           config.ModalityText,
				Transcription:      &off,
				InputTranscription: true,
			},
			want: live.Config{
				ResponseModality:   live.ModalityText,
				Voice:              live.VoiceProfile{ID: "Kore"},
				SystemPrompt:       "hoot",
				InputTranscription: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := app.LiveConfig(tt.in); got != tt.want {
				t.Errorf("LiveConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// lockedBuffer is a log sink shared with session goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSessionManager_WarnsOnUnknownVoice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		voice  string
		voices []live.VoiceProfile
		warn   bool
	}{
		{"listed", "Puck", []live.VoiceProfile{{ID: "Charon"}, {ID: "Puck"}}, false},
		{"unlisted", "Hedwig", []live.VoiceProfile{{ID: "Charon"}}, true},
		{"no catalogue", "Hedwig", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var logs lockedBuffer
			f := newManager(t, func(c *app.SessionManagerConfig) {
				c.Voice.VoiceName = tt.voice
				c.Logger = slog.New(slog.NewTextHandler(&logs, nil))
				c.Provider.(*livemock.Provider).ProviderCapabilities = live.Capabilities{Voices: tt.voices}
			})
			if err := f.sm.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := f.sm.Stop(); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			if got := strings.Contains(logs.String(), "voice not offered"); got != tt.warn {
				t.Errorf("warning logged = %v, want %v\n%s", got, tt.warn, logs.String())
			}
		})
	}
}
