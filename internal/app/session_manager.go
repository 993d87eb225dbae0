package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/owl/internal/config"
	"github.com/MrWong99/owl/internal/observe"
	"github.com/MrWong99/owl/pkg/audio/capture"
	"github.com/MrWong99/owl/pkg/audio/playback"
	"github.com/MrWong99/owl/pkg/provider/live"
	"github.com/MrWong99/owl/pkg/voice"
)

// TranscriptTail is the number of transcript runes shown by [SessionInfo].
const TranscriptTail = 300

// SessionInfo holds metadata about the current voice session.
type SessionInfo struct {
	// State is the lifecycle state, e.g. "active".
	State string `json:"state"`

	// Voice is the prebuilt voice of the session.
	Voice string `json:"voice"`

	// StartedAt is when the session last became active. Zero while idle.
	StartedAt time.Time `json:"started_at,omitzero"`

	// Transcript is the tail of the model's transcript.
	Transcript string `json:"transcript,omitempty"`
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Provider   live.Provider
	Microphone capture.Device
	Output     playback.Output
	Voice      config.VoiceConfig

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Optional handlers, called from session goroutines. They must not call
	// Start or Stop.
	OnState      func(voice.State)
	OnTranscript func(string)
	OnError      func(error)
}

// SessionManager manages the lifecycle of live voice sessions. Only one
// session exists at a time; a configuration change replaces it once it is
// idle. All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig
	obs *observe.VoiceObserver
	log *slog.Logger

	mu    sync.Mutex
	sess  *voice.Session
	voice config.VoiceConfig
	dirty bool

	// infoMu is separate from mu because state handlers run while Start and
	// Stop are in progress.
	infoMu    sync.Mutex
	startedAt time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionManager{
		cfg:   cfg,
		obs:   observe.NewVoiceObserver(cfg.Metrics),
		log:   cfg.Logger,
		voice: cfg.Voice,
	}
}

// LiveConfig converts the voice section of the config into a stream
// configuration.
func LiveConfig(v config.VoiceConfig) live.Config {
	modality := live.ModalityAudio
	if v.Modality == config.ModalityText {
		modality = live.ModalityText
	}
	return live.Config{
		ResponseModality:   modality,
		Voice:              live.VoiceProfile{ID: v.VoiceName},
		SystemPrompt:       v.SystemPrompt,
		Transcription:      v.TranscriptionEnabled(),
		InputTranscription: v.InputTranscription,
	}
}

// session returns the current session, replacing an idle one whose
// configuration is stale.
func (sm *SessionManager) session() *voice.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sess != nil && !(sm.dirty && sm.sess.State() == voice.Idle) {
		return sm.sess
	}
	v := sm.voice
	if !offersVoice(sm.cfg.Provider.Capabilities(), v.VoiceName) {
		sm.log.Warn("app: voice not offered by live provider", "voice", v.VoiceName)
	}
	sm.sess = voice.New(sm.cfg.Provider, sm.cfg.Microphone, sm.cfg.Output,
		voice.WithConfig(LiveConfig(v)),
		voice.WithFramesPerBuffer(v.FramesPerBuffer),
		voice.WithClip(v.ClipSamples),
		voice.WithLogger(sm.log),
		voice.WithObserver(sm.obs),
		voice.WithStateHandler(sm.stateChanged),
		voice.WithTranscriptHandler(sm.cfg.OnTranscript),
		voice.WithErrorHandler(sm.sessionFailed),
	)
	sm.dirty = false
	return sm.sess
}

// Start begins a new voice session. It returns once the microphone is held
// and the stream is open; the session becomes active when the model
// acknowledges the setup. A session that is already running yields
// [voice.ErrSessionBusy].
func (sm *SessionManager) Start(ctx context.Context) error {
	s := sm.session()
	err := s.Start(ctx)
	sm.cfg.Metrics.RecordSessionStart(ctx, observe.StartOutcome(err))
	if err != nil {
		return err
	}
	sm.log.Info("voice session starting", "voice", s.Config().Voice.ID)
	return nil
}

// Stop ends the current session and waits for its teardown. Stopping an
// idle manager is a no-op.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	s := sm.sess
	sm.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Stop()
}

// Reconfigure replaces the voice settings. A running session keeps its
// settings; the next Start uses v.
func (sm *SessionManager) Reconfigure(v config.VoiceConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.voice = v
	sm.dirty = true
}

// State reports the lifecycle state of the current session.
func (sm *SessionManager) State() voice.State {
	sm.mu.Lock()
	s := sm.sess
	sm.mu.Unlock()
	if s == nil {
		return voice.Idle
	}
	return s.State()
}

// Done returns a channel closed when the current run ends. For an idle
// manager the channel is already closed.
func (sm *SessionManager) Done() <-chan struct{} {
	return sm.session().Done()
}

// Info returns metadata about the current session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	s, v := sm.sess, sm.voice
	sm.mu.Unlock()

	info := SessionInfo{State: voice.Idle.String(), Voice: v.VoiceName}
	if s == nil {
		return info
	}
	info.State = s.State().String()
	info.Voice = s.Config().Voice.ID
	info.Transcript = s.TranscriptTail(TranscriptTail)

	sm.infoMu.Lock()
	info.StartedAt = sm.startedAt
	sm.infoMu.Unlock()
	return info
}

func (sm *SessionManager) stateChanged(st voice.State) {
	sm.obs.StateChanged(st)
	sm.infoMu.Lock()
	switch st {
	case voice.Active:
		sm.startedAt = time.Now()
	case voice.Idle:
		sm.startedAt = time.Time{}
	}
	sm.infoMu.Unlock()
	if sm.cfg.OnState != nil {
		sm.cfg.OnState(st)
	}
}

// offersVoice reports whether caps lists name. An empty list accepts any voice.
func offersVoice(caps live.Capabilities, name string) bool {
	if len(caps.Voices) == 0 {
		return true
	}
	for _, v := range caps.Voices {
		if v.ID == name {
			return true
		}
	}
	return false
}

func (sm *SessionManager) sessionFailed(err error) {
	sm.obs.SessionEnded(err)
	if sm.cfg.OnError != nil {
		sm.cfg.OnError(err)
	}
}
