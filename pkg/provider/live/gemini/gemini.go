// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It opens a bidirectional WebSocket to the BidiGenerateContent endpoint and
// exchanges JSON messages. Microphone audio goes out as realtimeInput media
// chunks; model audio, interruptions and transcription fragments come back as
// serverContent messages and are surfaced as [live.Message] values in
// delivery order.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/owl/pkg/audio"
	"github.com/MrWong99/owl/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Stream = (*stream)(nil)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when the config names none.
	DefaultVoice = "Charon"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	messageBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for streams.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = baseURL }
}

// WithLogger sets the logger for stream diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for the Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a Gemini Live provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Capabilities returns static metadata about the Gemini Live backend.
func (p *Provider) Capabilities() live.Capabilities {
	voices := []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"}
	caps := live.Capabilities{MaxSessionDuration: 15 * time.Minute}
	for _, v := range voices {
		caps.Voices = append(caps.Voices, live.VoiceProfile{ID: v, Name: v, Provider: "gemini"})
	}
	return caps
}

// Connect dials the Live endpoint and sends the setup message. The returned
// stream reports the server's acknowledgement as its first message.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Stream, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Inline audio responses easily exceed the default 32 KiB read limit.
	conn.SetReadLimit(16 << 20)

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:     conn,
		messages: make(chan live.Message, messageBuffer),
		done:     make(chan struct{}),
		ctx:      streamCtx,
		cancel:   cancel,
		log:      p.log,
	}

	if err := s.writeJSON(ctx, newSetup(p.model, cfg)); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

func newSetup(model string, cfg live.Config) setupMessage {
	modality := cfg.ResponseModality
	if modality == "" {
		modality = live.ModalityAudio
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{string(modality)},
			},
		},
	}

	if modality == live.ModalityAudio {
		voice := cfg.Voice.ID
		if voice == "" {
			voice = DefaultVoice
		}
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if cfg.SystemPrompt != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.SystemPrompt}}}
	}
	if cfg.Transcription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ServerError is an error reported by the Live API inside the stream.
type ServerError struct {
	Code    int
	Status  string
	Message string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%d %s)", msg, e.Code, e.Status)
	}
	return "gemini: " + msg
}

// toMessage converts a decoded server message. It reports false for messages
// that carry nothing a consumer acts on.
func toMessage(sm *serverMessage) (live.Message, bool) {
	var m live.Message
	if sm.SetupComplete != nil {
		m.SetupComplete = true
	}
	if sc := sm.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			var text strings.Builder
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData != nil && p.InlineData.Data != "" {
					m.Audio = append(m.Audio, audio.EncodedChunk{
						MIMEType: p.InlineData.MIMEType,
						Data:     p.InlineData.Data,
					})
				}
				text.WriteString(p.Text)
			}
			m.Text = text.String()
		}
		m.Interrupted = sc.Interrupted
		m.TurnComplete = sc.TurnComplete
		if sc.OutputTranscription != nil {
			m.OutputTranscription = sc.OutputTranscription.Text
		}
		if sc.InputTranscription != nil {
			m.InputTranscription = sc.InputTranscription.Text
		}
	}
	if ge := sm.Error; ge != nil {
		m.Err = &ServerError{Code: ge.Code, Status: ge.Status, Message: ge.Message}
	}

	relevant := m.SetupComplete || len(m.Audio) > 0 || m.Text != "" || m.Interrupted ||
		m.TurnComplete || m.OutputTranscription != "" || m.InputTranscription != "" || m.Err != nil
	return m, relevant
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn     *websocket.Conn
	messages chan live.Message
	log      *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. The write
// is abandoned when either ctx or the stream ends.
func (s *stream) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads server messages and forwards them in order. It owns the
// messages channel and closes it when it exits.
func (s *stream) receiveLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.log.Debug("gemini: server closed stream", "status", status)
				return
			}
			s.setErr(fmt.Errorf("gemini: read: %w", err))
			return
		}

		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			s.log.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}
		if sm.GoAway != nil {
			s.log.Warn("gemini: server announced disconnect", "time_left", sm.GoAway.TimeLeft)
		}

		msg, ok := toMessage(&sm)
		if !ok {
			continue
		}
		select {
		case s.messages <- msg:
		case <-s.ctx.Done():
			return
		}
		if msg.Err != nil {
			return
		}
	}
}

// keepaliveLoop pings the server so idle streams are not dropped.
func (s *stream) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── Stream methods ─────────────────────────────────────────────────────────────

// Send forwards one captured chunk as a realtimeInput media chunk.
func (s *stream) Send(ctx context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return live.ErrClosed
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		if s.ctx.Err() != nil {
			return live.ErrClosed
		}
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Messages returns the channel of server messages.
func (s *stream) Messages() <-chan live.Message { return s.messages }

// Err returns the transport error that ended the stream.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the stream. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	err := s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("gemini: close handshake", "err", err)
	}
	return nil
}
