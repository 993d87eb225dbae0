// Package voice runs a real-time voice conversation with a live model.
//
// A [Session] couples three resources it owns exclusively while active: a
// microphone (through a [capture.Pipeline]), a [live.Stream] to the model and
// a [playback.Scheduler] on the output clock. Its lifecycle is
//
//	Idle → Connecting → Active → Closing → Idle
//
// Start acquires the microphone and opens the stream. The server's setup
// acknowledgement moves the session to Active and starts the capture pump.
// From then on a single event-loop goroutine processes server messages in
// delivery order: audio is scheduled for gapless playback, an interruption
// stops everything that is playing, and transcription fragments are appended
// to the [TranscriptBuffer]. A user Stop, a server error, a transport drop or
// a failed send tears the session down and returns it to Idle, after which it
// can be started again.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/owl/pkg/audio"
	"github.com/MrWong99/owl/pkg/audio/capture"
	"github.com/MrWong99/owl/pkg/audio/playback"
	"github.com/MrWong99/owl/pkg/provider/live"
)

// DefaultSystemPrompt is the persona used when no prompt is configured.
const DefaultSystemPrompt = "You are the Owl. You speak in a deep, hushed, but clear voice. " +
	"You are wise and respond instantly to the visitor's voice. Keep responses concise but profound."

// outboundQueue is the number of captured chunks that may wait for the sender.
const outboundQueue = 16

// State is the lifecycle state of a [Session].
type State int32

const (
	Idle State = iota
	Connecting
	Active
	Closing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Observer receives per-event notifications for metrics. Methods are called
// from session goroutines and must not block.
type Observer interface {
	ChunkSent()
	UnitScheduled(u *playback.Unit)
	Interrupted(stopped int)
	PayloadDropped(err error)
}

type nopObserver struct{}

func (nopObserver) ChunkSent()                     {}
func (nopObserver) UnitScheduled(_ *playback.Unit) {}
func (nopObserver) Interrupted(_ int)              {}
func (nopObserver) PayloadDropped(_ error)         {}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Session].
type Option func(*Session)

// WithConfig replaces the stream configuration. An empty modality falls back
// to audio and an empty prompt to [DefaultSystemPrompt].
func WithConfig(cfg live.Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithFramesPerBuffer sets the capture buffer size in samples.
func WithFramesPerBuffer(n int) Option {
	return func(s *Session) { s.framesPerBuffer = n }
}

// WithClip makes capture saturate out-of-range samples instead of wrapping.
func WithClip(clip bool) Option {
	return func(s *Session) { s.clip = clip }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.obs = o }
}

// WithStateHandler registers fn to be called after every state change.
// Handlers run on session goroutines and must not call Start or Stop.
func WithStateHandler(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithTranscriptHandler registers fn to be called with the full transcript
// whenever it changes, including the reset to "" on teardown.
func WithTranscriptHandler(fn func(string)) Option {
	return func(s *Session) { s.onTranscript = fn }
}

// WithErrorHandler registers fn to be called once the session has been torn
// down because of a [*StreamError].
func WithErrorHandler(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is a reusable voice session. All methods are safe for concurrent
// use.
type Session struct {
	provider live.Provider
	mic      capture.Device
	sched    *playback.Scheduler

	cfg             live.Config
	framesPerBuffer int
	clip            bool
	log             *slog.Logger
	obs             Observer
	onState         func(State)
	onTranscript    func(string)
	onError         func(error)

	transcript TranscriptBuffer

	mu      sync.Mutex
	state   State
	run     *run
	lastErr error
}

// run holds the resources of one Start..teardown cycle.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	pipe   *capture.Pipeline
	stream live.Stream

	outbound      chan audio.EncodedChunk
	sendErr       chan error
	senderDone    chan struct{}
	senderStarted bool
}

// New returns an idle session that talks to provider, listens on mic and
// plays on out.
func New(provider live.Provider, mic capture.Device, out playback.Output, opts ...Option) *Session {
	s := &Session{
		provider:        provider,
		mic:             mic,
		framesPerBuffer: capture.DefaultFramesPerBuffer,
		log:             slog.Default(),
		obs:             nopObserver{},
		cfg: live.Config{
			ResponseModality: live.ModalityAudio,
			SystemPrompt:     DefaultSystemPrompt,
			Transcription:    true,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.ResponseModality == "" {
		s.cfg.ResponseModality = live.ModalityAudio
	}
	if s.cfg.SystemPrompt == "" {
		s.cfg.SystemPrompt = DefaultSystemPrompt
	}
	s.sched = playback.NewScheduler(out, playback.WithLogger(s.log))
	return s
}

// Config returns the stream configuration used by Start.
func (s *Session) Config() live.Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the output transcription received so far.
func (s *Session) Transcript() string { return s.transcript.String() }

// TranscriptTail returns at most the last n runes of the transcript.
func (s *Session) TranscriptTail(n int) string { return s.transcript.Tail(n) }

// Scheduler exposes the playback scheduler for inspection.
func (s *Session) Scheduler() *playback.Scheduler { return s.sched }

// Done returns a channel closed when the current run has been torn down. For
// an idle session the returned channel is already closed.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.run.done
}

// Err returns the error that ended the last run, or nil if it ended through
// Stop or a clean server close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start acquires the microphone and opens the model stream, leaving the
// session Connecting until the server acknowledges the setup. ctx bounds the
// acquisition only; the session then lives until Stop or a stream failure.
//
// On failure the session is back in Idle, the microphone is released and
// nothing has been sent. The error wraps [ErrDeviceUnavailable],
// [ErrStreamOpenFailed] or [ErrStopped]. A session that is not Idle returns
// [ErrSessionBusy].
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		outbound:   make(chan audio.EncodedChunk, outboundQueue),
		sendErr:    make(chan error, 1),
		senderDone: make(chan struct{}),
	}
	s.run = r
	s.state = Connecting
	s.lastErr = nil
	s.mu.Unlock()
	s.notifyState(Connecting)

	// Stop cancels runCtx, which must also abort a pending acquisition.
	connectCtx, cancelConnect := context.WithCancel(ctx)
	defer cancelConnect()
	defer context.AfterFunc(runCtx, cancelConnect)()

	pipe := capture.New(s.mic,
		capture.WithFramesPerBuffer(s.framesPerBuffer),
		capture.WithClip(s.clip),
		capture.WithLogger(s.log),
	)
	if err := pipe.Open(connectCtx); err != nil {
		return s.abort(r, err)
	}

	stream, err := s.provider.Connect(connectCtx, s.cfg)
	if err != nil {
		_ = pipe.Stop()
		return s.abort(r, fmt.Errorf("%w: %w", ErrStreamOpenFailed, err))
	}
	if runCtx.Err() != nil {
		_ = stream.Close()
		_ = pipe.Stop()
		return s.abort(r, ErrStopped)
	}

	r.pipe, r.stream = pipe, stream
	s.log.Info("voice: stream opened", "voice", s.cfg.Voice.ID, "frames_per_buffer", s.framesPerBuffer)
	go s.loop(r)
	return nil
}

// abort finishes a Start that failed before the event loop began.
func (s *Session) abort(r *run, err error) error {
	if r.ctx.Err() != nil {
		err = ErrStopped
	}
	err = fmt.Errorf("voice: start: %w", err)
	r.cancel()

	s.mu.Lock()
	s.run = nil
	s.state = Idle
	s.lastErr = err
	s.mu.Unlock()

	s.log.Warn("voice: start failed", "err", err)
	s.notifyState(Idle)
	close(r.done)
	return err
}

// Stop ends the session. When Stop returns the microphone and stream are
// released, playback has been silenced, the transcript is cleared and no
// further message will be processed. Stop is idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done
	return nil
}

// ── Event loop ─────────────────────────────────────────────────────────────────

func (s *Session) loop(r *run) {
	var captureDone <-chan struct{}
	for {
		select {
		case <-r.ctx.Done():
			s.teardown(r, nil)
			return

		case msg, ok := <-r.stream.Messages():
			if r.ctx.Err() != nil {
				s.teardown(r, nil)
				return
			}
			if !ok {
				var cause error
				if err := r.stream.Err(); err != nil {
					cause = &StreamError{Cause: err}
				} else {
					s.log.Info("voice: stream closed by server")
				}
				s.teardown(r, cause)
				return
			}
			if msg.Err != nil {
				s.teardown(r, &StreamError{Cause: msg.Err})
				return
			}
			if msg.SetupComplete && s.State() == Connecting {
				if err := s.activate(r); err != nil {
					s.teardown(r, &StreamError{Cause: err})
					return
				}
				captureDone = r.pipe.Done()
			}
			s.handle(msg)

		case <-captureDone:
			s.teardown(r, &StreamError{Cause: fmt.Errorf("%w: %w", ErrDeviceUnavailable, r.pipe.Err())})
			return

		case err := <-r.sendErr:
			s.teardown(r, &StreamError{Cause: err})
			return
		}
	}
}

// activate moves the session to Active and starts the capture pump.
func (s *Session) activate(r *run) error {
	s.setState(Active)
	r.senderStarted = true
	go s.sender(r)
	return r.pipe.Start(func(c audio.EncodedChunk) {
		select {
		case r.outbound <- c:
		case <-r.ctx.Done():
		}
	})
}

// handle applies one server message: audio first, then interruption, then
// transcription. Messages before the setup acknowledgement are ignored.
func (s *Session) handle(msg live.Message) {
	if s.State() != Active {
		return
	}
	for _, c := range msg.Audio {
		u, err := s.sched.Enqueue(c)
		if err != nil {
			s.log.Debug("voice: skipping inbound audio", "err", err)
			s.obs.PayloadDropped(err)
			continue
		}
		s.obs.UnitScheduled(u)
	}
	if msg.Interrupted {
		n := s.sched.Interrupt()
		s.log.Debug("voice: model interrupted", "stopped", n)
		s.obs.Interrupted(n)
	}
	if msg.InputTranscription != "" {
		s.log.Debug("voice: heard", "text", msg.InputTranscription)
	}
	changed := false
	for _, text := range []string{msg.OutputTranscription, msg.Text} {
		if text != "" {
			s.transcript.Append(text)
			changed = true
		}
	}
	if changed && s.onTranscript != nil {
		s.onTranscript(s.transcript.String())
	}
}

// sender forwards captured chunks to the stream in capture order.
func (s *Session) sender(r *run) {
	defer close(r.senderDone)
	for {
		select {
		case <-r.ctx.Done():
			return
		case c := <-r.outbound:
			if err := r.stream.Send(r.ctx, c); err != nil {
				if r.ctx.Err() != nil {
					return
				}
				select {
				case r.sendErr <- err:
				default:
				}
				return
			}
			s.obs.ChunkSent()
		}
	}
}

// teardown releases every resource of r and returns the session to Idle. It
// runs on the event-loop goroutine only.
func (s *Session) teardown(r *run, cause error) {
	s.setState(Closing)
	r.cancel()

	if err := r.pipe.Stop(); err != nil {
		s.log.Warn("voice: releasing microphone", "err", err)
	}
	if r.senderStarted {
		<-r.senderDone
	}
	if err := r.stream.Close(); err != nil {
		s.log.Warn("voice: closing stream", "err", err)
	}
	s.sched.Reset()
	hadTranscript := s.transcript.Len() > 0
	s.transcript.Reset()

	s.mu.Lock()
	s.run = nil
	s.state = Idle
	s.lastErr = cause
	s.mu.Unlock()

	if cause != nil {
		s.log.Error("voice: session ended", "err", cause)
	} else {
		s.log.Info("voice: session ended")
	}
	if hadTranscript && s.onTranscript != nil {
		s.onTranscript("")
	}
	s.notifyState(Idle)
	if cause != nil && s.onError != nil {
		s.onError(cause)
	}
	close(r.done)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

func (s *Session) notifyState(st State) {
	s.log.Debug("voice: state", "state", st.String())
	if s.onState != nil {
		s.onState(st)
	}
}

// IsStreamError reports whether err ended a session mid-stream.
func IsStreamError(err error) bool {
	var se *StreamError
	return errors.As(err, &se)
}
