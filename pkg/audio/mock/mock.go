// Package mock provides in-memory implementations of [capture.Device] and
// [playback.Output] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields that control results.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	out := &mock.Output{}
//	p := capture.New(mic)
//	_ = p.Open(ctx)
//	mic.Tick(make([]float32, 4096)) // one hardware buffer
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/owl/pkg/audio"
	"github.com/MrWong99/owl/pkg/audio/capture"
	"github.com/MrWong99/owl/pkg/audio/playback"
)

// ErrStreamClosed is returned by [InputStream.Read] after Close.
var ErrStreamClosed = errors.New("mock: input stream closed")

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [capture.Device]. Buffers pushed with
// [Microphone.Tick] are delivered to the most recently opened stream.
type Microphone struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// OpenCalls counts calls to Open, including failed ones.
	OpenCalls int

	// LastFormat and LastFramesPerBuffer record the arguments of the last Open.
	LastFormat          audio.Format
	LastFramesPerBuffer int

	streams []*InputStream
}

var _ capture.Device = (*Microphone)(nil)

// Open implements [capture.Device].
func (m *Microphone) Open(_ context.Context, format audio.Format, framesPerBuffer int) (capture.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls++
	m.LastFormat = format
	m.LastFramesPerBuffer = framesPerBuffer
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := &InputStream{
		ticks:  make(chan []float32, 64),
		closed: make(chan struct{}),
	}
	m.streams = append(m.streams, s)
	return s, nil
}

// Tick delivers one buffer to the current stream. It reports false when no
// stream is open.
func (m *Microphone) Tick(samples []float32) bool {
	s := m.Current()
	if s == nil || s.Closed() {
		return false
	}
	select {
	case s.ticks <- samples:
		return true
	case <-s.closed:
		return false
	}
}

// Current returns the most recently opened stream, or nil.
func (m *Microphone) Current() *InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// Streams returns every stream opened so far.
func (m *Microphone) Streams() []*InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*InputStream(nil), m.streams...)
}

// InputStream is a mock [capture.InputStream].
type InputStream struct {
	ticks     chan []float32
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	readErr    error
	closeCalls int
}

// FailReads makes blocked and future reads return err.
func (s *InputStream) FailReads(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	select {
	case s.ticks <- nil:
	default:
	}
}

// Read implements [capture.InputStream].
func (s *InputStream) Read(buf []float32) error {
	select {
	case b := <-s.ticks:
		s.mu.Lock()
		err := s.readErr
		s.mu.Unlock()
		if err != nil {
			return err
		}
		clear(buf)
		copy(buf, b)
		return nil
	case <-s.closed:
		return ErrStreamClosed
	}
}

// Close implements [capture.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called.
func (s *InputStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [playback.Output] with a manually driven clock. Units never
// end on their own; call [Output.Finish] or [Output.Advance].
type Output struct {
	mu sync.Mutex

	now    time.Duration
	played []*Voice
}

var _ playback.Output = (*Output)(nil)

// Now implements [playback.Clock].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Set moves the clock to t without ending any unit.
func (o *Output) Set(t time.Duration) {
	o.mu.Lock()
	o.now = t
	o.mu.Unlock()
}

// Advance moves the clock forward by d and ends every unit whose end time has
// been reached.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	var due []*Voice
	for _, v := range o.played {
		if v.Unit.End() <= now {
			due = append(due, v)
		}
	}
	o.mu.Unlock()

	for _, v := range due {
		v.end()
	}
}

// Play implements [playback.Output].
func (o *Output) Play(u *playback.Unit, onEnded func()) playback.Voice {
	v := &Voice{Unit: u, onEnded: onEnded}
	o.mu.Lock()
	u.Start = max(u.Start, o.now)
	o.played = append(o.played, v)
	o.mu.Unlock()
	return v
}

// Played returns every voice created by Play, in call order.
func (o *Output) Played() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Voice(nil), o.played...)
}

// Finish ends the voice for unit id as if it had played to completion.
func (o *Output) Finish(id uint64) {
	for _, v := range o.Played() {
		if v.Unit.ID == id {
			v.end()
		}
	}
}

// Voice is the handle returned by [Output.Play].
type Voice struct {
	Unit *playback.Unit

	mu      sync.Mutex
	onEnded func()
	stopped bool
	ended   bool
}

// Stop implements [playback.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.ended {
		v.stopped = true
	}
}

// Stopped reports whether Stop was called before the voice ended.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Ended reports whether the voice played to completion.
func (v *Voice) Ended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ended
}

func (v *Voice) end() {
	v.mu.Lock()
	if v.ended || v.stopped {
		v.mu.Unlock()
		return
	}
	v.ended = true
	f := v.onEnded
	v.mu.Unlock()
	if f != nil {
		f()
	}
}
