// Package playback schedules decoded model audio on an output clock.
//
// The [Scheduler] places each inbound chunk immediately after the previous
// one so that consecutive chunks play without gaps, and drops everything at
// once when the model signals an interruption. The [Timeline] is the output
// clock the scheduler plays against on real hardware.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/owl/pkg/audio"
)

// ErrMalformedPayload is returned by [Scheduler.Enqueue] for chunks that do not
// decode to whole PCM samples.
var ErrMalformedPayload = errors.New("playback: malformed payload")

// Clock reports the current position of the output clock.
type Clock interface {
	Now() time.Duration
}

// Voice is a handle to one playing unit.
type Voice interface {
	// Stop silences the unit. Stopping an ended or stopped voice is a no-op.
	Stop()
}

// Output renders units against its clock.
type Output interface {
	Clock

	// Play schedules u to start at u.Start on the output clock. If the clock
	// has already passed u.Start, Play moves u.Start forward to the clock so
	// no sample is skipped. onEnded is called once the last sample of u has
	// been rendered, never for a stopped voice, and never from within Play.
	Play(u *Unit, onEnded func()) Voice
}

// Unit is one scheduled piece of model audio.
type Unit struct {
	ID       uint64
	Frame    audio.AudioFrame
	Start    time.Duration
	Duration time.Duration
}

// End returns the clock time at which u finishes.
func (u *Unit) End() time.Duration { return u.Start + u.Duration }

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithFormat sets the format units are converted to before playing. The
// default is [audio.PlaybackFormat].
func WithFormat(f audio.Format) SchedulerOption {
	return func(s *Scheduler) { s.conv.Target = f }
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler keeps inbound audio contiguous on an [Output].
//
// Start times are monotonic: a unit never starts before the previous one
// ends, and never before the clock reading taken when it was enqueued.
// All methods are safe for concurrent use.
type Scheduler struct {
	out  Output
	conv audio.FormatConverter
	log  *slog.Logger

	mu sync.Mutex
	// pos is the sample index, at the target rate, where the next unit
	// starts. Counting samples keeps long runs free of rounding drift.
	pos    int64
	next   time.Duration
	seq    uint64
	active map[uint64]Voice
}

// NewScheduler returns a scheduler playing on out.
func NewScheduler(out Output, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:    out,
		conv:   audio.FormatConverter{Target: audio.PlaybackFormat},
		log:    slog.Default(),
		active: make(map[uint64]Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes chunk and schedules it at max(next start, clock now).
// A chunk that cannot be decoded returns an error wrapping
// [ErrMalformedPayload] and leaves the schedule untouched.
func (s *Scheduler) Enqueue(chunk audio.EncodedChunk) (*Unit, error) {
	frame, err := audio.DecodeChunk(chunk)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	frame, err = s.conv.Convert(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if frame.Samples() == 0 {
		return nil, fmt.Errorf("%w: no samples after conversion", ErrMalformedPayload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rate := int64(frame.SampleRate)
	start, pos := s.next, s.pos
	if now := s.out.Now(); now > start {
		start, pos = now, samplesAt(now, rate)
	}
	s.seq++
	u := &Unit{
		ID:       s.seq,
		Frame:    frame,
		Start:    start,
		Duration: frame.Duration(),
	}
	s.active[u.ID] = s.out.Play(u, func() { s.ended(u.ID) })
	if u.Start != start {
		pos = samplesAt(u.Start, rate)
	}
	s.pos = pos + int64(frame.Samples())
	s.next = time.Duration(s.pos) * time.Second / time.Duration(rate)

	s.log.Debug("playback: unit scheduled", "id", u.ID, "start", u.Start, "duration", u.Duration)
	return u, nil
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// Interrupt stops every active unit, forgets them and resets the next start
// time so the following chunk plays at the current clock time. It returns the
// number of units stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.active)
	for id, v := range s.active {
		v.Stop()
		delete(s.active, id)
	}
	s.pos, s.next = 0, 0
	if n > 0 {
		s.log.Debug("playback: interrupted", "stopped", n)
	}
	return n
}

// Reset is [Scheduler.Interrupt] for teardown paths that do not need the count.
func (s *Scheduler) Reset() { s.Interrupt() }

// Active returns the number of units scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the clock time at which the next unit would start if the
// clock were still behind it.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// samplesAt returns the sample index at d, rounded to the nearest sample.
func samplesAt(d time.Duration, rate int64) int64 {
	return (int64(d)*rate + int64(time.Second)/2) / int64(time.Second)
}
