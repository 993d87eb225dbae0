package playback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/owl/pkg/audio"
)

// DefaultBufferFrames is the number of samples rendered per [Timeline] tick.
const DefaultBufferFrames = 1024

// Sink accepts rendered float samples in [-1, 1]. Write blocks at hardware
// pace, which is what drives the [Timeline] clock.
type Sink interface {
	Write(buf []float32) error
	Close() error
}

// Timeline is an [Output] backed by a [Sink]. Its clock is the number of
// samples rendered so far divided by the sample rate, so it advances only as
// fast as the sink consumes audio. Idle periods render silence.
type Timeline struct {
	sink   Sink
	format audio.Format
	frames int
	log    *slog.Logger

	mu       sync.Mutex
	rendered int64
	voices   map[*timelineVoice]struct{}
}

var _ Output = (*Timeline)(nil)

// TimelineOption configures a [Timeline].
type TimelineOption func(*Timeline)

// WithBufferFrames sets the samples rendered per tick. Values <= 0 are ignored.
func WithBufferFrames(n int) TimelineOption {
	return func(t *Timeline) {
		if n > 0 {
			t.frames = n
		}
	}
}

// WithTimelineLogger sets the timeline's logger.
func WithTimelineLogger(l *slog.Logger) TimelineOption {
	return func(t *Timeline) { t.log = l }
}

// NewTimeline returns a timeline rendering mono audio at format's rate into
// sink.
func NewTimeline(sink Sink, format audio.Format, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		sink:   sink,
		format: format,
		frames: DefaultBufferFrames,
		log:    slog.Default(),
		voices: make(map[*timelineVoice]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Now returns the clock position of the next sample to be rendered.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sampleTime(t.rendered)
}

func (t *Timeline) sampleTime(idx int64) time.Duration {
	return time.Duration(idx) * time.Second / time.Duration(t.format.SampleRate)
}

func (t *Timeline) sampleIndex(d time.Duration) int64 {
	return int64(math.Round(d.Seconds() * float64(t.format.SampleRate)))
}

// Play implements [Output]. The unit's frame must already be in the
// timeline's format. A unit whose start has already been rendered starts at
// the next rendered sample instead, and u.Start is updated to match.
func (t *Timeline) Play(u *Unit, onEnded func()) Voice {
	v := &timelineVoice{
		tl:      t,
		samples: audio.PCM16ToFloat(u.Frame.Data),
		onEnded: onEnded,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v.start = t.sampleIndex(u.Start)
	if v.start < t.rendered {
		v.start = t.rendered
		u.Start = t.sampleTime(v.start)
	}
	t.voices[v] = struct{}{}
	return v
}

// Render mixes the next len(buf) samples into buf and advances the clock.
// Callbacks of units that finished within this block run after the clock
// has moved, outside the timeline lock.
func (t *Timeline) Render(buf []float32) {
	clear(buf)

	t.mu.Lock()
	from := t.rendered
	to := from + int64(len(buf))
	var ended []func()
	for v := range t.voices {
		end := v.start + int64(len(v.samples))
		lo, hi := max(v.start, from), min(end, to)
		for i := lo; i < hi; i++ {
			buf[i-from] += v.samples[i-v.start]
		}
		if end <= to {
			delete(t.voices, v)
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	t.rendered = to
	t.mu.Unlock()

	for i, s := range buf {
		buf[i] = min(max(s, -1), 1)
	}
	for _, f := range ended {
		f()
	}
}

// Run renders and writes blocks to the sink until ctx is cancelled or the sink
// fails. It does not close the sink.
func (t *Timeline) Run(ctx context.Context) error {
	buf := make([]float32, t.frames)
	t.log.Info("playback: timeline running", "format", t.format.String(), "frames_per_buffer", t.frames)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		t.Render(buf)
		if err := t.sink.Write(buf); err != nil {
			return fmt.Errorf("playback: write: %w", err)
		}
	}
}

// Pending returns the number of units that have not finished or been stopped.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

type timelineVoice struct {
	tl      *Timeline
	start   int64
	samples []float32
	onEnded func()
}

func (v *timelineVoice) Stop() {
	v.tl.mu.Lock()
	delete(v.tl.voices, v)
	v.tl.mu.Unlock()
}
