// Package capture turns a microphone into a stream of encoded PCM chunks.
//
// A [Pipeline] owns one input [Device] exclusively between [Pipeline.Open] and
// [Pipeline.Stop]. Once started, its pump reads one buffer per hardware tick,
// scales the float samples to 16-bit PCM and hands each buffer to a sink as an
// [audio.EncodedChunk].
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/owl/pkg/audio"
)

// DefaultFramesPerBuffer is the number of samples read per tick. At 16 kHz a
// buffer spans 256 ms.
const DefaultFramesPerBuffer = 4096

var (
	// ErrDeviceUnavailable is returned by [Pipeline.Open] when the microphone
	// is missing, access is denied, or the pipeline already holds it.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrNotOpen is returned by [Pipeline.Start] before a successful Open.
	ErrNotOpen = errors.New("capture: pipeline not open")

	// ErrAlreadyStarted is returned by a second call to [Pipeline.Start].
	ErrAlreadyStarted = errors.New("capture: pipeline already started")
)

// Device opens input streams on a microphone.
type Device interface {
	// Open acquires the device and returns a stream delivering framesPerBuffer
	// samples in format per Read. ctx bounds the acquisition only.
	Open(ctx context.Context, format audio.Format, framesPerBuffer int) (InputStream, error)
}

// InputStream is an open microphone stream.
type InputStream interface {
	// Read fills buf with the next block of samples in [-1, 1]. It blocks
	// until the hardware has produced len(buf) samples.
	Read(buf []float32) error

	// Close releases the device. A Read blocked in another goroutine must
	// return (with an error) once Close has been called.
	Close() error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFramesPerBuffer sets the samples per tick. Values <= 0 are ignored.
func WithFramesPerBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.framesPerBuffer = n
		}
	}
}

// WithFormat overrides [audio.CaptureFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) { p.format = f }
}

// WithClip makes the float to int16 conversion saturate instead of wrap.
func WithClip(clip bool) Option {
	return func(p *Pipeline) { p.clip = clip }
}

// WithLogger sets the logger used by the pump.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline captures microphone audio and emits encoded chunks.
// All methods are safe for concurrent use.
type Pipeline struct {
	device          Device
	format          audio.Format
	framesPerBuffer int
	clip            bool
	log             *slog.Logger

	mu      sync.Mutex
	// emitMu orders emission against Stop: stop is closed under it, and a
	// chunk is only emitted while holding it with stop still open.
	emitMu  sync.Mutex
	stream  InputStream
	stop    chan struct{}
	done    chan struct{}
	err     error
	stopped bool

	frames atomic.Int64
	chunks atomic.Int64
}

// New returns a pipeline reading from device. The device is not touched until
// [Pipeline.Open].
func New(device Device, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:          device,
		format:          audio.CaptureFormat,
		framesPerBuffer: DefaultFramesPerBuffer,
		log:             slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Format returns the capture format.
func (p *Pipeline) Format() audio.Format { return p.format }

// FramesPerBuffer returns the samples read per tick.
func (p *Pipeline) FramesPerBuffer() int { return p.framesPerBuffer }

// Open acquires exclusive access to the device. Failures wrap
// [ErrDeviceUnavailable] together with the device error.
func (p *Pipeline) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return fmt.Errorf("%w: already open", ErrDeviceUnavailable)
	}
	stream, err := p.device.Open(ctx, p.format, p.framesPerBuffer)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	p.stream = stream
	p.stopped = false
	p.err = nil
	p.stop = make(chan struct{})
	p.done = nil
	return nil
}

// Start launches the pump. Every buffer read from the device is converted and
// passed to sink on the pump goroutine; sink must not call [Pipeline.Stop].
func (p *Pipeline) Start(sink func(audio.EncodedChunk)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return ErrNotOpen
	}
	if p.done != nil {
		return ErrAlreadyStarted
	}
	p.done = make(chan struct{})
	go p.pump(p.stream, p.stop, p.done, sink)
	return nil
}

func (p *Pipeline) pump(stream InputStream, stop, done chan struct{}, sink func(audio.EncodedChunk)) {
	defer close(done)

	buf := make([]float32, p.framesPerBuffer*p.format.Channels)
	for {
		err := stream.Read(buf)
		if !p.emit(stop, buf, err, sink) {
			return
		}
	}
}

// emit handles one completed read. It reports false once the pump must exit.
func (p *Pipeline) emit(stop chan struct{}, buf []float32, err error, sink func(audio.EncodedChunk)) bool {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	select {
	case <-stop:
		return false
	default:
	}
	if err != nil {
		p.log.Error("capture: read failed", "err", err)
		p.mu.Lock()
		p.err = fmt.Errorf("capture: read: %w", err)
		p.mu.Unlock()
		return false
	}
	p.frames.Add(1)

	chunk, err := audio.EncodeChunk(audio.FloatToPCM16(buf, p.clip), p.format.SampleRate)
	if err != nil {
		p.log.Debug("capture: dropping buffer", "err", err)
		return true
	}
	p.chunks.Add(1)
	sink(chunk)
	return true
}

// Done returns a channel closed when the pump exits, either after
// [Pipeline.Stop] or on a read failure reported by [Pipeline.Err]. It returns
// nil before [Pipeline.Start].
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the read error that ended the pump, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop ends the pump and releases the device. No chunk reaches the sink after
// Stop returns. Stop does not wait for a read blocked on the hardware; that
// read's buffer is discarded when it completes. Stop is idempotent and safe
// to call on a pipeline that was never opened.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stream == nil || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	stream, stop := p.stream, p.stop
	p.mu.Unlock()

	p.emitMu.Lock()
	close(stop)
	p.emitMu.Unlock()

	err := stream.Close()

	p.mu.Lock()
	p.stream = nil
	p.done = nil
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("capture: close: %w", err)
	}
	return nil
}

// FramesCaptured returns the number of buffers read since construction.
func (p *Pipeline) FramesCaptured() int64 { return p.frames.Load() }

// ChunksEmitted returns the number of chunks handed to the sink.
func (p *Pipeline) ChunksEmitted() int64 { return p.chunks.Load() }
