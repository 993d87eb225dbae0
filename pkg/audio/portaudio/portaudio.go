// Package portaudio binds the system's default microphone and speaker through
// PortAudio (github.com/gordonklaus/portaudio, cgo).
//
// [Microphone] implements [capture.Device] and [Speaker] implements
// [playback.Sink]. Both use blocking streams, so the hardware clock paces
// reads and writes.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/owl/pkg/audio"
	"github.com/MrWong99/owl/pkg/audio/capture"
	"github.com/MrWong99/owl/pkg/audio/playback"
)

// ErrClosed is returned by reads and writes on a closed stream.
var ErrClosed = errors.New("portaudio: stream closed")

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone opens the default input device.
type Microphone struct{}

var _ capture.Device = Microphone{}

// Open implements [capture.Device].
func (Microphone) Open(ctx context.Context, format audio.Format, framesPerBuffer int) (capture.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	buf := make([]float32, framesPerBuffer*format.Channels)
	stream, err := pa.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), framesPerBuffer, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open input: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}
	slog.Info("portaudio: microphone opened", "format", format.String(), "frames_per_buffer", framesPerBuffer)
	return &inputStream{stream: stream, buf: buf}, nil
}

type inputStream struct {
	stream *pa.Stream
	buf    []float32

	// PortAudio's blocking API must not stop a stream while another thread
	// is inside Read, so a Close during a read is finished by the reader.
	mu           sync.Mutex
	reading      bool
	closePending bool
	closed       bool
}

func (s *inputStream) Read(dst []float32) error {
	s.mu.Lock()
	if s.closed || s.closePending {
		s.mu.Unlock()
		return ErrClosed
	}
	s.reading = true
	s.mu.Unlock()

	err := s.stream.Read()

	s.mu.Lock()
	s.reading = false
	if s.closePending {
		s.closed = true
		if cerr := closeStream(s.stream); cerr != nil {
			slog.Warn("portaudio: deferred close failed", "err", cerr)
		}
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if errors.Is(err, pa.InputOverflowed) {
		slog.Debug("portaudio: input overflowed")
		err = nil
	}
	if err != nil {
		return fmt.Errorf("portaudio: read: %w", err)
	}
	copy(dst, s.buf)
	return nil
}

// Close releases the stream. It never waits for a read in progress: that
// read closes the stream when the hardware returns, within one buffer period.
func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.closePending {
		return nil
	}
	if s.reading {
		s.closePending = true
		return nil
	}
	s.closed = true
	return closeStream(s.stream)
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a [playback.Sink] on the default output device.
type Speaker struct {
	mu     sync.Mutex
	stream *pa.Stream
	buf    []float32
	closed bool
}

var _ playback.Sink = (*Speaker)(nil)

// OpenSpeaker opens the default output device for mono or interleaved audio
// in format, written framesPerBuffer samples at a time.
func OpenSpeaker(format audio.Format, framesPerBuffer int) (*Speaker, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	buf := make([]float32, framesPerBuffer*format.Channels)
	stream, err := pa.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), framesPerBuffer, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	slog.Info("portaudio: speaker opened", "format", format.String(), "frames_per_buffer", framesPerBuffer)
	return &Speaker{stream: stream, buf: buf}, nil
}

// Write implements [playback.Sink]. src must hold exactly one buffer.
func (s *Speaker) Write(src []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(src) != len(s.buf) {
		return fmt.Errorf("portaudio: write: got %d samples, want %d", len(src), len(s.buf))
	}
	copy(s.buf, src)
	err := s.stream.Write()
	if errors.Is(err, pa.OutputUnderflowed) {
		slog.Debug("portaudio: output underflowed")
		err = nil
	}
	if err != nil {
		return fmt.Errorf("portaudio: write: %w", err)
	}
	return nil
}

// Close implements [playback.Sink].
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return closeStream(s.stream)
}

func closeStream(stream *pa.Stream) error {
	errs := []error{stream.Stop(), stream.Close(), pa.Terminate()}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("portaudio: close: %w", err)
	}
	return nil
}
