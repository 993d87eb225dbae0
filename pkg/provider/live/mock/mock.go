// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable streams.
// Use Stream to script server messages and inspect what the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	s, _ := p.Connect(ctx, cfg)
//	p.Last().Emit(live.Message{SetupComplete: true})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/owl/pkg/audio"
	"github.com/MrWong99/owl/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until it is closed or the context
	// is done.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	streams []*Stream
}

var _ live.Provider = (*Provider)(nil)

// Connect records the call and returns a fresh [Stream], or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.Config) (live.Stream, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	gate, connectErr := p.Gate, p.ConnectErr
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	s := NewStream()
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Last returns the most recently connected stream, or nil.
func (p *Provider) Last() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// Stream is a mock implementation of live.Stream.
type Stream struct {
	mu         sync.Mutex
	messages   chan live.Message
	sent       []audio.EncodedChunk
	sendErr    error
	err        error
	ended      bool
	closeCalls int
	sentSignal chan struct{}
}

var _ live.Stream = (*Stream)(nil)

// NewStream returns an open stream with a generously buffered message channel.
func NewStream() *Stream {
	return &Stream{
		messages:   make(chan live.Message, 256),
		sentSignal: make(chan struct{}, 1),
	}
}

// Emit delivers m to the consumer. It is a no-op once the stream has ended.
func (s *Stream) Emit(m live.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.messages <- m
}

// End closes the message channel as if the transport dropped with err.
func (s *Stream) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.ended = true
	close(s.messages)
}

// FailSends makes every later Send return err.
func (s *Stream) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Send implements live.Stream and records chunk.
func (s *Stream) Send(_ context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		return live.ErrClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, chunk)
	select {
	case s.sentSignal <- struct{}{}:
	default:
	}
	return nil
}

// Sent returns a copy of every chunk accepted by Send.
func (s *Stream) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedChunk(nil), s.sent...)
}

// WaitSent waits until at least n chunks have been sent or timeout elapses,
// and reports whether the count was reached.
func (s *Stream) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(s.Sent()) >= n {
			return true
		}
		select {
		case <-s.sentSignal:
		case <-deadline:
			return false
		}
	}
}

// Messages implements live.Stream.
func (s *Stream) Messages() <-chan live.Message { return s.messages }

// Err implements live.Stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements live.Stream. It ends the stream cleanly.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.ended {
		s.ended = true
		close(s.messages)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls > 0
}
