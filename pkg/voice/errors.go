package voice

import (
	"errors"

	"github.com/MrWong99/owl/pkg/audio/capture"
	"github.com/MrWong99/owl/pkg/audio/playback"
)

var (
	// ErrDeviceUnavailable is returned by [Session.Start] when the microphone
	// cannot be acquired. It is the capture package's sentinel, so either can
	// be matched with errors.Is.
	ErrDeviceUnavailable = capture.ErrDeviceUnavailable

	// ErrStreamOpenFailed is returned by [Session.Start] when the model
	// stream cannot be opened.
	ErrStreamOpenFailed = errors.New("voice: stream open failed")

	// ErrStreamError matches every [*StreamError].
	ErrStreamError = errors.New("voice: stream error")

	// ErrMalformedPayload marks inbound audio that was skipped.
	ErrMalformedPayload = playback.ErrMalformedPayload

	// ErrSessionBusy is returned by [Session.Start] unless the session is idle.
	ErrSessionBusy = errors.New("voice: session busy")

	// ErrStopped is returned by [Session.Start] when [Session.Stop] was called
	// before the stream finished opening.
	ErrStopped = errors.New("voice: session stopped")
)

// StreamError reports a failure of an active stream: a server-reported error,
// a transport drop, a failed send or a lost microphone. The session has
// already been torn down when it is delivered.
type StreamError struct {
	Cause error
}

func (e *StreamError) Error() string {
	if e.Cause == nil {
		return ErrStreamError.Error()
	}
	return ErrStreamError.Error() + ": " + e.Cause.Error()
}

// Unwrap returns the cause.
func (e *StreamError) Unwrap() error { return e.Cause }

// Is reports whether target is [ErrStreamError].
func (e *StreamError) Is(target error) bool { return target == ErrStreamError }
