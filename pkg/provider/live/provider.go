// Package live defines the Provider interface for bidirectional streaming
// voice models.
//
// A live provider accepts a continuous stream of microphone audio and answers
// with a stream of server messages: synthesised audio, turn boundaries,
// interruption signals and transcription fragments. Messages are delivered in
// the order the server sent them on a single channel, so consumers can process
// them sequentially without further synchronisation.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/owl/pkg/audio"
)

// ErrClosed is returned by [Stream.Send] after the stream has been closed.
var ErrClosed = errors.New("live: stream closed")

// Modality is a response modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// VoiceProfile identifies a prebuilt voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider's voice name, e.g. "Charon".
	ID string

	// Name is a display name. Defaults to ID when empty.
	Name string

	// Provider names the backend the voice belongs to.
	Provider string
}

// Config is the initial configuration for a live stream.
type Config struct {
	// ResponseModality is the modality the model answers in. Defaults to
	// [ModalityAudio].
	ResponseModality Modality

	// Voice selects the prebuilt voice for audio responses.
	Voice VoiceProfile

	// SystemPrompt is the system instruction for the whole stream.
	SystemPrompt string

	// Transcription requests text transcription of the model's audio output.
	Transcription bool

	// InputTranscription requests text transcription of the user's speech.
	InputTranscription bool
}

// Message is one server message. Several fields may be set at once; consumers
// should handle audio first, then interruption, then transcription.
type Message struct {
	// SetupComplete acknowledges the stream configuration. It is the first
	// message of every healthy stream.
	SetupComplete bool

	// Audio holds model audio chunks in delivery order.
	Audio []audio.EncodedChunk

	// Text holds text parts of the model turn, present when the stream was
	// configured with [ModalityText].
	Text string

	// Interrupted reports that the user barged in and the model abandoned its
	// current turn.
	Interrupted bool

	// TurnComplete marks the end of a model turn.
	TurnComplete bool

	// OutputTranscription is a fragment of the transcript of the model's audio.
	OutputTranscription string

	// InputTranscription is a fragment of the transcript of the user's speech.
	InputTranscription string

	// Err is a server-reported error. The stream ends after such a message.
	Err error
}

// Stream is an open bidirectional session. Callers must call Close when done.
type Stream interface {
	// Send queues one captured audio chunk for the model.
	Send(ctx context.Context, chunk audio.EncodedChunk) error

	// Messages returns the channel of server messages. It is closed when the
	// stream ends; [Stream.Err] then reports why.
	Messages() <-chan Message

	// Err returns the transport error that ended the stream, or nil after a
	// clean close.
	Err() error

	// Close ends the stream and releases its resources. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// MaxSessionDuration is the provider's hard session limit; zero means none
	// is documented.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voices.
	Voices []VoiceProfile
}

// Provider opens live streams.
type Provider interface {
	// Connect dials the backend and sends the stream configuration. It returns
	// once the configuration is on the wire; the acknowledgement arrives as a
	// [Message] with SetupComplete set.
	Connect(ctx context.Context, cfg Config) (Stream, error)

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}
