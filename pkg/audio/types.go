// Package audio holds the PCM frame types and the pure codec helpers used by
// the live voice pipeline.
//
// Audio flows through Owl in two directions:
//
//   - Capture: float microphone samples are scaled to 16-bit PCM at
//     [CaptureFormat], base64-encoded into an [EncodedChunk] and streamed out.
//   - Playback: an inbound [EncodedChunk] is decoded back into an [AudioFrame]
//     at [PlaybackFormat] and scheduled on the output clock.
//
// Every function in this package is synchronous and free of side effects.
package audio

import "time"

// AudioFrame is a contiguous block of little-endian int16 PCM samples.
// Frames are immutable once produced; stages hand them on and never retain them.
type AudioFrame struct {
	// Data is the raw PCM payload, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of sample frames (one sample per channel) in f.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (2 * f.Channels)
}

// Duration returns the playback length of f at its sample rate.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// CaptureFormat is the microphone format sent to the model.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format the model speaks in.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// EncodedChunk is the text-safe wire form of an [AudioFrame]: the base64
// encoding of its raw bytes paired with a MIME descriptor such as
// "audio/pcm;rate=16000".
type EncodedChunk struct {
	MIMEType string
	Data     string
}
