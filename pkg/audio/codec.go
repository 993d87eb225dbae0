package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultInboundRate is assumed for inbound chunks whose MIME type carries no
// rate parameter.
const DefaultInboundRate = 24000

var (
	// ErrEmptyAudio is returned when a codec function receives no data.
	ErrEmptyAudio = errors.New("audio: empty input")

	// ErrMalformedAudio is returned when input cannot be decoded or does not
	// describe whole int16 sample frames.
	ErrMalformedAudio = errors.New("audio: malformed input")
)

// Encode returns the standard base64 encoding of b.
func Encode(b []byte) (string, error) {
	if len(b) == 0 {
		return "", ErrEmptyAudio
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode reverses [Encode].
func Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEmptyAudio
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	if len(b) == 0 {
		return nil, ErrEmptyAudio
	}
	return b, nil
}

// ToFrame wraps raw int16 PCM bytes into an [AudioFrame]. The data must hold
// a whole number of sample frames for the given channel count.
func ToFrame(b []byte, sampleRate, channels int) (AudioFrame, error) {
	if len(b) == 0 {
		return AudioFrame{}, ErrEmptyAudio
	}
	if sampleRate <= 0 || channels <= 0 {
		return AudioFrame{}, fmt.Errorf("%w: rate %d, channels %d", ErrMalformedAudio, sampleRate, channels)
	}
	if len(b)%(2*channels) != 0 {
		return AudioFrame{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudio, len(b), 2*channels)
	}
	return AudioFrame{Data: b, SampleRate: sampleRate, Channels: channels}, nil
}

// PCMMIMEType returns the MIME descriptor for raw PCM at rate, e.g.
// "audio/pcm;rate=16000".
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseMIME extracts the sample rate from a PCM MIME descriptor. A missing
// rate parameter yields [DefaultInboundRate]. Non-PCM types are rejected.
func ParseMIME(mime string) (int, error) {
	parts := strings.Split(mime, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	if base != "audio/pcm" && base != "audio/l16" {
		return 0, fmt.Errorf("%w: unsupported mime type %q", ErrMalformedAudio, mime)
	}
	rate := DefaultInboundRate
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: bad rate in %q", ErrMalformedAudio, mime)
		}
		rate = n
	}
	return rate, nil
}

// EncodeChunk encodes mono PCM captured at rate into an [EncodedChunk].
func EncodeChunk(pcm []byte, rate int) (EncodedChunk, error) {
	data, err := Encode(pcm)
	if err != nil {
		return EncodedChunk{}, err
	}
	return EncodedChunk{MIMEType: PCMMIMEType(rate), Data: data}, nil
}

// DecodeChunk decodes c into a mono [AudioFrame] at the rate named by its MIME
// type. An empty MIME type is treated as PCM at [DefaultInboundRate].
func DecodeChunk(c EncodedChunk) (AudioFrame, error) {
	rate := DefaultInboundRate
	if c.MIMEType != "" {
		r, err := ParseMIME(c.MIMEType)
		if err != nil {
			return AudioFrame{}, err
		}
		rate = r
	}
	b, err := Decode(c.Data)
	if err != nil {
		return AudioFrame{}, err
	}
	return ToFrame(b, rate, 1)
}

// FloatToPCM16 scales float samples by 32768 into little-endian int16 PCM.
//
// With clip false, values outside [-1, 1) wrap the way a store into an
// Int16Array does: truncate toward zero, then reduce modulo 2^16. With clip
// true they saturate at the int16 limits.
func FloatToPCM16(samples []float32, clip bool) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(scaleSample(s, clip)))
	}
	return out
}

func scaleSample(s float32, clip bool) int16 {
	v := float64(s) * 32768
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if clip {
		switch {
		case v >= math.MaxInt16:
			return math.MaxInt16
		case v <= math.MinInt16:
			return math.MinInt16
		}
		return int16(v)
	}
	// Reduce in int64 so the narrowing conversion is well-defined.
	return int16(int64(math.Trunc(math.Mod(v, 65536))))
}

// PCM16ToFloat converts little-endian int16 PCM to float samples in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}
