package voice

import (
	"strings"
	"sync"
)

// TranscriptBuffer accumulates output transcription fragments for display.
// It is append-only until [TranscriptBuffer.Reset]. Safe for concurrent use.
type TranscriptBuffer struct {
	mu    sync.Mutex
	parts []string
}

// Append adds a fragment as received. Empty fragments are ignored.
func (b *TranscriptBuffer) Append(fragment string) {
	if fragment == "" {
		return
	}
	b.mu.Lock()
	b.parts = append(b.parts, fragment)
	b.mu.Unlock()
}

// String returns the fragments joined by single spaces.
func (b *TranscriptBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.parts, " ")
}

// Tail returns at most the last n runes of [TranscriptBuffer.String].
func (b *TranscriptBuffer) Tail(n int) string {
	s := b.String()
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// Len returns the number of fragments held.
func (b *TranscriptBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.parts)
}

// Reset discards every fragment.
func (b *TranscriptBuffer) Reset() {
	b.mu.Lock()
	b.parts = nil
	b.mu.Unlock()
}
