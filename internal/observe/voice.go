package observe

import (
	"context"
	"errors"

	"github.com/MrWong99/owl/pkg/audio/playback"
	"github.com/MrWong99/owl/pkg/voice"
)

// VoiceObserver feeds voice session events into [Metrics].
type VoiceObserver struct {
	m *Metrics
}

var _ voice.Observer = (*VoiceObserver)(nil)

// NewVoiceObserver returns an observer recording into m.
func NewVoiceObserver(m *Metrics) *VoiceObserver {
	return &VoiceObserver{m: m}
}

// ChunkSent implements [voice.Observer].
func (o *VoiceObserver) ChunkSent() {
	o.m.ChunksSent.Add(context.Background(), 1)
}

// UnitScheduled implements [voice.Observer].
func (o *VoiceObserver) UnitScheduled(u *playback.Unit) {
	ctx := context.Background()
	o.m.UnitsScheduled.Add(ctx, 1)
	o.m.PlaybackSeconds.Add(ctx, u.Duration.Seconds())
}

// Interrupted implements [voice.Observer].
func (o *VoiceObserver) Interrupted(_ int) {
	o.m.Interruptions.Add(context.Background(), 1)
}

// PayloadDropped implements [voice.Observer].
func (o *VoiceObserver) PayloadDropped(_ error) {
	o.m.PayloadsDropped.Add(context.Background(), 1)
}

// StateChanged tracks the active-session gauge. Register it with
// [voice.WithStateHandler]; Connecting counts as the start of a session and
// Idle as its end.
func (o *VoiceObserver) StateChanged(st voice.State) {
	switch st {
	case voice.Connecting:
		o.m.ActiveSessions.Add(context.Background(), 1)
	case voice.Idle:
		o.m.ActiveSessions.Add(context.Background(), -1)
	}
}

// SessionEnded counts a session ended by a stream error. Register it with
// [voice.WithErrorHandler].
func (o *VoiceObserver) SessionEnded(_ error) {
	o.m.SessionErrors.Add(context.Background(), 1)
}

// StartOutcome classifies the error returned by [voice.Session.Start].
func StartOutcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, voice.ErrDeviceUnavailable):
		return OutcomeDevice
	case errors.Is(err, voice.ErrStreamOpenFailed):
		return OutcomeStreamOpen
	case errors.Is(err, voice.ErrStopped):
		return OutcomeStopped
	case errors.Is(err, voice.ErrSessionBusy):
		return OutcomeBusy
	default:
		return OutcomeOtherFailed
	}
}
