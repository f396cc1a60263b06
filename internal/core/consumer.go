package core

import (
	"time"

	"github.com/avolkov/huddle/internal/domain"
)

// ParticipantState is the read-only view pushed to the UI layer on every
// participant/connection state change.
type ParticipantState struct {
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	Active     bool      `json:"active"`
	Selected   bool      `json:"selected"`
	HasVideo   bool      `json:"hasVideo"`
	Connection ConnState `json:"connection"`
	// Degraded means connected with impaired media (e.g. a track that never
	// unmuted); distinguished from full failure.
	Degraded bool `json:"degraded"`
}

// Consumer is the single delivery path to the UI layer. The UI renders; it
// must not mutate core state.
type Consumer interface {
	// OnStreamReady hands over a verified media stream. Returning an error
	// (typically ErrConsumerNotReady) makes the pipeline buffer and retry.
	OnStreamReady(id domain.ParticipantID, stream *RemoteStream) error
	OnParticipantStateChanged(id domain.ParticipantID, state ParticipantState)
	// OnConnectionFailed is invoked only on exhaustion of a retry budget or
	// on unavailable transport, never for transient conditions.
	OnConnectionFailed(id domain.ParticipantID, reason error)
}

// RenderStats is what a rendering element reports about a stream it plays.
type RenderStats struct {
	FrameWidth       int
	FrameHeight      int
	FramesRendered   uint64
	PlaybackPosition time.Duration
}

// RenderProbe is the optional UI-side evidence source for dark-stream
// detection, plus the "reload your element" recovery action.
type RenderProbe interface {
	RenderSample(id domain.ParticipantID) (RenderStats, bool)
	ReloadRenderer(id domain.ParticipantID) error
}
