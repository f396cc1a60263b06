package core

import (
	"errors"
	"fmt"

	"github.com/avolkov/huddle/internal/domain"
)

var (
	// ErrTransportUnavailable means every signaling side-channel failed to
	// initialize. Always fatal; there is no local retry path.
	ErrTransportUnavailable = errors.New("signaling transport unavailable")

	// ErrOfferBeforeTracks is a programming-contract violation: an offer was
	// requested before any local track was attached, which would produce SDP
	// with no media sections.
	ErrOfferBeforeTracks = errors.New("offer requested before local tracks attached")

	// ErrTrackMutedUnrecoverable marks a track that stayed muted through the
	// whole recovery ladder but is otherwise live and enabled. Non-fatal;
	// downstream runs in degraded mode.
	ErrTrackMutedUnrecoverable = errors.New("track still muted after recovery attempts")

	// ErrConsumerNotReady is returned by Consumer.OnStreamReady when its
	// attachment point does not exist yet; the delivery pipeline buffers and
	// retries.
	ErrConsumerNotReady = errors.New("stream consumer not ready")

	// ErrStreamDark marks a stream whose tracks are live and unmuted but
	// produce no data. Distinct from stream validation, which rejects
	// malformed input; a dark stream was valid when delivered.
	ErrStreamDark = errors.New("stream produces no data")
)

// NegotiationTimeoutError reports that no answer arrived within the
// negotiation window for a given attempt.
type NegotiationTimeoutError struct {
	Participant domain.ParticipantID
	Attempt     int
}

func (e *NegotiationTimeoutError) Error() string {
	return fmt.Sprintf("negotiation with %s timed out (attempt %d)", e.Participant, e.Attempt)
}

// NegotiationFailedError wraps an SDP/ICE level failure.
type NegotiationFailedError struct {
	Participant domain.ParticipantID
	Stage       string
	Err         error
}

func (e *NegotiationFailedError) Error() string {
	return fmt.Sprintf("negotiation with %s failed at %s: %v", e.Participant, e.Stage, e.Err)
}

func (e *NegotiationFailedError) Unwrap() error { return e.Err }

// TrackInvalidError means a track ended or never reached the live state.
type TrackInvalidError struct {
	TrackID string
	Reason  string
}

func (e *TrackInvalidError) Error() string {
	return fmt.Sprintf("track %s invalid: %s", e.TrackID, e.Reason)
}

// RecoveryExhaustedError is surfaced when a bounded retry budget for one
// failure class runs out. Transient conditions below the budget are never
// surfaced.
type RecoveryExhaustedError struct {
	Participant domain.ParticipantID
	Resource    string // "connection", "stream", "track"
	Attempts    int
	Err         error
}

func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("%s recovery for %s exhausted after %d attempts: %v",
		e.Resource, e.Participant, e.Attempts, e.Err)
}

func (e *RecoveryExhaustedError) Unwrap() error { return e.Err }

// StreamValidationError means a nil or trackless stream was handed to the
// delivery pipeline.
type StreamValidationError struct {
	Participant domain.ParticipantID
	Reason      string
}

func (e *StreamValidationError) Error() string {
	return fmt.Sprintf("stream from %s rejected: %s", e.Participant, e.Reason)
}
