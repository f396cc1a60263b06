package core

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/avolkov/huddle/internal/domain"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// ConnState is the lifecycle state of one negotiated connection.
// new -> connecting -> {connected | failed};
// connected -> {disconnected -> connecting | closed};
// failed -> {connecting | closed}. closed is terminal.
type ConnState string

const (
	ConnStateNew          ConnState = "new"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
	ConnStateClosed       ConnState = "closed"
)

// MediaConnection abstracts one peer connection. The pion adapter implements
// it for real; tests inject fakes through the same surface.
type MediaConnection interface {
	// Start wires internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// CreateOffer builds an offer and sets it as the local description.
	// With iceRestart it produces an ICE-restart offer.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, then builds and sets the answer.
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer sets the remote answer for a previously created offer.
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. Callers must queue
	// candidates that arrive before the remote description is applied.
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	SignalingStable() bool
	State() ConnState
	OnStateChange(func(ConnState))
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnRemoteTrack sets a callback invoked when a remote track arrives.
	OnRemoteTrack(func(RemoteTrack))
	// AddTrack attaches a local track and returns its sender.
	AddTrack(LocalTrack) (Sender, error)
	// RequestKeyFrame asks the remote sender for a keyframe (PLI).
	RequestKeyFrame(ssrc uint32) error
	Close()
}

// PeerFactory builds connections from deployment configuration (ICE server
// list, codec preference). Injected into the registry so nothing in the core
// reaches for globals.
type PeerFactory interface {
	NewConnection(id domain.ParticipantID) (MediaConnection, error)
}

// LocalTrack is a capture-side track with the browser-shaped surface the
// muted-track handling needs. Mobile capture paths routinely hand over tracks
// that report muted until the first frame arrives.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Muted() bool
	// Live reports readyState == live. Anything else is a hard failure.
	Live() bool
	Enabled() bool
	SetEnabled(bool)
	// Event registration; the returned func removes the listener.
	OnMute(func()) (cancel func())
	OnUnmute(func()) (cancel func())
	OnEnded(func()) (cancel func())
}

// Sender owns one attached local track on a connection.
type Sender interface {
	Track() LocalTrack
	ReplaceTrack(LocalTrack) error
}

// PacketWriter consumes forwarded RTP from a remote track.
type PacketWriter interface {
	WriteRTP(*rtp.Packet) error
}

// RemoteTrack is an inbound track plus the liveness evidence the health
// monitor samples.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	SSRC() uint32
	MimeType() string
	Live() bool
	Muted() bool
	// LastData is the last time an RTP packet arrived on this track.
	LastData() time.Time
	// Forward attaches a packet sink under a tag; Unforward detaches it.
	Forward(tag string, w PacketWriter)
	Unforward(tag string)
}

// RemoteStream is the deliverable unit: a participant's current track set.
type RemoteStream struct {
	Participant domain.ParticipantID
	Tracks      []RemoteTrack
}

// TrackSetKey is a stable identity over the stream's track ids, used to
// deduplicate repeated deliveries of the same set.
func (s *RemoteStream) TrackSetKey() string {
	ids := make([]string, 0, len(s.Tracks))
	for _, t := range s.Tracks {
		ids = append(ids, t.ID())
	}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

func (s *RemoteStream) HasVideo() bool {
	for _, t := range s.Tracks {
		if t.Kind() == TrackKindVideo {
			return true
		}
	}
	return false
}

// MediaSource is the external capability to (re)acquire local media; invoked
// on initial attach and when track recovery needs a fresh track.
type MediaSource interface {
	AcquireTracks(ctx context.Context) ([]LocalTrack, error)
	AcquireTrack(ctx context.Context, kind TrackKind) (LocalTrack, error)
}
