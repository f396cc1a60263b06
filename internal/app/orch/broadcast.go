package orch

import (
	"github.com/pion/webrtc/v4"

	"github.com/avolkov/huddle/internal/core"
)

// broadcastTrack presents a mixer re-broadcast track through the local-track
// surface so it rides the normal attach path. Re-broadcast tracks have no
// capture source, so they are always live and never mute on their own.
type broadcastTrack struct {
	inner *webrtc.TrackLocalStaticRTP
}

func wrapBroadcast(t *webrtc.TrackLocalStaticRTP) core.LocalTrack {
	return &broadcastTrack{inner: t}
}

func (b *broadcastTrack) ID() string { return b.inner.ID() }

func (b *broadcastTrack) Kind() core.TrackKind {
	if b.inner.Kind() == webrtc.RTPCodecTypeVideo {
		return core.TrackKindVideo
	}
	return core.TrackKindAudio
}

func (b *broadcastTrack) Muted() bool { return false }
func (b *broadcastTrack) Live() bool { return true }
func (b *broadcastTrack) Enabled() bool { return true }
func (b *broadcastTrack) SetEnabled(bool) {}

func (b *broadcastTrack) OnMute(func()) (cancel func()) { return func() {} }
func (b *broadcastTrack) OnUnmute(func()) (cancel func()) { return func() {} }
func (b *broadcastTrack) OnEnded(func()) (cancel func()) { return func() {} }

func (b *broadcastTrack) Unwrap() webrtc.TrackLocal { return b.inner }
