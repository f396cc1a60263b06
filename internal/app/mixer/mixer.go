// Package mixer re-broadcasts guest media on the host: every guest's inbound
// tracks are mirrored into local tracks the host can attach to its other
// peer connections, so guests see each other without a full mesh of their
// own.
package mixer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

const DefaultMaxParticipants = 16

// Mixer owns one Sink per (source participant, source track).
type Mixer struct {
	maxParticipants int

	mu    sync.RWMutex
	sinks map[domain.ParticipantID]map[string]*Sink // track id keyed
	srcs  map[domain.ParticipantID][]core.RemoteTrack
}

func NewMixer(maxParticipants int) *Mixer {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	return &Mixer{
		maxParticipants: maxParticipants,
		sinks:           make(map[domain.ParticipantID]map[string]*Sink),
		srcs:            make(map[domain.ParticipantID][]core.RemoteTrack),
	}
}

// AddSource mirrors one remote track into a broadcast sink. The source
// track's read pump feeds the sink through Forward.
func (m *Mixer) AddSource(id domain.ParticipantID, rt core.RemoteTrack) error {
	m.mu.Lock()
	if _, known := m.sinks[id]; !known && len(m.sinks) >= m.maxParticipants {
		m.mu.Unlock()
		return fmt.Errorf("session full: %d participants", m.maxParticipants)
	}
	if m.sinks[id] == nil {
		m.sinks[id] = make(map[string]*Sink)
	}
	if _, dup := m.sinks[id][rt.ID()]; dup {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	out, err := webrtc.NewTrackLocalStaticRTP(
		capabilityFor(rt.MimeType()),
		fmt.Sprintf("mix-%s-%s", id, rt.ID()),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("broadcast track for %s: %w", rt.ID(), err)
	}
	sink := NewSink(out)

	m.mu.Lock()
	m.sinks[id][rt.ID()] = sink
	m.srcs[id] = append(m.srcs[id], rt)
	m.mu.Unlock()

	rt.Forward(forwardTag(id), sink)
	log.Info().
		Str("module", "app.mixer").
		Str("peer", string(id)).
		Str("track_id", rt.ID()).
		Msg("source added")
	return nil
}

// RemoveSource detaches and deletes all of a participant's sinks.
func (m *Mixer) RemoveSource(id domain.ParticipantID) {
	m.mu.Lock()
	sinks := m.sinks[id]
	srcs := m.srcs[id]
	delete(m.sinks, id)
	delete(m.srcs, id)
	m.mu.Unlock()

	for _, rt := range srcs {
		rt.Unforward(forwardTag(id))
	}
	for _, s := range sinks {
		s.MarkDelete()
	}
	if len(sinks) > 0 {
		log.Info().Str("module", "app.mixer").Str("peer", string(id)).Msg("source removed")
	}
}

// SetMuted pauses or resumes a participant's sinks without tearing them down.
func (m *Mixer) SetMuted(id domain.ParticipantID, muted bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sinks[id] {
		if muted {
			s.MarkMuted()
		} else {
			s.MarkOk()
		}
	}
}

// BroadcastTracks lists every other participant's broadcast tracks, i.e.
// what to attach when (re)negotiating with the given peer.
func (m *Mixer) BroadcastTracks(except domain.ParticipantID) []*webrtc.TrackLocalStaticRTP {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*webrtc.TrackLocalStaticRTP
	for id, sinks := range m.sinks {
		if id == except {
			continue
		}
		for _, s := range sinks {
			if s.State() != SinkStateDelete {
				out = append(out, s.Out)
			}
		}
	}
	return out
}

// Sources reports how many participants currently feed the mixer.
func (m *Mixer) Sources() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

func forwardTag(id domain.ParticipantID) string {
	return "mixer:" + string(id)
}

// capabilityFor maps a mime type to the codec capability a re-broadcast
// track needs. Unknown types fall back to VP8/opus clock rates by kind.
func capabilityFor(mime string) webrtc.RTPCodecCapability {
	switch strings.ToLower(mime) {
	case strings.ToLower(webrtc.MimeTypeOpus):
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case strings.ToLower(webrtc.MimeTypeVP8):
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case strings.ToLower(webrtc.MimeTypeVP9):
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}
	case strings.ToLower(webrtc.MimeTypeH264):
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}
	}
	if strings.HasPrefix(strings.ToLower(mime), "audio/") {
		return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 48000, Channels: 2}
	}
	return webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000}
}
