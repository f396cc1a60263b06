// Package rtc adapts pion peer connections to the core media interfaces.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

// Gathering is only awaited on ICE-restart offers; normal negotiation
// trickles candidates.
const gatherTimeout = 10 * time.Second

type Conn struct {
	pc  *webrtc.PeerConnection
	id  domain.ParticipantID
	pfx string // preferred video mime, empty means keep defaults

	mu            sync.Mutex
	cancel        context.CancelFunc
	onState       func(core.ConnState)
	onICE         func(webrtc.ICECandidateInit)
	onRemoteTrack func(core.RemoteTrack)
}

func newConn(pc *webrtc.PeerConnection, id domain.ParticipantID, preferMime string) *Conn {
	return &Conn{pc: pc, id: id, pfx: preferMime}
}

func (c *Conn) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(c.id)).
			Str("ice_state", s.String()).
			Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(c.id)).
			Str("peer_connection_state", s.String()).
			Msg("peer state")
		c.mu.Lock()
		cb := c.onState
		c.mu.Unlock()
		if cb != nil {
			cb(mapState(s))
		}
		if s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		cb := c.onICE
		c.mu.Unlock()
		if cb != nil {
			cb(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", string(c.id)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		rt := newRemoteTrack(ctx, track)
		go drainRTCP(ctx, receiver)
		c.mu.Lock()
		cb := c.onRemoteTrack
		c.mu.Unlock()
		if cb != nil {
			cb(rt)
		}
	})

	return nil
}

func (c *Conn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	offer.SDP = PreferCodec(offer.SDP, c.pfx)

	if !iceRestart {
		// Trickle path: candidates follow through OnICECandidate.
		if err := c.pc.SetLocalDescription(offer); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
		}
		return offer, nil
	}

	// Restart offers carry the full candidate set so the remote side can
	// switch transports in one round trip.
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		log.Warn().
			Str("module", "rtc").
			Str("peer", string(c.id)).
			Msg("gathering incomplete, sending partial restart offer")
	}
	local := c.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("no local description after gathering")
	}
	return *local, nil
}

func (c *Conn) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	answer.SDP = PreferCodec(answer.SDP, c.pfx)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (c *Conn) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Conn) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Conn) SignalingStable() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateStable
}

func (c *Conn) State() core.ConnState {
	return mapState(c.pc.ConnectionState())
}

func (c *Conn) OnStateChange(fn func(core.ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnRemoteTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onRemoteTrack = fn
	c.mu.Unlock()
}

func (c *Conn) AddTrack(t core.LocalTrack) (core.Sender, error) {
	u, ok := t.(interface{ Unwrap() webrtc.TrackLocal })
	if !ok {
		return nil, fmt.Errorf("track %s is not backed by a pion track", t.ID())
	}
	sender, err := c.pc.AddTrack(u.Unwrap())
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}
	go drainSenderRTCP(sender)
	return &rtpSender{sender: sender, track: t}, nil
}

func (c *Conn) RequestKeyFrame(ssrc uint32) error {
	return c.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
}

func (c *Conn) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("peer", string(c.id)).Msg("close error")
		return
	}
	log.Info().Str("module", "rtc").Str("peer", string(c.id)).Msg("closed")
}

func mapState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnStateFailed
	default:
		return core.ConnStateClosed
	}
}

// rtpSender adapts *webrtc.RTPSender to core.Sender.
type rtpSender struct {
	mu     sync.Mutex
	sender *webrtc.RTPSender
	track  core.LocalTrack
}

func (s *rtpSender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *rtpSender) ReplaceTrack(t core.LocalTrack) error {
	u, ok := t.(interface{ Unwrap() webrtc.TrackLocal })
	if !ok {
		return fmt.Errorf("track %s is not backed by a pion track", t.ID())
	}
	if err := s.sender.ReplaceTrack(u.Unwrap()); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

// Interceptors stall unless sender/receiver RTCP is consumed.
func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainRTCP(ctx context.Context, receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}
