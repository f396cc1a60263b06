package orch

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/app"
	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

// handleJoin registers the newcomer and, for broadcast joins, starts a
// connection toward them. A targeted join is a presence reply from an
// existing member: register only, the other side is already offering.
func (o *Orchestrator) handleJoin(m core.Message) {
	var p core.JoinPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("bad join payload")
		return
	}

	peer, err := domain.NewParticipant(m.SenderID, p.Name, domain.Role(p.Role))
	if err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("rejecting join")
		return
	}
	peer.HasVideo = p.HasVideo
	peer.Touch(time.Now())

	o.mu.Lock()
	known := o.roster.Has(m.SenderID)
	err = o.roster.Add(peer)
	o.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).
			Str("module", "app.orch").
			Str("peer", string(m.SenderID)).
			Msg("refusing join")
		return
	}
	o.notifyState(m.SenderID)

	if !m.Broadcast() {
		return
	}

	// Tell the newcomer who we are, then offer.
	if err := o.send(core.MessageJoin, m.SenderID, core.JoinPayload{
		Name:     o.self.Name,
		Role:     string(o.self.Role),
		HasVideo: o.self.HasVideo,
	}); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("presence reply failed")
	}

	if known {
		// Duplicate join: reuse logic in connectPeer keeps a live
		// connection intact.
		log.Debug().Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("rejoin")
	}
	if err := o.connectPeer(m.SenderID); err != nil {
		log.Error().Err(err).
			Str("module", "app.orch").
			Str("peer", string(m.SenderID)).
			Msg("connect failed")
	}
}

func (o *Orchestrator) handleLeave(m core.Message) {
	log.Info().Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("peer left")
	o.dropPeer(m.SenderID)
}

// handleOffer is the answering path. Local tracks go on before the answer is
// generated; answering first would produce recvonly SDP and the remote side
// would never see our media without a second negotiation.
func (o *Orchestrator) handleOffer(m core.Message) {
	var p core.DescriptionPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("bad offer payload")
		return
	}

	rec, created, err := o.registry.CreateOrReuse(o.ctx, m.SenderID)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("offer: connection failed")
		return
	}
	if created {
		o.wireConnection(rec)
	}
	if err := o.attachLocal(rec); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("offer: attach failed")
		return
	}

	answer, err := rec.Conn().CreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("answer failed")
		return
	}
	rec.SetState(core.ConnStateConnecting)
	o.drainCandidates(rec)

	if err := o.send(core.MessageAnswer, m.SenderID, core.DescriptionPayload{
		SDPType: "answer",
		SDP:     answer.SDP,
	}); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("answer send failed")
	}
}

func (o *Orchestrator) handleAnswer(m core.Message) {
	var p core.DescriptionPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("bad answer payload")
		return
	}
	rec, ok := o.registry.Get(m.SenderID)
	if !ok {
		log.Debug().Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("answer for unknown connection")
		return
	}
	rec.ClearTimer(timerNegotiation)
	if err := rec.Conn().ApplyAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.SDP,
	}); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("apply answer failed")
		o.scheduleRecovery(m.SenderID, &core.NegotiationFailedError{
			Participant: m.SenderID,
			Stage:       "apply-answer",
			Err:         err,
		})
		return
	}
	o.drainCandidates(rec)
}

// handleCandidate applies a remote candidate, queueing it when it raced
// ahead of the session description.
func (o *Orchestrator) handleCandidate(m core.Message) {
	var p core.CandidatePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Msg("bad candidate payload")
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}
	rec, ok := o.registry.Get(m.SenderID)
	if !ok {
		log.Debug().Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("candidate for unknown connection")
		return
	}
	if !rec.Conn().HasRemoteDescription() {
		rec.QueueCandidate(init)
		return
	}
	if err := rec.Conn().AddICECandidate(init); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("peer", string(m.SenderID)).Msg("add candidate failed")
	}
}

func (o *Orchestrator) handleHeartbeat(m core.Message) {
	now := time.Now()
	o.mu.Lock()
	if p, ok := o.roster.Get(m.SenderID); ok {
		p.Touch(now)
	}
	o.mu.Unlock()
	if rec, ok := o.registry.Get(m.SenderID); ok {
		rec.TouchHeartbeat(now)
	}
}

// connectPeer builds (or reuses) the connection and starts negotiation.
func (o *Orchestrator) connectPeer(id domain.ParticipantID) error {
	rec, created, err := o.registry.CreateOrReuse(o.ctx, id)
	if err != nil {
		return err
	}
	if !created {
		switch rec.State() {
		case core.ConnStateConnecting, core.ConnStateConnected:
			return nil
		}
	} else {
		o.wireConnection(rec)
	}
	if err := o.attachLocal(rec); err != nil {
		return err
	}
	return o.InitiateOffer(id)
}

// attachLocal puts local tracks on the connection once.
func (o *Orchestrator) attachLocal(rec *app.ConnRecord) error {
	if rec.TracksAttached() {
		return nil
	}
	o.mu.Lock()
	local := o.localTracks
	o.mu.Unlock()

	senders, err := o.tracks.Attach(o.ctx, rec.Conn(), local)
	if err != nil {
		return err
	}
	for _, s := range senders {
		rec.AddSender(s)
	}

	// Host side: also re-broadcast everyone else's media to this peer.
	if o.mix != nil {
		for _, bt := range o.mix.BroadcastTracks(rec.ID) {
			if _, err := rec.Conn().AddTrack(wrapBroadcast(bt)); err != nil {
				log.Warn().Err(err).
					Str("module", "app.orch").
					Str("peer", string(rec.ID)).
					Msg("broadcast attach failed")
			}
		}
	}

	rec.SetTracksAttached()
	return nil
}

// wireConnection hooks connection callbacks into the orchestrator.
func (o *Orchestrator) wireConnection(rec *app.ConnRecord) {
	id := rec.ID
	conn := rec.Conn()

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := o.send(core.MessageCandidate, id, core.CandidatePayload{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		}); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("peer", string(id)).Msg("candidate send failed")
		}
	})
	conn.OnStateChange(func(s core.ConnState) {
		o.onConnState(id, s)
	})
	conn.OnRemoteTrack(func(rt core.RemoteTrack) {
		o.handleRemoteTrack(id, rt)
	})
}

// handleRemoteTrack folds a new inbound track into the peer's stream and
// pushes the rebuilt stream downstream.
func (o *Orchestrator) handleRemoteTrack(id domain.ParticipantID, rt core.RemoteTrack) {
	o.mu.Lock()
	o.remoteTracks[id] = append(o.remoteTracks[id], rt)
	tracks := make([]core.RemoteTrack, len(o.remoteTracks[id]))
	copy(tracks, o.remoteTracks[id])
	if p, ok := o.roster.Get(id); ok && rt.Kind() == core.TrackKindVideo {
		p.HasVideo = true
	}
	o.mu.Unlock()

	stream := &core.RemoteStream{Participant: id, Tracks: tracks}
	if err := o.pipeline.Deliver(id, stream); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("peer", string(id)).Msg("stream rejected")
		return
	}
	o.monitor.Watch(id, stream)
	if o.mix != nil {
		if err := o.mix.AddSource(id, rt); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("peer", string(id)).Msg("mixer add failed")
		}
	}
	o.notifyState(id)
}

func (o *Orchestrator) drainCandidates(rec *app.ConnRecord) {
	for _, c := range rec.DrainCandidates() {
		if err := rec.Conn().AddICECandidate(c); err != nil {
			log.Warn().Err(err).
				Str("module", "app.orch").
				Str("peer", string(rec.ID)).
				Msg("queued candidate failed")
		}
	}
}
