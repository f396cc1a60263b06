// Package orch coordinates one participant's view of a session: signaling
// dispatch, peer-connection lifecycle, negotiation with bounded retries, and
// handoff of verified media to delivery and health monitoring.
package orch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/app"
	"github.com/avolkov/huddle/internal/app/delivery"
	"github.com/avolkov/huddle/internal/app/health"
	"github.com/avolkov/huddle/internal/app/mixer"
	"github.com/avolkov/huddle/internal/app/track"
	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

const (
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultRetryInitial       = 2500 * time.Millisecond
	DefaultRetryMax           = 45 * time.Second
	DefaultMaxAttempts        = 3
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultInactivityTimeout  = 90 * time.Second
	DefaultSweepInterval      = 10 * time.Second
)

type Config struct {
	// NegotiationTimeout bounds one offer/answer round trip.
	NegotiationTimeout time.Duration
	// RetryInitial/RetryMax shape the backoff between negotiation attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// MaxAttempts bounds negotiation retries per connection.
	MaxAttempts       int
	HeartbeatInterval time.Duration
	// InactivityTimeout is how long a silent peer survives before being
	// treated as departed. Heartbeats double as the liveness signal.
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	// MaxParticipants caps the session roster; joins past it are refused.
	MaxParticipants int
}

func (c *Config) applyDefaults() {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = domain.DefaultMaxParticipants
	}
}

// Orchestrator runs one participant's session. Everything it talks to is an
// injected interface, so tests drive it with fakes end to end.
type Orchestrator struct {
	cfg      Config
	self     domain.Participant
	session  domain.SessionID
	signals  core.Transport
	registry *app.Registry
	tracks   *track.Manager
	source   core.MediaSource
	pipeline *delivery.Pipeline
	monitor  *health.Monitor
	mix      *mixer.Mixer // host only, nil on guests
	consumer core.Consumer
	stamper  core.Stamper

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	roster       *domain.Session
	degraded     map[domain.ParticipantID]bool
	remoteTracks map[domain.ParticipantID][]core.RemoteTrack
	localTracks  []core.LocalTrack
}

type Deps struct {
	Self     domain.Participant
	Session  domain.SessionID
	Signals  core.Transport
	Registry *app.Registry
	Tracks   *track.Manager
	Source   core.MediaSource
	Pipeline *delivery.Pipeline
	Monitor  *health.Monitor
	Mixer    *mixer.Mixer
	Consumer core.Consumer
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:          cfg,
		self:         deps.Self,
		session:      deps.Session,
		signals:      deps.Signals,
		registry:     deps.Registry,
		tracks:       deps.Tracks,
		source:       deps.Source,
		pipeline:     deps.Pipeline,
		monitor:      deps.Monitor,
		mix:          deps.Mixer,
		consumer:     deps.Consumer,
		roster:       domain.NewSession(deps.Session, cfg.MaxParticipants, time.Now()),
		degraded:     make(map[domain.ParticipantID]bool),
		remoteTracks: make(map[domain.ParticipantID][]core.RemoteTrack),
	}
}

// Start acquires local media, subscribes to signaling, and announces the
// participant. Media comes first: an announced peer must be offerable.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.ctx = ctx
	o.cancel = cancel

	local, err := o.source.AcquireTracks(ctx)
	if err != nil {
		cancel()
		return err
	}
	o.mu.Lock()
	o.localTracks = local
	o.mu.Unlock()

	if err := o.signals.Subscribe(ctx, o.session, o.dispatch); err != nil {
		cancel()
		if o.consumer != nil {
			o.consumer.OnConnectionFailed(o.self.ID, err)
		}
		return err
	}

	if err := o.sendJoin(); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Msg("join announce failed")
	}

	// Dark streams first get keyframe requests; exhaustion is terminal.
	o.monitor.OnRecover = func(id domain.ParticipantID, attempt int) {
		o.setDegraded(id, true)
		o.requestKeyFrames(id)
		if attempt >= o.cfg.MaxAttempts {
			o.scheduleRecovery(id, core.ErrStreamDark)
		}
	}
	o.monitor.OnFailed = o.failPeer
	o.tracks.OnFailed = func(trackID string, err error) {
		if o.consumer != nil {
			o.consumer.OnConnectionFailed(o.self.ID, err)
		}
	}

	go o.heartbeatLoop(ctx)
	go o.inactivitySweep(ctx)
	go o.pipeline.Run(ctx)
	go o.monitor.Run(ctx)

	log.Info().
		Str("module", "app.orch").
		Str("session", string(o.session)).
		Str("self", string(o.self.ID)).
		Str("role", string(o.self.Role)).
		Msg("session started")
	return nil
}

// EndSession leaves the session and tears down every connection.
func (o *Orchestrator) EndSession() {
	if err := o.send(core.MessageLeave, "", nil); err != nil {
		log.Debug().Err(err).Str("module", "app.orch").Msg("leave announce failed")
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.registry.CloseAll()
	o.tracks.Release()
	o.signals.Close()
	log.Info().Str("module", "app.orch").Str("session", string(o.session)).Msg("session ended")
}

// Peers snapshots known remote participants.
func (o *Orchestrator) Peers() []domain.Participant {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.roster.Members()
}

// dispatch is the single entry point for inbound signaling.
func (o *Orchestrator) dispatch(m core.Message) {
	if m.SenderID == o.self.ID {
		return
	}
	if !m.Broadcast() && m.TargetID != o.self.ID {
		return
	}
	if m.SessionID != o.session {
		return
	}

	switch m.Type {
	case core.MessageJoin:
		o.handleJoin(m)
	case core.MessageLeave:
		o.handleLeave(m)
	case core.MessageOffer:
		o.handleOffer(m)
	case core.MessageAnswer:
		o.handleAnswer(m)
	case core.MessageCandidate:
		o.handleCandidate(m)
	case core.MessageHeartbeat:
		o.handleHeartbeat(m)
	default:
		log.Debug().
			Str("module", "app.orch").
			Str("type", string(m.Type)).
			Msg("ignoring unknown message type")
	}
}

func (o *Orchestrator) send(t core.MessageType, target domain.ParticipantID, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	return o.signals.Send(core.Message{
		Type:      t,
		SessionID: o.session,
		SenderID:  o.self.ID,
		TargetID:  target,
		Payload:   raw,
		Timestamp: o.stamper.Next(),
	})
}

func (o *Orchestrator) sendJoin() error {
	return o.send(core.MessageJoin, "", core.JoinPayload{
		Name:     o.self.Name,
		Role:     string(o.self.Role),
		HasVideo: o.self.HasVideo,
	})
}

func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.send(core.MessageHeartbeat, "", nil); err != nil {
				log.Debug().Err(err).Str("module", "app.orch").Msg("heartbeat send failed")
			}
			o.confirmLiveness(time.Now())
		}
	}
}

// confirmLiveness checks every connection record against the heartbeat
// clock. A connected peer whose heartbeats stopped gets the same recovery
// path as an ICE failure; a record wedged in connecting past the
// negotiation window is pushed onto it too.
func (o *Orchestrator) confirmLiveness(now time.Time) {
	for _, rec := range o.registry.All() {
		id := rec.ID
		switch rec.State() {
		case core.ConnStateConnected:
			last := rec.LastHeartbeat()
			if last.IsZero() {
				// First confirm after connecting; start the clock.
				rec.TouchHeartbeat(now)
				continue
			}
			if now.Sub(last) <= 2*o.cfg.HeartbeatInterval {
				continue
			}
			log.Warn().
				Str("module", "app.orch").
				Str("peer", string(id)).
				Dur("silent_for", now.Sub(last)).
				Msg("liveness confirm failed")
			o.scheduleRecovery(id, &core.NegotiationFailedError{
				Participant: id,
				Stage:       "liveness",
				Err:         errHeartbeatMissed,
			})
		case core.ConnStateConnecting:
			if rec.ConnectingFor(now) <= 2*o.cfg.NegotiationTimeout {
				continue
			}
			o.scheduleRecovery(id, &core.NegotiationFailedError{
				Participant: id,
				Stage:       "liveness",
				Err:         errStuckConnecting,
			})
		}
	}
}

// inactivitySweep evicts peers whose heartbeats stopped.
func (o *Orchestrator) inactivitySweep(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			o.mu.Lock()
			var idle []domain.ParticipantID
			for _, p := range o.roster.Members() {
				if p.IdleFor(now) > o.cfg.InactivityTimeout {
					idle = append(idle, p.ID)
				}
			}
			o.mu.Unlock()
			for _, id := range idle {
				log.Info().
					Str("module", "app.orch").
					Str("peer", string(id)).
					Msg("peer inactive, dropping")
				o.dropPeer(id)
			}
		}
	}
}

// notifyState pushes the peer's current view to the consumer.
func (o *Orchestrator) notifyState(id domain.ParticipantID) {
	if o.consumer == nil {
		return
	}
	o.mu.Lock()
	p, ok := o.roster.Get(id)
	if !ok {
		o.mu.Unlock()
		return
	}
	state := core.ParticipantState{
		Name:     p.Name,
		Role:     string(p.Role),
		Active:   p.Active,
		Selected: p.Selected,
		HasVideo: p.HasVideo,
		Degraded: o.degraded[id],
	}
	o.mu.Unlock()

	if rec, ok := o.registry.Get(id); ok {
		state.Connection = rec.State()
	} else {
		state.Connection = core.ConnStateNew
	}
	o.consumer.OnParticipantStateChanged(id, state)
}

// setDegraded flips the impaired-media flag and republishes state.
func (o *Orchestrator) setDegraded(id domain.ParticipantID, v bool) {
	o.mu.Lock()
	changed := o.degraded[id] != v
	o.degraded[id] = v
	o.mu.Unlock()
	if changed {
		o.notifyState(id)
	}
}

// requestKeyFrames sends a PLI for each of the peer's video tracks.
func (o *Orchestrator) requestKeyFrames(id domain.ParticipantID) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return
	}
	o.mu.Lock()
	tracks := make([]core.RemoteTrack, len(o.remoteTracks[id]))
	copy(tracks, o.remoteTracks[id])
	o.mu.Unlock()

	for _, rt := range tracks {
		if rt.Kind() != core.TrackKindVideo {
			continue
		}
		if err := rec.Conn().RequestKeyFrame(rt.SSRC()); err != nil {
			log.Debug().Err(err).Str("module", "app.orch").Str("peer", string(id)).Msg("keyframe request failed")
		}
	}
}

// dropPeer removes a departed or dead peer everywhere.
func (o *Orchestrator) dropPeer(id domain.ParticipantID) {
	o.registry.Remove(id)
	o.pipeline.Drop(id)
	o.monitor.Unwatch(id)
	if o.mix != nil {
		o.mix.RemoveSource(id)
	}
	o.mu.Lock()
	p, known := o.roster.Get(id)
	if known {
		p.Active = false
	}
	delete(o.remoteTracks, id)
	o.mu.Unlock()
	if known {
		o.notifyState(id)
	}
	o.mu.Lock()
	o.roster.Remove(id)
	delete(o.degraded, id)
	o.mu.Unlock()
}
