package orch

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/app"
	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

const (
	timerNegotiation     = "negotiation"
	timerRetry           = "retry"
	timerDisconnectGrace = "disconnect-grace"
)

var (
	errNoConnection      = errors.New("no connection for peer")
	errStillDisconnected = errors.New("still disconnected after grace period")
	errConnectionFailed  = errors.New("peer connection failed")
	errHeartbeatMissed   = errors.New("no heartbeat within the confirm window")
	errStuckConnecting   = errors.New("connecting past the negotiation window")
)

// Disconnected often self-heals when a network path flaps; recovery only
// starts if the state holds for the full grace window.
const disconnectGrace = 5 * time.Second

// InitiateOffer starts one negotiation round toward a peer. Local tracks
// must already be attached; offering without them produces media-less SDP.
func (o *Orchestrator) InitiateOffer(id domain.ParticipantID) error {
	rec, ok := o.registry.Get(id)
	if !ok {
		return &core.NegotiationFailedError{Participant: id, Stage: "offer", Err: errNoConnection}
	}
	if !rec.TracksAttached() {
		return core.ErrOfferBeforeTracks
	}
	return o.sendOffer(rec, false)
}

func (o *Orchestrator) sendOffer(rec *app.ConnRecord, iceRestart bool) error {
	id := rec.ID
	offer, err := rec.Conn().CreateOffer(iceRestart)
	if err != nil {
		return &core.NegotiationFailedError{Participant: id, Stage: "create-offer", Err: err}
	}
	rec.SetState(core.ConnStateConnecting)

	if err := o.send(core.MessageOffer, id, core.DescriptionPayload{
		SDPType: "offer",
		SDP:     offer.SDP,
	}); err != nil {
		return &core.NegotiationFailedError{Participant: id, Stage: "send-offer", Err: err}
	}

	log.Info().
		Str("module", "app.orch").
		Str("peer", string(id)).
		Bool("ice_restart", iceRestart).
		Msg("offer sent")

	rec.ArmTimer(timerNegotiation, o.cfg.NegotiationTimeout, func() {
		o.onNegotiationTimeout(id)
	})
	return nil
}

// onNegotiationTimeout fires when no answer landed inside the window.
func (o *Orchestrator) onNegotiationTimeout(id domain.ParticipantID) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return
	}
	attempt := rec.RecoveryAttempts() + 1
	o.retryOrFail(id, attempt, &core.NegotiationTimeoutError{Participant: id, Attempt: attempt})
}

// scheduleRecovery reacts to a mid-session failure with the same bounded
// retry ladder negotiation timeouts use.
func (o *Orchestrator) scheduleRecovery(id domain.ParticipantID, reason error) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return
	}
	o.retryOrFail(id, rec.RecoveryAttempts()+1, reason)
}

func (o *Orchestrator) retryOrFail(id domain.ParticipantID, attempt int, reason error) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return
	}
	rec.SetRecoveryAttempts(attempt)

	if attempt > o.cfg.MaxAttempts {
		o.failPeer(id, &core.RecoveryExhaustedError{
			Participant: id,
			Resource:    "connection",
			Attempts:    o.cfg.MaxAttempts,
			Err:         reason,
		})
		return
	}

	delay := o.backoffDelay(attempt)
	log.Warn().
		Str("module", "app.orch").
		Str("peer", string(id)).
		Int("attempt", attempt).
		Dur("delay", delay).
		AnErr("reason", reason).
		Msg("negotiation retry scheduled")

	rec.ArmTimer(timerRetry, delay, func() {
		o.renegotiate(id)
	})
}

func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitial
	b.MaxInterval = o.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0 // retries are already offset by the timeout itself
	b.MaxElapsedTime = 0
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// renegotiate picks the cheapest viable repair: an ICE restart when the
// signaling session is still usable, otherwise a full teardown and rebuild.
func (o *Orchestrator) renegotiate(id domain.ParticipantID) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return
	}
	conn := rec.Conn()

	if conn.SignalingStable() && conn.HasRemoteDescription() {
		if err := o.sendOffer(rec, true); err != nil {
			log.Error().Err(err).Str("module", "app.orch").Str("peer", string(id)).Msg("ice restart failed")
			o.scheduleRecovery(id, err)
		}
		return
	}

	// The old connection is wedged mid-negotiation. Rebuild from scratch,
	// carrying the attempt count so the budget stays bounded.
	attempts := rec.RecoveryAttempts()
	o.registry.Remove(id)

	fresh, _, err := o.registry.CreateOrReuse(o.ctx, id)
	if err != nil {
		o.failPeer(id, &core.NegotiationFailedError{Participant: id, Stage: "recreate", Err: err})
		return
	}
	fresh.SetRecoveryAttempts(attempts)
	o.wireConnection(fresh)
	if err := o.attachLocal(fresh); err != nil {
		o.failPeer(id, err)
		return
	}
	if err := o.sendOffer(fresh, false); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("peer", string(id)).Msg("reoffer failed")
		o.scheduleRecovery(id, err)
	}
}

// onConnState reacts to connection lifecycle transitions.
func (o *Orchestrator) onConnState(id domain.ParticipantID, s core.ConnState) {
	rec, ok := o.registry.Get(id)
	if !ok {
		return
	}
	rec.SetState(s)

	switch s {
	case core.ConnStateConnected:
		rec.ClearTimer(timerNegotiation)
		rec.ClearTimer(timerRetry)
		rec.ClearTimer(timerDisconnectGrace)
		rec.ResetRecoveryAttempts()
		// Seed the liveness clock so the first confirm window starts now.
		rec.TouchHeartbeat(time.Now())
		o.setDegraded(id, false)
		log.Info().Str("module", "app.orch").Str("peer", string(id)).Msg("connected")
	case core.ConnStateDisconnected:
		rec.ArmTimer(timerDisconnectGrace, disconnectGrace, func() {
			if cur, ok := o.registry.Get(id); ok && cur.State() == core.ConnStateDisconnected {
				o.scheduleRecovery(id, &core.NegotiationFailedError{
					Participant: id,
					Stage:       "transport",
					Err:         errStillDisconnected,
				})
			}
		})
	case core.ConnStateFailed:
		o.scheduleRecovery(id, &core.NegotiationFailedError{
			Participant: id,
			Stage:       "transport",
			Err:         errConnectionFailed,
		})
	}
	o.notifyState(id)
}

// failPeer is terminal for this peer's connection; only budget exhaustion
// and unrecoverable setup errors land here.
func (o *Orchestrator) failPeer(id domain.ParticipantID, err error) {
	log.Error().Err(err).Str("module", "app.orch").Str("peer", string(id)).Msg("peer failed")
	o.registry.Remove(id)
	o.monitor.Unwatch(id)
	if o.mix != nil {
		o.mix.RemoveSource(id)
	}
	o.mu.Lock()
	if p, ok := o.roster.Get(id); ok {
		p.Active = false
	}
	o.mu.Unlock()
	if o.consumer != nil {
		o.consumer.OnConnectionFailed(id, err)
	}
	o.notifyState(id)
}
