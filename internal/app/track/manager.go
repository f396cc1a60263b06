// Package track owns local-track attachment: the muted-track ladder run
// before SDP is generated, and post-attach supervision of mute and end
// events. Mobile capture stacks hand over tracks that stay muted until the
// first frame, so a muted track at attach time is usually transient.
package track

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
)

const (
	DefaultUnmuteWait   = 2 * time.Second
	DefaultNudgeWait    = 500 * time.Millisecond
	DefaultMaxReacquire = 3
)

type Config struct {
	// UnmuteWait is how long to wait for a muted track to unmute on its own
	// before nudging it.
	UnmuteWait time.Duration
	// NudgeWait is the post-nudge grace period.
	NudgeWait time.Duration
	// MaxReacquire bounds replacement attempts for an ended track.
	MaxReacquire int
}

func (c *Config) applyDefaults() {
	if c.UnmuteWait <= 0 {
		c.UnmuteWait = DefaultUnmuteWait
	}
	if c.NudgeWait <= 0 {
		c.NudgeWait = DefaultNudgeWait
	}
	if c.MaxReacquire <= 0 {
		c.MaxReacquire = DefaultMaxReacquire
	}
}

// Manager validates and attaches local tracks to connections and keeps them
// healthy afterwards.
type Manager struct {
	cfg    Config
	source core.MediaSource

	// OnDegraded reports a track that attached but runs impaired. Non-fatal.
	OnDegraded func(trackID string, reason error)
	// OnFailed reports a track whose recovery budget ran out.
	OnFailed func(trackID string, err error)

	mu       sync.Mutex
	cancels  map[string][]func()
	attempts map[string]int
}

func NewManager(cfg Config, source core.MediaSource) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		source:   source,
		cancels:  make(map[string][]func()),
		attempts: make(map[string]int),
	}
}

// Attach runs the validation ladder on each track, attaches the survivors,
// and starts supervision. The ladder never rejects a track that is live and
// enabled; a stubbornly muted one goes through in degraded mode so audio-only
// or late-video sessions still negotiate.
func (m *Manager) Attach(ctx context.Context, conn core.MediaConnection, tracks []core.LocalTrack) ([]core.Sender, error) {
	senders := make([]core.Sender, 0, len(tracks))
	for _, t := range tracks {
		if err := m.prepare(ctx, t); err != nil {
			return nil, err
		}
		sender, err := conn.AddTrack(t)
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", t.ID(), err)
		}
		m.supervise(ctx, t, sender)
		senders = append(senders, sender)
	}
	return senders, nil
}

// prepare is the muted-track ladder: wait, nudge, then classify.
func (m *Manager) prepare(ctx context.Context, t core.LocalTrack) error {
	if !t.Live() {
		return &core.TrackInvalidError{TrackID: t.ID(), Reason: "not live"}
	}
	if !t.Muted() {
		return nil
	}

	log.Debug().Str("module", "app.track").Str("track_id", t.ID()).Msg("track muted, waiting for unmute")
	if m.waitUnmute(ctx, t, m.cfg.UnmuteWait) {
		return nil
	}

	// Toggling enabled kicks some capture pipelines into producing frames.
	t.SetEnabled(false)
	t.SetEnabled(true)
	if m.waitUnmute(ctx, t, m.cfg.NudgeWait) {
		return nil
	}

	if !t.Live() {
		return &core.TrackInvalidError{TrackID: t.ID(), Reason: "ended while muted"}
	}
	if !t.Enabled() {
		return &core.TrackInvalidError{TrackID: t.ID(), Reason: "disabled and muted"}
	}
	// Live and enabled but still muted: attach anyway, flag degraded.
	log.Warn().Str("module", "app.track").Str("track_id", t.ID()).Msg("track stays muted, attaching degraded")
	m.degraded(t.ID(), core.ErrTrackMutedUnrecoverable)
	return nil
}

func (m *Manager) waitUnmute(ctx context.Context, t core.LocalTrack, d time.Duration) bool {
	if !t.Muted() {
		return true
	}
	unmuted := make(chan struct{}, 1)
	cancel := t.OnUnmute(func() {
		select {
		case unmuted <- struct{}{}:
		default:
		}
	})
	defer cancel()
	if !t.Muted() {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-unmuted:
		return true
	case <-timer.C:
		return !t.Muted()
	case <-ctx.Done():
		return !t.Muted()
	}
}

// supervise watches an attached track for mute flaps and hard ends.
func (m *Manager) supervise(ctx context.Context, t core.LocalTrack, sender core.Sender) {
	id := t.ID()

	cancelMute := t.OnMute(func() {
		log.Warn().Str("module", "app.track").Str("track_id", id).Msg("attached track muted")
		m.degraded(id, core.ErrTrackMutedUnrecoverable)
	})
	cancelEnded := t.OnEnded(func() {
		go m.replaceEnded(ctx, t, sender)
	})

	m.mu.Lock()
	m.cancels[id] = append(m.cancels[id], cancelMute, cancelEnded)
	m.mu.Unlock()
}

// replaceEnded re-acquires a fresh track of the same kind and swaps it into
// the sender, bounded by the reacquire budget.
func (m *Manager) replaceEnded(ctx context.Context, old core.LocalTrack, sender core.Sender) {
	id := old.ID()

	m.mu.Lock()
	m.attempts[id]++
	n := m.attempts[id]
	m.mu.Unlock()

	if n > m.cfg.MaxReacquire {
		m.failed(id, &core.RecoveryExhaustedError{
			Resource: "track",
			Attempts: m.cfg.MaxReacquire,
			Err:      &core.TrackInvalidError{TrackID: id, Reason: "ended"},
		})
		return
	}

	log.Info().
		Str("module", "app.track").
		Str("track_id", id).
		Int("attempt", n).
		Msg("replacing ended track")

	fresh, err := m.source.AcquireTrack(ctx, old.Kind())
	if err != nil {
		m.failed(id, fmt.Errorf("reacquire %s: %w", id, err))
		return
	}
	if err := m.prepare(ctx, fresh); err != nil {
		m.failed(id, err)
		return
	}
	if err := sender.ReplaceTrack(fresh); err != nil {
		m.failed(id, fmt.Errorf("replace %s: %w", id, err))
		return
	}
	m.supervise(ctx, fresh, sender)
}

// Release drops supervision for all tracks, used on connection teardown.
func (m *Manager) Release() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = make(map[string][]func())
	m.attempts = make(map[string]int)
	m.mu.Unlock()
	for _, fns := range cancels {
		for _, fn := range fns {
			fn()
		}
	}
}

func (m *Manager) degraded(trackID string, reason error) {
	if m.OnDegraded != nil {
		m.OnDegraded(trackID, reason)
	}
}

func (m *Manager) failed(trackID string, err error) {
	log.Error().Err(err).Str("module", "app.track").Str("track_id", trackID).Msg("track failed")
	if m.OnFailed != nil {
		m.OnFailed(trackID, err)
	}
}
