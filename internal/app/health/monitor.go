// Package health runs dark-stream detection: a delivered stream whose tracks
// claim to be live can still render nothing, and nothing in the signaling
// path will ever notice. The monitor samples packet-arrival and render
// evidence and drives a bounded recovery ladder when a stream goes dark.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

const (
	DefaultSampleInterval = 2 * time.Second
	DefaultDarkAfter      = 5 * time.Second
	DefaultMaxRecoveries  = 3
)

var errStreamDark = errors.New("stream produces no data while tracks report live")

type Config struct {
	SampleInterval time.Duration
	// DarkAfter is how long a live unmuted track may go without packets
	// before the stream counts as dark.
	DarkAfter     time.Duration
	MaxRecoveries int
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.DarkAfter <= 0 {
		c.DarkAfter = DefaultDarkAfter
	}
	if c.MaxRecoveries <= 0 {
		c.MaxRecoveries = DefaultMaxRecoveries
	}
}

type watch struct {
	stream     *core.RemoteStream
	startedAt  time.Time
	graceUntil time.Time
	lastFrames uint64
	attempts   int
	terminal   bool
}

// Monitor samples watched streams on a fixed interval. Recovery is bounded
// per stream; once the budget is spent the stream is marked terminally
// failed and never re-probed.
type Monitor struct {
	cfg   Config
	probe core.RenderProbe // optional render-side evidence

	// OnRecover asks upstream for help (keyframe request, renegotiation)
	// on each recovery attempt.
	OnRecover func(id domain.ParticipantID, attempt int)
	// OnFailed fires exactly once per stream, on budget exhaustion.
	OnFailed func(id domain.ParticipantID, err error)

	mu      sync.Mutex
	watches map[domain.ParticipantID]*watch
}

func NewMonitor(cfg Config, probe core.RenderProbe) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:     cfg,
		probe:   probe,
		watches: make(map[domain.ParticipantID]*watch),
	}
}

// Watch starts monitoring a delivered stream. Re-watching the same
// participant replaces the old stream and resets the recovery budget.
func (m *Monitor) Watch(id domain.ParticipantID, stream *core.RemoteStream) {
	now := time.Now()
	m.mu.Lock()
	m.watches[id] = &watch{
		stream:    stream,
		startedAt: now,
		// Give a fresh stream one full dark window before judging it.
		graceUntil: now.Add(m.cfg.DarkAfter),
	}
	m.mu.Unlock()
}

func (m *Monitor) Unwatch(id domain.ParticipantID) {
	m.mu.Lock()
	delete(m.watches, id)
	m.mu.Unlock()
}

// Run samples until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Monitor) sweep(now time.Time) {
	m.mu.Lock()
	ids := make([]domain.ParticipantID, 0, len(m.watches))
	for id := range m.watches {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.sample(id, now)
	}
}

// sample inspects one stream and kicks recovery when it looks dark.
func (m *Monitor) sample(id domain.ParticipantID, now time.Time) {
	m.mu.Lock()
	w, ok := m.watches[id]
	if !ok || w.terminal || now.Before(w.graceUntil) {
		m.mu.Unlock()
		return
	}
	stream := w.stream
	lastFrames := w.lastFrames
	m.mu.Unlock()

	dark := m.packetsDark(stream, w.startedAt, now)

	// Render evidence catches the renderer-stall case: packets flow but the
	// element draws nothing.
	stalled := false
	if m.probe != nil && stream.HasVideo() {
		if stats, sampled := m.probe.RenderSample(id); sampled {
			stalled = stats.FramesRendered == lastFrames
			m.mu.Lock()
			if cur, ok := m.watches[id]; ok {
				cur.lastFrames = stats.FramesRendered
			}
			m.mu.Unlock()
		}
	}

	if !dark && !stalled {
		return
	}
	m.recover(id, now, dark)
}

// packetsDark reports whether any live unmuted track has gone the full dark
// window without an RTP packet.
func (m *Monitor) packetsDark(stream *core.RemoteStream, startedAt, now time.Time) bool {
	for _, t := range stream.Tracks {
		if !t.Live() || t.Muted() {
			continue
		}
		last := t.LastData()
		if last.IsZero() {
			last = startedAt
		}
		if now.Sub(last) > m.cfg.DarkAfter {
			return true
		}
	}
	return false
}

func (m *Monitor) recover(id domain.ParticipantID, now time.Time, dark bool) {
	m.mu.Lock()
	w, ok := m.watches[id]
	if !ok || w.terminal {
		m.mu.Unlock()
		return
	}
	w.attempts++
	attempt := w.attempts
	if attempt > m.cfg.MaxRecoveries {
		w.terminal = true
		m.mu.Unlock()
		err := &core.RecoveryExhaustedError{
			Participant: id,
			Resource:    "stream",
			Attempts:    m.cfg.MaxRecoveries,
			Err:         errStreamDark,
		}
		log.Error().Err(err).Str("module", "app.health").Str("peer", string(id)).Msg("stream recovery exhausted")
		if m.OnFailed != nil {
			m.OnFailed(id, err)
		}
		return
	}
	// Optimistic reset: assume recovery works and re-judge after a full
	// dark window instead of hammering retries every sample.
	w.graceUntil = now.Add(m.cfg.DarkAfter)
	m.mu.Unlock()

	log.Warn().
		Str("module", "app.health").
		Str("peer", string(id)).
		Int("attempt", attempt).
		Bool("packets_dark", dark).
		Msg("stream dark, attempting recovery")

	if m.probe != nil {
		if err := m.probe.ReloadRenderer(id); err != nil {
			log.Debug().Err(err).Str("module", "app.health").Str("peer", string(id)).Msg("renderer reload failed")
		}
	}
	if m.OnRecover != nil {
		m.OnRecover(id, attempt)
	}
}

// Terminal reports whether the stream has exhausted its recovery budget.
func (m *Monitor) Terminal(id domain.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[id]
	return ok && w.terminal
}
