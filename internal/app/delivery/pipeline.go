// Package delivery moves verified remote streams to the consumer exactly
// once per track set. The consumer may not be ready when a stream arrives
// (its attachment point renders later than media lands), so rejected
// deliveries are buffered and retried with backoff instead of dropped.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

const (
	DefaultSweepInterval = 250 * time.Millisecond
	DefaultRetryInitial  = time.Second
	DefaultRetryMax      = 10 * time.Second
	DefaultEntryTTL      = 2 * time.Minute
)

type Config struct {
	SweepInterval time.Duration
	RetryInitial  time.Duration
	RetryMax      time.Duration
	// EntryTTL bounds how long a stream waits for the consumer before it is
	// abandoned.
	EntryTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = DefaultEntryTTL
	}
}

type entry struct {
	stream    *core.RemoteStream
	bo        *backoff.ExponentialBackOff
	nextAt    time.Time
	expiresAt time.Time
}

// Pipeline is the only path streams take to the consumer.
type Pipeline struct {
	cfg      Config
	consumer core.Consumer

	mu        sync.Mutex
	delivered map[domain.ParticipantID]string // track-set key of last delivery
	pending   map[domain.ParticipantID]*entry
}

func NewPipeline(cfg Config, consumer core.Consumer) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		cfg:       cfg,
		consumer:  consumer,
		delivered: make(map[domain.ParticipantID]string),
		pending:   make(map[domain.ParticipantID]*entry),
	}
}

// Deliver validates the stream and attempts immediate handoff. A rejected
// handoff is buffered; a newer stream for the same participant replaces any
// buffered one, so only the latest track set ever lands.
func (p *Pipeline) Deliver(id domain.ParticipantID, stream *core.RemoteStream) error {
	if stream == nil {
		return &core.StreamValidationError{Participant: id, Reason: "nil stream"}
	}
	if len(stream.Tracks) == 0 {
		return &core.StreamValidationError{Participant: id, Reason: "no tracks"}
	}

	key := stream.TrackSetKey()
	p.mu.Lock()
	if p.delivered[id] == key {
		p.mu.Unlock()
		log.Debug().Str("module", "app.delivery").Str("peer", string(id)).Msg("track set already delivered")
		return nil
	}
	p.mu.Unlock()

	if err := p.consumer.OnStreamReady(id, stream); err != nil {
		p.buffer(id, stream)
		log.Info().Err(err).
			Str("module", "app.delivery").
			Str("peer", string(id)).
			Msg("consumer rejected stream, buffering")
		return nil
	}
	p.markDelivered(id, key)
	return nil
}

// Drop forgets all state for a participant, used on leave.
func (p *Pipeline) Drop(id domain.ParticipantID) {
	p.mu.Lock()
	delete(p.delivered, id)
	delete(p.pending, id)
	p.mu.Unlock()
}

// Run retries buffered deliveries until ctx ends.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// Pending reports how many streams are waiting on the consumer.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pipeline) buffer(id domain.ParticipantID, stream *core.RemoteStream) {
	now := time.Now()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryInitial
	bo.MaxInterval = p.cfg.RetryMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // TTL is enforced per entry
	bo.Reset()

	p.mu.Lock()
	p.pending[id] = &entry{
		stream:    stream,
		bo:        bo,
		nextAt:    now.Add(bo.NextBackOff()),
		expiresAt: now.Add(p.cfg.EntryTTL),
	}
	p.mu.Unlock()
}

func (p *Pipeline) sweep(now time.Time) {
	type due struct {
		id     domain.ParticipantID
		stream *core.RemoteStream
	}
	var dues []due

	p.mu.Lock()
	for id, e := range p.pending {
		if now.After(e.expiresAt) {
			delete(p.pending, id)
			log.Warn().
				Str("module", "app.delivery").
				Str("peer", string(id)).
				Msg("buffered stream expired undelivered")
			continue
		}
		if now.Before(e.nextAt) {
			continue
		}
		dues = append(dues, due{id: id, stream: e.stream})
	}
	p.mu.Unlock()

	for _, d := range dues {
		if err := p.consumer.OnStreamReady(d.id, d.stream); err != nil {
			p.mu.Lock()
			if e, ok := p.pending[d.id]; ok && e.stream == d.stream {
				e.nextAt = now.Add(e.bo.NextBackOff())
			}
			p.mu.Unlock()
			continue
		}
		key := d.stream.TrackSetKey()
		p.mu.Lock()
		if e, ok := p.pending[d.id]; ok && e.stream == d.stream {
			delete(p.pending, d.id)
		}
		p.mu.Unlock()
		p.markDelivered(d.id, key)
	}
}

func (p *Pipeline) markDelivered(id domain.ParticipantID, key string) {
	p.mu.Lock()
	p.delivered[id] = key
	p.mu.Unlock()
	log.Info().Str("module", "app.delivery").Str("peer", string(id)).Msg("stream delivered")
}
