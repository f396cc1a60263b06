// Package signal implements the multi-channel signaling transport: an
// ordered list of unreliable side-channels fanned out for sending and merged
// through one dedup layer for receiving.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

const (
	DefaultMessageTTL   = 30 * time.Second
	DefaultSeenCapacity = 500
)

// Fanout implements core.Transport over an ordered channel list. Each channel
// may duplicate or drop messages independently; inbound messages are
// deduplicated by message id and dropped once older than the TTL.
type Fanout struct {
	ttl      time.Duration
	channels []core.SignalChannel

	mu      sync.Mutex
	started []core.SignalChannel
	seen    *seenSet
	handler core.Handler
}

func NewFanout(ttl time.Duration, seenCapacity int, channels ...core.SignalChannel) *Fanout {
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	if seenCapacity <= 0 {
		seenCapacity = DefaultSeenCapacity
	}
	return &Fanout{
		ttl:      ttl,
		channels: channels,
		seen:     newSeenSet(ttl, seenCapacity),
	}
}

// Subscribe starts every configured channel. It fails with
// core.ErrTransportUnavailable only when no channel could start; a partially
// degraded transport keeps working on whatever channels remain.
func (f *Fanout) Subscribe(ctx context.Context, session domain.SessionID, h core.Handler) error {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()

	var startErrs []error
	var started []core.SignalChannel
	for _, ch := range f.channels {
		if err := ch.Start(ctx, session, f.receive); err != nil {
			log.Warn().Err(err).
				Str("module", "signal.transport").
				Str("channel", ch.Name()).
				Msg("channel failed to start")
			startErrs = append(startErrs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		log.Info().
			Str("module", "signal.transport").
			Str("channel", ch.Name()).
			Str("session", string(session)).
			Msg("channel started")
		started = append(started, ch)
	}

	f.mu.Lock()
	f.started = started
	f.mu.Unlock()

	if len(started) == 0 {
		return fmt.Errorf("%w: %w", core.ErrTransportUnavailable, errors.Join(startErrs...))
	}
	return nil
}

// Send fans the message out over all started channels; it succeeds as long
// as at least one channel accepted it.
func (f *Fanout) Send(m core.Message) error {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()

	if len(started) == 0 {
		return core.ErrTransportUnavailable
	}

	var sendErrs []error
	sent := 0
	for _, ch := range started {
		if err := ch.Send(m); err != nil {
			sendErrs = append(sendErrs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("send failed on every channel: %w", errors.Join(sendErrs...))
	}
	return nil
}

func (f *Fanout) Close() {
	f.mu.Lock()
	started := f.started
	f.started = nil
	f.mu.Unlock()
	for _, ch := range started {
		ch.Close()
	}
}

// receive is the single merge point for all channels.
func (f *Fanout) receive(m core.Message) {
	now := time.Now()
	if m.Age(now) > f.ttl {
		log.Debug().
			Str("module", "signal.transport").
			Str("msg_id", m.ID()).
			Dur("age", m.Age(now)).
			Msg("dropping expired message")
		return
	}
	if !f.seen.Observe(m.ID(), now) {
		return
	}

	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(m)
	}
}
