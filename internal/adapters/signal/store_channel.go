package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

const DefaultPollInterval = 800 * time.Millisecond

// StoreChannel is the fallback side-channel: messages are appended to a
// shared store and picked up by polling. Store order is append order, not
// timestamp order, and sender clocks skew, so the high-water mark is kept
// per sender; one global mark would silently drop a lagging sender's
// messages appended after a faster clock's. A sender's own stamps are
// strictly increasing, which makes the per-sender mark loss-free.
type StoreChannel struct {
	store SharedStore
	poll  time.Duration
	ttl   time.Duration

	mu     sync.Mutex
	start  int64 // window floor fixed at subscribe time
	marks  map[domain.ParticipantID]int64
	cancel context.CancelFunc
}

func NewStoreChannel(store SharedStore, poll, ttl time.Duration) *StoreChannel {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	return &StoreChannel{store: store, poll: poll, ttl: ttl}
}

func (c *StoreChannel) Name() string { return "shared-store" }

func (c *StoreChannel) Start(ctx context.Context, session domain.SessionID, recv core.Handler) error {
	// Prove the store is reachable before claiming the channel is up.
	if _, err := c.store.ListSince(ctx, session, time.Now().UnixMilli()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	// Pick up anything still inside the TTL window; the transport's dedup
	// layer absorbs what another channel already delivered.
	c.start = time.Now().Add(-c.ttl).UnixMilli()
	c.marks = make(map[domain.ParticipantID]int64)
	c.cancel = cancel
	c.mu.Unlock()

	go c.pollLoop(ctx, session, recv)
	return nil
}

func (c *StoreChannel) Send(m core.Message) error {
	return c.store.Append(context.Background(), m.SessionID, m)
}

func (c *StoreChannel) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}

func (c *StoreChannel) pollLoop(ctx context.Context, session domain.SessionID, recv core.Handler) {
	logger := log.With().
		Str("module", "signal.store").
		Str("session", string(session)).
		Logger()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("poll loop done")
			return
		case <-ticker.C:
			c.mu.Lock()
			floor := c.start
			c.mu.Unlock()

			// Listing from the fixed window floor re-reads what purging has
			// not yet dropped; the per-sender marks below make it cheap.
			msgs, err := c.store.ListSince(ctx, session, floor)
			if err != nil {
				logger.Error().Err(err).Msg("list failed")
				continue
			}
			for _, m := range msgs {
				c.mu.Lock()
				mark, seen := c.marks[m.SenderID]
				if !seen {
					mark = c.start
				}
				if m.Timestamp <= mark {
					c.mu.Unlock()
					continue
				}
				c.marks[m.SenderID] = m.Timestamp
				c.mu.Unlock()
				recv(m)
			}

			// Stale entries left behind would be reprocessed on channel
			// restart and corrupt negotiation order.
			cutoff := time.Now().Add(-c.ttl).UnixMilli()
			if err := c.store.PurgeBefore(ctx, session, cutoff); err != nil {
				logger.Error().Err(err).Msg("purge failed")
			}
		}
	}
}
