package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/adapters/signal"
)

const DefaultJanitorInterval = 30 * time.Second

// Janitor purges expired entries from the hub's shared message store.
// Clients purge too, but a session whose clients all crashed would
// otherwise hold its messages forever.
type Janitor struct {
	store    *signal.MemoryStore
	ttl      time.Duration
	interval time.Duration
}

func NewJanitor(store *signal.MemoryStore, ttl, interval time.Duration) *Janitor {
	if ttl <= 0 {
		ttl = signal.DefaultMessageTTL
	}
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{store: store, ttl: ttl, interval: interval}
}

func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-j.ttl).UnixMilli()
			for _, sid := range j.store.Sessions() {
				if err := j.store.PurgeBefore(ctx, sid, cutoff); err != nil {
					log.Error().Err(err).
						Str("module", "hub.janitor").
						Str("session", string(sid)).
						Msg("purge failed")
				}
			}
		}
	}
}
