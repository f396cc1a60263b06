package signal

import (
	"context"
	"sync"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

// SharedStore is the polled shared-storage fallback channel's backend.
// Entries persist until purged, so a restart without cleanup would replay
// stale negotiation messages; the channel purges everything past the TTL.
type SharedStore interface {
	Append(ctx context.Context, session domain.SessionID, m core.Message) error
	// ListSince returns messages with Timestamp strictly greater than since,
	// in append order.
	ListSince(ctx context.Context, session domain.SessionID, since int64) ([]core.Message, error)
	// PurgeBefore deletes messages with Timestamp lower than before.
	PurgeBefore(ctx context.Context, session domain.SessionID, before int64) error
}

// MemoryStore keeps messages in process memory. Used by the hub and by tests.
type MemoryStore struct {
	mu   sync.RWMutex
	msgs map[domain.SessionID][]core.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{msgs: make(map[domain.SessionID][]core.Message)}
}

func (s *MemoryStore) Append(_ context.Context, session domain.SessionID, m core.Message) error {
	s.mu.Lock()
	s.msgs[session] = append(s.msgs[session], m)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListSince(_ context.Context, session domain.SessionID, since int64) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Message
	for _, m := range s.msgs[session] {
		if m.Timestamp > since {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, session domain.SessionID, before int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.msgs[session][:0]
	for _, m := range s.msgs[session] {
		if m.Timestamp >= before {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(s.msgs, session)
		return nil
	}
	s.msgs[session] = kept
	return nil
}

// Sessions lists sessions that still hold messages.
func (s *MemoryStore) Sessions() []domain.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SessionID, 0, len(s.msgs))
	for id := range s.msgs {
		out = append(out, id)
	}
	return out
}
