package core

import (
	"context"

	"github.com/avolkov/huddle/internal/domain"
)

// Handler receives inbound, already-deduplicated signaling messages.
type Handler func(Message)

// SignalChannel is one concrete signaling side-channel. A channel may
// duplicate or drop messages independently; it preserves its own ordering.
type SignalChannel interface {
	Name() string
	// Start begins delivering inbound messages for the session to recv.
	Start(ctx context.Context, session domain.SessionID, recv Handler) error
	Send(Message) error
	Close()
}

// Transport fans messages out over an ordered list of channels and merges
// inbound traffic back through a single dedup layer. At-least-once,
// unordered across channels, ordered per channel.
type Transport interface {
	Send(Message) error
	Subscribe(ctx context.Context, session domain.SessionID, h Handler) error
	Close()
}
