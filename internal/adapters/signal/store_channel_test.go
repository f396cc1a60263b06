package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

func collectFromStore(t *testing.T, ch *StoreChannel, session domain.SessionID) (func() []core.Message, func()) {
	t.Helper()
	var mu sync.Mutex
	var got []core.Message
	ctx, cancel := context.WithCancel(context.Background())
	err := ch.Start(ctx, session, func(m core.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	if err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	snapshot := func() []core.Message {
		mu.Lock()
		defer mu.Unlock()
		out := make([]core.Message, len(got))
		copy(out, got)
		return out
	}
	return snapshot, cancel
}

func TestStoreChannelDeliversOnce(t *testing.T) {
	store := NewMemoryStore()
	ch := NewStoreChannel(store, 10*time.Millisecond, 30*time.Second)
	defer ch.Close()

	got, cancel := collectFromStore(t, ch, "s1")
	defer cancel()

	m := msg("peer", time.Now().UnixMilli())
	if err := store.Append(context.Background(), "s1", m); err != nil {
		t.Fatalf("Append: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(got()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A few more polls must not redeliver past the sender's mark.
	time.Sleep(50 * time.Millisecond)
	msgs := got()
	if len(msgs) != 1 {
		t.Fatalf("delivered %d times, want 1", len(msgs))
	}
	if msgs[0].ID() != m.ID() {
		t.Errorf("got %q, want %q", msgs[0].ID(), m.ID())
	}
}

func TestStoreChannelToleratesSenderClockSkew(t *testing.T) {
	store := NewMemoryStore()
	ch := NewStoreChannel(store, 10*time.Millisecond, 30*time.Second)
	defer ch.Close()

	got, cancel := collectFromStore(t, ch, "s1")
	defer cancel()

	// A fast clock's message lands and is delivered first.
	if err := store.Append(context.Background(), "s1", msg("bob", time.Now().UnixMilli())); err != nil {
		t.Fatalf("Append: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(got()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(got()) != 1 {
		t.Fatal("first message never delivered")
	}

	// A sender whose clock lags appends afterwards with a lower timestamp.
	// It must still be delivered; store order is append order, not clock order.
	lagged := msg("alice", time.Now().Add(-2*time.Second).UnixMilli())
	if err := store.Append(context.Background(), "s1", lagged); err != nil {
		t.Fatalf("Append: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, m := range got() {
			if m.SenderID == "alice" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("lagging sender's message was never delivered")
}

func TestStoreChannelSkipsPreWindowBacklog(t *testing.T) {
	store := NewMemoryStore()
	stale := msg("peer", time.Now().Add(-time.Minute).UnixMilli())
	if err := store.Append(context.Background(), "s1", stale); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ch := NewStoreChannel(store, 10*time.Millisecond, time.Second)
	defer ch.Close()
	got, cancel := collectFromStore(t, ch, "s1")
	defer cancel()

	time.Sleep(60 * time.Millisecond)
	if n := len(got()); n != 0 {
		t.Fatalf("stale backlog delivered %d messages, want 0", n)
	}
}

func TestStoreChannelPurgesExpired(t *testing.T) {
	store := NewMemoryStore()
	old := msg("peer", time.Now().Add(-time.Minute).UnixMilli())
	if err := store.Append(context.Background(), "s1", old); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ch := NewStoreChannel(store, 10*time.Millisecond, time.Second)
	defer ch.Close()
	_, cancel := collectFromStore(t, ch, "s1")
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		left, err := store.ListSince(context.Background(), "s1", 0)
		if err != nil {
			t.Fatalf("ListSince: %v", err)
		}
		if len(left) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expired entry never purged")
}

func TestStoreChannelSendAppends(t *testing.T) {
	store := NewMemoryStore()
	ch := NewStoreChannel(store, 10*time.Millisecond, 30*time.Second)

	m := msg("me", time.Now().UnixMilli())
	m.SessionID = "s2"
	if err := ch.Send(m); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := store.ListSince(context.Background(), "s2", 0)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("store holds %d messages, want 1", len(got))
	}
}
