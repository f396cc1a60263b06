package hub

import (
	"context"
	"testing"
	"time"

	"github.com/avolkov/huddle/internal/adapters/signal"
	"github.com/avolkov/huddle/internal/core"
)

func TestJanitorPurgesExpiredMessages(t *testing.T) {
	store := signal.NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now()
	stale := core.Message{
		Type:      core.MessageJoin,
		SessionID: testSession,
		SenderID:  "alice",
		Timestamp: now.Add(-time.Minute).UnixMilli(),
	}
	fresh := stale
	fresh.SenderID = "bob"
	fresh.Timestamp = now.Add(time.Minute).UnixMilli()
	if err := store.Append(ctx, testSession, stale); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, testSession, fresh); err != nil {
		t.Fatalf("append: %v", err)
	}

	j := NewJanitor(store, 100*time.Millisecond, 10*time.Millisecond)
	go j.Run(ctx)

	deadline := now.Add(time.Second)
	for time.Now().Before(deadline) {
		msgs, err := store.ListSince(ctx, testSession, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(msgs) == 1 && msgs[0].SenderID == "bob" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale message survived the janitor")
}
