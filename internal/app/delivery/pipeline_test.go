package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

func contextWithTimeout(t *testing.T, d time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), d)
}

type fakeRemoteTrack struct {
	id   string
	kind core.TrackKind
}

func (t *fakeRemoteTrack) ID() string { return t.id }
func (t *fakeRemoteTrack) Kind() core.TrackKind { return t.kind }
func (t *fakeRemoteTrack) SSRC() uint32 { return 1 }
func (t *fakeRemoteTrack) MimeType() string { return "video/VP8" }
func (t *fakeRemoteTrack) Live() bool { return true }
func (t *fakeRemoteTrack) Muted() bool { return false }
func (t *fakeRemoteTrack) LastData() time.Time { return time.Now() }
func (t *fakeRemoteTrack) Forward(string, core.PacketWriter) {}
func (t *fakeRemoteTrack) Unforward(string) {}

// scriptedConsumer rejects the first n deliveries, then accepts.
type scriptedConsumer struct {
	mu        sync.Mutex
	rejectN   int
	attempts  []time.Time
	delivered []domain.ParticipantID
}

func (c *scriptedConsumer) OnStreamReady(id domain.ParticipantID, _ *core.RemoteStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, time.Now())
	if len(c.attempts) <= c.rejectN {
		return core.ErrConsumerNotReady
	}
	c.delivered = append(c.delivered, id)
	return nil
}

func (c *scriptedConsumer) OnParticipantStateChanged(domain.ParticipantID, core.ParticipantState) {}
func (c *scriptedConsumer) OnConnectionFailed(domain.ParticipantID, error) {}

func (c *scriptedConsumer) deliveredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func (c *scriptedConsumer) attemptTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.attempts))
	copy(out, c.attempts)
	return out
}

func videoStream(trackID string) *core.RemoteStream {
	return &core.RemoteStream{
		Participant: "alice",
		Tracks:      []core.RemoteTrack{&fakeRemoteTrack{id: trackID, kind: core.TrackKindVideo}},
	}
}

func testConfig() Config {
	return Config{
		SweepInterval: 5 * time.Millisecond,
		RetryInitial:  20 * time.Millisecond,
		RetryMax:      100 * time.Millisecond,
		EntryTTL:      time.Second,
	}
}

func TestDeliverRejectsInvalidStream(t *testing.T) {
	p := NewPipeline(testConfig(), &scriptedConsumer{})

	var verr *core.StreamValidationError
	if err := p.Deliver("alice", nil); !errors.As(err, &verr) {
		t.Fatalf("nil stream: got %v, want StreamValidationError", err)
	}
	if err := p.Deliver("alice", &core.RemoteStream{Participant: "alice"}); !errors.As(err, &verr) {
		t.Fatalf("trackless stream: got %v, want StreamValidationError", err)
	}
}

func TestDeliverImmediateSuccess(t *testing.T) {
	c := &scriptedConsumer{}
	p := NewPipeline(testConfig(), c)

	if err := p.Deliver("alice", videoStream("v1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if c.deliveredCount() != 1 {
		t.Fatalf("delivered %d, want 1", c.deliveredCount())
	}
	if p.Pending() != 0 {
		t.Error("successful delivery left a buffered entry")
	}
}

func TestDeliverDeduplicatesTrackSet(t *testing.T) {
	c := &scriptedConsumer{}
	p := NewPipeline(testConfig(), c)

	s := videoStream("v1")
	if err := p.Deliver("alice", s); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	// Same track set again: no redelivery.
	if err := p.Deliver("alice", videoStream("v1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if c.deliveredCount() != 1 {
		t.Fatalf("delivered %d, want 1 after duplicate", c.deliveredCount())
	}
	// A different track set goes through.
	if err := p.Deliver("alice", videoStream("v2")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if c.deliveredCount() != 2 {
		t.Fatalf("delivered %d, want 2 after new set", c.deliveredCount())
	}
}

func TestNotReadyBuffersAndRetries(t *testing.T) {
	c := &scriptedConsumer{rejectN: 2}
	p := NewPipeline(testConfig(), c)

	ctx, cancel := contextWithTimeout(t, 2*time.Second)
	defer cancel()
	go p.Run(ctx)

	if err := p.Deliver("alice", videoStream("v1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if p.Pending() != 1 {
		t.Fatal("rejected delivery not buffered")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.deliveredCount() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.deliveredCount() != 1 {
		t.Fatal("buffered stream never delivered")
	}
	if p.Pending() != 0 {
		t.Error("delivered entry still buffered")
	}

	// Retries must be spaced by a growing backoff, not the sweep interval.
	attempts := c.attemptTimes()
	if len(attempts) != 3 {
		t.Fatalf("consumer attempted %d times, want 3", len(attempts))
	}
	first := attempts[1].Sub(attempts[0])
	second := attempts[2].Sub(attempts[1])
	if first < 15*time.Millisecond {
		t.Errorf("first retry after %v, want >= ~20ms", first)
	}
	if second < first {
		t.Errorf("backoff not increasing: %v then %v", first, second)
	}
}

func TestNewerStreamReplacesBuffered(t *testing.T) {
	c := &scriptedConsumer{rejectN: 100}
	p := NewPipeline(testConfig(), c)

	if err := p.Deliver("alice", videoStream("v1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := p.Deliver("alice", videoStream("v2")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if p.Pending() != 1 {
		t.Fatalf("%d entries buffered, want the newer one only", p.Pending())
	}
}

func TestBufferedEntryExpires(t *testing.T) {
	cfg := testConfig()
	cfg.EntryTTL = 30 * time.Millisecond
	c := &scriptedConsumer{rejectN: 1000}
	p := NewPipeline(cfg, c)

	ctx, cancel := contextWithTimeout(t, time.Second)
	defer cancel()
	go p.Run(ctx)

	if err := p.Deliver("alice", videoStream("v1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p.Pending() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expired entry never dropped")
}

func TestDropForgetsParticipant(t *testing.T) {
	c := &scriptedConsumer{rejectN: 1000}
	p := NewPipeline(testConfig(), c)

	if err := p.Deliver("alice", videoStream("v1")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	p.Drop("alice")
	if p.Pending() != 0 {
		t.Error("Drop left a buffered entry")
	}
}
