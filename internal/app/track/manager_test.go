package track

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avolkov/huddle/internal/core"
)

// fakeTrack mimics a capture track with controllable mute/live state.
type fakeTrack struct {
	id   string
	kind core.TrackKind

	mu       sync.Mutex
	muted    bool
	live     bool
	enabled  bool
	nextKey  int
	onMute   map[int]func()
	onUnmute map[int]func()
	onEnded  map[int]func()
}

func newFakeTrack(id string, kind core.TrackKind) *fakeTrack {
	return &fakeTrack{
		id:       id,
		kind:     kind,
		live:     true,
		enabled:  true,
		onMute:   make(map[int]func()),
		onUnmute: make(map[int]func()),
		onEnded:  make(map[int]func()),
	}
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Kind() core.TrackKind { return t.kind }

func (t *fakeTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *fakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) OnMute(fn func()) func() { return t.register(t.onMute, fn) }
func (t *fakeTrack) OnUnmute(fn func()) func() { return t.register(t.onUnmute, fn) }
func (t *fakeTrack) OnEnded(fn func()) func() { return t.register(t.onEnded, fn) }

func (t *fakeTrack) register(m map[int]func(), fn func()) func() {
	t.mu.Lock()
	key := t.nextKey
	t.nextKey++
	m[key] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(m, key)
		t.mu.Unlock()
	}
}

func (t *fakeTrack) setMuted(v bool) {
	t.mu.Lock()
	t.muted = v
	src := t.onUnmute
	if v {
		src = t.onMute
	}
	fns := make([]func(), 0, len(src))
	for _, fn := range src {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *fakeTrack) end() {
	t.mu.Lock()
	t.live = false
	fns := make([]func(), 0, len(t.onEnded))
	for _, fn := range t.onEnded {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeSender struct {
	mu       sync.Mutex
	track    core.LocalTrack
	replaced []core.LocalTrack
	err      error
}

func (s *fakeSender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(t core.LocalTrack) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.track = t
	s.replaced = append(s.replaced, t)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) replacedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replaced)
}

// attachConn only supports AddTrack; the manager needs nothing else.
type attachConn struct {
	mu      sync.Mutex
	senders []*fakeSender
	err     error
}

func (c *attachConn) Start(context.Context) error { return nil }
func (c *attachConn) CreateOffer(bool) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}
func (c *attachConn) CreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}
func (c *attachConn) ApplyAnswer(webrtc.SessionDescription) error { return nil }
func (c *attachConn) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (c *attachConn) HasRemoteDescription() bool { return false }
func (c *attachConn) SignalingStable() bool { return true }
func (c *attachConn) State() core.ConnState { return core.ConnStateNew }
func (c *attachConn) OnStateChange(func(core.ConnState)) {}
func (c *attachConn) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (c *attachConn) OnRemoteTrack(func(core.RemoteTrack)) {}
func (c *attachConn) RequestKeyFrame(uint32) error { return nil }
func (c *attachConn) Close() {}

func (c *attachConn) AddTrack(t core.LocalTrack) (core.Sender, error) {
	if c.err != nil {
		return nil, c.err
	}
	s := &fakeSender{track: t}
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *attachConn) attached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.senders)
}

type fakeSource struct {
	mu     sync.Mutex
	tracks []core.LocalTrack
	err    error
}

func (s *fakeSource) AcquireTracks(context.Context) ([]core.LocalTrack, error) {
	return s.tracks, s.err
}

func (s *fakeSource) AcquireTrack(_ context.Context, kind core.TrackKind) (core.LocalTrack, error) {
	if s.err != nil {
		return nil, s.err
	}
	return newFakeTrack("reacquired", kind), nil
}

func testConfig() Config {
	return Config{
		UnmuteWait:   30 * time.Millisecond,
		NudgeWait:    20 * time.Millisecond,
		MaxReacquire: 2,
	}
}

func TestAttachLiveTrack(t *testing.T) {
	m := NewManager(testConfig(), &fakeSource{})
	conn := &attachConn{}

	senders, err := m.Attach(context.Background(), conn, []core.LocalTrack{
		newFakeTrack("audio-1", core.TrackKindAudio),
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(senders) != 1 || conn.attached() != 1 {
		t.Fatalf("attached %d senders, want 1", conn.attached())
	}
}

func TestAttachRejectsDeadTrack(t *testing.T) {
	m := NewManager(testConfig(), &fakeSource{})
	tr := newFakeTrack("video-1", core.TrackKindVideo)
	tr.end()

	_, err := m.Attach(context.Background(), &attachConn{}, []core.LocalTrack{tr})
	var invalid *core.TrackInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want TrackInvalidError", err)
	}
}

func TestAttachWaitsForUnmute(t *testing.T) {
	m := NewManager(testConfig(), &fakeSource{})
	tr := newFakeTrack("video-1", core.TrackKindVideo)
	tr.setMuted(true)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.setMuted(false)
	}()

	degradedCalled := false
	m.OnDegraded = func(string, error) { degradedCalled = true }

	senders, err := m.Attach(context.Background(), &attachConn{}, []core.LocalTrack{tr})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(senders) != 1 {
		t.Fatal("track not attached")
	}
	if degradedCalled {
		t.Error("unmuted track reported degraded")
	}
}

func TestAttachStubbornlyMutedDegrades(t *testing.T) {
	m := NewManager(testConfig(), &fakeSource{})
	tr := newFakeTrack("video-1", core.TrackKindVideo)
	tr.setMuted(true)

	var mu sync.Mutex
	var degradedWith error
	m.OnDegraded = func(_ string, reason error) {
		mu.Lock()
		degradedWith = reason
		mu.Unlock()
	}

	senders, err := m.Attach(context.Background(), &attachConn{}, []core.LocalTrack{tr})
	if err != nil {
		t.Fatalf("live muted track must still attach, got %v", err)
	}
	if len(senders) != 1 {
		t.Fatal("track not attached")
	}
	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(degradedWith, core.ErrTrackMutedUnrecoverable) {
		t.Errorf("degraded reason %v, want ErrTrackMutedUnrecoverable", degradedWith)
	}
}

func TestEndedTrackGetsReplaced(t *testing.T) {
	m := NewManager(testConfig(), &fakeSource{})
	conn := &attachConn{}
	tr := newFakeTrack("video-1", core.TrackKindVideo)

	if _, err := m.Attach(context.Background(), conn, []core.LocalTrack{tr}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	tr.end()

	sender := conn.senders[0]
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sender.replacedCount() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sender.replacedCount() != 1 {
		t.Fatalf("sender replaced %d times, want 1", sender.replacedCount())
	}
	if sender.Track().ID() != "reacquired" {
		t.Errorf("sender carries %q, want the reacquired track", sender.Track().ID())
	}
}

func TestTrackRecoveryBudgetExhausts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReacquire = 1
	source := &fakeSource{err: errors.New("camera gone")}
	m := NewManager(cfg, source)
	conn := &attachConn{}
	tr := newFakeTrack("video-1", core.TrackKindVideo)

	failed := make(chan error, 4)
	m.OnFailed = func(_ string, err error) { failed <- err }

	if _, err := m.Attach(context.Background(), conn, []core.LocalTrack{tr}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	tr.end()
	select {
	case err := <-failed:
		if err == nil {
			t.Fatal("nil failure")
		}
	case <-time.After(time.Second):
		t.Fatal("no failure reported for unreacquirable track")
	}
}
