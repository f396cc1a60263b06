package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/avolkov/huddle/internal/core"
)

// StaticTrack is a local capture track backed by a pion static RTP track.
// It carries the mute/enable/ended surface capture pipelines report, so the
// attachment logic can treat locally produced tracks and injected fakes the
// same way.
type StaticTrack struct {
	inner *webrtc.TrackLocalStaticRTP
	kind  core.TrackKind

	mu       sync.Mutex
	muted    bool
	live     bool
	enabled  bool
	nextKey  int
	onMute   map[int]func()
	onUnmute map[int]func()
	onEnded  map[int]func()
}

func NewStaticTrack(id, streamID, mime string, kind core.TrackKind) (*StaticTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mime}, id, streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	return &StaticTrack{
		inner:    inner,
		kind:     kind,
		live:     true,
		enabled:  true,
		onMute:   make(map[int]func()),
		onUnmute: make(map[int]func()),
		onEnded:  make(map[int]func()),
	}, nil
}

func (t *StaticTrack) ID() string { return t.inner.ID() }
func (t *StaticTrack) Kind() core.TrackKind { return t.kind }

func (t *StaticTrack) Muted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

func (t *StaticTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *StaticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *StaticTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

// SetMuted is driven by the capture pipeline when the source stops or
// resumes producing frames.
func (t *StaticTrack) SetMuted(v bool) {
	t.mu.Lock()
	if t.muted == v {
		t.mu.Unlock()
		return
	}
	t.muted = v
	var fns []func()
	src := t.onUnmute
	if v {
		src = t.onMute
	}
	for _, fn := range src {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// End marks the track permanently dead and notifies listeners.
func (t *StaticTrack) End() {
	t.mu.Lock()
	if !t.live {
		t.mu.Unlock()
		return
	}
	t.live = false
	var fns []func()
	for _, fn := range t.onEnded {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *StaticTrack) OnMute(fn func()) (cancel func()) {
	return t.register(t.onMute, fn)
}

func (t *StaticTrack) OnUnmute(fn func()) (cancel func()) {
	return t.register(t.onUnmute, fn)
}

func (t *StaticTrack) OnEnded(fn func()) (cancel func()) {
	return t.register(t.onEnded, fn)
}

func (t *StaticTrack) register(m map[int]func(), fn func()) (cancel func()) {
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

// WriteRTP feeds captured packets into the track. Disabled tracks swallow
// packets, matching a disabled capture source going dark.
func (t *StaticTrack) WriteRTP(p *rtp.Packet) error {
	t.mu.Lock()
	enabled, live := t.enabled, t.live
	t.mu.Unlock()
	if !live {
		return fmt.Errorf("track %s ended", t.ID())
	}
	if !enabled {
		return nil
	}
	return t.inner.WriteRTP(p)
}

// Unwrap exposes the pion track for attachment to a peer connection.
func (t *StaticTrack) Unwrap() webrtc.TrackLocal { return t.inner }
