package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
)

// remoteTrack implements core.RemoteTrack over a pion TrackRemote. A read
// pump runs from arrival until the connection context ends, stamping packet
// arrival times even when nothing forwards the track; that stamp is the
// liveness evidence dark-stream detection samples.
type remoteTrack struct {
	inner *webrtc.TrackRemote
	kind  core.TrackKind

	lastData atomic.Int64 // unix nanos of last RTP packet, 0 before first

	mu      sync.RWMutex
	live    bool
	writers map[string]core.PacketWriter
}

func newRemoteTrack(ctx context.Context, inner *webrtc.TrackRemote) *remoteTrack {
	kind := core.TrackKindAudio
	if inner.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackKindVideo
	}
	rt := &remoteTrack{
		inner:   inner,
		kind:    kind,
		live:    true,
		writers: make(map[string]core.PacketWriter),
	}
	go rt.pump(ctx)
	return rt
}

func (t *remoteTrack) ID() string { return t.inner.ID() }
func (t *remoteTrack) Kind() core.TrackKind { return t.kind }
func (t *remoteTrack) SSRC() uint32 { return uint32(t.inner.SSRC()) }
func (t *remoteTrack) MimeType() string { return t.inner.Codec().MimeType }

func (t *remoteTrack) Live() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Muted mirrors the sender's mute signal. RTP has no explicit mute bit, so a
// remote track only reports muted once it is no longer live.
func (t *remoteTrack) Muted() bool { return !t.Live() }

func (t *remoteTrack) LastData() time.Time {
	n := t.lastData.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (t *remoteTrack) Forward(tag string, w core.PacketWriter) {
	t.mu.Lock()
	t.writers[tag] = w
	t.mu.Unlock()
}

func (t *remoteTrack) Unforward(tag string) {
	t.mu.Lock()
	delete(t.writers, tag)
	t.mu.Unlock()
}

func (t *remoteTrack) pump(ctx context.Context) {
	defer func() {
		t.mu.Lock()
		t.live = false
		t.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := t.inner.ReadRTP()
		if err != nil {
			log.Debug().Err(err).
				Str("module", "rtc").
				Str("track_id", t.inner.ID()).
				Msg("read pump done")
			return
		}
		t.lastData.Store(time.Now().UnixNano())

		t.mu.RLock()
		for tag, w := range t.writers {
			if err := w.WriteRTP(pkt); err != nil {
				log.Debug().Err(err).
					Str("module", "rtc").
					Str("track_id", t.inner.ID()).
					Str("sink", tag).
					Msg("forward write failed")
			}
		}
		t.mu.RUnlock()
	}
}
