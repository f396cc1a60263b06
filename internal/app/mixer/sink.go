package mixer

import (
	"errors"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateMuted
	SinkStateDelete
)

var errSinkDeleted = errors.New("sink deleted")

// Sink is one re-broadcast leg: forwarded RTP from a source track flows into
// a local track other peers subscribe to. Muted sinks swallow packets; a
// deleted sink rejects them so the forwarder drops it.
type Sink struct {
	Out   *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // zero value is SinkStateOk
}

func NewSink(out *webrtc.TrackLocalStaticRTP) *Sink {
	return &Sink{Out: out}
}

func (s *Sink) State() SinkState { return SinkState(s.state.Load()) }
func (s *Sink) MarkOk() { s.state.Store(int32(SinkStateOk)) }
func (s *Sink) MarkMuted() { s.state.Store(int32(SinkStateMuted)) }
func (s *Sink) MarkDelete() { s.state.Store(int32(SinkStateDelete)) }

func (s *Sink) WriteRTP(pkt *rtp.Packet) error {
	switch s.State() {
	case SinkStateDelete:
		return errSinkDeleted
	case SinkStateMuted:
		return nil
	}
	if err := s.Out.WriteRTP(pkt); err != nil {
		s.MarkDelete()
		return err
	}
	return nil
}
