package core

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/avolkov/huddle/internal/domain"
)

type MessageType string

const (
	MessageJoin      MessageType = "join"
	MessageLeave     MessageType = "leave"
	MessageOffer     MessageType = "offer"
	MessageAnswer    MessageType = "answer"
	MessageCandidate MessageType = "ice-candidate"
	MessageHeartbeat MessageType = "heartbeat"
)

// Message is the signaling wire format, JSON over whichever side-channel
// happens to deliver it. Delivery is at-least-once, so consumers must
// deduplicate by ID().
type Message struct {
	Type      MessageType          `json:"type"`
	SessionID domain.SessionID     `json:"sessionId"`
	SenderID  domain.ParticipantID `json:"senderId"`
	TargetID  domain.ParticipantID `json:"targetId,omitempty"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	Timestamp int64                `json:"timestamp"` // unix milliseconds
}

// ID is derived from senderId+timestamp; the Stamper guarantees a single
// sender never mints two messages with the same timestamp.
func (m Message) ID() string {
	return string(m.SenderID) + ":" + strconv.FormatInt(m.Timestamp, 10)
}

// Broadcast reports whether the message is addressed to everyone in the session.
func (m Message) Broadcast() bool {
	return m.TargetID == ""
}

func (m Message) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.Timestamp))
}

// Stamper mints strictly increasing millisecond timestamps for one sender.
type Stamper struct {
	mu   sync.Mutex
	last int64
}

func (s *Stamper) Next() int64 {
	now := time.Now().UnixMilli()
	s.mu.Lock()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	s.mu.Unlock()
	return now
}

// Payload shapes carried in Message.Payload.

type JoinPayload struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	HasVideo bool   `json:"hasVideo"`
}

type DescriptionPayload struct {
	SDPType string `json:"type"` // "offer" or "answer"
	SDP     string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}
