package domain

import (
	"errors"
	"time"
)

type SessionID string

const DefaultMaxParticipants = 16

var ErrSessionFull = errors.New("session full")

// Session is the roster of one session's remote participants. Created by
// host action, destroyed on host "end session". The orchestrator owns
// synchronization; Session itself is plain data.
type Session struct {
	ID        SessionID
	CreatedAt time.Time

	max     int
	members map[ParticipantID]*Participant
}

func NewSession(id SessionID, maxParticipants int, now time.Time) *Session {
	if maxParticipants <= 0 {
		maxParticipants = DefaultMaxParticipants
	}
	return &Session{
		ID:        id,
		CreatedAt: now,
		max:       maxParticipants,
		members:   make(map[ParticipantID]*Participant),
	}
}

// Add admits a participant or refreshes an existing member's entry.
// Rejoining never counts against the cap.
func (s *Session) Add(p *Participant) error {
	if _, ok := s.members[p.ID]; !ok && len(s.members) >= s.max {
		return ErrSessionFull
	}
	s.members[p.ID] = p
	return nil
}

func (s *Session) Remove(id ParticipantID) {
	delete(s.members, id)
}

func (s *Session) Get(id ParticipantID) (*Participant, bool) {
	p, ok := s.members[id]
	return p, ok
}

func (s *Session) Has(id ParticipantID) bool {
	_, ok := s.members[id]
	return ok
}

func (s *Session) Len() int {
	return len(s.members)
}

// Members snapshots the roster.
func (s *Session) Members() []Participant {
	out := make([]Participant, 0, len(s.members))
	for _, p := range s.members {
		out = append(out, *p)
	}
	return out
}

func (s *Session) IDs() []ParticipantID {
	out := make([]ParticipantID, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	return out
}
