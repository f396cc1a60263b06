// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"time"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 48
)

var (
	ErrDisplayNameTooLong   = errors.New("display name too long")
	ErrDisplayNameEmpty     = errors.New("display name empty")
	ErrParticipantIDEmpty   = errors.New("participant id empty")
	ErrParticipantIDTooLong = errors.New("participant id too long")
)

type ParticipantID string

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Participant is a session member as the orchestration layer sees it.
// Created on a join notice, mutated on every state/track event.
type Participant struct {
	ID       ParticipantID `json:"id"`
	Name     string        `json:"name"`
	Role     Role          `json:"role"`
	Active   bool          `json:"active"`
	Selected bool          `json:"selected"`
	HasVideo bool          `json:"hasVideo"`
	LastSeen time.Time     `json:"-"`
}

// NewParticipant keeps construction obvious and avoids raw literals in adapters.
// Ids are opaque strings supplied at join time; only their shape is validated.
func NewParticipant(id ParticipantID, name string, role Role) (*Participant, error) {
	if id == "" {
		return nil, ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return nil, ErrParticipantIDTooLong
	}
	if name == "" {
		return nil, ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	return &Participant{ID: id, Name: name, Role: role}, nil
}

// Touch marks the participant as recently seen.
func (p *Participant) Touch(now time.Time) {
	p.LastSeen = now
	p.Active = true
}

// IdleFor reports how long the participant has gone without a sign of life.
func (p *Participant) IdleFor(now time.Time) time.Duration {
	if p.LastSeen.IsZero() {
		return 0
	}
	return now.Sub(p.LastSeen)
}
