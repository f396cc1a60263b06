package domain

import (
	"errors"
	"testing"
	"time"
)

func member(t *testing.T, id ParticipantID) *Participant {
	t.Helper()
	p, err := NewParticipant(id, string(id), RoleGuest)
	if err != nil {
		t.Fatalf("NewParticipant: %v", err)
	}
	return p
}

func TestSessionCapEnforced(t *testing.T) {
	s := NewSession("s1", 2, time.Now())

	if err := s.Add(member(t, "alice")); err != nil {
		t.Fatalf("Add alice: %v", err)
	}
	if err := s.Add(member(t, "bob")); err != nil {
		t.Fatalf("Add bob: %v", err)
	}
	if err := s.Add(member(t, "carol")); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("got %v, want ErrSessionFull", err)
	}

	// A departure frees the seat.
	s.Remove("bob")
	if err := s.Add(member(t, "carol")); err != nil {
		t.Fatalf("Add after remove: %v", err)
	}
}

func TestSessionRejoinNotCounted(t *testing.T) {
	s := NewSession("s1", 1, time.Now())

	if err := s.Add(member(t, "alice")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rejoined := member(t, "alice")
	rejoined.HasVideo = true
	if err := s.Add(rejoined); err != nil {
		t.Fatalf("rejoin rejected: %v", err)
	}
	got, ok := s.Get("alice")
	if !ok || !got.HasVideo {
		t.Error("rejoin did not refresh the entry")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d after rejoin, want 1", s.Len())
	}
}

func TestSessionMembersSnapshot(t *testing.T) {
	s := NewSession("s1", 0, time.Now())
	if err := s.Add(member(t, "alice")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	members := s.Members()
	if len(members) != 1 || members[0].ID != "alice" {
		t.Fatalf("Members = %v", members)
	}
	members[0].Active = true
	if got, _ := s.Get("alice"); got.Active {
		t.Error("snapshot mutation leaked into the roster")
	}
	if !s.Has("alice") || s.Has("bob") {
		t.Error("Has misreports membership")
	}
	if ids := s.IDs(); len(ids) != 1 || ids[0] != "alice" {
		t.Errorf("IDs = %v", ids)
	}
}
