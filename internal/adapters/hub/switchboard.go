// Package hub is the server side of signaling: a websocket switchboard that
// forwards messages between a session's endpoints, and a janitor for the
// shared message store behind the polled fallback channel.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

const (
	// forwardTimeout bounds one delivery; an endpoint that cannot accept a
	// message within it is dead weight and gets dropped.
	forwardTimeout  = time.Second
	endpointBuffer  = 64
	writeDeadline   = 5 * time.Second
	maxMessageBytes = 64 << 10
)

type endpoint struct {
	conn *websocket.Conn
	send chan []byte

	mu          sync.Mutex
	participant domain.ParticipantID // learned from the first message
}

func (e *endpoint) bind(id domain.ParticipantID) {
	e.mu.Lock()
	if e.participant == "" {
		e.participant = id
	}
	e.mu.Unlock()
}

func (e *endpoint) bound() domain.ParticipantID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.participant
}

// Switchboard relays signaling between the endpoints of each session. It
// never interprets payloads; it only routes on the envelope.
type Switchboard struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]map[*endpoint]struct{}
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{sessions: make(map[domain.SessionID]map[*endpoint]struct{})}
}

// Attach serves one websocket until it drops. Blocks; callers run it per
// upgraded connection.
func (s *Switchboard) Attach(ctx context.Context, session domain.SessionID, conn *websocket.Conn) {
	ep := &endpoint{conn: conn, send: make(chan []byte, endpointBuffer)}

	s.mu.Lock()
	if s.sessions[session] == nil {
		s.sessions[session] = make(map[*endpoint]struct{})
	}
	s.sessions[session][ep] = struct{}{}
	count := len(s.sessions[session])
	s.mu.Unlock()

	logger := log.With().
		Str("module", "hub").
		Str("session", string(session)).
		Logger()
	logger.Info().Int("endpoints", count).Msg("endpoint attached")

	ctx, cancel := context.WithCancel(ctx)
	go s.writeLoop(ctx, ep, &logger)
	s.readLoop(ctx, session, ep, &logger)

	cancel()
	s.detach(session, ep)
	_ = conn.Close()
	logger.Info().Msg("endpoint detached")
}

// Endpoints reports how many endpoints a session currently has.
func (s *Switchboard) Endpoints(session domain.SessionID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[session])
}

func (s *Switchboard) detach(session domain.SessionID, ep *endpoint) {
	s.mu.Lock()
	if eps, ok := s.sessions[session]; ok {
		delete(eps, ep)
		if len(eps) == 0 {
			delete(s.sessions, session)
		}
	}
	s.mu.Unlock()
}

func (s *Switchboard) readLoop(ctx context.Context, session domain.SessionID, ep *endpoint, logger *zerolog.Logger) {
	ep.conn.SetReadLimit(maxMessageBytes)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := ep.conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("read done")
			return
		}
		var m core.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			logger.Warn().Err(err).Msg("dropping unparseable message")
			continue
		}
		ep.bind(m.SenderID)
		s.forward(session, ep, m, raw, logger)
	}
}

// forward relays one message to every other endpoint in the session.
// Targeted messages skip endpoints bound to a different participant; an
// unbound endpoint still gets everything, since its identity is unknown.
func (s *Switchboard) forward(session domain.SessionID, from *endpoint, m core.Message, raw []byte, logger *zerolog.Logger) {
	s.mu.RLock()
	peers := make([]*endpoint, 0, len(s.sessions[session]))
	for ep := range s.sessions[session] {
		if ep != from {
			peers = append(peers, ep)
		}
	}
	s.mu.RUnlock()

	for _, ep := range peers {
		if !m.Broadcast() {
			if b := ep.bound(); b != "" && b != m.TargetID {
				continue
			}
		}
		select {
		case ep.send <- raw:
		case <-time.After(forwardTimeout):
			logger.Warn().
				Str("peer", string(ep.bound())).
				Msg("endpoint stalled, dropping")
			s.detach(session, ep)
			_ = ep.conn.Close()
		}
	}
}

func (s *Switchboard) writeLoop(ctx context.Context, ep *endpoint, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-ep.send:
			if err := ep.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				logger.Debug().Err(err).Msg("write deadline failed")
				return
			}
			if err := ep.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				return
			}
		}
	}
}
