package app

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/huddle/internal/core"
	"github.com/avolkov/huddle/internal/domain"
)

// ConnRecord tracks one peer's connection lifecycle: the media connection
// itself, negotiation bookkeeping, and every timer armed on its behalf.
// Timers are named so re-arming replaces instead of leaking.
type ConnRecord struct {
	ID domain.ParticipantID

	mu               sync.Mutex
	conn             core.MediaConnection
	state            core.ConnState
	recoveryAttempts int
	lastHeartbeat    time.Time
	connectingStart  time.Time
	tracksAttached   bool
	pending          []webrtc.ICECandidateInit
	senders          []core.Sender
	timers           map[string]*time.Timer
}

func newConnRecord(id domain.ParticipantID, conn core.MediaConnection) *ConnRecord {
	return &ConnRecord{
		ID:     id,
		conn:   conn,
		state:  core.ConnStateNew,
		timers: make(map[string]*time.Timer),
	}
}

func (r *ConnRecord) Conn() core.MediaConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *ConnRecord) State() core.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *ConnRecord) SetState(s core.ConnState) {
	r.mu.Lock()
	r.state = s
	if s == core.ConnStateConnecting {
		r.connectingStart = time.Now()
	}
	r.mu.Unlock()
}

func (r *ConnRecord) ConnectingFor(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.ConnStateConnecting || r.connectingStart.IsZero() {
		return 0
	}
	return now.Sub(r.connectingStart)
}

func (r *ConnRecord) RecoveryAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recoveryAttempts
}

func (r *ConnRecord) IncRecoveryAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveryAttempts++
	return r.recoveryAttempts
}

// ResetRecoveryAttempts runs on successful reconnection so a later failure
// gets the full attempt budget again.
func (r *ConnRecord) ResetRecoveryAttempts() {
	r.mu.Lock()
	r.recoveryAttempts = 0
	r.mu.Unlock()
}

// SetRecoveryAttempts carries an attempt count over to a replacement record,
// so tearing a connection down does not refill the retry budget.
func (r *ConnRecord) SetRecoveryAttempts(n int) {
	r.mu.Lock()
	r.recoveryAttempts = n
	r.mu.Unlock()
}

func (r *ConnRecord) TouchHeartbeat(now time.Time) {
	r.mu.Lock()
	r.lastHeartbeat = now
	r.mu.Unlock()
}

func (r *ConnRecord) LastHeartbeat() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHeartbeat
}

func (r *ConnRecord) TracksAttached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracksAttached
}

func (r *ConnRecord) SetTracksAttached() {
	r.mu.Lock()
	r.tracksAttached = true
	r.mu.Unlock()
}

func (r *ConnRecord) AddSender(s core.Sender) {
	r.mu.Lock()
	r.senders = append(r.senders, s)
	r.mu.Unlock()
}

func (r *ConnRecord) Senders() []core.Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Sender, len(r.senders))
	copy(out, r.senders)
	return out
}

// QueueCandidate holds candidates that arrive before the remote description.
func (r *ConnRecord) QueueCandidate(c webrtc.ICECandidateInit) {
	r.mu.Lock()
	r.pending = append(r.pending, c)
	r.mu.Unlock()
}

func (r *ConnRecord) DrainCandidates() []webrtc.ICECandidateInit {
	r.mu.Lock()
	out := r.pending
	r.pending = nil
	r.mu.Unlock()
	return out
}

// ArmTimer schedules fn under a name, replacing any previous timer with the
// same name.
func (r *ConnRecord) ArmTimer(name string, d time.Duration, fn func()) {
	r.mu.Lock()
	if old, ok := r.timers[name]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		if r.timers[name] == t {
			delete(r.timers, name)
		}
		r.mu.Unlock()
		fn()
	})
	r.timers[name] = t
	r.mu.Unlock()
}

func (r *ConnRecord) ClearTimer(name string) {
	r.mu.Lock()
	if t, ok := r.timers[name]; ok {
		t.Stop()
		delete(r.timers, name)
	}
	r.mu.Unlock()
}

func (r *ConnRecord) ClearAllTimers() {
	r.mu.Lock()
	for name, t := range r.timers {
		t.Stop()
		delete(r.timers, name)
	}
	r.mu.Unlock()
}

// ActiveTimers lists the names of still-armed timers.
func (r *ConnRecord) ActiveTimers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.timers))
	for name := range r.timers {
		out = append(out, name)
	}
	return out
}

// close tears the record down: timers first so no callback races the
// closing connection.
func (r *ConnRecord) close() {
	r.ClearAllTimers()
	r.mu.Lock()
	conn := r.conn
	r.state = core.ConnStateClosed
	r.pending = nil
	r.senders = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Registry owns one ConnRecord per remote participant. Connections are built
// through the injected factory so tests swap in fakes.
type Registry struct {
	factory core.PeerFactory

	mu      sync.RWMutex
	records map[domain.ParticipantID]*ConnRecord
}

func NewRegistry(factory core.PeerFactory) *Registry {
	return &Registry{
		factory: factory,
		records: make(map[domain.ParticipantID]*ConnRecord),
	}
}

// CreateOrReuse returns the record for a peer, creating a fresh connection
// when none exists or the old one is beyond use. Repeated joins while a
// connection is negotiating or established reuse the existing record, so
// duplicate join messages do not tear down live media.
func (g *Registry) CreateOrReuse(ctx context.Context, id domain.ParticipantID) (*ConnRecord, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[id]; ok {
		switch rec.State() {
		case core.ConnStateFailed, core.ConnStateClosed:
			log.Info().
				Str("module", "app.registry").
				Str("peer", string(id)).
				Str("state", string(rec.State())).
				Msg("replacing dead connection")
			rec.close()
			delete(g.records, id)
		default:
			return rec, false, nil
		}
	}

	conn, err := g.factory.NewConnection(id)
	if err != nil {
		return nil, false, err
	}
	if err := conn.Start(ctx); err != nil {
		conn.Close()
		return nil, false, err
	}
	rec := newConnRecord(id, conn)
	g.records[id] = rec
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("created connection")
	return rec, true, nil
}

func (g *Registry) Get(id domain.ParticipantID) (*ConnRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[id]
	return rec, ok
}

// Remove closes and forgets the peer's record.
func (g *Registry) Remove(id domain.ParticipantID) {
	g.mu.Lock()
	rec, ok := g.records[id]
	delete(g.records, id)
	g.mu.Unlock()
	if ok {
		rec.close()
		log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("removed connection")
	}
}

func (g *Registry) All() []*ConnRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*ConnRecord, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	return out
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

// CloseAll tears down every record, used on session end.
func (g *Registry) CloseAll() {
	g.mu.Lock()
	records := g.records
	g.records = make(map[domain.ParticipantID]*ConnRecord)
	g.mu.Unlock()
	for _, rec := range records {
		rec.close()
	}
}
