// Package session tracks the short-lived per-client state the server
// needs while serving requests. Nothing here is persisted.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Thiagojm/qrngd/ratelimit"
)

// State is what a client is currently doing.
type State int

const (
	StateNone State = iota
	StateOneShotPending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateOneShotPending:
		return "oneshot-pending"
	case StateStreaming:
		return "streaming"
	default:
		return "none"
	}
}

// Session is a snapshot of one client's state.
type Session struct {
	ID       uuid.UUID       `json:"id"`
	ClientID string          `json:"client_id"`
	Quota    ratelimit.Quota `json:"quota"`
	State    State           `json:"-"`
	LastSeq  uint64          `json:"last_seq"`
	LastSeen time.Time       `json:"last_seen"`
}

type entry struct {
	Session
	pending int
	streams int
}

func (e *entry) refresh() {
	switch {
	case e.streams > 0:
		e.State = StateStreaming
	case e.pending > 0:
		e.State = StateOneShotPending
	default:
		e.State = StateNone
	}
}

// Kind selects which activity Begin and End count.
type Kind int

const (
	OneShot Kind = iota
	Stream
)

// Registry holds the sessions of every client seen recently.
type Registry struct {
	clk clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry(clk clockwork.Clock) *Registry {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Registry{clk: clk, sessions: make(map[string]*entry)}
}

func (r *Registry) touchLocked(id ratelimit.Identity) *entry {
	e, ok := r.sessions[id.ClientID]
	if !ok {
		e = &entry{Session: Session{ID: uuid.New(), ClientID: id.ClientID}}
		r.sessions[id.ClientID] = e
	}
	e.Quota = id.Quota
	e.LastSeen = r.clk.Now()
	return e
}

// Touch records activity for id and returns its session.
func (r *Registry) Touch(id ratelimit.Identity) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touchLocked(id).Session
}

// Begin marks the start of a request or stream. The returned func ends
// it and is safe to call more than once.
func (r *Registry) Begin(id ratelimit.Identity, kind Kind) (end func()) {
	r.mu.Lock()
	e := r.touchLocked(id)
	if kind == Stream {
		e.streams++
	} else {
		e.pending++
	}
	e.refresh()
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if kind == Stream {
				e.streams--
			} else {
				e.pending--
			}
			e.LastSeen = r.clk.Now()
			e.refresh()
		})
	}
}

// SetLastSeq records the last sequence number delivered to clientID.
func (r *Registry) SetLastSeq(clientID string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[clientID]; ok {
		e.LastSeq = seq
		e.LastSeen = r.clk.Now()
	}
}

// Get returns the session of clientID.
func (r *Registry) Get(clientID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[clientID]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// Prune removes sessions with no activity in progress that were last
// seen more than idle ago, and returns their client ids.
func (r *Registry) Prune(idle time.Duration) []string {
	cutoff := r.clk.Now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned []string
	for id, e := range r.sessions {
		if e.State == StateNone && e.LastSeen.Before(cutoff) {
			delete(r.sessions, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
