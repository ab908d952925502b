// Package peer holds the per-peer negotiation state.
//
// A Registry is owned by the negotiation actor. Mutating methods are only
// called from that goroutine; Snapshot may be called from anywhere.
package peer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/imisumi/webrtc-chat/internal/engine"
)

// State is the negotiation state of a single peer.
type State int

const (
	StateIdle State = iota
	StateRequestSent
	StateRequestReceived
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSent:
		return "request-sent"
	case StateRequestReceived:
		return "request-received"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Role records which side of the SDP exchange this process took while
// Negotiating. RoleNone in Negotiating means a request was accepted and the
// remote offer has not arrived yet.
type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

type Entry struct {
	ID        string
	State     State
	Initiator bool
	Role      Role
	// Requested is set while our own connection request to the peer is
	// unanswered. It survives crossed requests.
	Requested bool

	Conn        engine.Connection
	Channel     engine.Channel
	ChannelOpen bool

	// Since is when State last changed.
	Since time.Time
	// Timer generation; bumped whenever a negotiation timeout is (re)armed or
	// cancelled so stale expirations can be recognized.
	TimerGen uint64
}

// Usable reports whether text can be sent to the peer right now.
func (e *Entry) Usable() bool {
	return e.State == StateConnected && e.Channel != nil && e.ChannelOpen
}

// AwaitingOffer reports whether a request was accepted and the remote offer is
// still expected.
func (e *Entry) AwaitingOffer() bool {
	return e.State == StateNegotiating && e.Role == RoleNone && e.Conn == nil
}

// OwnsConn reports whether connID identifies the entry's current connection.
func (e *Entry) OwnsConn(connID uint64) bool {
	return e.Conn != nil && e.Conn.ID() == connID
}

// Info is a read-only copy of an Entry.
type Info struct {
	ID          string
	State       State
	Initiator   bool
	Role        Role
	Requested   bool
	HasConn     bool
	ChannelOpen bool
	Since       time.Time
}

type Registry struct {
	self string
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
	roster  []string
}

// NewRegistry returns an empty registry for the local identity self.
func NewRegistry(self string) *Registry {
	return &Registry{
		self:    self,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

func (r *Registry) Self() string { return r.self }

func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// GetOrCreate returns the entry for id, creating an Idle one when absent.
func (r *Registry) GetOrCreate(id string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e := &Entry{ID: id, State: StateIdle, Since: r.now()}
	r.entries[id] = e
	return e
}

// SetState moves e to s and stamps Since.
func (r *Registry) SetState(e *Entry, s State) {
	r.mu.Lock()
	e.State = s
	e.Since = r.now()
	r.mu.Unlock()
}

// Update runs fn with the registry write lock held so concurrent Snapshot
// callers never observe a half-applied change.
func (r *Registry) Update(fn func()) {
	r.mu.Lock()
	fn()
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Connected returns the sorted identities of peers in StateConnected.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.entries {
		if e.State == StateConnected {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Usable returns the entries that can currently carry text, sorted by ID.
func (r *Registry) Usable() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.Usable() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Known returns the online roster as last reported by the relay.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.roster...)
}

// SetRoster replaces the online roster. The local identity, empty strings and
// duplicates are dropped. Entries are not touched.
func (r *Registry) SetRoster(ids []string) {
	seen := make(map[string]struct{}, len(ids))
	roster := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == r.self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		roster = append(roster, id)
	}
	sort.Strings(roster)

	r.mu.Lock()
	r.roster = roster
	r.mu.Unlock()
}

// All returns every entry, sorted by ID.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot copies every entry. Safe to call from any goroutine.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			ID:          e.ID,
			State:       e.State,
			Initiator:   e.Initiator,
			Requested:   e.Requested,
			Role:        e.Role,
			HasConn:     e.Conn != nil,
			ChannelOpen: e.ChannelOpen,
			Since:       e.Since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
