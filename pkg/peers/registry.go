// Package peers holds the authoritative in-memory table of known and
// connected peers. The registry is written concurrently by the discovery
// service, the connection manager, and the accepting listener; every entry
// carries its own lock so unrelated peers never serialize on each other.
package peers

import (
	"errors"
	"sync"
	"time"

	"github.com/eglochon/lan-peer-messenger/pkg/protocol"
)

// ErrUnknownPeer is returned for lookups of an id the registry has never seen.
var ErrUnknownPeer = errors.New("unknown peer")

// State is the per-peer connection state tracked alongside PeerInfo. The
// registry holds only the state, never the socket.
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// entry pairs PeerInfo with its connection state under one lock, so readers
// never observe a half-updated record.
type entry struct {
	mu    sync.RWMutex
	info  protocol.PeerInfo
	state State
}

// Registry is a concurrency-safe map of PeerId to {PeerInfo, State}.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Upsert inserts or refreshes a peer record and reports whether the id was
// new. Re-announcement of a known id updates fields in place, never creates a
// second entry, and never resets the connection state.
func (r *Registry) Upsert(info protocol.PeerInfo) bool {
	r.mu.Lock()
	e, exists := r.entries[info.ID]
	if !exists {
		info.Touch()
		r.entries[info.ID] = &entry{info: info, state: StateDiscovered}
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.info.Name = info.Name
	e.info.IP = info.IP
	e.info.Port = info.Port
	e.info.Touch()
	e.mu.Unlock()
	return false
}

// Get returns a copy of the peer record.
func (r *Registry) Get(id string) (protocol.PeerInfo, State, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return protocol.PeerInfo{}, StateDiscovered, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info, e.state, true
}

// SetState transitions a peer's connection state. Unknown ids are ignored and
// reported as false.
func (r *Registry) SetState(id string, state State) bool {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	return true
}

// Touch refreshes a peer's last-seen timestamp.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.info.Touch()
	e.mu.Unlock()
}

// Remove drops a peer record entirely.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Snapshot returns copies of every peer record.
func (r *Registry) Snapshot() []protocol.PeerInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	infos := make([]protocol.PeerInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		infos = append(infos, e.info)
		e.mu.RUnlock()
	}
	return infos
}

// Connected returns copies of every peer currently in StateConnected.
func (r *Registry) Connected() []protocol.PeerInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	infos := make([]protocol.PeerInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if e.state == StateConnected {
			infos = append(infos, e.info)
		}
		e.mu.RUnlock()
	}
	return infos
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ConnectedCount returns the number of peers in StateConnected.
func (r *Registry) ConnectedCount() int {
	return len(r.Connected())
}

// EvictStale removes non-connected peers not seen within maxAge and returns
// the evicted ids. Connected peers are never evicted; liveness for them is
// the connection itself.
func (r *Registry) EvictStale(maxAge time.Duration) []string {
	cutoff := uint64(time.Now().Add(-maxAge).Unix())

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, e := range r.entries {
		e.mu.RLock()
		stale := e.state != StateConnected && e.info.LastSeen < cutoff
		e.mu.RUnlock()
		if stale {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
