// Package room maps logical channels — one room per appointment conversation
// plus the single shared admin room — to the set of currently connected
// transport sessions, and fans frames out to them.
package room

import "sync"

// AdminRoom is the name of the single shared room that every authenticated
// admin connection is placed into on connect.
const AdminRoom = "admin"

// Member is a live connection that can receive broadcast frames. Implemented
// by ws.Connection; kept as an interface so fan-out logic is testable without
// a network.
type Member interface {
	SessionID() string
	WriteMessage(data []byte) error
}

// Registry is a thread-safe mapping of room name -> member set. Membership is
// mutated only by the connection-lifecycle handlers (join, connect,
// disconnect); broadcasts take a snapshot so slow writers never hold the lock.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Member   // room -> session_id -> member
	joined  map[string]map[string]struct{} // session_id -> set of room names
	members map[string]Member              // session_id -> member, for LeaveAll
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]map[string]Member),
		joined:  make(map[string]map[string]struct{}),
		members: make(map[string]Member),
	}
}

// Join adds a member to the named room. Joining is idempotent; any string is
// accepted as a room key. A member may belong to several rooms at once.
func (r *Registry) Join(name string, m Member) {
	sid := m.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[name]
	if !ok {
		set = make(map[string]Member)
		r.rooms[name] = set
	}
	set[sid] = m

	rooms, ok := r.joined[sid]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[sid] = rooms
	}
	rooms[name] = struct{}{}
	r.members[sid] = m
}

// Leave removes a member from one room. Empty rooms are deleted so the
// registry does not accumulate keys for finished conversations.
func (r *Registry) Leave(name string, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(name, sessionID)
}

// LeaveAll removes a session from every room it belongs to. Called exactly
// once from the disconnect path; no explicit per-room leave event exists.
func (r *Registry) LeaveAll(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.joined[sessionID] {
		r.leaveLocked(name, sessionID)
	}
	delete(r.joined, sessionID)
	delete(r.members, sessionID)
}

func (r *Registry) leaveLocked(name string, sessionID string) {
	set, ok := r.rooms[name]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.rooms, name)
	}
	if rooms, ok := r.joined[sessionID]; ok {
		delete(rooms, name)
	}
}

// Broadcast writes a frame to every member currently in the named room,
// including the member that triggered it. Per-member write errors are
// ignored — dead connections are reaped by the server's read path, not here.
func (r *Registry) Broadcast(name string, data []byte) int {
	members := r.Members(name)
	for _, m := range members {
		_ = m.WriteMessage(data)
	}
	return len(members)
}

// Members returns a snapshot of the named room's membership. The returned
// slice is safe to iterate without holding the lock.
func (r *Registry) Members(name string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.rooms[name]
	members := make([]Member, 0, len(set))
	for _, m := range set {
		members = append(members, m)
	}
	return members
}

// Contains reports whether the session is currently in the named room.
func (r *Registry) Contains(name string, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.rooms[name]
	if !ok {
		return false
	}
	_, ok = set[sessionID]
	return ok
}

// Rooms returns the names of the rooms the session currently belongs to.
func (r *Registry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.joined[sessionID]))
	for name := range r.joined[sessionID] {
		names = append(names, name)
	}
	return names
}

// Count returns the number of members in the named room.
func (r *Registry) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[name])
}
