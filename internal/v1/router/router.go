// Package router keeps the process-wide registry of live sessions so that
// matcher callbacks and relayed frames can reach a peer's connection by id.
// Everything here is instance-local: a peer connected to another instance
// is indistinguishable from a disconnected one.
package router

import (
	"errors"
	"sync"

	"k8s.io/utils/set"

	"github.com/driftcall/server/internal/v1/protocol"
	"github.com/driftcall/server/internal/v1/types"
)

// ErrPeerGone is returned when the delivery target is not registered here
// or its connection can no longer accept frames.
var ErrPeerGone = errors.New("peer is no longer connected")

// Session is the per-connection handle the router stores. The concrete
// implementation lives in the session package; tests substitute mocks.
type Session interface {
	ID() types.ClientIdType

	// Send enqueues an outbound frame without blocking. False means the
	// frame was not accepted (connection closed or queue full).
	Send(msg *protocol.Message) bool

	// Matched moves a queued session into the given room and emits the
	// matched frame. False means the session is no longer waiting and the
	// pairing must be unwound by the caller.
	Matched(roomID types.RoomIdType) bool

	// PartnerClosed informs a paired session that its partner left the
	// given room; event distinguishes a deliberate leave from a dropped
	// connection.
	PartnerClosed(roomID types.RoomIdType, event string)

	// Disconnect forcefully closes the underlying connection.
	Disconnect()
}

// Router maps connection ids to sessions and tracks which sessions share a
// room on this instance.
type Router struct {
	mu         sync.RWMutex
	sessions   map[types.ClientIdType]Session
	rooms      map[types.RoomIdType]set.Set[types.ClientIdType]
	memberRoom map[types.ClientIdType]types.RoomIdType
}

func New() *Router {
	return &Router{
		sessions:   make(map[types.ClientIdType]Session),
		rooms:      make(map[types.RoomIdType]set.Set[types.ClientIdType]),
		memberRoom: make(map[types.ClientIdType]types.RoomIdType),
	}
}

// Register adds a session. A second registration under the same id replaces
// the first; connection ids are unique per connection, so this only happens
// in tests.
func (r *Router) Register(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Unregister removes the session and any room membership left behind.
func (r *Router) Unregister(id types.ClientIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	r.leaveLocked(id)
}

// Get returns the registered session for id.
func (r *Router) Get(id types.ClientIdType) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Deliver hands a frame to the session registered under id. ErrPeerGone is
// returned when the session is absent or refused the frame; the caller
// decides whether that is fatal for the event in question.
func (r *Router) Deliver(id types.ClientIdType, msg *protocol.Message) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrPeerGone
	}
	if !s.Send(msg) {
		return ErrPeerGone
	}
	return nil
}

// JoinRoom records that the session participates in roomID. A session is in
// at most one room; joining a second room implicitly leaves the first.
func (r *Router) JoinRoom(roomID types.RoomIdType, id types.ClientIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(id)
	members, ok := r.rooms[roomID]
	if !ok {
		members = set.New[types.ClientIdType]()
		r.rooms[roomID] = members
	}
	members.Insert(id)
	r.memberRoom[id] = roomID
}

// LeaveRoom removes the session from roomID if it is a member.
func (r *Router) LeaveRoom(roomID types.RoomIdType, id types.ClientIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memberRoom[id] != roomID {
		return
	}
	r.leaveLocked(id)
}

func (r *Router) leaveLocked(id types.ClientIdType) {
	roomID, ok := r.memberRoom[id]
	if !ok {
		return
	}
	delete(r.memberRoom, id)
	if members, ok := r.rooms[roomID]; ok {
		members.Delete(id)
		if members.Len() == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// RoomMembers returns the sessions of roomID connected to this instance.
func (r *Router) RoomMembers(roomID types.RoomIdType) []types.ClientIdType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return members.UnsortedList()
}

// Sessions snapshots all registered sessions, for shutdown fan-out.
func (r *Router) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of registered sessions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
