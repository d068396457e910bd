// Package match implements first-come-first-served pairing on top of the
// shared state store. The waiting queue is a sorted set scored by enqueue
// time; rooms are JSON payloads with per-user reverse mappings. All
// coordination happens through atomic single-key store operations, so any
// number of server instances can match against the same pool.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftcall/server/internal/v1/logging"
	"github.com/driftcall/server/internal/v1/metrics"
	"github.com/driftcall/server/internal/v1/types"
)

// Storage layout.
const (
	keyWaitingQueue = "queue:waiting"
	keyActiveRooms  = "rooms:active"
	roomDataPrefix  = "room:data:"
	userRoomPrefix  = "user:room:"
	keyGlobalStats  = "stats:global"
	fieldTotalRooms = "totalRooms"

	// roomTTL bounds how long room state can outlive a crashed server.
	roomTTL = time.Hour
)

var (
	ErrAlreadyQueued  = errors.New("already waiting for a partner")
	ErrAlreadyInRoom  = errors.New("already in a room")
	ErrQueueEmpty     = errors.New("queue is empty")
	ErrRoomNotFound   = errors.New("room not found")
	ErrNotParticipant = errors.New("not a participant of this room")
)

// Room is the registry payload stored per active room.
type Room struct {
	RoomID    types.RoomIdType      `json:"roomId"`
	Users     [2]types.ClientIdType `json:"users"`
	CreatedAt int64                 `json:"createdAt"`
	Status    types.RoomStatus      `json:"status"`
}

// Peer returns the other participant, or ErrNotParticipant when userID is
// not in the room.
func (r *Room) Peer(userID types.ClientIdType) (types.ClientIdType, error) {
	switch userID {
	case r.Users[0]:
		return r.Users[1], nil
	case r.Users[1]:
		return r.Users[0], nil
	}
	return "", ErrNotParticipant
}

// Recorder receives room lifecycle events for offline analytics.
// Implementations must not block; the matcher calls these inline.
type Recorder interface {
	RoomCreated(roomID string, userA, userB string, createdAt time.Time)
	RoomClosed(roomID string, closedAt time.Time)
}

// Result describes the outcome of a pairing attempt: either the caller was
// parked in the queue (Queued, Position) or a room was created (Room,
// Partner).
type Result struct {
	Queued   bool
	Position int64
	Room     *Room
	Partner  types.ClientIdType
}

// Matcher pairs waiting clients and owns the room registry.
type Matcher struct {
	store types.SharedStore
	rec   Recorder

	// lastStampMs keeps enqueue scores strictly monotonic within this
	// process. Equal sorted-set scores would fall back to lexicographic
	// member order and break FIFO.
	lastStampMs atomic.Int64
}

// NewMatcher builds a Matcher on the given store. rec may be nil when
// analytics is disabled.
func NewMatcher(store types.SharedStore, rec Recorder) *Matcher {
	return &Matcher{store: store, rec: rec}
}

func roomDataKey(roomID types.RoomIdType) string {
	return roomDataPrefix + string(roomID)
}

func userRoomKey(userID types.ClientIdType) string {
	return userRoomPrefix + string(userID)
}

// stamp returns wall-clock milliseconds, nudged forward when needed so two
// enqueues from this process never share a score.
func (m *Matcher) stamp() int64 {
	now := time.Now().UnixMilli()
	for {
		last := m.lastStampMs.Load()
		if now <= last {
			now = last + 1
		}
		if m.lastStampMs.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Enqueue adds a user to the waiting queue and returns the 1-based queue
// size after insertion. The caller must be neither queued nor in a room;
// both are verified here rather than assumed.
func (m *Matcher) Enqueue(ctx context.Context, userID types.ClientIdType) (int64, error) {
	if _, queued, err := m.store.ZScore(ctx, keyWaitingQueue, string(userID)); err != nil {
		return 0, err
	} else if queued {
		return 0, ErrAlreadyQueued
	}
	if _, inRoom, err := m.store.Get(ctx, userRoomKey(userID)); err != nil {
		return 0, err
	} else if inRoom {
		return 0, ErrAlreadyInRoom
	}
	return m.enqueueAt(ctx, userID, m.stamp())
}

// enqueueAt inserts with an explicit score. Used by Enqueue and by the
// failure paths that return a partner to its original queue position.
func (m *Matcher) enqueueAt(ctx context.Context, userID types.ClientIdType, stampMs int64) (int64, error) {
	added, err := m.store.ZAddNX(ctx, keyWaitingQueue, string(userID), float64(stampMs))
	if err != nil {
		return 0, err
	}
	if !added {
		return 0, ErrAlreadyQueued
	}
	size, err := m.store.ZCard(ctx, keyWaitingQueue)
	if err != nil {
		return 0, err
	}
	metrics.QueueSize.Set(float64(size))
	return size, nil
}

// DequeueOldest atomically removes and returns the longest-waiting user and
// its enqueue timestamp.
func (m *Matcher) DequeueOldest(ctx context.Context) (types.ClientIdType, int64, error) {
	member, score, ok, err := m.store.ZPopMin(ctx, keyWaitingQueue)
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return "", 0, ErrQueueEmpty
	}
	m.syncQueueGauge(ctx)
	return types.ClientIdType(member), int64(score), nil
}

// QueueSize reports how many users are currently waiting.
func (m *Matcher) QueueSize(ctx context.Context) (int64, error) {
	return m.store.ZCard(ctx, keyWaitingQueue)
}

// RemoveFromQueue takes a user out of the queue. Removing an absent user is
// a no-op and reports false.
func (m *Matcher) RemoveFromQueue(ctx context.Context, userID types.ClientIdType) (bool, error) {
	removed, err := m.store.ZRem(ctx, keyWaitingQueue, string(userID))
	if err != nil {
		return false, err
	}
	if removed {
		m.syncQueueGauge(ctx)
	}
	return removed, nil
}

// CreateRoom registers a room for two distinct users: payload, both reverse
// mappings, the active-room index, and the global counter. Any sub-step
// failure rolls back what was already written so no half-created room
// persists.
func (m *Matcher) CreateRoom(ctx context.Context, a, b types.ClientIdType) (*Room, error) {
	if a == b {
		return nil, fmt.Errorf("create room: cannot pair %q with itself", a)
	}

	room := &Room{
		RoomID:    types.RoomIdType(uuid.NewString()),
		Users:     [2]types.ClientIdType{a, b},
		CreatedAt: time.Now().UnixMilli(),
		Status:    types.RoomStatusActive,
	}
	payload, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("create room: marshal payload: %w", err)
	}

	var written []string
	undo := func(ctx context.Context) {
		if len(written) == 0 {
			return
		}
		if err := m.store.Del(ctx, written...); err != nil {
			logging.Error(ctx, "rollback of partial room failed",
				zap.String("room_id", string(room.RoomID)), zap.Error(err))
		}
	}

	if err := m.store.SetWithTTL(ctx, roomDataKey(room.RoomID), string(payload), roomTTL); err != nil {
		return nil, fmt.Errorf("create room: write payload: %w", err)
	}
	written = append(written, roomDataKey(room.RoomID))

	if err := m.store.SetWithTTL(ctx, userRoomKey(a), string(room.RoomID), roomTTL); err != nil {
		undo(ctx)
		return nil, fmt.Errorf("create room: map user %s: %w", a, err)
	}
	written = append(written, userRoomKey(a))

	if err := m.store.SetWithTTL(ctx, userRoomKey(b), string(room.RoomID), roomTTL); err != nil {
		undo(ctx)
		return nil, fmt.Errorf("create room: map user %s: %w", b, err)
	}
	written = append(written, userRoomKey(b))

	if err := m.store.SAdd(ctx, keyActiveRooms, string(room.RoomID)); err != nil {
		undo(ctx)
		return nil, fmt.Errorf("create room: index room: %w", err)
	}

	if _, err := m.store.HIncrBy(ctx, keyGlobalStats, fieldTotalRooms, 1); err != nil {
		if _, remErr := m.store.SRem(ctx, keyActiveRooms, string(room.RoomID)); remErr != nil {
			logging.Error(ctx, "rollback of room index failed",
				zap.String("room_id", string(room.RoomID)), zap.Error(remErr))
		}
		undo(ctx)
		return nil, fmt.Errorf("create room: bump counter: %w", err)
	}

	metrics.RoomsCreatedTotal.Inc()
	m.syncRoomGauge(ctx)
	if m.rec != nil {
		m.rec.RoomCreated(string(room.RoomID), string(a), string(b), time.UnixMilli(room.CreatedAt))
	}
	logging.Info(ctx, "room created",
		zap.String("room_id", string(room.RoomID)),
		zap.String("user_a", string(a)),
		zap.String("user_b", string(b)))
	return room, nil
}

// GetRoom loads a room payload.
func (m *Matcher) GetRoom(ctx context.Context, roomID types.RoomIdType) (*Room, error) {
	raw, ok, err := m.store.Get(ctx, roomDataKey(roomID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRoomNotFound
	}
	var room Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil, fmt.Errorf("room %s: corrupt payload: %w", roomID, err)
	}
	return &room, nil
}

// GetRoomByUser resolves the user's reverse mapping to its room.
func (m *Matcher) GetRoomByUser(ctx context.Context, userID types.ClientIdType) (*Room, error) {
	roomID, ok, err := m.store.Get(ctx, userRoomKey(userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRoomNotFound
	}
	return m.GetRoom(ctx, types.RoomIdType(roomID))
}

// GetPeer returns userID's partner in the given room. ErrNotParticipant
// when the user is not one of the room's two members.
func (m *Matcher) GetPeer(ctx context.Context, roomID types.RoomIdType, userID types.ClientIdType) (types.ClientIdType, error) {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	return room.Peer(userID)
}

// CloseRoom tears a room down: both reverse mappings (only while they still
// point at this room), the payload, and the active index. Closing an
// already-closed room returns ErrRoomNotFound and changes nothing.
func (m *Matcher) CloseRoom(ctx context.Context, roomID types.RoomIdType) error {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	for _, u := range room.Users {
		// Conditional delete: the participant may have re-paired into a
		// new room during teardown.
		if _, err := m.store.DelIfEquals(ctx, userRoomKey(u), string(roomID)); err != nil {
			return fmt.Errorf("close room %s: clear mapping for %s: %w", roomID, u, err)
		}
	}
	if err := m.store.Del(ctx, roomDataKey(roomID)); err != nil {
		return fmt.Errorf("close room %s: delete payload: %w", roomID, err)
	}
	if _, err := m.store.SRem(ctx, keyActiveRooms, string(roomID)); err != nil {
		return fmt.Errorf("close room %s: drop from index: %w", roomID, err)
	}

	m.syncRoomGauge(ctx)
	if m.rec != nil {
		m.rec.RoomClosed(string(roomID), time.Now())
	}
	logging.Info(ctx, "room closed", zap.String("room_id", string(roomID)))
	return nil
}

// Stats reports current queue depth, live rooms, and the lifetime room
// counter.
type Stats struct {
	ActiveRooms int64 `json:"activeRooms"`
	QueueSize   int64 `json:"queueSize"`
	TotalRooms  int64 `json:"totalRooms"`
}

func (m *Matcher) Stats(ctx context.Context) (*Stats, error) {
	rooms, err := m.store.SCard(ctx, keyActiveRooms)
	if err != nil {
		return nil, err
	}
	queue, err := m.store.ZCard(ctx, keyWaitingQueue)
	if err != nil {
		return nil, err
	}
	total, err := m.store.HGetInt(ctx, keyGlobalStats, fieldTotalRooms)
	if err != nil {
		return nil, err
	}
	return &Stats{ActiveRooms: rooms, QueueSize: queue, TotalRooms: total}, nil
}

// FindPartner runs one pairing attempt for the caller. Outcomes:
//
//   - caller already in a room: ErrAlreadyInRoom
//   - caller already queued: Result{Queued} with the current queue size
//   - queue empty (or only the caller itself was waiting): caller is
//     enqueued, Result{Queued}
//   - partner available: a room is created and returned; the caller is the
//     initiator
//
// When room creation fails both sides return to the queue, the caller at
// the back and the partner at its original position.
func (m *Matcher) FindPartner(ctx context.Context, caller types.ClientIdType) (*Result, error) {
	if _, inRoom, err := m.store.Get(ctx, userRoomKey(caller)); err != nil {
		return nil, err
	} else if inRoom {
		return nil, ErrAlreadyInRoom
	}
	if _, queued, err := m.store.ZScore(ctx, keyWaitingQueue, string(caller)); err != nil {
		return nil, err
	} else if queued {
		size, err := m.store.ZCard(ctx, keyWaitingQueue)
		if err != nil {
			return nil, err
		}
		return &Result{Queued: true, Position: size}, nil
	}

	partner, partnerTs, err := m.DequeueOldest(ctx)
	if errors.Is(err, ErrQueueEmpty) {
		pos, err := m.enqueueAt(ctx, caller, m.stamp())
		if err != nil {
			return nil, err
		}
		return &Result{Queued: true, Position: pos}, nil
	}
	if err != nil {
		return nil, err
	}

	if partner == caller {
		// Popped our own stale entry; go back to waiting.
		pos, err := m.enqueueAt(ctx, caller, m.stamp())
		if err != nil {
			return nil, err
		}
		return &Result{Queued: true, Position: pos}, nil
	}

	room, err := m.CreateRoom(ctx, caller, partner)
	if err != nil {
		if _, reErr := m.enqueueAt(ctx, caller, m.stamp()); reErr != nil && !errors.Is(reErr, ErrAlreadyQueued) {
			logging.Error(ctx, "failed to re-enqueue caller after aborted pairing",
				zap.String("conn_id", string(caller)), zap.Error(reErr))
		}
		if _, reErr := m.enqueueAt(ctx, partner, partnerTs); reErr != nil && !errors.Is(reErr, ErrAlreadyQueued) {
			logging.Error(ctx, "failed to re-enqueue partner after aborted pairing",
				zap.String("conn_id", string(partner)), zap.Error(reErr))
		}
		return nil, err
	}

	metrics.MatchWaitSeconds.Observe(time.Since(time.UnixMilli(partnerTs)).Seconds())
	return &Result{Room: room, Partner: partner}, nil
}

// ReturnToQueue places a user back in the waiting pool after a match that
// could not be delivered. The entry is fresh; the original position was
// consumed by the failed pairing.
func (m *Matcher) ReturnToQueue(ctx context.Context, userID types.ClientIdType) (int64, error) {
	pos, err := m.enqueueAt(ctx, userID, m.stamp())
	if errors.Is(err, ErrAlreadyQueued) {
		size, cardErr := m.store.ZCard(ctx, keyWaitingQueue)
		if cardErr != nil {
			return 0, cardErr
		}
		return size, nil
	}
	return pos, err
}

func (m *Matcher) syncQueueGauge(ctx context.Context) {
	if size, err := m.store.ZCard(ctx, keyWaitingQueue); err == nil {
		metrics.QueueSize.Set(float64(size))
	}
}

func (m *Matcher) syncRoomGauge(ctx context.Context) {
	if rooms, err := m.store.SCard(ctx, keyActiveRooms); err == nil {
		metrics.ActiveRooms.Set(float64(rooms))
	}
}
