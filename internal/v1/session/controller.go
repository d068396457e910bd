// Package session implements the per-connection state machine that drives a
// client through the pairing lifecycle: Idle until it asks for a partner,
// Queued while it waits, Paired while it relays WebRTC signaling to exactly
// one peer. One Controller exists per connection and is discarded with it.
//
// Inbound events for a connection are serialized by its read loop. Matcher
// callbacks (Matched, PartnerClosed) arrive from other goroutines, so state
// lives behind a mutex; cross-controller calls are never made while holding
// it, which keeps room teardown deadlock-free and bounded.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftcall/server/internal/v1/logging"
	"github.com/driftcall/server/internal/v1/match"
	"github.com/driftcall/server/internal/v1/metrics"
	"github.com/driftcall/server/internal/v1/protocol"
	"github.com/driftcall/server/internal/v1/router"
	"github.com/driftcall/server/internal/v1/types"
)

// skipRequeueDelay is the pause between leaving a skipped partner and
// automatically rejoining the queue.
const skipRequeueDelay = 500 * time.Millisecond

// Conn is the transport-side surface the controller writes to. Satisfied by
// the gateway's connection wrapper; tests substitute mocks.
type Conn interface {
	// Send enqueues an outbound frame without blocking. False when the
	// outbound queue is full or the connection is closed.
	Send(data []byte) bool
	// Close tears the connection down. Safe to call repeatedly.
	Close()
}

// Matchmaker is the slice of the matcher the controller uses.
type Matchmaker interface {
	FindPartner(ctx context.Context, caller types.ClientIdType) (*match.Result, error)
	RemoveFromQueue(ctx context.Context, userID types.ClientIdType) (bool, error)
	QueueSize(ctx context.Context) (int64, error)
	GetRoom(ctx context.Context, roomID types.RoomIdType) (*match.Room, error)
	GetPeer(ctx context.Context, roomID types.RoomIdType, userID types.ClientIdType) (types.ClientIdType, error)
	CloseRoom(ctx context.Context, roomID types.RoomIdType) error
	ReturnToQueue(ctx context.Context, userID types.ClientIdType) (int64, error)
}

// Controller owns one client's lifecycle state.
type Controller struct {
	id      types.ClientIdType
	conn    Conn
	matcher Matchmaker
	router  *router.Router

	mu     sync.RWMutex
	state  types.ClientState
	roomID types.RoomIdType
	closed bool

	skipDelay time.Duration
	skipTimer *time.Timer

	disconnectOnce sync.Once
}

// NewController builds an Idle controller for a freshly accepted connection.
func NewController(id types.ClientIdType, conn Conn, matcher Matchmaker, rt *router.Router) *Controller {
	return &Controller{
		id:        id,
		conn:      conn,
		matcher:   matcher,
		router:    rt,
		state:     types.StateIdle,
		skipDelay: skipRequeueDelay,
	}
}

// ID implements router.Session.
func (c *Controller) ID() types.ClientIdType {
	return c.id
}

// State reports the current lifecycle state and room.
func (c *Controller) State() (types.ClientState, types.RoomIdType) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.roomID
}

// Send implements router.Session: marshal and enqueue without blocking.
func (c *Controller) Send(msg *protocol.Message) bool {
	data, err := msg.Encode()
	if err != nil {
		logging.Error(context.Background(), "encode outbound frame",
			zap.String("conn_id", string(c.id)), zap.String("event", msg.Event), zap.Error(err))
		return false
	}
	return c.conn.Send(data)
}

// send builds and enqueues a frame; overflow is counted, not fatal.
func (c *Controller) send(event string, payload any) bool {
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		logging.Error(context.Background(), "build outbound frame",
			zap.String("conn_id", string(c.id)), zap.String("event", event), zap.Error(err))
		return false
	}
	if !c.Send(msg) {
		metrics.DroppedFrames.WithLabelValues("backpressure").Inc()
		return false
	}
	return true
}

// sendCritical enqueues a frame the protocol cannot proceed without. A
// client that cannot take control frames has fallen irrecoverably behind,
// so failure closes the connection.
func (c *Controller) sendCritical(event string, payload any) {
	if !c.send(event, payload) {
		logging.Warn(context.Background(), "closing connection after undeliverable control frame",
			zap.String("conn_id", string(c.id)), zap.String("event", event))
		c.conn.Close()
	}
}

func (c *Controller) sendError(message string) {
	c.send(protocol.EventError, protocol.ErrorPayload{Message: message})
}

// sendWaiting acknowledges queue entry with the position attached.
func (c *Controller) sendWaiting(position int64) {
	c.send(protocol.EventWaiting, protocol.WaitingPayload{Message: "waiting for a partner"})
	if position > 0 {
		c.send(protocol.EventQueueUpdate, protocol.QueueUpdatePayload{Position: position})
	}
}

// Matched implements router.Session. The caller that created the room moves
// this controller from Queued to Paired. False tells the caller the pairing
// lost its race against a disconnect or another match and must be unwound.
func (c *Controller) Matched(roomID types.RoomIdType) bool {
	c.mu.Lock()
	if c.closed || c.state != types.StateQueued {
		c.mu.Unlock()
		return false
	}
	c.state = types.StatePaired
	c.roomID = roomID
	// Join inside the critical section so the room membership and the state
	// commit as one step. A teardown serialized after this sees Paired and
	// cleans both up; one serialized before refuses the match.
	c.router.JoinRoom(roomID, c.id)
	c.mu.Unlock()

	c.sendCritical(protocol.EventMatched, protocol.MatchedPayload{
		RoomID:      string(roomID),
		IsInitiator: false,
	})
	return true
}

// PartnerClosed implements router.Session: the partner left roomID, by
// choice (partner-left) or by losing its connection (partner-disconnected).
// Stale calls for rooms this controller is no longer in are ignored.
func (c *Controller) PartnerClosed(roomID types.RoomIdType, event string) {
	c.mu.Lock()
	if c.state != types.StatePaired || c.roomID != roomID {
		c.mu.Unlock()
		return
	}
	c.state = types.StateIdle
	c.roomID = ""
	c.mu.Unlock()

	c.router.LeaveRoom(roomID, c.id)

	message := "your partner left the chat"
	if event == protocol.EventPartnerDisconnected {
		message = "your partner disconnected"
	}
	c.sendCritical(event, protocol.PartnerGonePayload{Message: message})
}

// Disconnect implements router.Session: force-close the transport. The read
// loop's exit runs the full disconnect transition.
func (c *Controller) Disconnect() {
	c.conn.Close()
}

// OnDisconnect runs the final transition exactly once: a queued client leaves
// the queue, a paired client's partner is notified and the room closed.
// Idempotent with a leave that already completed.
func (c *Controller) OnDisconnect(ctx context.Context) {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		state := c.state
		roomID := c.roomID
		c.state = types.StateIdle
		c.roomID = ""
		if c.skipTimer != nil {
			c.skipTimer.Stop()
			c.skipTimer = nil
		}
		c.mu.Unlock()

		switch state {
		case types.StateQueued:
			if _, err := c.matcher.RemoveFromQueue(ctx, c.id); err != nil {
				logging.Warn(ctx, "remove disconnected client from queue",
					zap.String("conn_id", string(c.id)), zap.Error(err))
			}
		case types.StatePaired:
			c.router.LeaveRoom(roomID, c.id)
			c.closePairing(ctx, roomID, protocol.EventPartnerDisconnected)
		}

		logging.Info(ctx, "session ended",
			zap.String("conn_id", string(c.id)), zap.String("last_state", string(state)))
	})
}

// closePairing finishes a leave, skip, or disconnect: the room is torn down
// in the matcher first, then the partner (when still on this instance) flips
// to Idle and learns why. Deleting before notifying lets a pairing that
// commits concurrently detect the loss with one existence check; see
// completeMatch. Safe when the partner already closed the room.
func (c *Controller) closePairing(ctx context.Context, roomID types.RoomIdType, event string) {
	// Resolve the peer before the teardown deletes the mapping.
	peer, peerErr := c.matcher.GetPeer(ctx, roomID, c.id)
	if isGoneError(peerErr) {
		// Partner got there first; nothing left to notify.
		return
	}
	if peerErr != nil {
		logging.Error(ctx, "resolve peer during teardown",
			zap.String("conn_id", string(c.id)), zap.String("room_id", string(roomID)), zap.Error(peerErr))
	}

	if err := c.matcher.CloseRoom(ctx, roomID); err != nil && !isGoneError(err) {
		logging.Error(ctx, "close room",
			zap.String("conn_id", string(c.id)), zap.String("room_id", string(roomID)), zap.Error(err))
	}

	if peerErr == nil {
		if peerSession, ok := c.router.Get(peer); ok {
			peerSession.PartnerClosed(roomID, event)
		}
	}
}

// isGoneError reports whether err just means the room is already gone.
func isGoneError(err error) bool {
	return errors.Is(err, match.ErrRoomNotFound) || errors.Is(err, match.ErrNotParticipant)
}
