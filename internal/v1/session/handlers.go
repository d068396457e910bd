package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/driftcall/server/internal/v1/logging"
	"github.com/driftcall/server/internal/v1/match"
	"github.com/driftcall/server/internal/v1/metrics"
	"github.com/driftcall/server/internal/v1/protocol"
	"github.com/driftcall/server/internal/v1/types"
)

// HandleMessage dispatches one inbound frame. The transport read loop calls
// it sequentially per connection; matcher callbacks may interleave from
// other goroutines.
func (c *Controller) HandleMessage(ctx context.Context, msg *protocol.Message) {
	start := time.Now()

	var status string
	switch msg.Event {
	case protocol.EventFindPartner:
		status = c.handleFindPartner(ctx)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		status = c.handleSignal(ctx, msg)
	case protocol.EventLeaveChat:
		status = c.handleLeave(ctx)
	case protocol.EventSkipPartner:
		status = c.handleSkip(ctx)
	default:
		c.sendError("unknown event")
		status = "unknown"
	}

	metrics.WebsocketEvents.WithLabelValues(msg.Event, status).Inc()
	metrics.MessageProcessingDuration.WithLabelValues(msg.Event).Observe(time.Since(start).Seconds())
}

// handleFindPartner moves an Idle client into the queue, or straight into a
// room when someone is already waiting. The local transition to Queued
// happens before the matcher call so a Matched callback, possible the
// instant the queue insert lands, finds the state it expects.
func (c *Controller) handleFindPartner(ctx context.Context) string {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return "closed"
	case c.state == types.StatePaired:
		c.mu.Unlock()
		c.sendError("already in a chat")
		return "rejected"
	case c.state == types.StateQueued:
		c.mu.Unlock()
		// Repeat request while waiting: report position, no second insert.
		size, err := c.matcher.QueueSize(ctx)
		if err != nil {
			logging.Warn(ctx, "queue size lookup",
				zap.String("conn_id", string(c.id)), zap.Error(err))
		}
		c.sendWaiting(size)
		return "waiting"
	}
	c.state = types.StateQueued
	c.mu.Unlock()

	res, err := c.matcher.FindPartner(ctx, c.id)
	if err != nil {
		c.revertToIdle()
		if errors.Is(err, match.ErrAlreadyInRoom) {
			c.sendError("already in a chat")
			return "rejected"
		}
		logging.Error(ctx, "find partner",
			zap.String("conn_id", string(c.id)), zap.Error(err))
		c.sendError("matchmaking is temporarily unavailable")
		return "error"
	}

	if res.Queued {
		c.sendWaiting(res.Position)
		return "waiting"
	}
	return c.completeMatch(ctx, res)
}

// completeMatch finishes a pairing this controller initiated. The partner
// transitions first: its Matched return is the arbitration point, and false
// means the partner vanished or was claimed elsewhere, so the room is
// unwound and the caller goes back to waiting.
func (c *Controller) completeMatch(ctx context.Context, res *match.Result) string {
	roomID := res.Room.RoomID

	partnerSession, ok := c.router.Get(res.Partner)
	if !ok || !partnerSession.Matched(roomID) {
		return c.abortMatch(ctx, roomID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		// This side disconnected mid-pairing. Tear the room down, then free
		// the partner again.
		if err := c.matcher.CloseRoom(ctx, roomID); err != nil && !isGoneError(err) {
			logging.Error(ctx, "close room after caller vanished",
				zap.String("room_id", string(roomID)), zap.Error(err))
		}
		partnerSession.PartnerClosed(roomID, protocol.EventPartnerDisconnected)
		return "closed"
	}
	c.state = types.StatePaired
	c.roomID = roomID
	c.router.JoinRoom(roomID, c.id)
	c.mu.Unlock()

	c.sendCritical(protocol.EventMatched, protocol.MatchedPayload{
		RoomID:      string(roomID),
		IsInitiator: true,
	})

	// The partner may have torn the pairing down between its Matched and the
	// commit above; at that point this side was still Queued, so the
	// partner-gone notification found nothing to flip. Rooms are deleted
	// before those notifications go out, so one existence check here closes
	// the window.
	if _, err := c.matcher.GetRoom(ctx, roomID); err != nil {
		if isGoneError(err) {
			c.PartnerClosed(roomID, protocol.EventPartnerDisconnected)
			return "partner_gone"
		}
		logging.Warn(ctx, "verify room after pairing",
			zap.String("conn_id", string(c.id)), zap.String("room_id", string(roomID)), zap.Error(err))
	}
	return "matched"
}

// abortMatch unwinds a room whose partner never took it and puts the caller
// back in the queue.
func (c *Controller) abortMatch(ctx context.Context, roomID types.RoomIdType) string {
	if err := c.matcher.CloseRoom(ctx, roomID); err != nil && !isGoneError(err) {
		logging.Error(ctx, "close unclaimed room",
			zap.String("conn_id", string(c.id)), zap.String("room_id", string(roomID)), zap.Error(err))
	}
	pos, err := c.matcher.ReturnToQueue(ctx, c.id)
	if err != nil {
		c.revertToIdle()
		logging.Error(ctx, "requeue after failed pairing",
			zap.String("conn_id", string(c.id)), zap.Error(err))
		c.sendError("matchmaking is temporarily unavailable")
		return "error"
	}
	c.sendWaiting(pos)
	return "partner_gone"
}

func (c *Controller) revertToIdle() {
	c.mu.Lock()
	if c.state == types.StateQueued {
		c.state = types.StateIdle
	}
	c.mu.Unlock()
}

// handleSignal relays an offer, answer, or ICE candidate to the room peer,
// byte for byte. Frames for rooms the sender is not (or no longer) in are
// rejected, except candidates: those trail off naturally during teardown
// and are dropped without comment.
func (c *Controller) handleSignal(ctx context.Context, msg *protocol.Message) string {
	payload, err := protocol.ParseSignal(msg.Event, msg.Data)
	if err != nil {
		c.sendError("invalid signaling payload")
		return "invalid"
	}

	c.mu.RLock()
	state, roomID := c.state, c.roomID
	c.mu.RUnlock()

	if state != types.StatePaired || string(roomID) != payload.RoomID {
		if msg.Event == protocol.EventICECandidate {
			metrics.DroppedFrames.WithLabelValues("stale_room").Inc()
			return "dropped"
		}
		c.sendError("not in this chat")
		return "rejected"
	}

	peer, err := c.matcher.GetPeer(ctx, roomID, c.id)
	if err != nil {
		if isGoneError(err) {
			metrics.DroppedFrames.WithLabelValues("stale_room").Inc()
			return "dropped"
		}
		logging.Error(ctx, "resolve peer for relay",
			zap.String("conn_id", string(c.id)), zap.String("room_id", string(roomID)), zap.Error(err))
		c.sendError("signaling is temporarily unavailable")
		return "error"
	}

	if err := c.router.Deliver(peer, msg); err != nil {
		peerSession, stillHere := c.router.Get(peer)
		if !stillHere {
			// Peer mid-teardown; its disconnect path will close the room.
			metrics.DroppedFrames.WithLabelValues("peer_gone").Inc()
			return "dropped"
		}
		if msg.Event == protocol.EventICECandidate {
			metrics.DroppedFrames.WithLabelValues("backpressure").Inc()
			return "dropped"
		}
		// A lost offer or answer strands the handshake for good. Cut the
		// lagging connection so both sides recover through re-pairing.
		metrics.DroppedFrames.WithLabelValues("backpressure_critical").Inc()
		logging.Warn(ctx, "disconnecting peer that cannot keep up",
			zap.String("conn_id", string(peer)), zap.String("room_id", string(roomID)),
			zap.String("event", msg.Event))
		peerSession.Disconnect()
		return "peer_overflow"
	}

	metrics.SignalsForwarded.WithLabelValues(msg.Event).Inc()
	return "forwarded"
}

// handleLeave ends whatever the client is doing: a queued client leaves the
// queue, a paired client's room is closed and the partner notified first.
func (c *Controller) handleLeave(ctx context.Context) string {
	c.mu.Lock()
	state := c.state
	roomID := c.roomID
	switch state {
	case types.StateQueued:
		c.state = types.StateIdle
	case types.StatePaired:
		c.state = types.StateIdle
		c.roomID = ""
	default:
		c.mu.Unlock()
		c.sendError("not in a chat")
		return "rejected"
	}
	c.mu.Unlock()

	if state == types.StateQueued {
		if _, err := c.matcher.RemoveFromQueue(ctx, c.id); err != nil {
			logging.Warn(ctx, "remove from queue on leave",
				zap.String("conn_id", string(c.id)), zap.Error(err))
		}
		c.send(protocol.EventLeftChat, protocol.LeftChatPayload{Message: "left the queue"})
		return "left_queue"
	}

	c.router.LeaveRoom(roomID, c.id)
	c.closePairing(ctx, roomID, protocol.EventPartnerLeft)
	c.send(protocol.EventLeftChat, protocol.LeftChatPayload{Message: "left the chat"})
	return "left_room"
}

// handleSkip leaves the current partner like handleLeave, then rejoins the
// queue after a short delay so the freed partner gets first pick of anyone
// already waiting.
func (c *Controller) handleSkip(ctx context.Context) string {
	c.mu.Lock()
	if c.state != types.StatePaired {
		c.mu.Unlock()
		c.sendError("not in a chat")
		return "rejected"
	}
	roomID := c.roomID
	c.state = types.StateIdle
	c.roomID = ""
	c.mu.Unlock()

	c.router.LeaveRoom(roomID, c.id)
	c.closePairing(ctx, roomID, protocol.EventPartnerLeft)
	c.send(protocol.EventLeftChat, protocol.LeftChatPayload{Message: "searching for a new partner"})
	c.scheduleRequeue()
	return "skipped"
}

// scheduleRequeue arms the delayed queue re-entry after a skip. A second
// skip before the timer fires re-arms it; disconnecting cancels it.
func (c *Controller) scheduleRequeue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.skipTimer != nil {
		c.skipTimer.Stop()
	}
	c.skipTimer = time.AfterFunc(c.skipDelay, func() {
		c.handleFindPartner(context.Background())
	})
}
