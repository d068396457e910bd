package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftcall/server/internal/v1/protocol"
	"github.com/driftcall/server/internal/v1/types"
)

func TestNewController_StartsIdle(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.newClient("user-a")

	state, roomID := a.State()
	assert.Equal(t, types.StateIdle, state)
	assert.Empty(t, roomID)
	assert.Equal(t, types.ClientIdType("user-a"), a.ID())
}

func TestMatched_AcceptsOnlyQueuedClients(t *testing.T) {
	env := newTestEnv(t)
	a, connA := env.newClient("user-a")

	// Idle: refuse.
	assert.False(t, a.Matched("room-1"))

	// Queued: accept and announce.
	a.HandleMessage(context.Background(), findPartner())
	connA.clear()
	require.True(t, a.Matched("room-1"))

	state, roomID := a.State()
	assert.Equal(t, types.StatePaired, state)
	assert.Equal(t, types.RoomIdType("room-1"), roomID)
	assert.Contains(t, env.router.RoomMembers("room-1"), a.ID())

	var matched protocol.MatchedPayload
	require.NoError(t, json.Unmarshal(connA.lastByEvent(t, protocol.EventMatched).Data, &matched))
	assert.Equal(t, "room-1", matched.RoomID)
	assert.False(t, matched.IsInitiator)

	// Paired: refuse a second pairing.
	assert.False(t, a.Matched("room-2"))
	_, roomID = a.State()
	assert.Equal(t, types.RoomIdType("room-1"), roomID)
}

func TestPartnerClosed_TransitionsAndNotifies(t *testing.T) {
	tests := []struct {
		event   string
		message string
	}{
		{protocol.EventPartnerLeft, "your partner left the chat"},
		{protocol.EventPartnerDisconnected, "your partner disconnected"},
	}
	for _, tc := range tests {
		t.Run(tc.event, func(t *testing.T) {
			env := newTestEnv(t)
			a, connA := env.newClient("user-a")
			b, _ := env.newClient("user-b")
			roomID := pairClients(t, a, b)
			connA.clear()

			a.PartnerClosed(roomID, tc.event)

			state, _ := a.State()
			assert.Equal(t, types.StateIdle, state)
			assert.NotContains(t, env.router.RoomMembers(roomID), a.ID())

			var gone protocol.PartnerGonePayload
			require.NoError(t, json.Unmarshal(connA.lastByEvent(t, tc.event).Data, &gone))
			assert.Equal(t, tc.message, gone.Message)
		})
	}
}

func TestPartnerClosed_IgnoresStaleRooms(t *testing.T) {
	env := newTestEnv(t)
	a, connA := env.newClient("user-a")
	b, _ := env.newClient("user-b")
	roomID := pairClients(t, a, b)
	connA.clear()

	a.PartnerClosed("a-room-from-last-week", protocol.EventPartnerLeft)

	state, current := a.State()
	assert.Equal(t, types.StatePaired, state)
	assert.Equal(t, roomID, current)
	assert.Empty(t, connA.events(t))
}

func TestPartnerClosed_IgnoredWhileIdle(t *testing.T) {
	env := newTestEnv(t)
	a, connA := env.newClient("user-a")

	a.PartnerClosed("room-1", protocol.EventPartnerLeft)

	state, _ := a.State()
	assert.Equal(t, types.StateIdle, state)
	assert.Empty(t, connA.events(t))
}

func TestSendCritical_ClosesSaturatedConnection(t *testing.T) {
	env := newTestEnv(t)
	a, connA := env.newClient("user-a")
	b, _ := env.newClient("user-b")
	roomID := pairClients(t, a, b)

	// Once the outbound queue rejects a control frame the connection is
	// beyond saving.
	connA.setReject(true)
	a.PartnerClosed(roomID, protocol.EventPartnerLeft)

	assert.True(t, connA.isClosed())
}

func TestSend_DropsWithoutPanicking(t *testing.T) {
	env := newTestEnv(t)
	a, connA := env.newClient("user-a")

	connA.setReject(true)
	ok := a.Send(protocol.MustMessage(protocol.EventWaiting, protocol.WaitingPayload{Message: "x"}))
	assert.False(t, ok)
}

func TestDisconnectClosesTransport(t *testing.T) {
	env := newTestEnv(t)
	a, connA := env.newClient("user-a")

	a.Disconnect()
	assert.True(t, connA.isClosed())
}
