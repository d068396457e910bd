package session

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/driftcall/server/internal/v1/match"
	"github.com/driftcall/server/internal/v1/protocol"
	"github.com/driftcall/server/internal/v1/router"
	"github.com/driftcall/server/internal/v1/store"
	"github.com/driftcall/server/internal/v1/types"
)

// mockConn records outbound frames in memory in place of a real WebSocket.
type mockConn struct {
	mu     sync.Mutex
	frames [][]byte
	reject bool
	closed bool
}

func (m *mockConn) Send(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject || m.closed {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.frames = append(m.frames, buf)
	return true
}

func (m *mockConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// setReject makes every subsequent Send fail, simulating a full outbound
// queue.
func (m *mockConn) setReject(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject = reject
}

func (m *mockConn) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
}

// messages decodes every recorded frame, in order.
func (m *mockConn) messages(t *testing.T) []*protocol.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Message, 0, len(m.frames))
	for _, frame := range m.frames {
		msg, err := protocol.Parse(frame)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

// events lists the decoded event names, in order.
func (m *mockConn) events(t *testing.T) []string {
	t.Helper()
	msgs := m.messages(t)
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Event
	}
	return out
}

// lastByEvent returns the most recent frame with the given event name and
// fails the test when none was sent.
func (m *mockConn) lastByEvent(t *testing.T, event string) *protocol.Message {
	t.Helper()
	msgs := m.messages(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Event == event {
			return msgs[i]
		}
	}
	t.Fatalf("no %q frame recorded, got %v", event, m.events(t))
	return nil
}

func (m *mockConn) hasEvent(t *testing.T, event string) bool {
	t.Helper()
	for _, got := range m.events(t) {
		if got == event {
			return true
		}
	}
	return false
}

// testEnv wires a controller's real dependencies over an embedded Redis.
type testEnv struct {
	mr      *miniredis.Miniredis
	svc     *store.Service
	matcher *match.Matcher
	router  *router.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := store.NewService(store.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &testEnv{
		mr:      mr,
		svc:     svc,
		matcher: match.NewMatcher(svc, nil),
		router:  router.New(),
	}
}

// newClient registers a fresh controller the way the gateway would after an
// upgrade.
func (e *testEnv) newClient(id string) (*Controller, *mockConn) {
	conn := &mockConn{}
	c := NewController(types.ClientIdType(id), conn, e.matcher, e.router)
	e.router.Register(c)
	return c, conn
}

func findPartner() *protocol.Message {
	return &protocol.Message{Event: protocol.EventFindPartner}
}

// signalMsg builds a relay frame with the body keyed by event name.
func signalMsg(t *testing.T, event string, roomID types.RoomIdType, body string) *protocol.Message {
	t.Helper()
	key := map[string]string{
		protocol.EventOffer:        "offer",
		protocol.EventAnswer:       "answer",
		protocol.EventICECandidate: "candidate",
	}[event]
	require.NotEmpty(t, key, "not a relay event: %s", event)

	payload := map[string]json.RawMessage{
		"roomId": json.RawMessage(strconv.Quote(string(roomID))),
		key:      json.RawMessage(body),
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &protocol.Message{Event: event, Data: data}
}

// pairClients drives two idle clients through matchmaking and returns the
// shared room id.
func pairClients(t *testing.T, a, b *Controller) types.RoomIdType {
	t.Helper()
	ctx := context.Background()
	a.HandleMessage(ctx, findPartner())
	b.HandleMessage(ctx, findPartner())

	stateA, roomA := a.State()
	stateB, roomB := b.State()
	require.Equal(t, types.StatePaired, stateA)
	require.Equal(t, types.StatePaired, stateB)
	require.Equal(t, roomA, roomB)
	require.NotEmpty(t, roomA)
	return roomA
}
