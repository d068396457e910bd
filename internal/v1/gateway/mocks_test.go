package gateway

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/driftcall/server/internal/v1/protocol"
)

// wsWrite records one WriteMessage call.
type wsWrite struct {
	messageType int
	data        []byte
}

// fakeSocket implements wsConnection in memory. Inbound frames are fed
// through feed; everything written lands on writes for inspection.
type fakeSocket struct {
	reads  chan []byte
	writes chan wsWrite

	mu       sync.Mutex
	closed   bool
	writeErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		reads:  make(chan []byte, 16),
		writes: make(chan wsWrite, 64),
	}
}

// feed queues an inbound frame for the next ReadMessage.
func (f *fakeSocket) feed(t *testing.T, data []byte) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.False(t, f.closed, "feed after close")
	f.reads <- data
}

// failWrites makes every subsequent WriteMessage return err.
func (f *fakeSocket) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-f.reads
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case f.writes <- wsWrite{messageType: messageType, data: buf}:
	default:
	}
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.reads)
	}
	return nil
}

func (f *fakeSocket) SetReadLimit(int64)                {}
func (f *fakeSocket) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeSocket) SetPongHandler(func(string) error) {}

// nextWrite returns the next recorded write, failing the test after two
// seconds of silence.
func (f *fakeSocket) nextWrite(t *testing.T) wsWrite {
	t.Helper()
	select {
	case w := <-f.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written before deadline")
		return wsWrite{}
	}
}

// expectEvent reads written frames until one carries the wanted event,
// skipping pings and unrelated events along the way.
func (f *fakeSocket) expectEvent(t *testing.T, event string) *protocol.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case w := <-f.writes:
			if w.messageType != websocket.TextMessage {
				continue
			}
			msg, err := protocol.Parse(w.data)
			require.NoError(t, err)
			if msg.Event == event {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q frame before deadline", event)
			return nil
		}
	}
}

// expectClose reads written frames until the close frame arrives.
func (f *fakeSocket) expectClose(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case w := <-f.writes:
			if w.messageType == websocket.CloseMessage {
				return
			}
		case <-deadline:
			t.Fatal("no close frame before deadline")
		}
	}
}
