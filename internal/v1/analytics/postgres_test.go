package analytics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records Exec calls. When gate is set, every Exec blocks until the
// gate closes, which lets tests hold the worker mid-write.
type fakeDB struct {
	mu      sync.Mutex
	execs   []execCall
	execErr error
	pingErr error
	gate    chan struct{}
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	err := f.execErr
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeDB) calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]execCall, len(f.execs))
	copy(out, f.execs)
	return out
}

// roomInserts returns the room ids of every recorded rooms insert, in order.
func (f *fakeDB) roomInserts() []string {
	var ids []string
	for _, c := range f.calls() {
		if strings.Contains(c.sql, "INSERT INTO rooms") {
			ids = append(ids, c.args[0].(string))
		}
	}
	return ids
}

func TestRoomCreated_WritesRowAndCounter(t *testing.T) {
	db := &fakeDB{}
	rec := newRecorder(db)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec.RoomCreated("room-1", "alice", "bob", created)
	rec.Close()

	calls := db.calls()
	require.Len(t, calls, 2)

	assert.Contains(t, calls[0].sql, "INSERT INTO rooms")
	assert.Equal(t, []any{"room-1", "alice", "bob", created}, calls[0].args)

	assert.Contains(t, calls[1].sql, "INSERT INTO counters")
	assert.Contains(t, calls[1].sql, "rooms_total")
}

func TestRoomClosed_MarksRowClosed(t *testing.T) {
	db := &fakeDB{}
	rec := newRecorder(db)

	closed := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	rec.RoomClosed("room-1", closed)
	rec.Close()

	calls := db.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].sql, "UPDATE rooms")
	assert.Contains(t, calls[0].sql, "status = 'closed'")
	assert.Equal(t, []any{"room-1", closed}, calls[0].args)
}

func TestClose_FlushesQueuedEvents(t *testing.T) {
	db := &fakeDB{}
	rec := newRecorder(db)

	for i := 0; i < 5; i++ {
		rec.RoomCreated(fmt.Sprintf("room-%d", i), "a", "b", time.Now())
	}
	rec.Close()

	assert.Len(t, db.roomInserts(), 5)
}

func TestEnqueue_DropsOldestWhenFull(t *testing.T) {
	gate := make(chan struct{})
	db := &fakeDB{gate: gate}
	rec := newRecorder(db)

	// Park the worker inside the first write so nothing drains.
	rec.RoomCreated("room-0", "a", "b", time.Now())
	require.Eventually(t, func() bool { return len(db.calls()) == 1 },
		time.Second, 5*time.Millisecond)

	// Fill the queue, then push one more to force a drop of the oldest.
	for i := 1; i <= queueCapacity+1; i++ {
		rec.RoomCreated(fmt.Sprintf("room-%d", i), "a", "b", time.Now())
	}

	close(gate)
	rec.Close()

	inserted := db.roomInserts()
	assert.Len(t, inserted, queueCapacity+1)
	assert.Contains(t, inserted, "room-0")
	assert.NotContains(t, inserted, "room-1", "oldest queued event should be the one dropped")
	assert.Contains(t, inserted, fmt.Sprintf("room-%d", queueCapacity+1))
}

func TestWrite_FailuresAreSwallowed(t *testing.T) {
	db := &fakeDB{execErr: assert.AnError}
	rec := newRecorder(db)

	rec.RoomCreated("room-1", "a", "b", time.Now())
	rec.RoomClosed("room-1", time.Now())
	rec.Close()

	// Both writes were attempted; neither failure escaped the worker.
	assert.NotEmpty(t, db.calls())
}

func TestRecorder_IgnoresEventsAfterClose(t *testing.T) {
	db := &fakeDB{}
	rec := newRecorder(db)
	rec.Close()

	rec.RoomCreated("room-1", "a", "b", time.Now())
	rec.RoomClosed("room-1", time.Now())

	assert.Empty(t, db.calls())
}

func TestClose_Idempotent(t *testing.T) {
	rec := newRecorder(&fakeDB{})
	rec.Close()
	rec.Close()
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, EnsureSchema(context.Background(), db))

	calls := db.calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].sql, "CREATE TABLE IF NOT EXISTS rooms")
	assert.Contains(t, calls[0].sql, "CREATE TABLE IF NOT EXISTS counters")
}

func TestEnsureSchema_WrapsError(t *testing.T) {
	db := &fakeDB{execErr: assert.AnError}
	err := EnsureSchema(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analytics: ensure schema")
}

func TestPing_Propagates(t *testing.T) {
	db := &fakeDB{}
	rec := newRecorder(db)
	defer rec.Close()

	require.NoError(t, rec.Ping(context.Background()))

	db.mu.Lock()
	db.pingErr = assert.AnError
	db.mu.Unlock()
	assert.Error(t, rec.Ping(context.Background()))
}

func TestNoop(t *testing.T) {
	var rec Recorder = Noop{}
	rec.RoomCreated("room-1", "a", "b", time.Now())
	rec.RoomClosed("room-1", time.Now())
	assert.NoError(t, rec.Ping(context.Background()))
	rec.Close()
}
