package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/driftcall/server/internal/v1/logging"
	"github.com/driftcall/server/internal/v1/metrics"
)

const (
	// queueCapacity bounds the in-memory event queue. On overflow the
	// oldest event is sacrificed for the newest.
	queueCapacity = 256
	// writeTimeout bounds a single database write.
	writeTimeout = 5 * time.Second
)

// schema is executed on startup. Idempotent, safe to run on every boot.
const schema = `
CREATE TABLE IF NOT EXISTS rooms (
    id         TEXT         PRIMARY KEY,
    user1      TEXT         NOT NULL,
    user2      TEXT         NOT NULL,
    status     TEXT         NOT NULL DEFAULT 'active',
    created_at TIMESTAMPTZ  NOT NULL,
    closed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_rooms_status ON rooms (status);
CREATE INDEX IF NOT EXISTS idx_rooms_created_at ON rooms (created_at);

CREATE TABLE IF NOT EXISTS counters (
    name  TEXT   PRIMARY KEY,
    value BIGINT NOT NULL DEFAULT 0
);
`

// DB is the part of *pgxpool.Pool the recorder needs. Tests substitute
// fakes.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

type eventKind int

const (
	eventRoomCreated eventKind = iota
	eventRoomClosed
)

type event struct {
	kind     eventKind
	roomID   string
	userA    string
	userB    string
	occurred time.Time
}

// Postgres records room lifecycle events into PostgreSQL through a bounded
// queue and a single background writer.
type Postgres struct {
	db   DB
	pool *pgxpool.Pool

	events  chan event
	done    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
}

// NewPostgres connects to the analytics database, bootstraps the schema,
// and starts the background writer.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse database URL: %w", err)
	}

	// Analytics is a low-volume side channel; keep the pool small.
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("analytics: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analytics: ping: %w", err)
	}

	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	p := newRecorder(pool)
	p.pool = pool
	return p, nil
}

// newRecorder wires the queue and worker over any DB.
func newRecorder(db DB) *Postgres {
	p := &Postgres{
		db:      db,
		events:  make(chan event, queueCapacity),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.worker()
	return p
}

// EnsureSchema creates the analytics tables when they are missing.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("analytics: ensure schema: %w", err)
	}
	return nil
}

// RoomCreated queues an active-room row plus a rooms_total increment.
func (p *Postgres) RoomCreated(roomID string, userA, userB string, createdAt time.Time) {
	p.enqueue(event{
		kind:     eventRoomCreated,
		roomID:   roomID,
		userA:    userA,
		userB:    userB,
		occurred: createdAt,
	})
}

// RoomClosed queues the closed-at update for the room's row.
func (p *Postgres) RoomClosed(roomID string, closedAt time.Time) {
	p.enqueue(event{kind: eventRoomClosed, roomID: roomID, occurred: closedAt})
}

// Ping reports whether the analytics database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close flushes everything already queued, stops the worker, and releases
// the pool.
func (p *Postgres) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	<-p.stopped
	if p.pool != nil {
		p.pool.Close()
	}
}

// enqueue never blocks. A full queue drops the oldest event in favor of
// the newest; events after Close are discarded.
func (p *Postgres) enqueue(ev event) {
	select {
	case <-p.done:
		metrics.AnalyticsEvents.WithLabelValues("dropped").Inc()
		return
	default:
	}

	select {
	case p.events <- ev:
		metrics.AnalyticsEvents.WithLabelValues("queued").Inc()
		return
	default:
	}

	select {
	case <-p.events:
		metrics.AnalyticsEvents.WithLabelValues("dropped").Inc()
	default:
	}
	select {
	case p.events <- ev:
		metrics.AnalyticsEvents.WithLabelValues("queued").Inc()
	default:
		metrics.AnalyticsEvents.WithLabelValues("dropped").Inc()
	}
}

func (p *Postgres) worker() {
	defer close(p.stopped)
	for {
		select {
		case ev := <-p.events:
			p.write(ev)
		case <-p.done:
			// Flush what is already queued, then stop.
			for {
				select {
				case ev := <-p.events:
					p.write(ev)
				default:
					return
				}
			}
		}
	}
}

// write performs one database write. Failures are logged and counted,
// never surfaced; analytics is lossy by contract.
func (p *Postgres) write(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch ev.kind {
	case eventRoomCreated:
		err = p.insertRoom(ctx, ev)
	case eventRoomClosed:
		err = p.markClosed(ctx, ev)
	}
	if err != nil {
		metrics.AnalyticsEvents.WithLabelValues("failed").Inc()
		logging.Warn(ctx, "analytics write failed",
			zap.String("room_id", ev.roomID),
			zap.Error(err))
		return
	}
	metrics.AnalyticsEvents.WithLabelValues("written").Inc()
}

func (p *Postgres) insertRoom(ctx context.Context, ev event) error {
	const insertSQL = `
		INSERT INTO rooms (id, user1, user2, status, created_at)
		VALUES ($1, $2, $3, 'active', $4)
		ON CONFLICT (id) DO NOTHING`
	if _, err := p.db.Exec(ctx, insertSQL, ev.roomID, ev.userA, ev.userB, ev.occurred); err != nil {
		return fmt.Errorf("insert room: %w", err)
	}

	const bumpSQL = `
		INSERT INTO counters (name, value) VALUES ('rooms_total', 1)
		ON CONFLICT (name) DO UPDATE SET value = counters.value + 1`
	if _, err := p.db.Exec(ctx, bumpSQL); err != nil {
		return fmt.Errorf("bump rooms_total: %w", err)
	}
	return nil
}

func (p *Postgres) markClosed(ctx context.Context, ev event) error {
	const updateSQL = `
		UPDATE rooms SET status = 'closed', closed_at = $2
		WHERE id = $1 AND status = 'active'`
	if _, err := p.db.Exec(ctx, updateSQL, ev.roomID, ev.occurred); err != nil {
		return fmt.Errorf("close room: %w", err)
	}
	return nil
}
