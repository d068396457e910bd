// Package analytics persists room lifecycle events to PostgreSQL for
// offline analysis. Recording is fire-and-forget: events land in a bounded
// in-memory queue and a single worker flushes them, so a slow or down
// database never blocks matchmaking.
package analytics

import (
	"context"
	"time"

	"github.com/driftcall/server/internal/v1/match"
)

// Recorder is the handle main wires into the matcher: the event sink plus
// lifecycle management.
type Recorder interface {
	match.Recorder
	Ping(ctx context.Context) error
	Close()
}

// Compile-time interface checks.
var (
	_ Recorder = (*Postgres)(nil)
	_ Recorder = Noop{}
)

// Noop discards every event. Used when analytics is disabled.
type Noop struct{}

func (Noop) RoomCreated(string, string, string, time.Time) {}
func (Noop) RoomClosed(string, time.Time)                  {}
func (Noop) Ping(context.Context) error                    { return nil }
func (Noop) Close()                                        {}
