package types

import (
	"context"
	"time"
)

// --- Core Domain Types ---

// ClientIdType represents a unique identifier for a client connection.
// Clients are anonymous, so the connection id is the user id.
type ClientIdType string

// RoomIdType represents a unique identifier for a two-person chat room.
type RoomIdType string

// ClientState describes where a client is in the pairing lifecycle.
type ClientState string

// Lifecycle states. A client is in exactly one at any time.
const (
	StateIdle   ClientState = "idle"   // connected, not waiting, not chatting
	StateQueued ClientState = "queued" // waiting in the matchmaking queue
	StatePaired ClientState = "paired" // in a room with a partner
)

// RoomStatus marks a room as live or torn down.
type RoomStatus string

const (
	RoomStatusActive RoomStatus = "active"
	RoomStatusClosed RoomStatus = "closed"
)

// --- Shared Interfaces ---

// SharedStore defines the state-store primitives the matcher is built on.
// The production implementation is backed by Redis; tests substitute
// wrappers to exercise failure paths.
type SharedStore interface {
	// Sorted-set operations back the waiting queue.
	ZAddNX(ctx context.Context, key, member string, score float64) (bool, error)
	ZPopMin(ctx context.Context, key string) (member string, score float64, ok bool, err error)
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// String operations back room payloads and user->room mappings.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	DelIfEquals(ctx context.Context, key, expected string) (bool, error)

	// Set operations back the active-room index.
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// Hash operations back global counters.
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
	HGetInt(ctx context.Context, key, field string) (int64, error)
}
