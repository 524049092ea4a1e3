// ABOUTME: Client interface and data types for the shared key/value + pub/sub store
// ABOUTME: Defines the five primitives (kv+TTL, pub/sub, counter, lock, bounded list) and health

package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by every operation when the underlying store
// connection is down. Callers decide whether to retry; the client never does.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned when a requested key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Handler receives payloads for a subscribed channel. Payloads are always
// well-formed JSON: malformed frames are logged and dropped before the
// handler ever sees them.
type Handler func(channel string, payload []byte)

// Health status values reported by HealthCheck.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Health is the result of a liveness probe against the store.
type Health struct {
	Status    string        `json:"status"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latency_ms"`
}

// Client is the thin wrapper over the shared store. It owns the connection
// lifecycle and exposes the primitives the broker is built on; it contains
// no business logic. Implementations must be safe for concurrent use.
type Client interface {
	// Connect opens the connection. Calling it on an already-connected
	// client is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and tears down all subscriptions.
	// It never fails on a client that was never connected.
	Disconnect() error

	// Publish sends a JSON-encoded value on the named channel.
	Publish(ctx context.Context, channel string, value any) error

	// Subscribe registers a handler for the named channel. Only one handler
	// per channel; subscribing again replaces the previous handler.
	Subscribe(ctx context.Context, channel string, handler Handler) error

	// Unsubscribe removes the subscription for the named channel, if any.
	Unsubscribe(channel string) error

	// SetWithExpiry stores a JSON-encoded value under key with the given TTL.
	SetWithExpiry(ctx context.Context, key string, value any, ttl time.Duration) error

	// Get returns the raw value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically increments the counter at key and returns the new
	// value. The first increment in a window sets the key's TTL; the TTL is
	// not extended by later increments.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// AcquireLock attempts to take the mutual-exclusion lock at key for the
	// given TTL. Returns a release token on success and "" when the lock is
	// already held by someone else.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)

	// ReleaseLock releases the lock at key if token matches the holder's
	// token (compare-and-delete). Returns false when the token does not
	// match or the lock no longer exists.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)

	// PushToList prepends a JSON-encoded value to the list at key and trims
	// the list to maxLen entries in the same operation, so lists stay
	// bounded as a side effect of every write. A non-zero TTL refreshes the
	// list's expiry.
	PushToList(ctx context.Context, key string, value any, maxLen int, ttl time.Duration) error

	// GetList returns up to limit entries from the list at key, newest first.
	GetList(ctx context.Context, key string, limit int) ([][]byte, error)

	// HealthCheck probes the store and reports status with round-trip
	// latency. It never blocks longer than the probe timeout.
	HealthCheck(ctx context.Context) Health
}
