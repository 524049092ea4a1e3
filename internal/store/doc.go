// Package store wraps the shared key/value + pub/sub store behind the
// Client interface.
//
// The broker is built entirely on five primitives: TTL'd key/value, pub/sub,
// an atomic increment with expiry for rate limiting, a compare-and-delete
// lock, and a bounded list that trims on every write. Any store offering
// those primitives could back the relay; RedisClient is the production
// adapter and MemoryClient is the in-memory fake used in tests.
//
// Every operation fails with ErrUnavailable when the connection is down.
// The client never retries on its own — retry policy belongs to callers.
package store
