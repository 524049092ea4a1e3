// ABOUTME: Redis implementation of the store Client interface
// ABOUTME: Maps the five primitives onto Redis commands with per-command timeouts

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when the stored token matches,
// so a lock that expired and was re-acquired by someone else cannot be
// released by the previous holder.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// incrScript increments a counter and sets its TTL in one atomic step on
// the first increment of a window, so a crash between the two commands
// cannot leave a counter with no expiry.
const incrScript = `
local n = redis.call("incr", KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("pexpire", KEYS[1], ARGV[1])
end
return n
`

// Options configures a RedisClient.
type Options struct {
	Host           string
	Port           int
	DB             int
	Password       string
	CommandTimeout time.Duration
}

// RedisClient implements Client against a Redis server.
type RedisClient struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	rdb       *redis.Client
	subs      map[string]*subscription
	connected bool
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisClient creates a disconnected client. Call Connect before use.
// Pass nil logger for default.
func NewRedisClient(opts Options, logger *slog.Logger) *RedisClient {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	return &RedisClient{
		opts:   opts,
		logger: logger.With("component", "store"),
		subs:   make(map[string]*subscription),
	}
}

// Connect opens the Redis connection and verifies it with a ping.
// Connecting an already-connected client is a no-op.
func (c *RedisClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", c.opts.Host, c.opts.Port),
		DB:       c.opts.DB,
		Password: c.opts.Password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, c.opts.CommandTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return storeErr("connect", err)
	}

	c.rdb = rdb
	c.connected = true
	c.logger.Info("connected to store", "addr", rdb.Options().Addr, "db", c.opts.DB)
	return nil
}

// Disconnect tears down subscriptions and closes the connection.
// Safe to call on a client that was never connected.
func (c *RedisClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	for channel, sub := range c.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(c.subs, channel)
	}

	err := c.rdb.Close()
	c.rdb = nil
	c.connected = false
	c.logger.Info("disconnected from store")
	if err != nil {
		return storeErr("disconnect", err)
	}
	return nil
}

// Publish sends a JSON-encoded value on the named channel.
func (c *RedisClient) Publish(ctx context.Context, channel string, value any) error {
	rdb, err := c.conn()
	if err != nil {
		return err
	}

	payload, err := encode(value)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", channel, err)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := rdb.Publish(opCtx, channel, payload).Err(); err != nil {
		return storeErr("publish", err)
	}
	return nil
}

// Subscribe registers a handler for the named channel. Malformed payloads
// are logged and dropped; they never reach the handler.
func (c *RedisClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return storeErr("subscribe", errNotConnected)
	}

	// Replacing an existing subscription closes the old one first
	if prev, ok := c.subs[channel]; ok {
		prev.cancel()
		_ = prev.pubsub.Close()
		delete(c.subs, channel)
	}

	pubsub := c.rdb.Subscribe(ctx, channel)
	subCtx, cancel := context.WithCancel(context.Background())
	c.subs[channel] = &subscription{pubsub: pubsub, cancel: cancel}

	go c.consume(subCtx, channel, pubsub, handler)
	return nil
}

// consume drains a pub/sub channel, dropping malformed payloads.
func (c *RedisClient) consume(ctx context.Context, channel string, pubsub *redis.PubSub, handler Handler) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload := []byte(msg.Payload)
			if !json.Valid(payload) {
				c.logger.Warn("dropping malformed payload",
					"channel", channel,
					"bytes", len(payload))
				continue
			}
			handler(channel, payload)
		}
	}
}

// Unsubscribe removes the subscription for the named channel, if any.
func (c *RedisClient) Unsubscribe(channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[channel]
	if !ok {
		return nil
	}
	sub.cancel()
	delete(c.subs, channel)
	if err := sub.pubsub.Close(); err != nil {
		return storeErr("unsubscribe", err)
	}
	return nil
}

// SetWithExpiry stores a JSON-encoded value under key with the given TTL.
func (c *RedisClient) SetWithExpiry(ctx context.Context, key string, value any, ttl time.Duration) error {
	rdb, err := c.conn()
	if err != nil {
		return err
	}

	payload, err := encode(value)
	if err != nil {
		return fmt.Errorf("encoding value for %s: %w", key, err)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := rdb.Set(opCtx, key, payload, ttl).Err(); err != nil {
		return storeErr("set", err)
	}
	return nil
}

// Get returns the raw value stored under key, or ErrNotFound.
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	rdb, err := c.conn()
	if err != nil {
		return nil, err
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	data, err := rdb.Get(opCtx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, storeErr("get", err)
	}
	return data, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *RedisClient) Delete(ctx context.Context, key string) error {
	rdb, err := c.conn()
	if err != nil {
		return err
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := rdb.Del(opCtx, key).Err(); err != nil {
		return storeErr("delete", err)
	}
	return nil
}

// Increment atomically increments the counter at key. The first increment
// in a window sets the TTL; later increments leave it untouched so the
// window has a fixed end.
func (c *RedisClient) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	rdb, err := c.conn()
	if err != nil {
		return 0, err
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	n, err := rdb.Eval(opCtx, incrScript, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, storeErr("increment", err)
	}
	return n, nil
}

// AcquireLock takes the lock at key via SET NX, returning a release token
// on success and "" when the lock is held by someone else.
func (c *RedisClient) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	rdb, err := c.conn()
	if err != nil {
		return "", err
	}

	token := uuid.New().String()
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	ok, err := rdb.SetNX(opCtx, key, token, ttl).Result()
	if err != nil {
		return "", storeErr("acquire lock", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases the lock at key via compare-and-delete.
func (c *RedisClient) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	rdb, err := c.conn()
	if err != nil {
		return false, err
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	n, err := rdb.Eval(opCtx, releaseScript, []string{key}, token).Int64()
	if err != nil {
		return false, storeErr("release lock", err)
	}
	return n == 1, nil
}

// PushToList prepends value to the list at key and trims it to maxLen in
// the same pipeline, so trimming is a side effect of every write.
func (c *RedisClient) PushToList(ctx context.Context, key string, value any, maxLen int, ttl time.Duration) error {
	rdb, err := c.conn()
	if err != nil {
		return err
	}

	payload, err := encode(value)
	if err != nil {
		return fmt.Errorf("encoding value for %s: %w", key, err)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	pipe := rdb.TxPipeline()
	pipe.LPush(opCtx, key, payload)
	pipe.LTrim(opCtx, key, 0, int64(maxLen)-1)
	if ttl > 0 {
		pipe.Expire(opCtx, key, ttl)
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		return storeErr("push to list", err)
	}
	return nil
}

// GetList returns up to limit entries from the list at key, newest first.
func (c *RedisClient) GetList(ctx context.Context, key string, limit int) ([][]byte, error) {
	rdb, err := c.conn()
	if err != nil {
		return nil, err
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	values, err := rdb.LRange(opCtx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, storeErr("get list", err)
	}

	entries := make([][]byte, len(values))
	for i, v := range values {
		entries[i] = []byte(v)
	}
	return entries, nil
}

// HealthCheck pings the store and reports status with round-trip latency.
func (c *RedisClient) HealthCheck(ctx context.Context) Health {
	rdb, err := c.conn()
	if err != nil {
		return Health{Status: StatusUnhealthy}
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	start := time.Now()
	if err := rdb.Ping(opCtx).Err(); err != nil {
		return Health{Status: StatusUnhealthy}
	}
	latency := time.Since(start)
	return Health{
		Status:    StatusHealthy,
		Latency:   latency,
		LatencyMS: latency.Milliseconds(),
	}
}

var errNotConnected = errors.New("not connected")

// conn returns the live connection or ErrUnavailable.
func (c *RedisClient) conn() (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, storeErr("connection", errNotConnected)
	}
	return c.rdb, nil
}

// opContext bounds a single store command with the configured timeout.
func (c *RedisClient) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.CommandTimeout)
}

// storeErr wraps an underlying failure so callers can match ErrUnavailable.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// encode marshals a value to JSON, passing through raw bytes untouched.
func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(value)
	}
}
