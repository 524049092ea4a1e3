// ABOUTME: In-memory Client implementation for testing
// ABOUTME: Implements the same five primitives without a live Redis dependency

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryClient is an in-memory Client implementation for tests. Expiry is
// lazy: entries past their deadline are treated as gone on access. Publish
// dispatches to subscribers synchronously, which keeps tests deterministic.
type MemoryClient struct {
	mu          sync.RWMutex
	connected   bool
	unavailable bool
	values      map[string]memEntry
	counters    map[string]*memCounter
	locks       map[string]memLock
	lists       map[string]*memList
	handlers    map[string]Handler
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

type memCounter struct {
	n         int64
	expiresAt time.Time
}

type memLock struct {
	token     string
	expiresAt time.Time
}

type memList struct {
	entries   [][]byte
	expiresAt time.Time
}

// NewMemoryClient creates a connected in-memory client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		connected: true,
		values:    make(map[string]memEntry),
		counters:  make(map[string]*memCounter),
		locks:     make(map[string]memLock),
		lists:     make(map[string]*memList),
		handlers:  make(map[string]Handler),
	}
}

// SetUnavailable toggles failure injection: while set, every operation
// fails with ErrUnavailable the way a real client does on a dead connection.
func (m *MemoryClient) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

func (m *MemoryClient) check() error {
	if !m.connected || m.unavailable {
		return storeErr("connection", errNotConnected)
	}
	return nil
}

func expired(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Connect is a no-op on an already-connected client.
func (m *MemoryClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect drops all state and subscriptions.
func (m *MemoryClient) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.handlers = make(map[string]Handler)
	return nil
}

// Publish dispatches the JSON-encoded value to the channel's handler, if any.
func (m *MemoryClient) Publish(ctx context.Context, channel string, value any) error {
	m.mu.RLock()
	if err := m.check(); err != nil {
		m.mu.RUnlock()
		return err
	}
	handler := m.handlers[channel]
	m.mu.RUnlock()

	payload, err := encode(value)
	if err != nil {
		return err
	}

	if handler != nil {
		handler(channel, payload)
	}
	return nil
}

// Subscribe registers the handler for the channel, replacing any previous one.
func (m *MemoryClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.handlers[channel] = handler
	return nil
}

// Unsubscribe removes the channel's handler.
func (m *MemoryClient) Unsubscribe(channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, channel)
	return nil
}

// SetWithExpiry stores the JSON-encoded value with a lazy TTL.
func (m *MemoryClient) SetWithExpiry(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := encode(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.values[key] = memEntry{data: payload, expiresAt: deadline(ttl)}
	return nil
}

// Get returns the stored value, or ErrNotFound for missing/expired keys.
func (m *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	entry, ok := m.values[key]
	if !ok || expired(entry.expiresAt) {
		return nil, ErrNotFound
	}
	data := make([]byte, len(entry.data))
	copy(data, entry.data)
	return data, nil
}

// Delete removes the key if present.
func (m *MemoryClient) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.values, key)
	return nil
}

// Increment bumps the window counter, starting a fresh window when the
// previous one expired.
func (m *MemoryClient) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}

	c, ok := m.counters[key]
	if !ok || expired(c.expiresAt) {
		c = &memCounter{expiresAt: deadline(ttl)}
		m.counters[key] = c
	}
	c.n++
	return c.n, nil
}

// AcquireLock takes the lock when free or expired, returning a token.
func (m *MemoryClient) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return "", err
	}

	if l, held := m.locks[key]; held && !expired(l.expiresAt) {
		return "", nil
	}
	token := uuid.New().String()
	m.locks[key] = memLock{token: token, expiresAt: deadline(ttl)}
	return token, nil
}

// ReleaseLock releases only when the token matches the current holder.
func (m *MemoryClient) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}

	l, held := m.locks[key]
	if !held || expired(l.expiresAt) || l.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

// PushToList prepends the value and trims to maxLen in one step.
func (m *MemoryClient) PushToList(ctx context.Context, key string, value any, maxLen int, ttl time.Duration) error {
	payload, err := encode(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}

	l, ok := m.lists[key]
	if !ok || expired(l.expiresAt) {
		l = &memList{}
		m.lists[key] = l
	}
	l.entries = append([][]byte{payload}, l.entries...)
	if maxLen > 0 && len(l.entries) > maxLen {
		l.entries = l.entries[:maxLen]
	}
	l.expiresAt = deadline(ttl)
	return nil
}

// GetList returns up to limit entries, newest first.
func (m *MemoryClient) GetList(ctx context.Context, key string, limit int) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}

	l, ok := m.lists[key]
	if !ok || expired(l.expiresAt) {
		return nil, nil
	}
	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	entries := make([][]byte, n)
	for i := 0; i < n; i++ {
		entries[i] = append([]byte(nil), l.entries[i]...)
	}
	return entries, nil
}

// HealthCheck reports healthy unless failure injection is active.
func (m *MemoryClient) HealthCheck(ctx context.Context) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return Health{Status: StatusUnhealthy}
	}
	return Health{Status: StatusHealthy}
}
