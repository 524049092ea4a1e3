// ABOUTME: Agent-facing facade over the message broker
// ABOUTME: Holds the registry, applies rate limits, and emits process-local events

package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/store"
)

// ErrAgentNotRegistered indicates the from or to agent is unknown to this
// manager instance. Not retryable without registering first.
var ErrAgentNotRegistered = errors.New("agent not registered")

// ErrRateLimited indicates the caller exceeded its operation budget for
// the current window. Retryable after the window resets.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries the window TTL a rate-limited caller should wait
// before retrying. Matches ErrRateLimited via errors.Is.
type RateLimitError struct {
	AgentID    string
	Operation  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("agent %s rate limited on %s, retry after %s", e.AgentID, e.Operation, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Operation names used in rate-limit keys.
const (
	opSendMessage    = "send_message"
	opBroadcast      = "broadcast"
	opHandoff        = "handoff"
	opRespondHandoff = "respond_handoff"
	opPublishEvent   = "publish_event"
)

// Limits configures the fixed-window rate limiter.
type Limits struct {
	Window    time.Duration
	Threshold int
}

func (l Limits) withDefaults() Limits {
	if l.Window <= 0 {
		l.Window = time.Minute
	}
	if l.Threshold <= 0 {
		l.Threshold = 60
	}
	return l
}

// Statistics is a read-only aggregate of manager and broker state.
type Statistics struct {
	ActiveAgents        int          `json:"active_agents"`
	ActiveHandoffs      int          `json:"active_handoffs"`
	MessageHistoryLimit int          `json:"message_history_limit"`
	SystemHealth        store.Health `json:"system_health"`
}

// Manager is the per-process facade agents use. It validates that both
// parties of an operation are registered, applies rate limits before any
// broker call, and re-exposes broker operations with simpler ergonomics.
// Safe for many concurrent agents; there is no global operation lock.
type Manager struct {
	registry     *Registry
	broker       *broker.Broker
	client       store.Client
	limits       Limits
	historyLimit int
	emitter      *Emitter
	logger       *slog.Logger

	// pending tracks handoffs initiated through this manager, by id, with
	// their expiry. Used only for the activeHandoffs statistic.
	pendingMu sync.Mutex
	pending   map[string]time.Time
}

// NewManager creates a manager around an injected registry, broker, and
// store client. Pass nil logger for default.
func NewManager(registry *Registry, b *broker.Broker, client store.Client, limits Limits, historyLimit int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Manager{
		registry:     registry,
		broker:       b,
		client:       client,
		limits:       limits.withDefaults(),
		historyLimit: historyLimit,
		emitter:      NewEmitter(logger),
		logger:       logger.With("component", "comms"),
		pending:      make(map[string]time.Time),
	}
}

// Events returns the manager's process-local event emitter.
func (m *Manager) Events() *Emitter {
	return m.emitter
}

// RegisterAgent adds an agent to the registry and emits agentRegistered.
// Registering an already-registered id is idempotent and emits nothing.
func (m *Manager) RegisterAgent(agentID string) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}

	if !m.registry.Add(agentID) {
		return nil
	}

	m.logger.Info("agent registered",
		"agent_id", agentID,
		"total_agents", m.registry.Count(),
	)
	m.emitter.Emit(Event{Type: EventAgentRegistered, AgentID: agentID})
	return nil
}

// UnregisterAgent removes an agent from the registry and emits
// agentUnregistered. Unregistering an unknown id is a no-op.
func (m *Manager) UnregisterAgent(agentID string) {
	if !m.registry.Remove(agentID) {
		return
	}

	m.logger.Info("agent unregistered",
		"agent_id", agentID,
		"total_agents", m.registry.Count(),
	)
	m.emitter.Emit(Event{Type: EventAgentUnregistered, AgentID: agentID})
}

// IsRegistered reports whether the agent id is known to this instance.
func (m *Manager) IsRegistered(agentID string) bool {
	return m.registry.Contains(agentID)
}

// checkRegistered fails fast when any of the given agents is unknown.
func (m *Manager) checkRegistered(agentIDs ...string) error {
	for _, id := range agentIDs {
		if !m.registry.Contains(id) {
			return fmt.Errorf("agent %q: %w", id, ErrAgentNotRegistered)
		}
	}
	return nil
}

// allow consults the store's windowed counter for the agent/operation pair.
// Exceeding the threshold fails with RateLimitError before any broker call.
func (m *Manager) allow(ctx context.Context, agentID, operation string) error {
	windowSecs := int64(m.limits.Window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}
	now := time.Now().Unix()
	windowStart := now - now%windowSecs

	key := fmt.Sprintf("relay:rate:%s:%s:%d", agentID, operation, windowStart)
	n, err := m.client.Increment(ctx, key, m.limits.Window)
	if err != nil {
		return fmt.Errorf("rate limit check for %s: %w", agentID, err)
	}
	if n > int64(m.limits.Threshold) {
		retryAfter := time.Duration(windowStart+windowSecs-now) * time.Second
		return &RateLimitError{AgentID: agentID, Operation: operation, RetryAfter: retryAfter}
	}
	return nil
}

// SendMessage validates both parties and delegates to the broker.
func (m *Manager) SendMessage(ctx context.Context, from, to, content string) (*broker.AgentMessage, error) {
	if err := m.checkRegistered(from, to); err != nil {
		return nil, err
	}
	if err := m.allow(ctx, from, opSendMessage); err != nil {
		return nil, err
	}

	msg, err := m.broker.SendMessage(ctx, &broker.AgentMessage{From: from, To: to, Content: content})
	if err != nil {
		return nil, fmt.Errorf("send from %s to %s: %w", from, to, err)
	}
	return msg, nil
}

// Broadcast validates the sender and delegates to the broker. Channels
// have no registration concept, so only from is checked.
func (m *Manager) Broadcast(ctx context.Context, from, channel, content string) (*broker.BroadcastMessage, error) {
	if err := m.checkRegistered(from); err != nil {
		return nil, err
	}
	if err := m.allow(ctx, from, opBroadcast); err != nil {
		return nil, err
	}

	msg, err := m.broker.Broadcast(ctx, &broker.BroadcastMessage{From: from, Channel: channel, Content: content})
	if err != nil {
		return nil, fmt.Errorf("broadcast from %s on %s: %w", from, channel, err)
	}
	return msg, nil
}

// HandoffTask validates both parties and initiates a handoff, returning
// the assigned handoff id.
func (m *Manager) HandoffTask(ctx context.Context, from, to string, task broker.Task, taskContext map[string]any, reason string) (string, error) {
	if err := m.checkRegistered(from, to); err != nil {
		return "", err
	}
	if err := m.allow(ctx, from, opHandoff); err != nil {
		return "", err
	}

	h, err := m.broker.InitiateHandoff(ctx, &broker.TaskHandoff{
		From:   from,
		To:     to,
		Task:   broker.TaskBundle{Task: task, Context: taskContext},
		Reason: reason,
	})
	if err != nil {
		return "", fmt.Errorf("handoff from %s to %s: %w", from, to, err)
	}

	m.pendingMu.Lock()
	m.pending[h.ID] = h.ExpiresAt
	// Drop bookkeeping for handoffs that already ran out
	now := time.Now()
	for id, expiresAt := range m.pending {
		if now.After(expiresAt) {
			delete(m.pending, id)
		}
	}
	m.pendingMu.Unlock()

	return h.ID, nil
}

// RespondToHandoff validates the responder and resolves the handoff.
func (m *Manager) RespondToHandoff(ctx context.Context, handoffID, responderID string, accept bool, reason string) error {
	if err := m.checkRegistered(responderID); err != nil {
		return err
	}
	if err := m.allow(ctx, responderID, opRespondHandoff); err != nil {
		return err
	}

	if err := m.broker.RespondToHandoff(ctx, handoffID, responderID, accept, reason); err != nil {
		return fmt.Errorf("respond to handoff %s as %s: %w", handoffID, responderID, err)
	}

	m.pendingMu.Lock()
	delete(m.pending, handoffID)
	m.pendingMu.Unlock()
	return nil
}

// PublishEvent validates the agent and publishes a lifecycle event.
func (m *Manager) PublishEvent(ctx context.Context, agentID, eventType string, data map[string]any) (*broker.AgentEvent, error) {
	if err := m.checkRegistered(agentID); err != nil {
		return nil, err
	}
	if err := m.allow(ctx, agentID, opPublishEvent); err != nil {
		return nil, err
	}

	ev, err := m.broker.PublishEvent(ctx, &broker.AgentEvent{
		AgentID: agentID,
		Type:    eventType,
		Data:    data,
		Source:  "comms",
	})
	if err != nil {
		return nil, fmt.Errorf("publish event for %s: %w", agentID, err)
	}
	return ev, nil
}

// SubscribeAgent delivers the registered agent's private-channel
// notifications to fn.
func (m *Manager) SubscribeAgent(ctx context.Context, agentID string, fn func(*broker.Notification)) error {
	if err := m.checkRegistered(agentID); err != nil {
		return err
	}
	return m.broker.SubscribeAgent(ctx, agentID, fn)
}

// UnsubscribeAgent removes the agent's private-channel subscription.
func (m *Manager) UnsubscribeAgent(agentID string) error {
	return m.broker.UnsubscribeAgent(agentID)
}

// SubscribeChannel delivers broadcasts on the named channel to fn. No
// registration requirement: anyone may listen to a broadcast channel.
func (m *Manager) SubscribeChannel(ctx context.Context, channel string, fn func(*broker.BroadcastMessage)) error {
	return m.broker.SubscribeChannel(ctx, channel, fn)
}

// UnsubscribeChannel removes a broadcast-channel subscription.
func (m *Manager) UnsubscribeChannel(channel string) error {
	return m.broker.UnsubscribeChannel(channel)
}

// GetMessageHistory returns the registered agent's recent messages.
func (m *Manager) GetMessageHistory(ctx context.Context, agentID string, limit int) ([]*broker.AgentMessage, error) {
	if err := m.checkRegistered(agentID); err != nil {
		return nil, err
	}
	return m.broker.GetMessageHistory(ctx, agentID, limit)
}

// GetHandoffHistory returns the registered agent's recent handoffs.
func (m *Manager) GetHandoffHistory(ctx context.Context, agentID string, limit int) ([]*broker.TaskHandoff, error) {
	if err := m.checkRegistered(agentID); err != nil {
		return nil, err
	}
	return m.broker.GetHandoffHistory(ctx, agentID, limit)
}

// GetStatistics returns a read-only aggregate of registry size, pending
// handoffs initiated through this instance, and broker health. It never
// mutates state.
func (m *Manager) GetStatistics(ctx context.Context) Statistics {
	m.pendingMu.Lock()
	now := time.Now()
	active := 0
	for _, expiresAt := range m.pending {
		if now.Before(expiresAt) {
			active++
		}
	}
	m.pendingMu.Unlock()

	return Statistics{
		ActiveAgents:        m.registry.Count(),
		ActiveHandoffs:      active,
		MessageHistoryLimit: m.historyLimit,
		SystemHealth:        m.broker.HealthCheck(ctx),
	}
}
