// ABOUTME: Message broker built on the store client's primitives
// ABOUTME: Implements the four message types and the handoff state machine

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/store"
)

// ErrHandoffConflict indicates a pending handoff already exists for the task.
var ErrHandoffConflict = errors.New("handoff already pending for task")

// ErrHandoffNotFound indicates the handoff does not exist (or its record
// aged out of the retention window).
var ErrHandoffNotFound = errors.New("handoff not found")

// ErrHandoffExpired indicates the handoff's response window elapsed.
var ErrHandoffExpired = errors.New("handoff expired")

// ErrHandoffNotPending indicates the handoff already resolved.
var ErrHandoffNotPending = errors.New("handoff is not pending")

// ErrNotHandoffTarget indicates the responder is not the handoff's target.
var ErrNotHandoffTarget = errors.New("handoff is not addressed to responder")

// Options configures broker timing and retention.
type Options struct {
	// HandoffTimeout is the window a handoff target has to respond.
	HandoffTimeout time.Duration

	// HandoffRetention is how long a handoff record stays readable past
	// its response window, so readers can reconcile expiry instead of
	// seeing the record vanish.
	HandoffRetention time.Duration

	// HistoryLimit bounds per-agent message and handoff history lists.
	HistoryLimit int

	// HistoryTTL is the retention window for history lists.
	HistoryTTL time.Duration

	// LockTTL bounds how long a crashed initiator can hold a task's
	// initiation lock.
	LockTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandoffTimeout <= 0 {
		o.HandoffTimeout = 5 * time.Minute
	}
	if o.HandoffRetention <= 0 {
		o.HandoffRetention = time.Hour
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 100
	}
	if o.HistoryTTL <= 0 {
		o.HistoryTTL = 24 * time.Hour
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
	return o
}

// Broker turns the store client's primitives into direct messages,
// broadcasts, task handoffs, and lifecycle events. It holds no per-message
// state of its own; everything lives in the shared store so multiple broker
// instances can serve the same agents.
type Broker struct {
	client store.Client
	opts   Options
	logger *slog.Logger
}

// New creates a Broker on top of a connected store client.
// Pass nil logger for default.
func New(client store.Client, opts Options, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "broker"),
	}
}

// SendMessage assigns id and timestamp, publishes on the recipient's
// private channel, then appends to the recipient's bounded history.
//
// Partial-failure contract: a publish failure returns before any history
// write, so nothing was delivered. A history failure after a successful
// publish is still returned as an error — the message may have been
// delivered without a history record (at-least-once, recency-biased
// history).
func (b *Broker) SendMessage(ctx context.Context, msg *AgentMessage) (*AgentMessage, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	out := *msg
	out.ID = uuid.New().String()
	out.Timestamp = time.Now().UTC()
	if out.Type == "" {
		out.Type = MessageTypeDirect
	}

	notif := &Notification{Kind: NotifyMessage, Message: &out}
	if err := b.client.Publish(ctx, agentChannel(out.To), notif); err != nil {
		return nil, fmt.Errorf("publishing message %s: %w", out.ID, err)
	}

	if err := b.client.PushToList(ctx, messageHistoryKey(out.To), &out, b.opts.HistoryLimit, b.opts.HistoryTTL); err != nil {
		return nil, fmt.Errorf("recording message %s after publish: %w", out.ID, err)
	}

	b.logger.Debug("message sent",
		"message_id", out.ID,
		"from", out.From,
		"to", out.To,
	)
	return &out, nil
}

// Broadcast assigns id and timestamp and publishes on the named channel.
// Fire-and-forget: nothing is retried or stored for subscribers that are
// not currently listening.
func (b *Broker) Broadcast(ctx context.Context, msg *BroadcastMessage) (*BroadcastMessage, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid broadcast: %w", err)
	}

	out := *msg
	out.ID = uuid.New().String()
	out.Timestamp = time.Now().UTC()
	if out.Type == "" {
		out.Type = BroadcastTypeAnnouncement
	}

	if err := b.client.Publish(ctx, broadcastChannel(out.Channel), &out); err != nil {
		return nil, fmt.Errorf("publishing broadcast %s: %w", out.ID, err)
	}

	b.logger.Debug("broadcast sent",
		"broadcast_id", out.ID,
		"from", out.From,
		"channel", out.Channel,
	)
	return &out, nil
}

// InitiateHandoff proposes transferring a task to another agent. At most
// one handoff may be pending per task: initiation takes a short per-task
// lock to close the race between concurrent initiators, then checks the
// pending marker. Returns the stored handoff with its assigned id.
func (b *Broker) InitiateHandoff(ctx context.Context, h *TaskHandoff) (*TaskHandoff, error) {
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handoff: %w", err)
	}

	taskID := h.Task.Task.ID
	token, err := b.client.AcquireLock(ctx, handoffLockKey(taskID), b.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("locking task %s: %w", taskID, err)
	}
	if token == "" {
		// Another initiation is in flight for this task right now
		return nil, fmt.Errorf("task %s: %w", taskID, ErrHandoffConflict)
	}
	defer func() {
		if _, err := b.client.ReleaseLock(ctx, handoffLockKey(taskID), token); err != nil {
			b.logger.Warn("releasing handoff lock failed", "task_id", taskID, "error", err)
		}
	}()

	if _, err := b.client.Get(ctx, pendingHandoffKey(taskID)); err == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrHandoffConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking pending handoff for task %s: %w", taskID, err)
	}

	now := time.Now().UTC()
	out := *h
	out.ID = uuid.New().String()
	out.Status = HandoffPending
	out.Timestamp = now
	out.ExpiresAt = now.Add(b.opts.HandoffTimeout)

	// The record outlives the response window by the retention period so
	// late responders get ErrHandoffExpired instead of not-found.
	if err := b.client.SetWithExpiry(ctx, handoffKey(out.ID), &out, b.opts.HandoffTimeout+b.opts.HandoffRetention); err != nil {
		return nil, fmt.Errorf("persisting handoff %s: %w", out.ID, err)
	}
	if err := b.client.SetWithExpiry(ctx, pendingHandoffKey(taskID), out.ID, b.opts.HandoffTimeout); err != nil {
		return nil, fmt.Errorf("marking task %s pending: %w", taskID, err)
	}

	for _, agentID := range []string{out.From, out.To} {
		if err := b.client.PushToList(ctx, handoffHistoryKey(agentID), &out, b.opts.HistoryLimit, b.opts.HistoryTTL); err != nil {
			return nil, fmt.Errorf("recording handoff %s: %w", out.ID, err)
		}
	}

	notif := &Notification{Kind: NotifyHandoff, Handoff: &out}
	if err := b.client.Publish(ctx, agentChannel(out.To), notif); err != nil {
		return nil, fmt.Errorf("notifying %s of handoff %s: %w", out.To, out.ID, err)
	}

	b.logger.Info("handoff initiated",
		"handoff_id", out.ID,
		"task_id", taskID,
		"from", out.From,
		"to", out.To,
		"expires_at", out.ExpiresAt,
	)
	return &out, nil
}

// RespondToHandoff resolves a pending handoff. Only the target agent may
// respond, only while the handoff is pending and unexpired. The resolution
// runs under the task's handoff lock so concurrent responses cannot both
// pass the pending check and overwrite each other's terminal status. On
// accept the task's ownership moves to the responder; either way the
// initiating agent is notified on its private channel.
func (b *Broker) RespondToHandoff(ctx context.Context, handoffID, responderID string, accept bool, reason string) error {
	// Fetch once outside the lock to learn the task id; the record's task
	// binding never changes, so it is safe to key the lock off this read.
	h, err := b.getHandoff(ctx, handoffID)
	if err != nil {
		return err
	}
	taskID := h.Task.Task.ID

	token, err := b.client.AcquireLock(ctx, handoffLockKey(taskID), b.opts.LockTTL)
	if err != nil {
		return fmt.Errorf("locking task %s: %w", taskID, err)
	}
	if token == "" {
		return fmt.Errorf("task %s: %w", taskID, ErrHandoffConflict)
	}
	defer func() {
		if _, err := b.client.ReleaseLock(ctx, handoffLockKey(taskID), token); err != nil {
			b.logger.Warn("releasing handoff lock failed", "task_id", taskID, "error", err)
		}
	}()

	// Re-read under the lock: a concurrent response may have resolved the
	// handoff between the unlocked fetch and lock acquisition.
	h, err = b.getHandoff(ctx, handoffID)
	if err != nil {
		return err
	}

	if h.To != responderID {
		return fmt.Errorf("handoff %s: %w", handoffID, ErrNotHandoffTarget)
	}
	if h.Status != HandoffPending {
		return fmt.Errorf("handoff %s is %s: %w", handoffID, h.Status, ErrHandoffNotPending)
	}
	now := time.Now().UTC()
	if now.After(h.ExpiresAt) {
		return fmt.Errorf("handoff %s: %w", handoffID, ErrHandoffExpired)
	}

	h.RespondedAt = &now
	h.ResponseReason = reason
	if accept {
		h.Status = HandoffAccepted
		h.Task.Task.CreatedBy = responderID
		h.Task.Task.Status = TaskStatusInProgress
		h.Task.Task.UpdatedAt = now
	} else {
		h.Status = HandoffRejected
	}

	if err := b.client.SetWithExpiry(ctx, handoffKey(h.ID), h, b.opts.HandoffRetention); err != nil {
		return fmt.Errorf("persisting handoff %s resolution: %w", h.ID, err)
	}
	if err := b.client.Delete(ctx, pendingHandoffKey(h.Task.Task.ID)); err != nil {
		return fmt.Errorf("clearing pending marker for task %s: %w", h.Task.Task.ID, err)
	}

	notif := &Notification{Kind: NotifyHandoffResult, Handoff: h}
	if err := b.client.Publish(ctx, agentChannel(h.From), notif); err != nil {
		return fmt.Errorf("notifying %s of handoff %s result: %w", h.From, h.ID, err)
	}

	b.logger.Info("handoff resolved",
		"handoff_id", h.ID,
		"task_id", h.Task.Task.ID,
		"status", h.Status,
		"responder", responderID,
	)
	return nil
}

// PublishEvent assigns id and timestamp and publishes on the well-known
// events channel. Fire-and-forget, no history.
func (b *Broker) PublishEvent(ctx context.Context, ev *AgentEvent) (*AgentEvent, error) {
	if ev.AgentID == "" {
		return nil, errors.New("invalid event: agent_id is required")
	}
	if ev.Type == "" {
		return nil, errors.New("invalid event: type is required")
	}

	out := *ev
	out.ID = uuid.New().String()
	out.Timestamp = time.Now().UTC()

	if err := b.client.Publish(ctx, eventsChannel, &out); err != nil {
		return nil, fmt.Errorf("publishing event %s: %w", out.ID, err)
	}
	return &out, nil
}

// GetHandoff returns the handoff by id, with expiry reconciled: a stored
// record that still says pending past its ExpiresAt reads as expired.
func (b *Broker) GetHandoff(ctx context.Context, handoffID string) (*TaskHandoff, error) {
	h, err := b.getHandoff(ctx, handoffID)
	if err != nil {
		return nil, err
	}
	reconcileExpiry(h)
	return h, nil
}

// getHandoff fetches the raw stored record without reconciling expiry.
func (b *Broker) getHandoff(ctx context.Context, handoffID string) (*TaskHandoff, error) {
	data, err := b.client.Get(ctx, handoffKey(handoffID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("handoff %s: %w", handoffID, ErrHandoffNotFound)
		}
		return nil, fmt.Errorf("fetching handoff %s: %w", handoffID, err)
	}

	var h TaskHandoff
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decoding handoff %s: %w", handoffID, err)
	}
	return &h, nil
}

// GetMessageHistory returns the agent's most recent messages, newest first.
// The list is already trimmed at write time; this never scans beyond limit.
func (b *Broker) GetMessageHistory(ctx context.Context, agentID string, limit int) ([]*AgentMessage, error) {
	if limit <= 0 || limit > b.opts.HistoryLimit {
		limit = b.opts.HistoryLimit
	}

	entries, err := b.client.GetList(ctx, messageHistoryKey(agentID), limit)
	if err != nil {
		return nil, fmt.Errorf("fetching message history for %s: %w", agentID, err)
	}

	msgs := make([]*AgentMessage, 0, len(entries))
	for _, entry := range entries {
		var m AgentMessage
		if err := json.Unmarshal(entry, &m); err != nil {
			b.logger.Warn("dropping malformed history entry", "agent_id", agentID, "error", err)
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// GetHandoffHistory returns the agent's most recent handoffs, newest first.
// Each entry is overlaid with the current record when one still exists, and
// expiry is reconciled: entries stored as pending whose window has elapsed
// are reported as expired.
func (b *Broker) GetHandoffHistory(ctx context.Context, agentID string, limit int) ([]*TaskHandoff, error) {
	if limit <= 0 || limit > b.opts.HistoryLimit {
		limit = b.opts.HistoryLimit
	}

	entries, err := b.client.GetList(ctx, handoffHistoryKey(agentID), limit)
	if err != nil {
		return nil, fmt.Errorf("fetching handoff history for %s: %w", agentID, err)
	}

	handoffs := make([]*TaskHandoff, 0, len(entries))
	for _, entry := range entries {
		var h TaskHandoff
		if err := json.Unmarshal(entry, &h); err != nil {
			b.logger.Warn("dropping malformed history entry", "agent_id", agentID, "error", err)
			continue
		}

		// History entries are written at initiation; the live record has
		// the current status when the handoff has since resolved.
		if current, err := b.getHandoff(ctx, h.ID); err == nil {
			h = *current
		}
		reconcileExpiry(&h)
		handoffs = append(handoffs, &h)
	}
	return handoffs, nil
}

// reconcileExpiry maps TTL-elapsed-but-still-pending records to expired.
// The store's own TTL eviction is the primary expiry mechanism; this is
// the reader-side fallback.
func reconcileExpiry(h *TaskHandoff) {
	if h.Status == HandoffPending && time.Now().After(h.ExpiresAt) {
		h.Status = HandoffExpired
	}
}

// SubscribeAgent delivers the agent's private-channel notifications to fn.
// Malformed notifications are logged and dropped, never surfaced to fn.
func (b *Broker) SubscribeAgent(ctx context.Context, agentID string, fn func(*Notification)) error {
	return b.client.Subscribe(ctx, agentChannel(agentID), func(channel string, payload []byte) {
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			b.logger.Warn("dropping malformed notification", "channel", channel, "error", err)
			return
		}
		fn(&n)
	})
}

// UnsubscribeAgent removes the agent's private-channel subscription.
func (b *Broker) UnsubscribeAgent(agentID string) error {
	return b.client.Unsubscribe(agentChannel(agentID))
}

// SubscribeChannel delivers broadcasts on the named channel to fn.
func (b *Broker) SubscribeChannel(ctx context.Context, channel string, fn func(*BroadcastMessage)) error {
	return b.client.Subscribe(ctx, broadcastChannel(channel), func(ch string, payload []byte) {
		var m BroadcastMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			b.logger.Warn("dropping malformed broadcast", "channel", ch, "error", err)
			return
		}
		fn(&m)
	})
}

// UnsubscribeChannel removes a broadcast-channel subscription.
func (b *Broker) UnsubscribeChannel(channel string) error {
	return b.client.Unsubscribe(broadcastChannel(channel))
}

// SubscribeEvents delivers lifecycle events to fn.
func (b *Broker) SubscribeEvents(ctx context.Context, fn func(*AgentEvent)) error {
	return b.client.Subscribe(ctx, eventsChannel, func(channel string, payload []byte) {
		var ev AgentEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			b.logger.Warn("dropping malformed event", "channel", channel, "error", err)
			return
		}
		fn(&ev)
	})
}

// HealthCheck reports broker health: healthy only when the store is
// reachable.
func (b *Broker) HealthCheck(ctx context.Context) store.Health {
	return b.client.HealthCheck(ctx)
}
