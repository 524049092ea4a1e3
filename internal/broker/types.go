// ABOUTME: Wire-level message and handoff types carried through the shared store
// ABOUTME: Defines AgentMessage, BroadcastMessage, Task, TaskHandoff, and AgentEvent

package broker

import (
	"errors"
	"time"
)

// MessageType distinguishes direct messages from system-generated ones.
type MessageType string

const (
	MessageTypeDirect MessageType = "direct"
	MessageTypeSystem MessageType = "system"
)

// AgentMessage is a unicast message between two agents. The broker assigns
// ID and Timestamp at send time; values supplied by the caller are ignored.
type AgentMessage struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// Validate checks that an AgentMessage has all caller-supplied fields.
func (m *AgentMessage) Validate() error {
	if m.From == "" {
		return errors.New("from is required")
	}
	if m.To == "" {
		return errors.New("to is required")
	}
	if m.Content == "" {
		return errors.New("content is required")
	}
	return nil
}

// BroadcastType classifies broadcast messages.
type BroadcastType string

const (
	BroadcastTypeAnnouncement BroadcastType = "announcement"
	BroadcastTypeAlert        BroadcastType = "alert"
)

// BroadcastMessage is multicast to all current subscribers of a channel.
// Subscribers that connect later do not receive past broadcasts.
type BroadcastMessage struct {
	ID        string        `json:"id"`
	From      string        `json:"from"`
	Channel   string        `json:"channel"`
	Content   string        `json:"content"`
	Type      BroadcastType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
}

// Validate checks that a BroadcastMessage has all caller-supplied fields.
func (m *BroadcastMessage) Validate() error {
	if m.From == "" {
		return errors.New("from is required")
	}
	if m.Channel == "" {
		return errors.New("channel is required")
	}
	if m.Content == "" {
		return errors.New("content is required")
	}
	return nil
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a unit of work owned by whichever agent currently holds it.
// Ownership transfers only through an accepted handoff.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HandoffStatus represents the state of a proposed ownership transfer.
// Transitions are monotonic: pending moves to exactly one of accepted,
// rejected, or expired, and never leaves a terminal state.
type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffAccepted HandoffStatus = "accepted"
	HandoffRejected HandoffStatus = "rejected"
	HandoffExpired  HandoffStatus = "expired"
)

// Terminal reports whether the status is one a handoff can never leave.
func (s HandoffStatus) Terminal() bool {
	return s == HandoffAccepted || s == HandoffRejected || s == HandoffExpired
}

// TaskBundle carries a task together with the context the receiving agent
// needs to pick it up.
type TaskBundle struct {
	Task         Task           `json:"task"`
	Context      map[string]any `json:"context,omitempty"`
	Files        []string       `json:"files,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// TaskHandoff is a proposed transfer of a Task's ownership from one agent
// to another. Immutable after creation except for Status and the response
// fields set when it resolves.
type TaskHandoff struct {
	ID             string        `json:"id"`
	From           string        `json:"from"`
	To             string        `json:"to"`
	Task           TaskBundle    `json:"task"`
	Reason         string        `json:"reason,omitempty"`
	Status         HandoffStatus `json:"status"`
	ResponseReason string        `json:"response_reason,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	RespondedAt    *time.Time    `json:"responded_at,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// Validate checks that a TaskHandoff has all caller-supplied fields.
func (h *TaskHandoff) Validate() error {
	if h.From == "" {
		return errors.New("from is required")
	}
	if h.To == "" {
		return errors.New("to is required")
	}
	if h.Task.Task.ID == "" {
		return errors.New("task id is required")
	}
	return nil
}

// AgentEvent is a fire-and-forget lifecycle notification. It is never
// acknowledged and carries no history guarantee beyond what live
// subscribers observe.
type AgentEvent struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Well-known agent event types.
const (
	EventStatusChange = "status_change"
	EventTaskProgress = "task_progress"
)

// Notification kinds published on per-agent channels.
const (
	NotifyMessage       = "message"
	NotifyHandoff       = "handoff"
	NotifyHandoffResult = "handoff_result"
)

// Notification is the envelope published on an agent's private channel.
// Exactly one of the payload fields is set, selected by Kind.
type Notification struct {
	Kind    string        `json:"kind"`
	Message *AgentMessage `json:"message,omitempty"`
	Handoff *TaskHandoff  `json:"handoff,omitempty"`
}
