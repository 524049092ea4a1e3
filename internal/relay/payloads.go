// ABOUTME: Payload shapes for relay operations carried inside envelopes
// ABOUTME: Inbound from agents and outbound notifications share these types

package relay

import (
	"github.com/2389/coven-relay/internal/broker"
)

// MessagePayload asks the relay to deliver a direct message.
type MessagePayload struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// BroadcastPayload asks the relay to publish on a broadcast channel.
type BroadcastPayload struct {
	Channel string `json:"channel"`
	Content string `json:"content"`
}

// HandoffPayload asks the relay to initiate a task handoff.
type HandoffPayload struct {
	To      string         `json:"to"`
	Task    broker.Task    `json:"task"`
	Context map[string]any `json:"context,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// HandoffResponsePayload resolves a pending handoff.
type HandoffResponsePayload struct {
	HandoffID string `json:"handoff_id"`
	Accept    bool   `json:"accept"`
	Reason    string `json:"reason,omitempty"`
}

// EventPayload publishes an agent lifecycle event.
type EventPayload struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// AckPayload confirms a handoff initiation with its assigned id.
type AckPayload struct {
	For       string `json:"for"`
	HandoffID string `json:"handoff_id,omitempty"`
}

// Error codes sent back to agents.
const (
	CodeAuthFailed      = "auth_failed"
	CodeBadEnvelope     = "bad_envelope"
	CodeNotRegistered   = "agent_not_registered"
	CodeRateLimited     = "rate_limited"
	CodeHandoffConflict = "handoff_conflict"
	CodeHandoffExpired  = "handoff_expired"
	CodeHandoffInvalid  = "handoff_not_pending"
	CodeStoreFailure    = "store_unavailable"
	CodeInternal        = "internal"
)
