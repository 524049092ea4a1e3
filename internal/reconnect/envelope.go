// ABOUTME: Wire envelope shared by both ends of a relay connection
// ABOUTME: Every frame is a JSON envelope with id, type, timestamp, and payload

package reconnect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope types exchanged over a relay connection.
const (
	TypeAuth      = "auth"
	TypeAuthOK    = "auth_ok"
	TypeError     = "error"
	TypeMessage   = "message"
	TypeBroadcast = "broadcast"
	TypeHandoff   = "handoff"
	TypeResponse  = "handoff_response"
	TypeEvent     = "event"
	TypeAck       = "ack"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Envelope is the framing for every message on the wire. Payload is
// left raw so each side decodes only the types it handles.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps payload in a fresh envelope. Payload may be nil.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		raw = data
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// AuthPayload is the payload of the auth envelope. It is the first
// frame a client sends on every new connection.
type AuthPayload struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// ErrorPayload is the payload of error envelopes sent by the relay.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
