// ABOUTME: Per-connection session for an authenticated agent
// ABOUTME: Read pump dispatches operations; write pump pushes notifications

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/broker"
	"github.com/2389/coven-relay/internal/comms"
	"github.com/2389/coven-relay/internal/reconnect"
	"github.com/2389/coven-relay/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

// session is one authenticated agent connection. It lives until the
// socket fails or the agent disconnects.
type session struct {
	agentID string
	conn    *websocket.Conn
	manager *comms.Manager
	logger  *slog.Logger

	send      chan *reconnect.Envelope
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(agentID string, conn *websocket.Conn, manager *comms.Manager, logger *slog.Logger) *session {
	return &session{
		agentID: agentID,
		conn:    conn,
		manager: manager,
		logger:  logger.With("agent_id", agentID),
		send:    make(chan *reconnect.Envelope, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// run subscribes the agent, starts both pumps, and blocks until the
// connection ends. Cleanup always unsubscribes and unregisters.
func (s *session) run(ctx context.Context) {
	if err := s.manager.SubscribeAgent(ctx, s.agentID, s.onNotification); err != nil {
		s.logger.Error("subscribe failed", "error", err)
		s.close()
		return
	}
	defer func() {
		_ = s.manager.UnsubscribeAgent(s.agentID)
		s.manager.UnregisterAgent(s.agentID)
	}()

	go s.writePump()
	s.readPump(ctx)
}

// close tears down the connection once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// enqueue queues an envelope for the write pump without blocking. A
// full queue drops the envelope; live notifications have no replay.
func (s *session) enqueue(env *reconnect.Envelope) {
	select {
	case s.send <- env:
	case <-s.done:
	default:
		s.logger.Warn("send queue full, dropping envelope", "type", env.Type)
	}
}

// onNotification converts broker notifications into outbound envelopes.
func (s *session) onNotification(n *broker.Notification) {
	var (
		envType string
		payload any
	)
	switch n.Kind {
	case broker.NotifyMessage:
		envType = reconnect.TypeMessage
		payload = n.Message
	case broker.NotifyHandoff:
		envType = reconnect.TypeHandoff
		payload = n.Handoff
	case broker.NotifyHandoffResult:
		envType = reconnect.TypeResponse
		payload = n.Handoff
	default:
		s.logger.Warn("unknown notification kind", "kind", n.Kind)
		return
	}

	env, err := reconnect.NewEnvelope(envType, payload)
	if err != nil {
		s.logger.Error("encode notification", "error", err)
		return
	}
	s.enqueue(env)
}

func (s *session) readPump(ctx context.Context) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env reconnect.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("connection error", "error", err)
			}
			return
		}
		s.dispatch(ctx, &env)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case env := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// dispatch routes one inbound envelope to the matching manager call.
// Failures go back to the agent as error envelopes; the connection
// stays open.
func (s *session) dispatch(ctx context.Context, env *reconnect.Envelope) {
	switch env.Type {
	case reconnect.TypeMessage:
		var p MessagePayload
		if !s.decode(env, &p) {
			return
		}
		if _, err := s.manager.SendMessage(ctx, s.agentID, p.To, p.Content); err != nil {
			s.sendError(env.ID, err)
		}

	case reconnect.TypeBroadcast:
		var p BroadcastPayload
		if !s.decode(env, &p) {
			return
		}
		if _, err := s.manager.Broadcast(ctx, s.agentID, p.Channel, p.Content); err != nil {
			s.sendError(env.ID, err)
		}

	case reconnect.TypeHandoff:
		var p HandoffPayload
		if !s.decode(env, &p) {
			return
		}
		id, err := s.manager.HandoffTask(ctx, s.agentID, p.To, p.Task, p.Context, p.Reason)
		if err != nil {
			s.sendError(env.ID, err)
			return
		}
		if ack, aerr := reconnect.NewEnvelope(reconnect.TypeAck, AckPayload{For: env.ID, HandoffID: id}); aerr == nil {
			s.enqueue(ack)
		}

	case reconnect.TypeResponse:
		var p HandoffResponsePayload
		if !s.decode(env, &p) {
			return
		}
		if err := s.manager.RespondToHandoff(ctx, p.HandoffID, s.agentID, p.Accept, p.Reason); err != nil {
			s.sendError(env.ID, err)
		}

	case reconnect.TypeEvent:
		var p EventPayload
		if !s.decode(env, &p) {
			return
		}
		if _, err := s.manager.PublishEvent(ctx, s.agentID, p.Type, p.Data); err != nil {
			s.sendError(env.ID, err)
		}

	case reconnect.TypePing:
		if pong, err := reconnect.NewEnvelope(reconnect.TypePong, nil); err == nil {
			s.enqueue(pong)
		}

	case reconnect.TypePong:
		// Application-level pong, nothing to do

	default:
		s.logger.Warn("unknown envelope type", "type", env.Type)
		s.sendErrorCode(env.ID, CodeBadEnvelope, "unknown envelope type "+env.Type)
	}
}

// decode unmarshals the payload, answering with bad_envelope on failure.
func (s *session) decode(env *reconnect.Envelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		s.logger.Warn("malformed payload", "type", env.Type, "error", err)
		s.sendErrorCode(env.ID, CodeBadEnvelope, "malformed "+env.Type+" payload")
		return false
	}
	return true
}

func (s *session) sendError(forID string, err error) {
	s.sendErrorCode(forID, errorCode(err), err.Error())
}

func (s *session) sendErrorCode(forID, code, message string) {
	env, err := reconnect.NewEnvelope(reconnect.TypeError, reconnect.ErrorPayload{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	env.ID = forID
	s.enqueue(env)
}

// errorCode maps internal errors onto wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, comms.ErrAgentNotRegistered):
		return CodeNotRegistered
	case errors.Is(err, comms.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, broker.ErrHandoffConflict):
		return CodeHandoffConflict
	case errors.Is(err, broker.ErrHandoffExpired):
		return CodeHandoffExpired
	case errors.Is(err, broker.ErrHandoffNotPending), errors.Is(err, broker.ErrHandoffNotFound), errors.Is(err, broker.ErrNotHandoffTarget):
		return CodeHandoffInvalid
	case errors.Is(err, store.ErrUnavailable):
		return CodeStoreFailure
	default:
		return CodeInternal
	}
}
