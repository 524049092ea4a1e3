// ABOUTME: In-process fan-out emitter for manager lifecycle events
// ABOUTME: Observers subscribe explicitly; there is no ambient global dispatch

package comms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each observer.
	subscriberBufferSize = 64
)

// EventType classifies manager lifecycle events.
type EventType string

const (
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentUnregistered EventType = "agent_unregistered"
)

// Event is a process-local notification about this manager instance.
type Event struct {
	Type      EventType
	AgentID   string
	Timestamp time.Time
}

// Emitter provides in-process pub/sub for manager events. Observers are
// other in-process components (logging, relay sessions); delivery is
// non-blocking and events are dropped for observers whose channels are full.
type Emitter struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	logger      *slog.Logger
}

// NewEmitter creates an emitter. Pass nil logger for default.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "emitter"),
	}
}

// Subscribe registers an observer. Returns a channel that receives events
// and a subscription id for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (e *Emitter) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	e.mu.Lock()
	e.subscribers[subID] = ch
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.Unsubscribe(subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (e *Emitter) Unsubscribe(subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.subscribers[subID]
	if !ok {
		return
	}
	delete(e.subscribers, subID)
	close(ch)
}

// Emit sends an event to all observers without blocking.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Sends happen under the read lock: Unsubscribe and Close take the
	// write lock before closing a channel, so no send can hit a closed
	// channel. The sends never block, so holding the lock is cheap.
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			e.logger.Debug("dropped event for slow observer",
				"type", event.Type,
				"agent_id", event.AgentID)
		}
	}
}

// Close shuts down the emitter and closes all observer channels.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for subID, ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, subID)
	}
}
