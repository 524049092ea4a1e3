// ABOUTME: Tests for the local event emitter
// ABOUTME: Covers fan-out, slow observers, and context cleanup

package comms

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_FanOut(t *testing.T) {
	e := NewEmitter(discardLogger())
	defer e.Close()

	ctx := context.Background()
	ch1, _ := e.Subscribe(ctx)
	ch2, _ := e.Subscribe(ctx)

	e.Emit(Event{Type: EventAgentRegistered, AgentID: "planner"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		assert.Equal(t, EventAgentRegistered, ev.Type)
		assert.Equal(t, "planner", ev.AgentID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := NewEmitter(discardLogger())
	defer e.Close()

	ch, id := e.Subscribe(context.Background())
	e.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)

	// No observers left; must not panic
	e.Emit(Event{Type: EventAgentUnregistered, AgentID: "planner"})
}

func TestEmitter_SlowObserverDropped(t *testing.T) {
	e := NewEmitter(discardLogger())
	defer e.Close()

	ch, _ := e.Subscribe(context.Background())

	// Fill the buffer and then some; Emit must never block
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize*2; i++ {
			e.Emit(Event{Type: EventAgentRegistered, AgentID: "noisy"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow observer")
	}

	// The buffered events are still readable
	ev := <-ch
	assert.Equal(t, "noisy", ev.AgentID)
}

func TestEmitter_ConcurrentEmitAndUnsubscribe(t *testing.T) {
	e := NewEmitter(discardLogger())
	defer e.Close()

	// Emit must never send on a channel Unsubscribe has closed
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				e.Emit(Event{Type: EventAgentRegistered, AgentID: "churner"})
			}
		}
	}()

	for i := 0; i < 200; i++ {
		_, id := e.Subscribe(context.Background())
		e.Unsubscribe(id)
	}

	close(stop)
	wg.Wait()
}

func TestEmitter_ContextCancelCleansUp(t *testing.T) {
	e := NewEmitter(discardLogger())
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := e.Subscribe(ctx)
	cancel()

	// The subscription goroutine closes the channel after cancellation
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-ch:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancellation")
		}
	}
}

func TestEmitter_Close(t *testing.T) {
	e := NewEmitter(discardLogger())

	ch, _ := e.Subscribe(context.Background())
	e.Close()

	_, open := <-ch
	require.False(t, open)

	// Emit after close must not panic
	e.Emit(Event{Type: EventAgentRegistered, AgentID: "late"})
}
