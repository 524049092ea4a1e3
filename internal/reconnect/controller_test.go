// ABOUTME: Tests for the reconnect controller
// ABOUTME: Uses a scripted fake transport; no network involved

package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a scriptable connection. Reads block on the inbound
// channel; writes are recorded and the first write (the auth envelope)
// is answered per the script.
type fakeConn struct {
	mu      sync.Mutex
	writes  []*Envelope
	inbound chan *Envelope
	closed  chan struct{}
	once    sync.Once

	// authReply is queued on the first write. Nil means stay silent.
	authReply *Envelope
}

func newFakeConn(authReply *Envelope) *fakeConn {
	return &fakeConn{
		inbound:   make(chan *Envelope, 16),
		closed:    make(chan struct{}),
		authReply: authReply,
	}
}

func (c *fakeConn) WriteEnvelope(env *Envelope) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}

	c.mu.Lock()
	first := len(c.writes) == 0
	c.writes = append(c.writes, env)
	c.mu.Unlock()

	if first && c.authReply != nil {
		c.inbound <- c.authReply
	}
	return nil
}

func (c *fakeConn) ReadEnvelope() (*Envelope, error) {
	select {
	case env := <-c.inbound:
		return env, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, len(c.writes))
	for i, env := range c.writes {
		types[i] = env.Type
	}
	return types
}

// fakeTransport returns scripted connections in dial order. Running out
// of script entries fails the dial.
type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if len(t.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	conn := t.conns[0]
	t.conns = t.conns[1:]
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func authOK(t *testing.T) *Envelope {
	t.Helper()
	env, err := NewEnvelope(TypeAuthOK, nil)
	require.NoError(t, err)
	return env
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestController_ConnectSendsAuthFirst(t *testing.T) {
	conn := newFakeConn(authOK(t))
	transport := &fakeTransport{conns: []*fakeConn{conn}}
	c := NewController(transport, "planner", "tok-123", Options{}, testLogger())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())

	types := conn.sentTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, TypeAuth, types[0])

	var payload AuthPayload
	require.NoError(t, json.Unmarshal(conn.writes[0].Payload, &payload))
	assert.Equal(t, "planner", payload.AgentID)
	assert.Equal(t, "tok-123", payload.Token)
}

func TestController_StateTransitions(t *testing.T) {
	conn := newFakeConn(authOK(t))
	transport := &fakeTransport{conns: []*fakeConn{conn}}
	c := NewController(transport, "planner", "tok", Options{}, testLogger())

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	c.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}

func TestController_ConnectWhileConnected(t *testing.T) {
	conn := newFakeConn(authOK(t))
	transport := &fakeTransport{conns: []*fakeConn{conn}}
	c := NewController(transport, "planner", "tok", Options{}, testLogger())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	assert.Error(t, c.Connect(context.Background()))
}

func TestController_AuthRejected(t *testing.T) {
	reject, err := NewEnvelope(TypeError, ErrorPayload{Code: "auth_failed", Message: "bad token"})
	require.NoError(t, err)

	conn := newFakeConn(reject)
	transport := &fakeTransport{conns: []*fakeConn{conn}}
	c := NewController(transport, "planner", "bad", Options{MaxAttempts: 1}, testLogger())

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExceeded)
	assert.Equal(t, StateFailed, c.State())
}

func TestController_MaxAttemptsTerminal(t *testing.T) {
	transport := &fakeTransport{} // every dial refused
	c := NewController(transport, "planner", "tok", Options{MaxAttempts: 1}, testLogger())

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrRetriesExceeded)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 1, transport.dialCount())

	// No timer pending in the terminal state
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, transport.dialCount())
}

func TestController_ReconnectAfterFailedState(t *testing.T) {
	transport := &fakeTransport{}
	c := NewController(transport, "planner", "tok", Options{MaxAttempts: 1}, testLogger())

	require.ErrorIs(t, c.Connect(context.Background()), ErrRetriesExceeded)

	// A fresh Connect leaves the terminal state with a reset budget
	transport.mu.Lock()
	transport.conns = []*fakeConn{newFakeConn(authOK(t))}
	transport.mu.Unlock()

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.True(t, c.IsConnected())
}

func TestController_DisconnectCancelsPendingRetry(t *testing.T) {
	transport := &fakeTransport{}
	c := NewController(transport, "planner", "tok", Options{MaxAttempts: 5}, testLogger())

	// First attempt fails and schedules a retry roughly a second out
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, transport.dialCount())

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// The cancelled timer must never fire another dial
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 1, transport.dialCount())
}

func TestController_RedialsAfterConnectionLoss(t *testing.T) {
	first := newFakeConn(authOK(t))
	second := newFakeConn(authOK(t))
	transport := &fakeTransport{conns: []*fakeConn{first, second}}
	c := NewController(transport, "planner", "tok", Options{}, testLogger())
	defer c.Disconnect()

	var mu sync.Mutex
	connects := 0
	c.OnStateChange(func(s State) {
		if s == StateConnected {
			mu.Lock()
			connects++
			mu.Unlock()
		}
	})

	require.NoError(t, c.Connect(context.Background()))

	// Drop the connection; the controller redials immediately
	first.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsConnected())
	assert.Equal(t, 2, transport.dialCount())
}

func TestController_Send(t *testing.T) {
	conn := newFakeConn(authOK(t))
	transport := &fakeTransport{conns: []*fakeConn{conn}}
	c := NewController(transport, "planner", "tok", Options{}, testLogger())

	env, err := NewEnvelope(TypeMessage, map[string]string{"to": "coder", "content": "hi"})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Send(env), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	require.NoError(t, c.Send(env))

	types := conn.sentTypes()
	assert.Equal(t, []string{TypeAuth, TypeMessage}, types)
}

func TestController_DeliversEnvelopes(t *testing.T) {
	conn := newFakeConn(authOK(t))
	transport := &fakeTransport{conns: []*fakeConn{conn}}
	c := NewController(transport, "planner", "tok", Options{}, testLogger())
	defer c.Disconnect()

	received := make(chan *Envelope, 1)
	c.OnEnvelope(func(env *Envelope) { received <- env })

	require.NoError(t, c.Connect(context.Background()))

	msg, err := NewEnvelope(TypeMessage, map[string]string{"content": "hello"})
	require.NoError(t, err)
	conn.inbound <- msg

	select {
	case env := <-received:
		assert.Equal(t, TypeMessage, env.Type)
		assert.Equal(t, msg.ID, env.ID)
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestController_AnswersPings(t *testing.T) {
	conn := newFakeConn(authOK(t))
	transport := &fakeTransport{conns: []*fakeConn{conn}}
	c := NewController(transport, "planner", "tok", Options{}, testLogger())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))

	ping, err := NewEnvelope(TypePing, nil)
	require.NoError(t, err)
	conn.inbound <- ping

	require.Eventually(t, func() bool {
		for _, typ := range conn.sentTypes() {
			if typ == TypePong {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestController_BackoffSchedule(t *testing.T) {
	c := NewController(&fakeTransport{}, "planner", "tok",
		Options{BaseDelay: time.Second, MaxDelay: 4 * time.Second}, testLogger())

	within := func(d, center time.Duration) bool {
		lo := center - center/4
		hi := center + center/4
		return d >= lo && d <= hi
	}

	d1 := c.nextDelay()
	d2 := c.nextDelay()
	d3 := c.nextDelay()
	assert.True(t, within(d1, time.Second), "first delay %s", d1)
	assert.True(t, within(d2, 2*time.Second), "second delay %s", d2)
	assert.True(t, within(d3, 4*time.Second), "third delay %s", d3)

	// Capped at MaxDelay plus jitter from here on
	for i := 0; i < 5; i++ {
		d := c.nextDelay()
		assert.LessOrEqual(t, d, 5*time.Second, "capped delay %s", d)
	}
}

func TestController_BackoffGrowthAndCap(t *testing.T) {
	c := NewController(&fakeTransport{}, "planner", "tok",
		Options{BaseDelay: time.Second, MaxDelay: 60 * time.Second}, testLogger())

	// Five consecutive failures: 1s, 2s, 4s, 8s, 16s, each within 25%
	// jitter, never decreasing
	var prev time.Duration
	for i, center := range []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	} {
		d := c.nextDelay()
		assert.GreaterOrEqual(t, d, center-center/4, "delay %d too short: %s", i+1, d)
		assert.LessOrEqual(t, d, center+center/4, "delay %d too long: %s", i+1, d)
		assert.GreaterOrEqual(t, d, prev, "delays must not decrease")
		prev = d
	}
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, time.Second, o.BaseDelay)
	assert.Equal(t, 60*time.Second, o.MaxDelay)
	assert.Equal(t, 10, o.MaxAttempts)

	// Sub-second base delays are raised to the floor
	o = Options{BaseDelay: 10 * time.Millisecond}.withDefaults()
	assert.Equal(t, time.Second, o.BaseDelay)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeAuth, AuthPayload{AgentID: "planner", Token: "tok"})
	require.NoError(t, err)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.Timestamp.IsZero())

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, TypeAuth, decoded.Type)

	var payload AuthPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &payload))
	assert.Equal(t, "planner", payload.AgentID)
}
