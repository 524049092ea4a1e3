// ABOUTME: Client-side connection controller with exponential backoff
// ABOUTME: Maintains one connection, one pending retry timer, and a state machine

package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the controller's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateFailed is terminal: the retry budget is spent and only an
	// explicit Connect call starts a new cycle.
	StateFailed State = "failed"
)

// Controller errors.
var (
	ErrNotConnected    = errors.New("not connected")
	ErrAuthRejected    = errors.New("authentication rejected")
	ErrRetriesExceeded = errors.New("reconnect attempts exceeded")
)

// minBaseDelay is the floor for the first retry delay.
const minBaseDelay = time.Second

// Options tunes the retry schedule.
type Options struct {
	// BaseDelay is the first retry delay. Values under one second are
	// raised to one second.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// MaxAttempts is the number of consecutive failed attempts before
	// the controller gives up. Zero means 10.
	MaxAttempts int
	// AuthTimeout bounds the wait for the relay's auth reply. Zero
	// means 10 seconds.
	AuthTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseDelay < minBaseDelay {
		o.BaseDelay = minBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	return o
}

// Controller owns one connection to the relay and re-establishes it
// after failures. Retries back off exponentially with jitter; at most
// one retry timer is pending at any moment. A successful connection
// resets the attempt counter.
type Controller struct {
	transport Transport
	agentID   string
	token     string
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	attempts int
	backoff  *backoff.ExponentialBackOff
	timer    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	gen      int

	onState    func(State)
	onEnvelope func(*Envelope)
}

// NewController creates a controller. It does not connect; call Connect.
func NewController(transport Transport, agentID, token string, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BaseDelay
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.25
	b.MaxInterval = opts.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	return &Controller{
		transport: transport,
		agentID:   agentID,
		token:     token,
		opts:      opts,
		logger:    logger.With("component", "reconnect", "agent_id", agentID),
		state:     StateDisconnected,
		backoff:   b,
	}
}

// OnStateChange registers an observer called on every transition. Must
// be set before Connect. The callback runs outside the controller lock.
func (c *Controller) OnStateChange(fn func(State)) {
	c.onState = fn
}

// OnEnvelope registers the handler for inbound envelopes. Must be set
// before Connect.
func (c *Controller) OnEnvelope(fn func(*Envelope)) {
	c.onEnvelope = fn
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a connection is currently established.
func (c *Controller) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect starts a connection cycle. The first attempt is synchronous;
// on failure the retry schedule takes over in the background. Calling
// Connect while connected is an error; calling it after StateFailed
// starts a fresh cycle with a reset attempt counter.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return fmt.Errorf("connect: already %s", c.state)
	}
	cctx, cancel := context.WithCancel(ctx)
	c.ctx = cctx
	c.cancel = cancel
	c.attempts = 0
	c.backoff.Reset()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	return c.attempt(gen)
}

// Disconnect closes the connection, cancels any pending retry, and
// resets the attempt counter. The controller will not reconnect until
// Connect is called again.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	c.backoff.Reset()
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if changed {
		c.notify(StateDisconnected)
	}
}

// Send writes an envelope to the current connection.
func (c *Controller) Send(env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	ok := c.state == StateConnected
	c.mu.Unlock()

	if !ok || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteEnvelope(env)
}

// attempt performs one dial plus auth handshake. On failure it either
// schedules the next retry or transitions to StateFailed.
func (c *Controller) attempt(gen int) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.attempts++
	attempt := c.attempts
	ctx := c.ctx
	c.mu.Unlock()
	c.notify(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("connection attempt failed",
			"attempt", attempt,
			"max_attempts", c.opts.MaxAttempts,
			"error", err,
		)
		return c.handleFailure(gen, attempt, err)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()
	c.notify(StateConnected)

	c.logger.Info("connected", "attempt", attempt)
	go c.readLoop(gen, conn)
	return nil
}

// dial establishes the transport connection and completes the auth
// handshake. The auth envelope is always the first frame sent.
func (c *Controller) dial(ctx context.Context) (Conn, error) {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, err
	}

	env, err := NewEnvelope(TypeAuth, AuthPayload{AgentID: c.agentID, Token: c.token})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteEnvelope(env); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	type readResult struct {
		env *Envelope
		err error
	}
	replyCh := make(chan readResult, 1)
	go func() {
		reply, err := conn.ReadEnvelope()
		replyCh <- readResult{reply, err}
	}()

	var reply *Envelope
	select {
	case res := <-replyCh:
		if res.err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("read auth reply: %w", res.err)
		}
		reply = res.env
	case <-time.After(c.opts.AuthTimeout):
		_ = conn.Close()
		return nil, errors.New("auth reply timeout")
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	}

	if reply.Type != TypeAuthOK {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: got %s", ErrAuthRejected, reply.Type)
	}
	return conn, nil
}

// handleFailure schedules the next retry or gives up.
func (c *Controller) handleFailure(gen, attempt int, cause error) error {
	if attempt >= c.opts.MaxAttempts {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil
		}
		c.state = StateFailed
		c.mu.Unlock()
		c.notify(StateFailed)
		c.logger.Error("giving up after max attempts", "attempts", attempt)
		return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExceeded, attempt, cause)
	}

	delay := c.nextDelay()
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDisconnected
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		_ = c.attempt(gen)
	})
	c.mu.Unlock()
	c.notify(StateDisconnected)

	c.logger.Info("retry scheduled", "delay", delay, "attempt", attempt)
	return nil
}

// nextDelay returns the next backoff interval with jitter applied.
func (c *Controller) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.NextBackOff()
}

// readLoop pumps inbound envelopes until the connection fails, then
// starts the retry schedule.
func (c *Controller) readLoop(gen int, conn Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			_ = conn.Close()

			c.mu.Lock()
			stale := gen != c.gen
			if !stale {
				c.conn = nil
			}
			c.mu.Unlock()
			if stale {
				return
			}

			c.logger.Warn("connection lost", "error", err)
			_ = c.attempt(gen)
			return
		}

		if env.Type == TypePing {
			if pong, perr := NewEnvelope(TypePong, nil); perr == nil {
				_ = conn.WriteEnvelope(pong)
			}
			continue
		}

		if c.onEnvelope != nil {
			c.onEnvelope(env)
		}
	}
}

func (c *Controller) notify(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}
