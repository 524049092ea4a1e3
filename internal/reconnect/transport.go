// ABOUTME: Transport abstraction for relay client connections
// ABOUTME: Websocket is the production transport; tests supply fakes

package reconnect

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a single established connection. Implementations must allow
// one concurrent reader and any number of concurrent writers; the read
// loop's pong replies share the connection with application sends.
type Conn interface {
	// WriteEnvelope sends one envelope.
	WriteEnvelope(env *Envelope) error
	// ReadEnvelope blocks until the next envelope arrives or the
	// connection fails.
	ReadEnvelope() (*Envelope, error)
	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// Transport dials new connections. Dial is called once per connection
// attempt, including every reconnect.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketTransport dials a relay websocket endpoint.
type WebsocketTransport struct {
	URL    string
	Header http.Header

	// HandshakeTimeout bounds the dial. Zero means 10 seconds.
	HandshakeTimeout time.Duration
}

// Dial establishes a websocket connection to the configured URL.
func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.URL, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn

	// gorilla/websocket allows only one writer at a time
	writeMu sync.Mutex
}

func (c *wsConn) WriteEnvelope(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *wsConn) ReadEnvelope() (*Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
