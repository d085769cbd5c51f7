// Package delegate implements the caller side of the fabric: discovering
// nodes on a registry, picking one, reserving points, calling the node
// through the relay or directly, and reconciling the outcome.
package delegate

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfabric/fabric/pkg/wire"
)

// defaultTimeout bounds every request/response round trip.
const defaultTimeout = 15 * time.Second

// Conn is one WebSocket session used request/response style. It is not safe
// for concurrent use; callers issue one request at a time.
type Conn struct {
	ws      *websocket.Conn
	timeout time.Duration
}

// Dial opens a session to a registry, relay, or node endpoint. timeout
// applies to the dial and to every subsequent round trip; zero means the
// default.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws, timeout: timeout}, nil
}

// Close closes the session.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Request sends env and returns the next frame, which on this protocol is
// always the reply (frames on one connection are answered in order).
func (c *Conn) Request(env *wire.Envelope) (*wire.Envelope, error) {
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("send %s: %w", env.Type, err)
	}
	return c.Read()
}

// Read returns the next frame within the session timeout.
func (c *Conn) Read() (*wire.Envelope, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.timeout))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return wire.Decode(raw)
}

// RoundTrip opens a session, performs one request, and closes it.
func RoundTrip(ctx context.Context, url string, env *wire.Envelope, timeout time.Duration) (*wire.Envelope, error) {
	conn, err := Dial(ctx, url, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Request(env)
}

// replyError converts an error envelope into a Go error; nil otherwise.
func replyError(env *wire.Envelope) error {
	if env.Type == "error" {
		msg := env.Str("message")
		if msg == "" {
			msg = "request failed"
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
