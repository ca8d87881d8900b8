package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourname/matchmaker-engine/pkg/types"
)

const maxMessageSize = 4096

// Conn adapts a websocket to the session transport. Messages are JSON text
// frames. Only one goroutine may call Recv at a time; Send is safe for
// concurrent use.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade turns an HTTP request into a session connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

func NewConn(c *websocket.Conn) *Conn {
	c.SetReadLimit(maxMessageSize)
	return &Conn{ws: c}
}

// Recv reads the next message. ctx cancellation closes the socket, which is
// the only way to interrupt a blocked read. A frame that is oversized or not
// valid JSON yields an error wrapping types.ErrMalformedMessage; anything
// else is a transport failure.
func (c *Conn) Recv(ctx context.Context) (types.Inbound, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	_, r, err := c.ws.NextReader()
	if err == nil {
		var data []byte
		if data, err = io.ReadAll(r); err == nil {
			var msg types.Inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				return types.Inbound{}, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
			}
			return msg, nil
		}
	}
	if ctx.Err() != nil {
		return types.Inbound{}, ctx.Err()
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return types.Inbound{}, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
	}
	return types.Inbound{}, err
}

func (c *Conn) Send(ctx context.Context, msg types.Outbound) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

// Close sends a normal close frame and closes the socket. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
