// Package transport implements the bidirectional JSON message channel
// spec §6 calls for (WebSocket-style, one endpoint, no multiplexing
// beyond the handle discipline the Session Multiplexer already
// provides), using gorilla/websocket — present in the wider retrieved
// dependency graph for exactly this role.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps one upgraded websocket connection with the read/write
// discipline the gorilla library requires (at most one concurrent
// reader, at most one concurrent writer).
type Conn struct {
	ws        *websocket.Conn
	writeLock chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Upgrade promotes an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &Conn{ws: ws, writeLock: make(chan struct{}, 1)}
	c.writeLock <- struct{}{}
	return c, nil
}

// ReadRaw blocks until the next client frame arrives, or ctx is
// cancelled. This is one of the engine's suspension points (spec §5).
func (c *Conn) ReadRaw(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		_, data, err := c.ws.ReadMessage()
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		c.ws.Close()
		return nil, ctx.Err()
	case r := <-done:
		return r.data, r.err
	}
}

// Send marshals v to JSON and writes it as one text frame. Safe to
// call from multiple goroutines — the gorilla connection permits only
// one writer at a time, enforced here with writeLock.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	<-c.writeLock
	defer func() { c.writeLock <- struct{}{} }()

	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// IsCloseError reports whether err reflects a normal or abnormal
// websocket closure, as opposed to a read/write failure worth logging.
func IsCloseError(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
	) || errors.Is(err, websocket.ErrCloseSent)
}
