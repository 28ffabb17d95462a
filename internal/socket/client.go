package socket

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Socket is the part of *websocket.Conn a Client uses.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one live connection. Its writer goroutine owns the socket's write
// side; everything else enqueues frames and lets the byte count decide whether
// the peer is keeping up.
type Client struct {
	id     string
	userID string
	gw     *Gateway
	sock   Socket

	rooms map[string]struct{} // guarded by gw.mu

	alive    atomic.Bool
	buffered atomic.Int64
	out      chan []byte

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
}

func newClient(gw *Gateway, userID string, sock Socket) *Client {
	c := &Client{
		id:     uuid.NewString(),
		userID: userID,
		gw:     gw,
		sock:   sock,
		rooms:  make(map[string]struct{}),
		out:    make(chan []byte, gw.opts.QueueSize),
		done:   make(chan struct{}),
	}
	c.alive.Store(true)
	sock.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Rooms returns the rooms the connection has joined, sorted.
func (c *Client) Rooms() []string {
	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Buffered is the number of bytes queued but not yet written.
func (c *Client) Buffered() int64 { return c.buffered.Load() }

// Closed reports whether the connection has been terminated.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReason is the reason recorded when the connection was terminated.
func (c *Client) CloseReason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// Send writes one envelope to this connection only. A failed send terminates
// the connection.
func (c *Client) Send(event string, payload any) error {
	data, err := encode(event, payload, eventIDFor(payload))
	if err != nil {
		return err
	}
	return c.deliver(data)
}

func (c *Client) deliver(data []byte) error {
	if err := c.enqueue(data); err != nil {
		c.gw.drop(c, reasonFor(err))
		return err
	}
	return nil
}

// enqueue applies the backpressure check before handing data to the writer.
func (c *Client) enqueue(data []byte) error {
	if c.Closed() {
		return ErrClosed
	}
	if c.buffered.Load() > c.gw.opts.MaxBufferedBytes {
		return ErrBackpressure
	}
	n := int64(len(data))
	c.buffered.Add(n)
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		c.buffered.Add(-n)
		return ErrClosed
	default:
		c.buffered.Add(-n)
		return ErrBackpressure
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if wt := c.gw.opts.WriteTimeout; wt > 0 {
				_ = c.sock.SetWriteDeadline(time.Now().Add(wt))
			}
			err := c.sock.WriteMessage(websocket.TextMessage, data)
			c.buffered.Add(-int64(len(data)))
			if err != nil {
				c.gw.log.Debug("write failed", "userID", c.userID, "conn", c.id, "error", err)
				c.gw.drop(c, ReasonSendError)
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.gw.drop(c, ReasonClientClosed)
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		c.handle(data)
	}
}

// handle dispatches one inbound frame. Malformed and unknown frames are
// dropped.
func (c *Client) handle(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.gw.log.Error("inbound handler panicked", "userID", c.userID, "panic", r)
		}
	}()

	if strings.TrimSpace(string(raw)) == TypePing {
		c.alive.Store(true)
		_ = c.deliver([]byte(TypePong))
		return
	}

	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		return
	}
	if h := c.gw.deps.Handler; h != nil && h(c, msg) {
		return
	}

	switch msg.Type {
	case TypePing:
		c.alive.Store(true)
		_ = c.Send(TypePong, nil)
	case TypeJoinRoom:
		if err := c.gw.JoinRoom(c, msg.RoomID); err != nil {
			_ = c.Send(TypeError, map[string]string{"reason": ReasonInvalidRoom})
			return
		}
		_ = c.Send(TypeRoomJoined, map[string]string{"roomId": msg.RoomID})
	case TypeLeaveRoom:
		if err := c.gw.LeaveRoom(c, msg.RoomID); err != nil {
			_ = c.Send(TypeError, map[string]string{"reason": ReasonInvalidRoom})
			return
		}
		_ = c.Send(TypeRoomLeft, map[string]string{"roomId": msg.RoomID})
	}
}

// close terminates the connection once; the first reason wins.
func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode(reason), reason), deadline)
		_ = c.sock.Close()
		c.gw.metrics.ConnectionClosed(transport, reason)
		c.gw.log.Debug("connection closed", slog.String("userID", c.userID), slog.String("conn", c.id), slog.String("reason", reason))
	})
}
