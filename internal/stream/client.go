package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Client is one open event stream.
type Client struct {
	id     string
	userID string
	gw     *Gateway
	w      http.ResponseWriter

	buffered atomic.Int64
	out      chan []byte

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
}

func newClient(gw *Gateway, userID string, w http.ResponseWriter) *Client {
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		gw:     gw,
		w:      w,
		out:    make(chan []byte, gw.opts.QueueSize),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) CloseReason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// Done is closed when the stream has been ended by the gateway.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) enqueue(frame []byte) error {
	if c.Closed() {
		return ErrClosed
	}
	if c.buffered.Load() > c.gw.opts.MaxBufferedBytes {
		return ErrBackpressure
	}
	n := int64(len(frame))
	c.buffered.Add(n)
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		c.buffered.Add(-n)
		return ErrClosed
	default:
		c.buffered.Add(-n)
		return ErrBackpressure
	}
}

// Serve writes the stream headers and then queued frames until the request
// context ends or the gateway removes the client. It must run on the request
// goroutine.
func (c *Client) Serve(ctx context.Context) {
	rc := http.NewResponseController(c.w)
	h := c.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.w.WriteHeader(http.StatusOK)
	if err := flush(rc); err != nil {
		c.gw.drop(c, ReasonSendError)
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.gw.drop(c, ReasonClientClosed)
			return
		case <-c.done:
			return
		case frame := <-c.out:
			err := c.write(rc, frame)
			c.buffered.Add(-int64(len(frame)))
			if err != nil {
				c.gw.log.Debug("stream write failed", "userID", c.userID, "client", c.id, "error", err)
				c.gw.drop(c, ReasonSendError)
				return
			}
		}
	}
}

func (c *Client) write(rc *http.ResponseController, frame []byte) error {
	if err := rc.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return flush(rc)
}

func flush(rc *http.ResponseController) error {
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// markClosed ends a client that was never registered.
func (c *Client) markClosed(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
	})
}

func (c *Client) close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
		c.gw.metrics.ConnectionClosed(transport, reason)
		c.gw.log.Debug("stream client closed", "userID", c.userID, "client", c.id, "reason", reason)
	})
}
