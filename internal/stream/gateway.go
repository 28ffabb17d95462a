// Package stream is the one-way event-stream gateway. Each client is a
// long-lived text/event-stream response fed by its own outbound queue; a slow
// or broken client is removed and its response ended.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/statuscast/internal/history"
	"github.com/ChuLiYu/statuscast/internal/metrics"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

const transport = "stream"

const (
	ReasonConnectionCap = "connection_cap"
	ReasonClientClosed  = "client_closed"
	ReasonBackpressure  = "backpressure_drop"
	ReasonSendError     = "send_error"
	ReasonShutdown      = "shutdown"
	ReasonDisabled      = "realtime_disabled"
	ReasonCatchupFailed = "catchup_failed"
)

var (
	ErrBackpressure = errors.New("stream: outbound buffer over threshold")
	ErrClosed       = errors.New("stream: client closed")
)

var heartbeatFrame = []byte(": ping\n\n")

type Options struct {
	Disabled              bool
	HeartbeatInterval     time.Duration
	MaxConnectionsPerUser int
	MaxBufferedBytes      int64
	WriteTimeout          time.Duration
	CatchupTimeout        time.Duration
	QueueSize             int
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:     25 * time.Second,
		MaxConnectionsPerUser: 5,
		MaxBufferedBytes:      64 * 1024,
		WriteTimeout:          10 * time.Second,
		CatchupTimeout:        2 * time.Second,
		QueueSize:             256,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.MaxConnectionsPerUser <= 0 {
		o.MaxConnectionsPerUser = def.MaxConnectionsPerUser
	}
	if o.MaxBufferedBytes <= 0 {
		o.MaxBufferedBytes = def.MaxBufferedBytes
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.CatchupTimeout <= 0 {
		o.CatchupTimeout = def.CatchupTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	return o
}

// HistoryReader is the catch-up source used by Handler.
type HistoryReader interface {
	Catchup(ctx context.Context, req history.CatchupRequest) history.CatchupResult
}

type Deps struct {
	History HistoryReader
	Metrics metrics.Sink
}

// AddResult is the outcome of AddClient.
type AddResult struct {
	OK     bool
	Reason string
}

// Gateway owns every stream client of this process.
type Gateway struct {
	opts    Options
	deps    Deps
	metrics metrics.Sink
	log     *slog.Logger

	mu    sync.Mutex
	users map[string]map[*Client]struct{}
	total int
}

func New(opts Options, deps Deps) *Gateway {
	sink := deps.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Gateway{
		opts:    opts.withDefaults(),
		deps:    deps,
		metrics: sink,
		log:     slog.Default().With("component", "stream"),
		users:   make(map[string]map[*Client]struct{}),
	}
}

func (g *Gateway) Options() Options { return g.opts }

// CanAcceptClient reports whether userID is below the connection cap.
func (g *Gateway) CanAcceptClient(userID string) bool {
	if g.opts.Disabled {
		return false
	}
	return g.ConnectionCount(userID) < g.opts.MaxConnectionsPerUser
}

func (g *Gateway) ConnectionCount(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users[userID])
}

func (g *Gateway) TotalConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// AddClient registers a stream for userID. The caller must then run
// Client.Serve on the request goroutine.
func (g *Gateway) AddClient(userID string, w http.ResponseWriter) (*Client, AddResult) {
	return g.add(userID, w, nil)
}

// add queues replay frames ahead of registration so no live frame can
// overtake them.
func (g *Gateway) add(userID string, w http.ResponseWriter, replay []types.HistoryEntry) (*Client, AddResult) {
	if strings.TrimSpace(userID) == "" {
		return nil, AddResult{OK: false, Reason: "missing_user"}
	}
	if g.opts.Disabled {
		g.metrics.ConnectionRejected(transport, ReasonDisabled)
		return nil, AddResult{OK: false, Reason: ReasonDisabled}
	}
	c := newClient(g, userID, w)
	for _, e := range replay {
		frame, err := encodeFrame(types.EventStatus, e.EventID, e)
		if err != nil {
			continue
		}
		if err := c.enqueue(frame); err != nil {
			c.markClosed(ReasonCatchupFailed)
			g.metrics.ConnectionRejected(transport, ReasonCatchupFailed)
			return nil, AddResult{OK: false, Reason: ReasonCatchupFailed}
		}
	}

	g.mu.Lock()
	set := g.users[userID]
	if len(set) >= g.opts.MaxConnectionsPerUser {
		g.mu.Unlock()
		c.markClosed(ReasonConnectionCap)
		g.metrics.ConnectionRejected(transport, ReasonConnectionCap)
		return nil, AddResult{OK: false, Reason: ReasonConnectionCap}
	}
	if set == nil {
		set = make(map[*Client]struct{})
		g.users[userID] = set
	}
	set[c] = struct{}{}
	g.total++
	g.metrics.ConnectionOpened(transport)
	g.metrics.SetActiveConnections(transport, g.total)
	g.mu.Unlock()

	g.log.Debug("stream client added", "userID", userID, "client", c.id)
	return c, AddResult{OK: true}
}

func (g *Gateway) catchup(ctx context.Context, userID, since string) []types.HistoryEntry {
	if g.deps.History == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, g.opts.CatchupTimeout)
	defer cancel()
	res := g.deps.History.Catchup(cctx, history.CatchupRequest{UserID: userID, Since: since})
	if !res.OK {
		g.log.Warn("catch-up unavailable, continuing without replay", "userID", userID)
		return nil
	}
	return res.Events
}

// RemoveClient unregisters c and ends its stream.
func (g *Gateway) RemoveClient(c *Client) {
	g.drop(c, ReasonClientClosed)
}

func (g *Gateway) remove(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.users[c.userID]
	if !ok {
		return
	}
	if _, in := set[c]; !in {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(g.users, c.userID)
	}
	g.total--
	g.metrics.SetActiveConnections(transport, g.total)
}

func (g *Gateway) drop(c *Client, reason string) {
	g.remove(c)
	c.close(reason)
}

// PublishToUser writes one frame to every stream of userID, all with the same id.
func (g *Gateway) PublishToUser(userID, event string, payload any) (d types.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("publish panicked", "panic", r)
			d = types.Delivery{}
		}
	}()

	id := types.PayloadEventID(payload)
	if id == "" {
		id = uuid.NewString()
	}
	d.EventID = id

	g.mu.Lock()
	targets := make([]*Client, 0, len(g.users[userID]))
	for c := range g.users[userID] {
		targets = append(targets, c)
	}
	g.mu.Unlock()
	if len(targets) == 0 {
		return d
	}

	frame, err := encodeFrame(event, id, payload)
	if err != nil {
		g.log.Warn("publish: encode failed", "event", event, "error", err)
		return d
	}
	for _, c := range targets {
		if err := c.enqueue(frame); err != nil {
			g.drop(c, reasonFor(err))
			continue
		}
		d.Delivered++
	}
	if d.Delivered > 0 {
		g.metrics.EventsPublished(transport, d.Delivered)
	}
	return d
}

// CloseAll ends every stream and empties the user index.
func (g *Gateway) CloseAll(reason string) {
	g.mu.Lock()
	all := make([]*Client, 0, g.total)
	for _, set := range g.users {
		for c := range set {
			all = append(all, c)
		}
	}
	g.users = make(map[string]map[*Client]struct{})
	g.total = 0
	g.metrics.SetActiveConnections(transport, 0)
	g.mu.Unlock()

	for _, c := range all {
		c.close(reason)
	}
}

// Run writes a comment heartbeat to every stream until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.heartbeat()
		}
	}
}

func (g *Gateway) heartbeat() {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("heartbeat panicked", "panic", r)
		}
	}()
	g.mu.Lock()
	all := make([]*Client, 0, g.total)
	for _, set := range g.users {
		for c := range set {
			all = append(all, c)
		}
	}
	g.mu.Unlock()

	for _, c := range all {
		if err := c.enqueue(heartbeatFrame); err != nil {
			g.drop(c, reasonFor(err))
		}
	}
}

// encodeFrame renders "event: <name>\nid: <id>\ndata: <json>\n\n".
func encodeFrame(event, id string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", event, id, data)), nil
}

func reasonFor(err error) string {
	if errors.Is(err, ErrBackpressure) {
		return ReasonBackpressure
	}
	return ReasonSendError
}
