// Package socket is the persistent duplex gateway: it authenticates websocket
// handshakes, replays missed history, and fans status events out to every live
// connection of a user or every member of a room.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/statuscast/internal/auth"
	"github.com/ChuLiYu/statuscast/internal/history"
	"github.com/ChuLiYu/statuscast/internal/metrics"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

const transport = "socket"

// Options configures a Gateway. Zero values fall back to DefaultOptions.
type Options struct {
	Disabled              bool
	HeartbeatInterval     time.Duration
	MaxConnectionsPerUser int
	MaxBufferedBytes      int64
	WriteTimeout          time.Duration
	CatchupTimeout        time.Duration
	QueueSize             int
	ReadLimit             int64
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:     25 * time.Second,
		MaxConnectionsPerUser: 5,
		MaxBufferedBytes:      64 * 1024,
		WriteTimeout:          10 * time.Second,
		CatchupTimeout:        2 * time.Second,
		QueueSize:             256,
		ReadLimit:             64 * 1024,
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
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	return o
}

// HistoryReader is the catch-up source.
type HistoryReader interface {
	Catchup(ctx context.Context, req history.CatchupRequest) history.CatchupResult
}

// MessageHandler may take over an inbound frame before the built-in room
// handling runs. It returns true when it handled msg.
type MessageHandler func(c *Client, msg Inbound) bool

// Deps are the collaborators of a Gateway. History, Handler and Metrics are
// optional.
type Deps struct {
	History HistoryReader
	Auth    auth.Authenticator
	Origins auth.OriginPolicy
	Metrics metrics.Sink
	Handler MessageHandler
}

// Gateway owns every socket connection of this process.
type Gateway struct {
	opts     Options
	deps     Deps
	metrics  metrics.Sink
	upgrader websocket.Upgrader
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	users map[string]map[*Client]struct{}
	rooms map[string]map[*Client]struct{}
	total int
}

// New builds a Gateway.
func New(opts Options, deps Deps) *Gateway {
	opts = opts.withDefaults()
	sink := deps.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Gateway{
		opts:    opts,
		deps:    deps,
		metrics: sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is checked against the allow-list before upgrading.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   slog.Default().With("component", "socket"),
		now:   time.Now,
		users: make(map[string]map[*Client]struct{}),
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// Options returns the effective options.
func (g *Gateway) Options() Options { return g.opts }

// CanAcceptClient reports whether userID is below the connection cap.
func (g *Gateway) CanAcceptClient(userID string) bool {
	if g.opts.Disabled {
		return false
	}
	return g.ConnectionCount(userID) < g.opts.MaxConnectionsPerUser
}

// ConnectionCount returns the live connections of userID.
func (g *Gateway) ConnectionCount(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users[userID])
}

// TotalConnections returns all live connections.
func (g *Gateway) TotalConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// RoomSize returns the number of members of roomID.
func (g *Gateway) RoomSize(roomID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms[roomID])
}

// connect replays catch-up over sock, registers the connection and greets it.
// The connection is not registered when the replay fails.
func (g *Gateway) connect(ctx context.Context, userID, since string, sock Socket) (*Client, error) {
	c := newClient(g, userID, sock)
	go c.writeLoop()

	if err := g.replay(ctx, c, since); err != nil {
		c.close(ReasonCatchupFailed)
		return nil, err
	}
	if err := g.register(c); err != nil {
		if errors.Is(err, ErrConnectionCap) {
			g.metrics.ConnectionRejected(transport, ReasonConnectionCap)
			c.close(ReasonConnectionCap)
		}
		return nil, err
	}
	go c.readLoop()

	greeting := map[string]string{
		"userId":     userID,
		"serverTime": types.FormatTimestamp(g.now()),
	}
	if err := c.Send(TypeConnected, greeting); err != nil {
		return nil, err
	}
	g.log.Debug("connection registered", "userID", userID, "conn", c.id)
	return c, nil
}

func (g *Gateway) replay(ctx context.Context, c *Client, since string) error {
	if g.deps.History == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, g.opts.CatchupTimeout)
	defer cancel()

	res := g.deps.History.Catchup(cctx, history.CatchupRequest{UserID: c.userID, Since: since})
	if !res.OK {
		g.log.Warn("catch-up unavailable, continuing without replay", "userID", c.userID)
		return nil
	}
	for _, e := range res.Events {
		data, err := encode(types.EventStatus, e, e.EventID)
		if err != nil {
			continue
		}
		if err := c.enqueue(data); err != nil {
			return fmt.Errorf("%w: %v", ErrCatchupFailed, err)
		}
	}
	return nil
}

// register adds c to the user index. A connection that was terminated while
// replaying is refused.
func (g *Gateway) register(c *Client) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.Closed() {
		return ErrClosed
	}
	set := g.users[c.userID]
	if len(set) >= g.opts.MaxConnectionsPerUser {
		return ErrConnectionCap
	}
	if set == nil {
		set = make(map[*Client]struct{})
		g.users[c.userID] = set
	}
	set[c] = struct{}{}
	g.total++
	g.metrics.ConnectionOpened(transport)
	g.metrics.SetActiveConnections(transport, g.total)
	return nil
}

// remove unlinks c from the user index and every room it joined.
func (g *Gateway) remove(c *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.users[c.userID]; ok {
		if _, in := set[c]; in {
			delete(set, c)
			if len(set) == 0 {
				delete(g.users, c.userID)
			}
			g.total--
			g.metrics.SetActiveConnections(transport, g.total)
		}
	}
	for room := range c.rooms {
		g.leaveLocked(c, room)
	}
}

// drop terminates and removes c. Closing first means register and JoinRoom,
// which check Closed under g.mu, cannot relink c after remove.
func (g *Gateway) drop(c *Client, reason string) {
	c.close(reason)
	g.remove(c)
}

// PublishToUser sends one frame to every live connection of userID. All
// connections see the same event id.
func (g *Gateway) PublishToUser(userID, event string, payload any) (d types.Delivery) {
	defer g.recoverPublish(&d)
	g.mu.Lock()
	targets := make([]*Client, 0, len(g.users[userID]))
	for c := range g.users[userID] {
		targets = append(targets, c)
	}
	g.mu.Unlock()
	return g.fanout(targets, event, payload)
}

// PublishToRoom sends one frame to every member of roomID.
func (g *Gateway) PublishToRoom(roomID, event string, payload any) (d types.Delivery) {
	defer g.recoverPublish(&d)
	g.mu.Lock()
	targets := make([]*Client, 0, len(g.rooms[roomID]))
	for c := range g.rooms[roomID] {
		targets = append(targets, c)
	}
	g.mu.Unlock()
	return g.fanout(targets, event, payload)
}

func (g *Gateway) fanout(targets []*Client, event string, payload any) types.Delivery {
	id := eventIDFor(payload)
	d := types.Delivery{EventID: id}
	if len(targets) == 0 {
		return d
	}
	data, err := encode(event, payload, id)
	if err != nil {
		g.log.Warn("publish: encode failed", "event", event, "error", err)
		return d
	}
	for _, c := range targets {
		if err := c.enqueue(data); err != nil {
			g.log.Debug("publish: dropping connection", "userID", c.userID, "conn", c.id, "error", err)
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

func (g *Gateway) recoverPublish(d *types.Delivery) {
	if r := recover(); r != nil {
		g.log.Error("publish panicked", "panic", r)
		*d = types.Delivery{EventID: d.EventID}
	}
}

// JoinRoom adds c to roomID. Only registered, open connections can join.
func (g *Gateway) JoinRoom(c *Client, roomID string) error {
	if !ValidRoomID(roomID) {
		return ErrInvalidRoom
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, registered := g.users[c.userID][c]; !registered || c.Closed() {
		return ErrClosed
	}
	members := g.rooms[roomID]
	if members == nil {
		members = make(map[*Client]struct{})
		g.rooms[roomID] = members
	}
	members[c] = struct{}{}
	c.rooms[roomID] = struct{}{}
	return nil
}

// LeaveRoom removes c from roomID; the room is deleted once empty.
func (g *Gateway) LeaveRoom(c *Client, roomID string) error {
	if !ValidRoomID(roomID) {
		return ErrInvalidRoom
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveLocked(c, roomID)
	return nil
}

func (g *Gateway) leaveLocked(c *Client, roomID string) {
	delete(c.rooms, roomID)
	if members, ok := g.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(g.rooms, roomID)
		}
	}
}

// CloseAll terminates every connection and clears the user and room indexes.
func (g *Gateway) CloseAll(reason string) {
	g.mu.Lock()
	all := make([]*Client, 0, g.total)
	for _, set := range g.users {
		for c := range set {
			c.rooms = make(map[string]struct{})
			all = append(all, c)
		}
	}
	g.users = make(map[string]map[*Client]struct{})
	g.rooms = make(map[string]map[*Client]struct{})
	g.total = 0
	g.metrics.SetActiveConnections(transport, 0)
	g.mu.Unlock()

	for _, c := range all {
		c.close(reason)
	}
	if len(all) > 0 {
		g.log.Info("closed all connections", "count", len(all), "reason", reason)
	}
}

// Run drives the shared heartbeat until ctx is done.
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

// heartbeat terminates connections that missed the previous ping and pings
// the rest.
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

	deadline := time.Now().Add(g.opts.WriteTimeout)
	for _, c := range all {
		if !c.alive.Swap(false) {
			g.drop(c, ReasonHeartbeatTimeout)
			continue
		}
		if err := c.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			g.drop(c, ReasonSendError)
		}
	}
}
