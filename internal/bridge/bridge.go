// Package bridge is the single consumer of the broker status channel. Every
// message is validated, appended to history and forwarded to the gateways that
// hold the user's live connections, one message at a time and in arrival order.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/internal/history"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

var ErrSubscriptionClosed = errors.New("bridge: subscription closed")

// DefaultChannel is the broker channel carrying StatusEvent JSON.
const DefaultChannel = "statuscast:status"

// Appender persists an event for catch-up.
type Appender interface {
	Append(ctx context.Context, e types.StatusEvent) history.Result
}

// Publisher delivers an event to a user's live connections. Both gateways
// implement it.
type Publisher interface {
	PublishToUser(userID, event string, payload any) types.Delivery
}

type Options struct {
	Channel        string
	AppendTimeout  time.Duration
	QueueSize      int
	ResubscribeGap time.Duration
}

func DefaultOptions() Options {
	return Options{
		Channel:        DefaultChannel,
		AppendTimeout:  250 * time.Millisecond,
		QueueSize:      1024,
		ResubscribeGap: time.Second,
	}
}

// Bridge connects the broker channel to history and the gateways.
type Bridge struct {
	client  broker.Client
	history Appender
	targets []Publisher
	opts    Options
	log     *slog.Logger
}

// New builds a Bridge. history may be nil; targets may be empty.
func New(client broker.Client, hist Appender, targets []Publisher, opts Options) *Bridge {
	def := DefaultOptions()
	if opts.Channel == "" {
		opts.Channel = def.Channel
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = def.AppendTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.ResubscribeGap <= 0 {
		opts.ResubscribeGap = def.ResubscribeGap
	}
	return &Bridge{
		client:  client,
		history: hist,
		targets: targets,
		opts:    opts,
		log:     slog.Default().With("component", "bridge"),
	}
}

// Run subscribes to the channel and processes messages until ctx is done.
// Subscribe failures, at start or later, are logged and retried every
// ResubscribeGap; Run only returns once ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.client.Subscribe(ctx, b.opts.Channel)
	if err != nil {
		b.log.Warn("bridge subscribe failed, retrying", "channel", b.opts.Channel, "error", err)
		if sub = b.resubscribe(ctx); sub == nil {
			return nil
		}
	} else {
		b.log.Info("bridge subscribed", "channel", b.opts.Channel)
	}

	queue := make(chan []byte, b.opts.QueueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for raw := range queue {
			b.Handle(ctx, raw)
		}
	}()
	defer func() {
		close(queue)
		wg.Wait()
	}()

	for {
		err := b.pump(ctx, sub, queue)
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		b.log.Warn("bridge subscription lost, resubscribing", "channel", b.opts.Channel, "error", err)
		sub = b.resubscribe(ctx)
		if sub == nil {
			return nil
		}
	}
}

func (b *Bridge) pump(ctx context.Context, sub broker.Subscription, queue chan<- []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-sub.Messages():
			if !ok {
				return ErrSubscriptionClosed
			}
			select {
			case queue <- raw:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (b *Bridge) resubscribe(ctx context.Context) broker.Subscription {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.opts.ResubscribeGap):
		}
		sub, err := b.client.Subscribe(ctx, b.opts.Channel)
		if err == nil {
			b.log.Info("bridge resubscribed", "channel", b.opts.Channel)
			return sub
		}
		b.log.Warn("bridge resubscribe failed", "channel", b.opts.Channel, "error", err)
	}
}

// Handle processes one broker message. Invalid messages are discarded. It
// reports whether the event was forwarded.
func (b *Bridge) Handle(ctx context.Context, raw []byte) (forwarded bool) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bridge handler panicked", "panic", r)
			forwarded = false
		}
	}()

	var e types.StatusEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		b.log.Debug("discarding non-JSON message", "error", err)
		return false
	}
	if err := e.Validate(); err != nil {
		b.log.Debug("discarding invalid status event", "error", err)
		return false
	}

	b.appendBounded(ctx, e)

	for _, t := range b.targets {
		d := t.PublishToUser(e.UserID, types.EventStatus, e)
		b.log.Debug("status forwarded", "userID", e.UserID, "eventID", d.EventID, "delivered", d.Delivered)
	}
	return true
}

// appendBounded waits at most AppendTimeout for the history write; a late
// write is abandoned and forwarding continues.
func (b *Bridge) appendBounded(ctx context.Context, e types.StatusEvent) {
	if b.history == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, b.opts.AppendTimeout)
	defer cancel()

	done := make(chan history.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- history.Result{Reason: history.ReasonStoreError}
			}
		}()
		done <- b.history.Append(actx, e)
	}()

	select {
	case res := <-done:
		if !res.OK {
			b.log.Warn("history append failed", "userID", e.UserID, "eventID", e.EventID, "reason", res.Reason)
		}
	case <-actx.Done():
		b.log.Warn("history append timed out", "userID", e.UserID, "eventID", e.EventID, "timeout", b.opts.AppendTimeout)
	}
}
