// Package history keeps a bounded, per-user, time-ordered log of status events
// in the shared broker so reconnecting clients can catch up on what they missed.
//
// Storage layout: one list per user at KeyPrefix+userID, newest entry first
// (LPUSH). Every append trims the list to MaxEntries and refreshes its TTL, so
// both bounds hold after each write. Reads sort by the derived ts regardless of
// list order.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

const (
	ReasonInvalidEvent = "invalid_event"
	ReasonStoreError   = "store_error"
	ReasonMissingUser  = "missing_user"
)

// Options bounds the buffer.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	MaxReplay  int
	KeyPrefix  string
}

// DefaultOptions mirrors the defaults in configs/statuscast.yaml.
func DefaultOptions() Options {
	return Options{
		TTL:        24 * time.Hour,
		MaxEntries: 100,
		MaxReplay:  50,
		KeyPrefix:  "statuscast:history:",
	}
}

// Result is the outcome of Append. Append never returns an error.
type Result struct {
	OK     bool
	Reason string
}

// CatchupRequest selects what a reconnecting client has not seen yet.
// Since is a timestamp (epoch s/ms or ISO-8601) or a previously seen event id.
type CatchupRequest struct {
	UserID string
	Since  string
}

// CatchupResult carries the replayable events in ascending ts order.
type CatchupResult struct {
	OK     bool
	Events []types.HistoryEntry
}

// Buffer is the history store. It is safe for concurrent use; all state lives
// in the broker.
type Buffer struct {
	client broker.Client
	opts   Options
	log    *slog.Logger
	now    func() time.Time
}

// New builds a Buffer; zero-valued options fall back to DefaultOptions.
func New(client broker.Client, opts Options) *Buffer {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.MaxReplay <= 0 {
		opts.MaxReplay = def.MaxReplay
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = def.KeyPrefix
	}
	return &Buffer{
		client: client,
		opts:   opts,
		log:    slog.Default().With("component", "history"),
		now:    time.Now,
	}
}

func (b *Buffer) key(userID string) string {
	return b.opts.KeyPrefix + userID
}

// Append validates e and pushes it onto the user's list.
func (b *Buffer) Append(ctx context.Context, e types.StatusEvent) Result {
	if err := e.Validate(); err != nil {
		return Result{OK: false, Reason: ReasonInvalidEvent}
	}

	entry := types.NewHistoryEntry(e, b.now())
	raw, err := json.Marshal(entry)
	if err != nil {
		return Result{OK: false, Reason: ReasonInvalidEvent}
	}

	key := b.key(e.UserID)
	if err := b.client.ListPush(ctx, key, raw); err != nil {
		b.log.Warn("append failed", "userID", e.UserID, "eventID", e.EventID, "error", err)
		return Result{OK: false, Reason: ReasonStoreError}
	}
	if err := b.client.ListTrim(ctx, key, 0, int64(b.opts.MaxEntries-1)); err != nil {
		b.log.Warn("trim failed", "userID", e.UserID, "error", err)
		return Result{OK: false, Reason: ReasonStoreError}
	}
	if err := b.client.Expire(ctx, key, b.opts.TTL); err != nil {
		b.log.Warn("expire failed", "userID", e.UserID, "error", err)
		return Result{OK: false, Reason: ReasonStoreError}
	}
	return Result{OK: true}
}

// Catchup returns the user's events newer than req.Since, oldest first,
// truncated to the newest MaxReplay entries.
func (b *Buffer) Catchup(ctx context.Context, req CatchupRequest) CatchupResult {
	if strings.TrimSpace(req.UserID) == "" {
		return CatchupResult{OK: false}
	}

	raws, err := b.client.ListRange(ctx, b.key(req.UserID), 0, int64(b.opts.MaxEntries-1))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.log.Warn("catchup read failed", "userID", req.UserID, "error", err)
		}
		return CatchupResult{OK: false}
	}

	entries := make([]types.HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		entry, ok := decodeEntry(raw)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].TS < entries[j].TS })

	entries = filterSince(entries, req.Since)

	if len(entries) > b.opts.MaxReplay {
		entries = entries[len(entries)-b.opts.MaxReplay:]
	}
	return CatchupResult{OK: true, Events: entries}
}

// decodeEntry parses one stored entry; malformed entries are dropped.
func decodeEntry(raw []byte) (types.HistoryEntry, bool) {
	var entry types.HistoryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, false
	}
	if entry.EventID == "" {
		return entry, false
	}
	if entry.TS == 0 {
		ts, ok := entry.Timestamp()
		if !ok {
			return entry, false
		}
		entry.TS = ts.UnixMilli()
	}
	return entry, true
}

// filterSince applies the cursor to ts-sorted entries. A numeric or ISO cursor
// keeps entries strictly after that instant; otherwise the cursor is an event
// id and entries strictly after its position are kept. An empty or unknown id
// cursor keeps everything.
func filterSince(entries []types.HistoryEntry, since string) []types.HistoryEntry {
	since = strings.TrimSpace(since)
	if since == "" {
		return entries
	}
	if ts, ok := types.ParseTimestamp(since); ok {
		cut := ts.UnixMilli()
		out := entries[:0:0]
		for _, e := range entries {
			if e.TS > cut {
				out = append(out, e)
			}
		}
		return out
	}
	for i, e := range entries {
		if e.EventID == since {
			return entries[i+1:]
		}
	}
	return entries
}
