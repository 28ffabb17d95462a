// Package types defines the core domain model shared by the statuscast gateways,
// the fanout bridge and the job queue.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the wire status carried by a StatusEvent.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four wire statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusFinished, StatusFailed:
		return true
	}
	return false
}

var (
	ErrMissingField  = errors.New("status event: missing required field")
	ErrInvalidStatus = errors.New("status event: invalid status")
)

// StatusEvent is one job-subject status change addressed to a user.
// Unknown JSON fields are ignored on decode so producers can add fields freely.
type StatusEvent struct {
	UserID       string   `json:"userId"`
	EventID      string   `json:"eventId"`
	JobSubjectID string   `json:"jobSubjectId"`
	Status       Status   `json:"status"`
	UpdatedAt    string   `json:"updatedAt"`
	Progress     *float64 `json:"progress,omitempty"`
}

// Validate checks that every required field is non-empty and the status is known.
func (e StatusEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.UserID) == "":
		return fmt.Errorf("%w: userId", ErrMissingField)
	case strings.TrimSpace(e.EventID) == "":
		return fmt.Errorf("%w: eventId", ErrMissingField)
	case strings.TrimSpace(e.JobSubjectID) == "":
		return fmt.Errorf("%w: jobSubjectId", ErrMissingField)
	case strings.TrimSpace(string(e.Status)) == "":
		return fmt.Errorf("%w: status", ErrMissingField)
	case strings.TrimSpace(e.UpdatedAt) == "":
		return fmt.Errorf("%w: updatedAt", ErrMissingField)
	case !e.Status.Valid():
		return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}
	return nil
}

// EventIdentifier returns the event id; gateways use it to keep one id per fanout.
func (e StatusEvent) EventIdentifier() string { return e.EventID }

// Timestamp parses UpdatedAt as an ISO-8601 time or a numeric epoch.
func (e StatusEvent) Timestamp() (time.Time, bool) {
	return ParseTimestamp(e.UpdatedAt)
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 10_000_000_000

// ParseTimestamp accepts epoch milliseconds (values above 1e10), epoch seconds,
// or an RFC 3339 / ISO-8601 string.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n > epochMillisThreshold {
			return time.UnixMilli(int64(n)), true
		}
		return time.UnixMilli(int64(n * 1000)), true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t the way producers stamp UpdatedAt.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// HistoryEntry is a StatusEvent stored in the history buffer with its derived
// epoch-millisecond timestamp.
type HistoryEntry struct {
	StatusEvent
	TS int64 `json:"ts"`
}

// NewHistoryEntry derives TS from UpdatedAt, falling back to now when unparsable.
func NewHistoryEntry(e StatusEvent, now time.Time) HistoryEntry {
	ts, ok := e.Timestamp()
	if !ok {
		ts = now
	}
	return HistoryEntry{StatusEvent: e, TS: ts.UnixMilli()}
}
