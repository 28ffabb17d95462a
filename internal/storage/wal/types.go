package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// ============================================================================

// EventType names one job transition.
type EventType string

const (
	EventEnqueue         EventType = "ENQUEUE"          // job accepted; carries the full job
	EventActive          EventType = "ACTIVE"           // job handed to a worker
	EventComplete        EventType = "COMPLETE"         // pipeline succeeded
	EventRetry           EventType = "RETRY"            // attempt failed, job delayed until RunAt
	EventDead            EventType = "DEAD"             // final attempt failed
	EventFailedPublished EventType = "FAILED_PUBLISHED" // terminal failure event was published
	EventErrorRecorded   EventType = "ERROR_RECORDED"   // dead job's error state written to the subject store
)

// Event is one line of the log.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	JobID     types.JobID     `json:"job_id"`
	Timestamp int64           `json:"timestamp"` // unix ms
	Job       json.RawMessage `json:"job,omitempty"`
	RunAt     int64           `json:"run_at,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Checksum  uint32          `json:"checksum"`
}

// EventHandler applies a replayed event to in-memory state.
type EventHandler func(event Event) error

// EnqueueEvent builds the ENQUEUE record for job.
func EnqueueEvent(job types.Job) (Event, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return Event{}, fmt.Errorf("wal: encode job %s: %w", job.ID, err)
	}
	return Event{Type: EventEnqueue, JobID: job.ID, Job: raw}, nil
}

// DecodeJob returns the job carried by an ENQUEUE record.
func (e Event) DecodeJob() (types.Job, error) {
	var job types.Job
	if len(e.Job) == 0 {
		return job, fmt.Errorf("wal: event seq=%d carries no job", e.Seq)
	}
	if err := json.Unmarshal(e.Job, &job); err != nil {
		return job, fmt.Errorf("wal: decode job at seq=%d: %w", e.Seq, err)
	}
	return job, nil
}
