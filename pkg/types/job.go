package types

import "time"

// JobID uniquely identifies a queued job.
type JobID string

// JobState is the queue-side state of a job.
type JobState string

const (
	JobWaiting   JobState = "waiting"   // ready to be picked by a worker
	JobDelayed   JobState = "delayed"   // waiting for its backoff to elapse
	JobActive    JobState = "active"    // currently executing
	JobCompleted JobState = "completed" // pipeline succeeded
	JobDead      JobState = "dead"      // attempts exhausted
)

// SubjectState is the state machine of the domain entity a job processes.
// Only SubjectFinished and SubjectError are terminal.
type SubjectState string

const (
	SubjectQueued     SubjectState = "queued"
	SubjectProcessing SubjectState = "processing"
	SubjectFailed     SubjectState = "failed" // retryable
	SubjectFinished   SubjectState = "finished"
	SubjectError      SubjectState = "error"
)

// Terminal reports whether no further automatic transition leaves s.
func (s SubjectState) Terminal() bool {
	return s == SubjectFinished || s == SubjectError
}

// BackoffPolicy controls the delay between attempts.
type BackoffPolicy struct {
	Type  string        `json:"type"` // only "exponential" is supported
	Delay time.Duration `json:"delay"`
}

// Next returns the delay applied after attemptsMade completed attempts:
// Delay * 2^(attemptsMade-1), so the first retry waits Delay.
func (b BackoffPolicy) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return b.Delay << uint(shift)
}

// Job is one unit of background work on a job subject.
type Job struct {
	ID        JobID                  `json:"id"`
	SubjectID string                 `json:"subjectId"`
	Payload   map[string]interface{} `json:"payload,omitempty"`

	State        JobState      `json:"state"`
	AttemptsMade int           `json:"attemptsMade"` // attempts completed before the current one
	MaxAttempts  int           `json:"maxAttempts"`
	Backoff      BackoffPolicy `json:"backoff"`

	RunAt           int64  `json:"runAt,omitempty"` // unix ms; delayed jobs become waiting after it
	FailedReason    string `json:"failedReason,omitempty"`
	FailedPublished bool   `json:"failedPublished,omitempty"`
	ErrorRecorded   bool   `json:"errorRecorded,omitempty"` // dead job's error reached the subject store

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// SnapshotSchemaVersion is the SnapshotData layout written by this build.
const SnapshotSchemaVersion = 2

// SnapshotData is the persisted image of the queue used for crash recovery.
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`
	SchemaVer int            `json:"schemaVer"`
	LastSeq   uint64         `json:"lastSeq"`
}
