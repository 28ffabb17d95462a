package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/statuscast/internal/jobmanager"
	"github.com/ChuLiYu/statuscast/internal/storage/wal"
)

// recoverySlow is logged as a warning when exceeded.
const recoverySlow = 3 * time.Second

// recoverState rebuilds the job manager from the latest snapshot and the WAL
// records after it. Jobs left active by a crash go back to waiting with
// their attempt count unchanged.
func (q *Queue) recoverState() error {
	start := time.Now()

	data, err := q.snapshots.Load()
	if err != nil {
		return fmt.Errorf("queue: load snapshot: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.jm.Restore(data); err != nil {
		return fmt.Errorf("queue: restore snapshot: %w", err)
	}
	q.wal.Resume(data.LastSeq)

	replayed, err := q.wal.Replay(data.LastSeq, q.apply)
	if err != nil {
		return fmt.Errorf("queue: replay wal: %w", err)
	}
	stalled := q.jm.RequeueStalled()
	q.reportDepthLocked()

	elapsed := time.Since(start)
	if elapsed > recoverySlow {
		logger().Warn("recovery was slow", "duration", elapsed)
	}
	logger().Info("recovery completed",
		"duration", elapsed,
		"snapshotJobs", len(data.Jobs),
		"snapshotSeq", data.LastSeq,
		"replayed", replayed,
		"requeued", len(stalled))
	return nil
}

// apply replays one WAL record onto the job manager. Records that no longer
// fit the restored state are skipped.
func (q *Queue) apply(e wal.Event) error {
	var err error
	switch e.Type {
	case wal.EventEnqueue:
		job, decodeErr := e.DecodeJob()
		if decodeErr != nil {
			return decodeErr
		}
		err = q.jm.Enqueue(job)
		if errors.Is(err, jobmanager.ErrDuplicateJob) {
			return nil
		}
	case wal.EventActive:
		// Promotion is not logged; the dispatcher promoted everything due
		// when it activated this job.
		q.jm.PromoteDue(e.Timestamp)
		err = q.jm.MarkActive(e.JobID)
	case wal.EventComplete:
		err = q.jm.MarkCompleted(e.JobID)
	case wal.EventRetry:
		err = q.jm.Retry(e.JobID, e.RunAt, e.Reason)
	case wal.EventDead:
		err = q.jm.MarkDead(e.JobID, e.Reason)
	case wal.EventFailedPublished:
		_, err = q.jm.MarkFailedPublished(e.JobID)
	case wal.EventErrorRecorded:
		err = q.jm.MarkErrorRecorded(e.JobID)
	default:
		logger().Warn("unknown wal record skipped", "seq", e.Seq, "type", e.Type)
		return nil
	}

	if errors.Is(err, jobmanager.ErrInvalidTransition) || errors.Is(err, jobmanager.ErrJobNotFound) {
		logger().Warn("wal record does not apply, skipped", "seq", e.Seq, "type", e.Type, "jobID", e.JobID, "error", err)
		return nil
	}
	return err
}
