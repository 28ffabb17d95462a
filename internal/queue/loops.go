package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/statuscast/internal/storage/wal"
	"github.com/ChuLiYu/statuscast/internal/subjects"
	"github.com/ChuLiYu/statuscast/internal/worker"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

// ============================================================================
// Dispatch
// ============================================================================

func (q *Queue) dispatchLoop() {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			logger().Info("dispatch loop stopped")
			return
		case <-ticker.C:
		case <-q.wake:
		}

		// A tick and a stop can be ready together.
		select {
		case <-q.stopCh:
			logger().Info("dispatch loop stopped")
			return
		default:
		}

		if !q.dispatch() {
			return
		}
	}
}

// dispatch activates as many waiting jobs as the concurrency bound allows.
// It returns false once the pool refuses work.
func (q *Queue) dispatch() bool {
	q.mu.Lock()
	q.jm.PromoteDue(q.now().UnixMilli())

	var batch []types.Job
	for q.jm.ActiveCount() < q.cfg.Concurrency {
		job, ok := q.jm.PopWaiting()
		if !ok {
			break
		}
		if _, err := q.wal.Append(wal.Event{Type: wal.EventActive, JobID: job.ID}); err != nil {
			q.jm.Unpop(job.ID)
			logger().Error("append ACTIVE failed", "jobID", job.ID, "error", err)
			break
		}
		if err := q.jm.MarkActive(job.ID); err != nil {
			logger().Error("mark active failed", "jobID", job.ID, "error", err)
			continue
		}
		job.State = types.JobActive
		batch = append(batch, job)
	}
	q.reportDepthLocked()
	q.mu.Unlock()

	for _, job := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := q.deps.Subjects.MarkProcessing(ctx, job.SubjectID); err != nil {
			logger().Warn("mark subject processing failed", "subjectID", job.SubjectID, "jobID", job.ID, "error", err)
		}
		cancel()

		if err := q.pool.Submit(worker.Task{Job: job, Timeout: q.cfg.JobTimeout}); err != nil {
			// The job stays active; the next Start requeues it.
			logger().Warn("submit refused", "jobID", job.ID, "error", err)
			return false
		}
		logger().Debug("job dispatched", "jobID", job.ID, "attempt", job.AttemptsMade+1, "maxAttempts", job.MaxAttempts)
	}
	return true
}

// ============================================================================
// Results
// ============================================================================

func (q *Queue) resultLoop() {
	defer q.loopWg.Done()
	for {
		result, err := q.pool.ReceiveResult()
		if err != nil {
			logger().Info("result loop stopped")
			return
		}
		q.handleResult(result)
		q.signal()
	}
}

// handleResult applies one attempt outcome. result.Job is the job as it was
// activated, so AttemptsMade counts the attempts before this one. An attempt
// succeeds only once the subject is finalized; a failed finalize is a failed
// attempt.
func (q *Queue) handleResult(result worker.Result) {
	job := result.Job
	err := result.Err
	if err == nil {
		if err = q.finalize(job); err == nil {
			q.complete(result)
			return
		}
	}

	reason := err.Error()
	if job.AttemptsMade+1 >= job.MaxAttempts {
		q.fail(job, reason)
		return
	}
	q.retry(job, reason)
}

// finalize moves the subject to finished. A subject the store does not know
// has nothing to finalize.
func (q *Queue) finalize(job types.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	changed, err := q.deps.Subjects.FinalizeSuccess(ctx, job.SubjectID)
	switch {
	case errors.Is(err, subjects.ErrNotFound):
		logger().Warn("subject not found, nothing to finalize", "subjectID", job.SubjectID, "jobID", job.ID)
		return nil
	case err != nil:
		return fmt.Errorf("finalize subject %s: %w", job.SubjectID, err)
	case !changed:
		logger().Debug("subject already finished", "subjectID", job.SubjectID, "jobID", job.ID)
	}
	return nil
}

func (q *Queue) complete(result worker.Result) {
	job := result.Job

	q.mu.Lock()
	if _, err := q.wal.Append(wal.Event{Type: wal.EventComplete, JobID: job.ID}); err != nil {
		q.mu.Unlock()
		logger().Error("append COMPLETE failed", "jobID", job.ID, "error", err)
		return
	}
	if err := q.jm.MarkCompleted(job.ID); err != nil {
		logger().Error("mark completed failed", "jobID", job.ID, "error", err)
	}
	q.reportDepthLocked()
	q.mu.Unlock()

	q.deps.Metrics.JobCompleted(result.Duration)
	logger().Info("job completed", "jobID", job.ID, "subjectID", job.SubjectID, "attempt", job.AttemptsMade+1, "duration", result.Duration)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	q.publish(ctx, job, types.StatusFinished)
}

func (q *Queue) retry(job types.Job, reason string) {
	delay := job.Backoff.Next(job.AttemptsMade + 1)
	runAt := q.now().Add(delay).UnixMilli()

	q.mu.Lock()
	if _, err := q.wal.Append(wal.Event{Type: wal.EventRetry, JobID: job.ID, RunAt: runAt, Reason: reason}); err != nil {
		q.mu.Unlock()
		logger().Error("append RETRY failed", "jobID", job.ID, "error", err)
		return
	}
	if err := q.jm.Retry(job.ID, runAt, reason); err != nil {
		logger().Error("retry failed", "jobID", job.ID, "error", err)
	}
	q.reportDepthLocked()
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := q.deps.Subjects.MarkFailed(ctx, job.SubjectID, reason); err != nil {
		logger().Warn("mark subject failed failed", "subjectID", job.SubjectID, "jobID", job.ID, "error", err)
	}
	q.deps.Metrics.JobFailed(false)
	logger().Warn("job attempt failed, retrying",
		"jobID", job.ID,
		"attempt", job.AttemptsMade+1,
		"maxAttempts", job.MaxAttempts,
		"delay", delay,
		"error", reason)
}

func (q *Queue) fail(job types.Job, reason string) {
	q.mu.Lock()
	if _, err := q.wal.Append(wal.Event{Type: wal.EventDead, JobID: job.ID, Reason: reason}); err != nil {
		q.mu.Unlock()
		logger().Error("append DEAD failed", "jobID", job.ID, "error", err)
		return
	}
	if err := q.jm.MarkDead(job.ID, reason); err != nil {
		logger().Error("mark dead failed", "jobID", job.ID, "error", err)
	}
	q.reportDepthLocked()
	q.mu.Unlock()

	q.deps.Metrics.JobFailed(true)
	logger().Error("job failed permanently",
		"jobID", job.ID,
		"subjectID", job.SubjectID,
		"attempts", job.AttemptsMade+1,
		"error", reason)

	job.FailedReason = reason
	q.settleDead(job)
}

// ============================================================================
// Settle
// ============================================================================

func (q *Queue) settleLoop() {
	defer q.loopWg.Done()
	ticker := time.NewTicker(q.cfg.SettleInterval)
	defer ticker.Stop()

	for {
		q.settle()
		select {
		case <-q.stopCh:
			logger().Info("settle loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// settle retries every dead job whose error write or failure publication is
// outstanding, including those left behind by a crash.
func (q *Queue) settle() {
	for _, job := range q.jm.Unsettled() {
		select {
		case <-q.stopCh:
			return
		default:
		}
		q.settleDead(job)
	}
}

// settleDead writes the subject's terminal error, records that in the WAL,
// then publishes the failed event once. The event is never published while
// the subject write is outstanding.
func (q *Queue) settleDead(job types.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if !job.ErrorRecorded {
		err := q.deps.Subjects.FallbackMarkError(ctx, job.SubjectID, job.FailedReason)
		if err != nil && !errors.Is(err, subjects.ErrNotFound) {
			logger().Error("fallback error write failed, will retry", "subjectID", job.SubjectID, "jobID", job.ID, "error", err)
			return
		}
		if !q.recordError(job.ID) {
			return
		}
	}

	if q.claimFailedPublication(job.ID) {
		q.publish(ctx, job, types.StatusFailed)
	}
}

// recordError appends ERROR_RECORDED for a dead job unless already set. It
// reports whether the marker is set on return.
func (q *Queue) recordError(id types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.jm.GetJob(id)
	if err != nil {
		return false
	}
	if job.ErrorRecorded {
		return true
	}
	if _, err := q.wal.Append(wal.Event{Type: wal.EventErrorRecorded, JobID: id}); err != nil {
		logger().Error("append ERROR_RECORDED failed", "jobID", id, "error", err)
		return false
	}
	if err := q.jm.MarkErrorRecorded(id); err != nil {
		logger().Error("mark error recorded failed", "jobID", id, "error", err)
		return false
	}
	return true
}

// claimFailedPublication sets the job's one-shot marker and reports whether
// this call set it.
func (q *Queue) claimFailedPublication(id types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.jm.GetJob(id)
	if err != nil || job.FailedPublished {
		return false
	}
	if _, err := q.wal.Append(wal.Event{Type: wal.EventFailedPublished, JobID: id}); err != nil {
		logger().Error("append FAILED_PUBLISHED failed", "jobID", id, "error", err)
		return false
	}
	first, err := q.jm.MarkFailedPublished(id)
	if err != nil {
		logger().Error("mark failed published failed", "jobID", id, "error", err)
		return false
	}
	return first
}
