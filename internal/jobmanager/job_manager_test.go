package jobmanager

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

var epoch = time.UnixMilli(1_700_000_000_000)

func newTestJobManager() (*JobManager, *time.Time) {
	jm := NewJobManager()
	now := epoch
	jm.SetClock(func() time.Time { return now })
	return jm, &now
}

func newTestJob(id string) types.Job {
	return types.Job{
		ID:          types.JobID(id),
		SubjectID:   "photo-" + id,
		Payload:     map[string]interface{}{"size": 3},
		MaxAttempts: 5,
		Backoff:     types.BackoffPolicy{Type: "exponential", Delay: time.Second},
	}
}

func activate(t *testing.T, jm *JobManager) types.Job {
	t.Helper()
	job, ok := jm.PopWaiting()
	require.True(t, ok)
	require.NoError(t, jm.MarkActive(job.ID))
	return job
}

func state(t *testing.T, jm *JobManager, id string) types.JobState {
	t.Helper()
	job, err := jm.GetJob(types.JobID(id))
	require.NoError(t, err)
	return job.State
}

// ============================================================================
// Unit tests
// ============================================================================

func TestEnqueue(t *testing.T) {
	jm, now := newTestJobManager()

	require.NoError(t, jm.Enqueue(newTestJob("a")))
	assert.Equal(t, types.JobWaiting, state(t, jm, "a"))

	err := jm.Enqueue(newTestJob("a"))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	later := newTestJob("b")
	later.RunAt = now.Add(time.Minute).UnixMilli()
	require.NoError(t, jm.Enqueue(later))
	assert.Equal(t, types.JobDelayed, state(t, jm, "b"))

	job, err := jm.GetJob("a")
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), job.CreatedAt)
	assert.Equal(t, Stats{Total: 2, Waiting: 1, Delayed: 1}, jm.Stats())
}

func TestPopWaitingIsFIFO(t *testing.T) {
	jm, _ := newTestJobManager()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, jm.Enqueue(newTestJob(id)))
	}

	var got []types.JobID
	for {
		job, ok := jm.PopWaiting()
		if !ok {
			break
		}
		got = append(got, job.ID)
	}
	assert.Equal(t, []types.JobID{"a", "b", "c"}, got)
}

func TestUnpopRestoresHead(t *testing.T) {
	jm, _ := newTestJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a")))
	require.NoError(t, jm.Enqueue(newTestJob("b")))

	job, ok := jm.PopWaiting()
	require.True(t, ok)
	jm.Unpop(job.ID)
	jm.Unpop(job.ID)

	var got []types.JobID
	for {
		j, ok := jm.PopWaiting()
		if !ok {
			break
		}
		got = append(got, j.ID)
	}
	assert.Equal(t, []types.JobID{"a", "b"}, got)
}

func TestMarkActiveRequiresWaiting(t *testing.T) {
	jm, _ := newTestJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a")))

	assert.ErrorIs(t, jm.MarkActive("missing"), ErrJobNotFound)
	require.NoError(t, jm.MarkActive("a"))
	assert.ErrorIs(t, jm.MarkActive("a"), ErrInvalidTransition)

	// MarkActive without a prior pop also leaves the FIFO.
	_, ok := jm.PopWaiting()
	assert.False(t, ok)
}

func TestMarkCompleted(t *testing.T) {
	jm, _ := newTestJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a")))

	assert.ErrorIs(t, jm.MarkCompleted("a"), ErrInvalidTransition)
	activate(t, jm)
	require.NoError(t, jm.MarkCompleted("a"))
	assert.Equal(t, types.JobCompleted, state(t, jm, "a"))
	assert.Equal(t, 1, jm.Stats().Completed)
}

func TestRetryConsumesAttemptAndDelays(t *testing.T) {
	jm, now := newTestJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a")))
	activate(t, jm)

	runAt := now.Add(2 * time.Second).UnixMilli()
	require.NoError(t, jm.Retry("a", runAt, "pipeline: boom"))

	job, err := jm.GetJob("a")
	require.NoError(t, err)
	assert.Equal(t, types.JobDelayed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, runAt, job.RunAt)
	assert.Equal(t, "pipeline: boom", job.FailedReason)

	next, ok := jm.NextRunAt()
	require.True(t, ok)
	assert.Equal(t, runAt, next)

	assert.Empty(t, jm.PromoteDue(now.UnixMilli()))
	assert.Equal(t, []types.JobID{"a"}, jm.PromoteDue(runAt))
	assert.Equal(t, types.JobWaiting, state(t, jm, "a"))

	popped, ok := jm.PopWaiting()
	require.True(t, ok)
	assert.Equal(t, types.JobID("a"), popped.ID)
}

func TestPromoteDueOrdersByRunAt(t *testing.T) {
	jm, now := newTestJobManager()
	for i, id := range []string{"late", "early", "middle"} {
		job := newTestJob(id)
		job.RunAt = now.Add(time.Duration(3-i) * time.Second).UnixMilli()
		require.NoError(t, jm.Enqueue(job))
	}
	// late=+3s, early=+2s, middle=+1s
	ids := jm.PromoteDue(now.Add(time.Hour).UnixMilli())
	assert.Equal(t, []types.JobID{"middle", "early", "late"}, ids)
}

func TestMarkDead(t *testing.T) {
	jm, _ := newTestJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a")))
	activate(t, jm)

	require.NoError(t, jm.MarkDead("a", "exhausted"))
	job, err := jm.GetJob("a")
	require.NoError(t, err)
	assert.Equal(t, types.JobDead, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "exhausted", job.FailedReason)
}

func TestMarkFailedPublishedIsOneShot(t *testing.T) {
	jm, _ := newTestJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a")))

	first, err := jm.MarkFailedPublished("a")
	require.NoError(t, err)
	second, err := jm.MarkFailedPublished("a")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	_, err = jm.MarkFailedPublished("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMarkErrorRecordedRequiresDead(t *testing.T) {
	jm, _ := newTestJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a")))
	assert.ErrorIs(t, jm.MarkErrorRecorded("a"), ErrInvalidTransition)

	activate(t, jm)
	require.NoError(t, jm.MarkDead("a", "exhausted"))
	require.NoError(t, jm.MarkErrorRecorded("a"))
	require.NoError(t, jm.MarkErrorRecorded("a"))

	job, err := jm.GetJob("a")
	require.NoError(t, err)
	assert.True(t, job.ErrorRecorded)
}

func TestUnsettled(t *testing.T) {
	jm, now := newTestJobManager()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, jm.Enqueue(newTestJob(id)))
		activate(t, jm)
		require.NoError(t, jm.MarkDead(types.JobID(id), "exhausted"))
		*now = now.Add(time.Millisecond)
	}
	assert.Len(t, jm.Unsettled(), 3)

	// Fully settled.
	require.NoError(t, jm.MarkErrorRecorded("a"))
	_, err := jm.MarkFailedPublished("a")
	require.NoError(t, err)

	// A newer job on the same subject supersedes the dead one.
	newer := newTestJob("c2")
	newer.SubjectID = "photo-c"
	require.NoError(t, jm.Enqueue(newer))

	unsettled := jm.Unsettled()
	require.Len(t, unsettled, 1)
	assert.Equal(t, types.JobID("b"), unsettled[0].ID)
	assert.Equal(t, "exhausted", unsettled[0].FailedReason)
}

func TestRequeueStalledKeepsAttempts(t *testing.T) {
	jm, _ := newTestJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a")))
	require.NoError(t, jm.Enqueue(newTestJob("b")))
	activate(t, jm)
	activate(t, jm)

	ids := jm.RequeueStalled()
	assert.Equal(t, []types.JobID{"a", "b"}, ids)
	for _, id := range []string{"a", "b"} {
		job, err := jm.GetJob(types.JobID(id))
		require.NoError(t, err)
		assert.Equal(t, types.JobWaiting, job.State)
		assert.Zero(t, job.AttemptsMade)
	}
	assert.Zero(t, jm.ActiveCount())
}

func TestGetJobReturnsCopy(t *testing.T) {
	jm, _ := newTestJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a")))

	job, err := jm.GetJob("a")
	require.NoError(t, err)
	job.State = types.JobDead
	assert.Equal(t, types.JobWaiting, state(t, jm, "a"))
}

// ============================================================================
// Snapshot / Restore
// ============================================================================

func TestSnapshotAndRestore(t *testing.T) {
	jm, now := newTestJobManager()
	for _, id := range []string{"w1", "w2", "act", "done", "dead", "later"} {
		job := newTestJob(id)
		if id == "later" {
			job.RunAt = now.Add(time.Minute).UnixMilli()
		}
		require.NoError(t, jm.Enqueue(job))
	}
	// w1 and w2 stay waiting.
	for _, id := range []types.JobID{"act", "done", "dead"} {
		require.NoError(t, jm.MarkActive(id))
	}
	require.NoError(t, jm.MarkCompleted("done"))
	require.NoError(t, jm.MarkDead("dead", "boom"))

	snap := jm.Snapshot(42)
	assert.Equal(t, uint64(42), snap.LastSeq)
	assert.Equal(t, types.SnapshotSchemaVersion, snap.SchemaVer)
	require.Len(t, snap.Jobs, 6)

	// The snapshot must not alias live state.
	snap.Jobs["w1"].Payload["size"] = 99
	live, err := jm.GetJob("w1")
	require.NoError(t, err)
	assert.Equal(t, 3, live.Payload["size"])

	restored, _ := newTestJobManager()
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, jm.Stats(), restored.Stats())

	first, ok := restored.PopWaiting()
	require.True(t, ok)
	assert.Equal(t, types.JobID("w1"), first.ID)
	assert.Equal(t, 1, restored.ActiveCount())
}

func TestRestoreRejectsUnknownState(t *testing.T) {
	jm, _ := newTestJobManager()
	err := jm.Restore(types.SnapshotData{Jobs: map[types.JobID]*types.Job{
		"x": {ID: "x", State: "bogus"},
	}})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentEnqueueAndDispatch(t *testing.T) {
	jm, _ := newTestJobManager()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, jm.Enqueue(newTestJob(fmt.Sprintf("p%d-%d", p, i))))
			}
		}(p)
	}
	wg.Wait()

	var mu sync.Mutex
	seen := make(map[types.JobID]bool)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := jm.PopWaiting()
				if !ok {
					return
				}
				if assert.NoError(t, jm.MarkActive(job.ID)) {
					assert.NoError(t, jm.MarkCompleted(job.ID))
				}
				mu.Lock()
				seen[job.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, producers*perProducer)
	assert.Equal(t, producers*perProducer, jm.Stats().Completed)
}

func BenchmarkEnqueuePop(b *testing.B) {
	jm := NewJobManager()
	for i := 0; i < b.N; i++ {
		_ = jm.Enqueue(types.Job{ID: types.JobID(fmt.Sprintf("job-%d", i))})
		job, _ := jm.PopWaiting()
		_ = jm.MarkActive(job.ID)
	}
}
