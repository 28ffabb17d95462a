// ============================================================================
// statuscast recovery test suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Function: end-to-end crash recovery of the job queue
//
// TestRestartDeliversEachTerminalStatusOnce:
//   - 20 subjects owned by one user, one job each
//   - the first queue is stopped while attempts are still running
//   - a second queue opens the same WAL and snapshot and finishes the rest
//   - every subject ends finished and the owner's history holds exactly one
//     finished event per subject
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/statuscast/internal/queue"
	"github.com/ChuLiYu/statuscast/internal/worker"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

const recoveryJobs = 20

func TestRestartDeliversEachTerminalStatusOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 0; i < recoveryJobs; i++ {
		e.subject(t, fmt.Sprintf("photo-%d", i), "user-1")
	}

	slow := worker.ExecutorFunc(func(ctx context.Context, job types.Job) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	first := e.startQueue(t, slow)
	for i := 0; i < recoveryJobs; i++ {
		_, err := first.Enqueue(ctx, fmt.Sprintf("photo-%d", i), queue.EnqueueOptions{JobID: fmt.Sprintf("job-%d", i)})
		require.NoError(t, err)
	}
	time.Sleep(60 * time.Millisecond)
	first.Stop()
	before := first.Stats()
	t.Logf("first run stopped: completed=%d active=%d waiting=%d", before.Completed, before.Active, before.Waiting)

	start := time.Now()
	second := e.startQueue(t, slow)
	defer second.Stop()
	t.Logf("recovered in %s", time.Since(start))

	require.Eventually(t, func() bool {
		return second.Stats().Completed == recoveryJobs
	}, 10*time.Second, 20*time.Millisecond)

	for i := 0; i < recoveryJobs; i++ {
		s, err := e.store.Get(ctx, fmt.Sprintf("photo-%d", i))
		require.NoError(t, err)
		assert.Equal(t, types.SubjectFinished, s.State, "photo-%d", i)
	}

	require.Eventually(t, func() bool { return len(e.catchup("user-1")) >= recoveryJobs }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	perSubject := map[string]int{}
	for _, entry := range e.catchup("user-1") {
		if entry.Status == types.StatusFinished {
			perSubject[entry.JobSubjectID]++
		}
	}
	assert.Len(t, perSubject, recoveryJobs)
	for subject, n := range perSubject {
		assert.Equal(t, 1, n, subject)
	}
}
