package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/statuscast/internal/queue"
)

// BenchmarkEnqueue measures accepted jobs per second with a WAL that is not
// fsynced per record, then waits for the queue to drain.
func BenchmarkEnqueue(b *testing.B) {
	e := newEnv(b)
	cfg := e.queueConfig()
	cfg.SyncWAL = false
	cfg.Concurrency = 8
	q, err := queue.New(cfg, queue.Deps{Broker: e.broker, Subjects: e.store, Pipeline: succeed()})
	require.NoError(b, err)
	require.NoError(b, q.Start())
	defer q.Stop()

	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		require.NoError(b, e.store.Create(ctx, fmt.Sprintf("bench-%d", i), "bench-user"))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := q.Enqueue(ctx, fmt.Sprintf("bench-%d", i), queue.EnqueueOptions{}); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	deadline := time.Now().Add(30 * time.Second)
	for q.Stats().Completed < b.N && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
