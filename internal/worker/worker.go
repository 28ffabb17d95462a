// ============================================================================
// statuscast Worker - executes one job attempt at a time
// ============================================================================
//
// Package: internal/worker
// File: worker.go
//
// Each Worker is a goroutine looping over the shared task channel:
//
//   for task := range taskCh
//     ├─ context with the task timeout
//     ├─ executor.Execute(ctx, job), panics converted to errors
//     └─ result to resultCh (dropped once the pool is stopping)
//
// A dropped result leaves the job active. Crash recovery requeues active
// jobs, so nothing is lost, only retried.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Worker struct {
	id       int
	exec     Executor
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	log      *slog.Logger
}

func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		exec:     exec,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		log:      slog.Default().With("component", "worker", "worker", id),
	}
}

// Run consumes tasks until taskCh is closed.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)
		result := Result{Job: task.Job, Err: err, Duration: time.Since(start)}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			w.log.Warn("pool stopping, result dropped", "jobID", task.Job.ID, "error", err)
		}
	}
}

func (w *Worker) execute(task Task) (err error) {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("executor panicked", "jobID", task.Job.ID, "panic", r)
			err = fmt.Errorf("worker: executor panicked: %v", r)
		}
	}()
	return w.exec.Execute(ctx, task.Job)
}
