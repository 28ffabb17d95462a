package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

// Executor runs one attempt of a job. A nil error is success.
type Executor interface {
	Execute(ctx context.Context, job types.Job) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job types.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job types.Job) error { return f(ctx, job) }

// Task is one attempt handed to the pool.
type Task struct {
	Job     types.Job     // copy of the job as it was activated
	Timeout time.Duration // per-attempt deadline; zero means none
}

// Result is the outcome of one attempt.
type Result struct {
	Job      types.Job
	Err      error
	Duration time.Duration
}

func (r Result) Success() bool { return r.Err == nil }
