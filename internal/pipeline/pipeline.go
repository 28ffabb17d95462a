// Package pipeline runs the per-job processing chain. Each stage is an
// external collaborator (metadata extraction, inference, storage
// finalization); the chain stops at the first failing stage and the queue
// decides whether the attempt is retried.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/statuscast/pkg/types"
)


// Stage is one step of the chain.
type Stage interface {
	Name() string
	Run(ctx context.Context, job types.Job) error
}

type funcStage struct {
	name string
	fn   func(ctx context.Context, job types.Job) error
}

func (s funcStage) Name() string                                  { return s.name }
func (s funcStage) Run(ctx context.Context, job types.Job) error { return s.fn(ctx, job) }

// StageFunc wraps fn as a Stage called name.
func StageFunc(name string, fn func(ctx context.Context, job types.Job) error) Stage {
	return funcStage{name: name, fn: fn}
}

// StageError names the stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Pipeline runs its stages in order.
type Pipeline struct {
	stages []Stage
	log    *slog.Logger
}

func New(stages ...Stage) *Pipeline {
	return &Pipeline{
		stages: stages,
		log:    slog.Default().With("component", "pipeline"),
	}
}

func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Execute runs every stage. An empty pipeline succeeds.
func (p *Pipeline) Execute(ctx context.Context, job types.Job) error {
	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: s.Name(), Err: err}
		}
		start := time.Now()
		if err := s.Run(ctx, job); err != nil {
			p.log.Debug("stage failed", "stage", s.Name(), "jobID", job.ID, "attempt", job.AttemptsMade+1, "error", err)
			return &StageError{Stage: s.Name(), Err: err}
		}
		p.log.Debug("stage done", "stage", s.Name(), "jobID", job.ID, "took", time.Since(start))
	}
	return nil
}
