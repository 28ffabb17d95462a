// ============================================================================
// statuscast job queue - durable queue controller
// ============================================================================
//
// Package: internal/queue
//
// Coordinates the job manager (state), the WAL (durability), the snapshot
// manager (compaction) and the worker pool (execution), and drives the
// job-subject store and status publication from attempt outcomes.
//
// Loops:
//   1. dispatch - promotes due delayed jobs, activates waiting jobs while
//      fewer than Concurrency are active
//   2. results  - applies each attempt outcome: complete, retry or dead
//   3. settle   - retries the subject error write and failure publication
//      of dead jobs whose first try did not get through
//   4. cron     - snapshot + WAL rotation on SnapshotSchedule
//
// Recovery (Start):
//   snapshot.Load -> WAL replay after LastSeq -> active jobs requeued
//   without consuming an attempt.
//
// Every transition is appended to the WAL before the job manager applies it,
// and both happen under q.mu so replay order matches apply order.
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/statuscast/internal/bridge"
	"github.com/ChuLiYu/statuscast/internal/broker"
	"github.com/ChuLiYu/statuscast/internal/jobmanager"
	"github.com/ChuLiYu/statuscast/internal/metrics"
	"github.com/ChuLiYu/statuscast/internal/snapshot"
	"github.com/ChuLiYu/statuscast/internal/storage/wal"
	"github.com/ChuLiYu/statuscast/internal/subjects"
	"github.com/ChuLiYu/statuscast/internal/worker"
	"github.com/ChuLiYu/statuscast/pkg/types"
)

// logger reads slog.Default on every call.
func logger() *slog.Logger { return slog.Default().With("component", "queue") }

var (
	ErrBrokerUnavailable = errors.New("queue: broker unavailable")
	ErrNotStarted        = errors.New("queue: not started")
	ErrStopped           = errors.New("queue: stopped")
	ErrMissingSubject    = errors.New("queue: job subject id is required")
)

// storeTimeout bounds each subject-store call made from the result loop.
const storeTimeout = 5 * time.Second

// ============================================================================
// Configuration
// ============================================================================

type Config struct {
	Concurrency      int           `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffDelay     time.Duration `yaml:"backoff_delay" mapstructure:"backoff_delay"`
	JobTimeout       time.Duration `yaml:"job_timeout" mapstructure:"job_timeout"`
	PingTimeout      time.Duration `yaml:"ping_timeout" mapstructure:"ping_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	SettleInterval   time.Duration `yaml:"settle_interval" mapstructure:"settle_interval"`
	Channel          string        `yaml:"channel" mapstructure:"channel"`
	WALPath          string        `yaml:"wal_path" mapstructure:"wal_path"`
	SyncWAL          bool          `yaml:"sync_wal" mapstructure:"sync_wal"`
	SnapshotPath     string        `yaml:"snapshot_path" mapstructure:"snapshot_path"`
	SnapshotSchedule string        `yaml:"snapshot_schedule" mapstructure:"snapshot_schedule"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:      2,
		MaxAttempts:      5,
		BackoffDelay:     time.Second,
		JobTimeout:       5 * time.Minute,
		PingTimeout:      500 * time.Millisecond,
		PollInterval:     100 * time.Millisecond,
		SettleInterval:   5 * time.Second,
		Channel:          bridge.DefaultChannel,
		WALPath:          "data/queue.wal",
		SyncWAL:          true,
		SnapshotPath:     "data/queue.snapshot.gz",
		SnapshotSchedule: "@every 30s",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffDelay <= 0 {
		c.BackoffDelay = def.BackoffDelay
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = def.SettleInterval
	}
	if c.Channel == "" {
		c.Channel = def.Channel
	}
	if c.WALPath == "" {
		c.WALPath = def.WALPath
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = def.SnapshotPath
	}
	return c
}

// OwnerResolver maps a job-subject id to the user its status events go to.
type OwnerResolver interface {
	Resolve(ctx context.Context, subjectID string) (string, bool)
}

// Deps are the collaborators the queue drives. Owners defaults to a
// subjects.OwnerResolver over Subjects and Broker; Metrics to metrics.Nop.
type Deps struct {
	Broker   broker.Client
	Subjects subjects.Store
	Owners   OwnerResolver
	Pipeline worker.Executor
	Metrics  metrics.Sink
}

// EnqueueOptions override the queue defaults for one job.
type EnqueueOptions struct {
	JobID        string
	Payload      map[string]interface{}
	MaxAttempts  int
	BackoffDelay time.Duration
	Delay        time.Duration
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	jobmanager.Stats
	Workers int
	LastSeq uint64
	Uptime  time.Duration
}

// ============================================================================
// Queue
// ============================================================================

type Queue struct {
	mu        sync.Mutex // orders WAL appends with job manager transitions
	jm        *jobmanager.JobManager
	wal       *wal.WAL
	snapshots *snapshot.Manager
	pool      *worker.Pool
	cron      *cron.Cron
	cfg       Config
	deps      Deps

	wake      chan struct{}
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	started   bool
	stopped   bool
	startTime time.Time
	now       func() time.Time
}

// New opens the WAL at cfg.WALPath and prepares the queue. Nothing runs
// until Start.
func New(cfg Config, deps Deps) (*Queue, error) {
	cfg = cfg.withDefaults()
	if deps.Broker == nil {
		return nil, errors.New("queue: broker is required")
	}
	if deps.Subjects == nil {
		return nil, errors.New("queue: subject store is required")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("queue: pipeline is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Owners == nil {
		deps.Owners = subjects.NewOwnerResolver(deps.Subjects, deps.Broker, subjects.ResolverOptions{})
	}

	q := &Queue{
		jm:        jobmanager.NewJobManager(),
		snapshots: snapshot.NewManager(cfg.SnapshotPath),
		pool:      worker.NewPool(cfg.Concurrency, deps.Pipeline),
		cron:      cron.New(),
		cfg:       cfg,
		deps:      deps,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}

	if cfg.SnapshotSchedule != "" {
		if _, err := q.cron.AddFunc(cfg.SnapshotSchedule, q.scheduledSnapshot); err != nil {
			return nil, fmt.Errorf("queue: snapshot schedule %q: %w", cfg.SnapshotSchedule, err)
		}
	}

	w, err := wal.Open(cfg.WALPath, cfg.SyncWAL)
	if err != nil {
		return nil, fmt.Errorf("queue: open wal: %w", err)
	}
	q.wal = w
	return q, nil
}

// Start recovers state from disk, then starts the worker pool and loops.
func (q *Queue) Start() error {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return fmt.Errorf("queue: already started")
	}
	q.mu.Unlock()

	q.startTime = time.Now()
	if err := q.recoverState(); err != nil {
		return err
	}
	if err := q.pool.Start(q.cfg.Concurrency); err != nil {
		return fmt.Errorf("queue: start worker pool: %w", err)
	}

	q.mu.Lock()
	q.started = true
	q.mu.Unlock()

	q.loopWg.Add(3)
	go q.dispatchLoop()
	go q.resultLoop()
	go q.settleLoop()
	q.cron.Start()

	logger().Info("queue started",
		"concurrency", q.cfg.Concurrency,
		"maxAttempts", q.cfg.MaxAttempts,
		"backoffDelay", q.cfg.BackoffDelay)
	q.signal()
	return nil
}

// Enqueue adds a job for subjectID. It fails with ErrBrokerUnavailable when
// the broker does not answer within PingTimeout.
func (q *Queue) Enqueue(ctx context.Context, subjectID string, opts EnqueueOptions) (types.Job, error) {
	if strings.TrimSpace(subjectID) == "" {
		return types.Job{}, ErrMissingSubject
	}
	if err := broker.PingWithin(ctx, q.deps.Broker, q.cfg.PingTimeout); err != nil {
		return types.Job{}, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	job := q.newJob(subjectID, opts)
	event, err := wal.EnqueueEvent(job)
	if err != nil {
		return types.Job{}, fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}

	q.mu.Lock()
	switch {
	case q.stopped:
		q.mu.Unlock()
		return types.Job{}, ErrStopped
	case !q.started:
		q.mu.Unlock()
		return types.Job{}, ErrNotStarted
	}
	if _, err := q.jm.GetJob(job.ID); err == nil {
		q.mu.Unlock()
		return types.Job{}, fmt.Errorf("%w: %s", jobmanager.ErrDuplicateJob, job.ID)
	}
	if _, err := q.wal.Append(event); err != nil {
		q.mu.Unlock()
		return types.Job{}, fmt.Errorf("queue: append ENQUEUE: %w", err)
	}
	if err := q.jm.Enqueue(job); err != nil {
		q.mu.Unlock()
		return types.Job{}, err
	}
	stored, _ := q.jm.GetJob(job.ID)
	q.reportDepthLocked()
	q.mu.Unlock()

	if err := q.deps.Subjects.MarkQueued(ctx, subjectID); err != nil {
		logger().Warn("mark subject queued failed", "subjectID", subjectID, "jobID", job.ID, "error", err)
	}
	q.deps.Metrics.JobEnqueued()
	logger().Debug("job enqueued", "jobID", job.ID, "subjectID", subjectID, "maxAttempts", job.MaxAttempts)

	q.signal()
	return stored, nil
}

func (q *Queue) newJob(subjectID string, opts EnqueueOptions) types.Job {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	delay := opts.BackoffDelay
	if delay <= 0 {
		delay = q.cfg.BackoffDelay
	}

	now := q.now()
	job := types.Job{
		ID:          types.JobID(id),
		SubjectID:   subjectID,
		Payload:     opts.Payload,
		State:       types.JobWaiting,
		MaxAttempts: maxAttempts,
		Backoff:     types.BackoffPolicy{Type: "exponential", Delay: delay},
		CreatedAt:   now.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
	}
	if opts.Delay > 0 {
		job.State = types.JobDelayed
		job.RunAt = now.Add(opts.Delay).UnixMilli()
	}
	return job
}

// Job returns a copy of the job with id.
func (q *Queue) Job(id types.JobID) (types.Job, error) {
	return q.jm.GetJob(id)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{
		Stats:   q.jm.Stats(),
		Workers: q.cfg.Concurrency,
		LastSeq: q.wal.LastSeq(),
	}
	if !q.startTime.IsZero() {
		st.Uptime = time.Since(q.startTime)
	}
	return st
}

// Snapshot writes the current state and rotates the WAL.
func (q *Queue) Snapshot() error {
	start := time.Now()

	// Records appended between the snapshot and the rotation would be lost,
	// so the lock spans both.
	q.mu.Lock()
	defer q.mu.Unlock()

	data := q.jm.Snapshot(q.wal.LastSeq())
	if err := q.snapshots.Write(data); err != nil {
		return fmt.Errorf("queue: write snapshot: %w", err)
	}
	if err := q.wal.Rotate(); err != nil {
		return fmt.Errorf("queue: rotate wal: %w", err)
	}

	logger().Info("snapshot taken", "duration", time.Since(start), "jobs", len(data.Jobs), "lastSeq", data.LastSeq)
	return nil
}

func (q *Queue) scheduledSnapshot() {
	if err := q.Snapshot(); err != nil {
		logger().Error("scheduled snapshot failed", "error", err)
	}
}

// Stop stops the loops, lets running attempts finish, writes a final
// snapshot and closes the WAL. Attempts whose results arrive after Stop
// stay active and are requeued on the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	logger().Info("stopping queue")
	close(q.stopCh)
	<-q.cron.Stop().Done()
	q.pool.Stop()
	q.loopWg.Wait()

	if started {
		if err := q.Snapshot(); err != nil {
			logger().Error("final snapshot failed", "error", err)
		}
	}
	if err := q.wal.Close(); err != nil {
		logger().Error("close wal failed", "error", err)
	}
	logger().Info("queue stopped")
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) reportDepthLocked() {
	st := q.jm.Stats()
	q.deps.Metrics.SetQueueDepth(st.Waiting, st.Delayed, st.Active)
}
