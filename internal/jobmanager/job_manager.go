// ============================================================================
// statuscast Job Manager - in-memory job state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: owns every queued job and the legal transitions between states.
//
// Layout:
//   jobs map[JobID]*Job is the single source of truth; Job.State says where
//   a job is. The waiting FIFO and the delayed/active/completed/dead maps are
//   indexes over the same pointers.
//
// State machine:
//
//   Enqueue ──► waiting ◄──── PromoteDue ──── delayed
//   (runAt>now) ─────────────────────────────► ▲
//                  │ MarkActive                 │ Retry (attempt consumed)
//                  ▼                            │
//                active ────────────────────────┘
//                  │ MarkCompleted      │ MarkDead (attempt consumed)
//                  ▼                    ▼
//              completed              dead
//
//   RequeueStalled moves active jobs back to waiting without consuming an
//   attempt. It is only used during crash recovery.
//
// Concurrency:
//   sync.RWMutex guards all maps. Readers get copies, never the stored pointer.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/statuscast/pkg/types"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	ErrDuplicateJob      = errors.New("jobmanager: job already exists")
	ErrJobNotFound       = errors.New("jobmanager: job not found")
	ErrInvalidTransition = errors.New("jobmanager: invalid state transition")
)

// ============================================================================
// JobManager
// ============================================================================

type JobManager struct {
	mu sync.RWMutex

	jobs map[types.JobID]*types.Job

	waiting   []types.JobID
	delayed   map[types.JobID]*types.Job
	active    map[types.JobID]*types.Job
	completed map[types.JobID]*types.Job
	dead      map[types.JobID]*types.Job

	now func() time.Time
}

// Stats is a point-in-time count of jobs per state.
type Stats struct {
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Dead      int `json:"dead"`
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs:      make(map[types.JobID]*types.Job),
		waiting:   make([]types.JobID, 0),
		delayed:   make(map[types.JobID]*types.Job),
		active:    make(map[types.JobID]*types.Job),
		completed: make(map[types.JobID]*types.Job),
		dead:      make(map[types.JobID]*types.Job),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (jm *JobManager) SetClock(now func() time.Time) {
	jm.mu.Lock()
	jm.now = now
	jm.mu.Unlock()
}

func (jm *JobManager) nowMs() int64 {
	return jm.now().UnixMilli()
}

// ============================================================================
// Transitions
// ============================================================================

// Enqueue stores a new job. A RunAt in the future places it in delayed,
// otherwise it joins the tail of the waiting FIFO.
func (jm *JobManager) Enqueue(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	now := jm.nowMs()
	j := job
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	jm.jobs[j.ID] = &j
	if j.RunAt > now {
		j.State = types.JobDelayed
		jm.delayed[j.ID] = &j
	} else {
		j.State = types.JobWaiting
		jm.waiting = append(jm.waiting, j.ID)
	}
	return nil
}

// PopWaiting removes the head of the waiting FIFO and returns a copy. The
// job stays in waiting until MarkActive.
func (jm *JobManager) PopWaiting() (types.Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.waiting) > 0 {
		id := jm.waiting[0]
		jm.waiting = jm.waiting[1:]
		job, ok := jm.jobs[id]
		if !ok || job.State != types.JobWaiting {
			continue
		}
		return *job, true
	}
	return types.Job{}, false
}

// Unpop puts a job taken by PopWaiting back at the head of the FIFO.
func (jm *JobManager) Unpop(id types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok || job.State != types.JobWaiting {
		return
	}
	for _, w := range jm.waiting {
		if w == id {
			return
		}
	}
	jm.waiting = append([]types.JobID{id}, jm.waiting...)
}

// MarkActive moves a waiting job to active.
func (jm *JobManager) MarkActive(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.getLocked(id, types.JobWaiting)
	if err != nil {
		return err
	}
	jm.removeWaitingLocked(id)
	job.State = types.JobActive
	job.UpdatedAt = jm.nowMs()
	jm.active[id] = job
	return nil
}

// MarkCompleted moves an active job to completed.
func (jm *JobManager) MarkCompleted(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.getLocked(id, types.JobActive)
	if err != nil {
		return err
	}
	delete(jm.active, id)
	job.State = types.JobCompleted
	job.FailedReason = ""
	job.UpdatedAt = jm.nowMs()
	jm.completed[id] = job
	return nil
}

// Retry consumes an attempt and parks the job in delayed until runAt (unix ms).
func (jm *JobManager) Retry(id types.JobID, runAt int64, reason string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.getLocked(id, types.JobActive)
	if err != nil {
		return err
	}
	delete(jm.active, id)
	job.AttemptsMade++
	job.FailedReason = reason
	job.RunAt = runAt
	job.State = types.JobDelayed
	job.UpdatedAt = jm.nowMs()
	jm.delayed[id] = job
	return nil
}

// MarkDead consumes the final attempt and moves the job to dead.
func (jm *JobManager) MarkDead(id types.JobID, reason string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.getLocked(id, types.JobActive)
	if err != nil {
		return err
	}
	delete(jm.active, id)
	job.AttemptsMade++
	job.FailedReason = reason
	job.State = types.JobDead
	job.UpdatedAt = jm.nowMs()
	jm.dead[id] = job
	return nil
}

// MarkFailedPublished sets the one-shot failure-publication marker. It
// returns true only for the call that set it.
func (jm *JobManager) MarkFailedPublished(id types.JobID) (bool, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.FailedPublished {
		return false, nil
	}
	job.FailedPublished = true
	job.UpdatedAt = jm.nowMs()
	return true, nil
}

// MarkErrorRecorded notes that a dead job's terminal error reached the
// subject store.
func (jm *JobManager) MarkErrorRecorded(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.getLocked(id, types.JobDead)
	if err != nil {
		return err
	}
	if !job.ErrorRecorded {
		job.ErrorRecorded = true
		job.UpdatedAt = jm.nowMs()
	}
	return nil
}

// PromoteDue moves delayed jobs whose RunAt is at or before nowMs to the
// waiting FIFO, earliest first. It returns the promoted ids.
func (jm *JobManager) PromoteDue(nowMs int64) []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var due []*types.Job
	for _, job := range jm.delayed {
		if job.RunAt <= nowMs {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].RunAt != due[k].RunAt {
			return due[i].RunAt < due[k].RunAt
		}
		return due[i].ID < due[k].ID
	})

	ids := make([]types.JobID, 0, len(due))
	for _, job := range due {
		delete(jm.delayed, job.ID)
		job.State = types.JobWaiting
		job.UpdatedAt = nowMs
		jm.waiting = append(jm.waiting, job.ID)
		ids = append(ids, job.ID)
	}
	return ids
}

// RequeueStalled returns every active job to waiting without consuming an
// attempt. Used after a restart, when no worker can still own them.
func (jm *JobManager) RequeueStalled() []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	stalled := make([]*types.Job, 0, len(jm.active))
	for _, job := range jm.active {
		stalled = append(stalled, job)
	}
	sort.Slice(stalled, func(i, k int) bool { return stalled[i].ID < stalled[k].ID })

	now := jm.nowMs()
	ids := make([]types.JobID, 0, len(stalled))
	for _, job := range stalled {
		delete(jm.active, job.ID)
		job.State = types.JobWaiting
		job.UpdatedAt = now
		jm.waiting = append(jm.waiting, job.ID)
		ids = append(ids, job.ID)
	}
	return ids
}

// ============================================================================
// Queries
// ============================================================================

// GetJob returns a copy of the job.
func (jm *JobManager) GetJob(id types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *job, nil
}

// Unsettled returns copies of dead jobs whose subject error write or failure
// publication is still outstanding, oldest first. A dead job is skipped once
// a newer job exists for the same subject.
func (jm *JobManager) Unsettled() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	newest := make(map[string]int64, len(jm.jobs))
	for _, job := range jm.jobs {
		if job.CreatedAt > newest[job.SubjectID] {
			newest[job.SubjectID] = job.CreatedAt
		}
	}

	var out []types.Job
	for _, job := range jm.dead {
		if job.ErrorRecorded && job.FailedPublished {
			continue
		}
		if job.CreatedAt < newest[job.SubjectID] {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].UpdatedAt != out[k].UpdatedAt {
			return out[i].UpdatedAt < out[k].UpdatedAt
		}
		return out[i].ID < out[k].ID
	})
	return out
}

func (jm *JobManager) ActiveCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.active)
}

// NextRunAt returns the earliest RunAt among delayed jobs.
func (jm *JobManager) NextRunAt() (int64, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var next int64
	found := false
	for _, job := range jm.delayed {
		if !found || job.RunAt < next {
			next = job.RunAt
			found = true
		}
	}
	return next, found
}

func (jm *JobManager) Stats() Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	waiting := 0
	for _, job := range jm.jobs {
		if job.State == types.JobWaiting {
			waiting++
		}
	}
	return Stats{
		Total:     len(jm.jobs),
		Waiting:   waiting,
		Delayed:   len(jm.delayed),
		Active:    len(jm.active),
		Completed: len(jm.completed),
		Dead:      len(jm.dead),
	}
}

// ============================================================================
// Snapshot / Restore
// ============================================================================

// Snapshot deep-copies every job. lastSeq is the WAL position the image
// reflects.
func (jm *JobManager) Snapshot(lastSeq uint64) types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make(map[types.JobID]*types.Job, len(jm.jobs))
	for id, job := range jm.jobs {
		jobs[id] = copyJob(job)
	}
	return types.SnapshotData{
		Jobs:      jobs,
		SchemaVer: types.SnapshotSchemaVersion,
		LastSeq:   lastSeq,
	}
}

// Restore replaces all state with the snapshot contents and rebuilds the
// indexes. Waiting order follows CreatedAt.
func (jm *JobManager) Restore(data types.SnapshotData) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	jm.waiting = make([]types.JobID, 0)
	jm.delayed = make(map[types.JobID]*types.Job)
	jm.active = make(map[types.JobID]*types.Job)
	jm.completed = make(map[types.JobID]*types.Job)
	jm.dead = make(map[types.JobID]*types.Job)

	var waiting []*types.Job
	for id, snap := range data.Jobs {
		if snap == nil {
			continue
		}
		job := copyJob(snap)
		if job.ID == "" {
			job.ID = id
		}
		jm.jobs[job.ID] = job

		switch job.State {
		case types.JobWaiting:
			waiting = append(waiting, job)
		case types.JobDelayed:
			jm.delayed[job.ID] = job
		case types.JobActive:
			jm.active[job.ID] = job
		case types.JobCompleted:
			jm.completed[job.ID] = job
		case types.JobDead:
			jm.dead[job.ID] = job
		default:
			return fmt.Errorf("%w: job %s has unknown state %q", ErrInvalidTransition, job.ID, job.State)
		}
	}

	sort.Slice(waiting, func(i, k int) bool {
		if waiting[i].CreatedAt != waiting[k].CreatedAt {
			return waiting[i].CreatedAt < waiting[k].CreatedAt
		}
		return waiting[i].ID < waiting[k].ID
	})
	for _, job := range waiting {
		jm.waiting = append(jm.waiting, job.ID)
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func (jm *JobManager) getLocked(id types.JobID, want types.JobState) (*types.Job, error) {
	job, ok := jm.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State != want {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, job.State, want)
	}
	return job, nil
}

func (jm *JobManager) removeWaitingLocked(id types.JobID) {
	for i, w := range jm.waiting {
		if w == id {
			jm.waiting = append(jm.waiting[:i], jm.waiting[i+1:]...)
			return
		}
	}
}

func copyJob(job *types.Job) *types.Job {
	c := *job
	if job.Payload != nil {
		c.Payload = make(map[string]interface{}, len(job.Payload))
		for k, v := range job.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}
