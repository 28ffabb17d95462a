// ============================================================================
// statuscast Worker Pool - bounded concurrent job execution
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
//   ┌─────────────┐
//   │ queue       │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle: NewPool -> Start(n) -> Submit / Results -> Stop.
// taskCh is only closed under the write lock and Submit sends under the
// read lock, so a send never races the close.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

var (
	ErrPoolClosed     = errors.New("worker: pool is closed")
	ErrPoolNotStarted = errors.New("worker: pool not started")
	ErrPoolStarted    = errors.New("worker: pool already started")
)

type Pool struct {
	exec     Executor
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewPool builds a pool whose task and result channels hold bufferSize entries.
func NewPool(bufferSize int, exec Executor) *Pool {
	return &Pool{
		exec:     exec,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.exec, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
	p.started = true
	return nil
}

// Submit hands a task to the next free worker, blocking while the task
// buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Results is closed after Stop once every worker has exited.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult blocks for the next result.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop rejects new tasks, lets running attempts finish and closes Results.
func (p *Pool) Stop() {
	// Closing stopCh first releases any Submit blocked on a full buffer, so
	// the write lock below cannot wait on it forever.
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
