package metrics

import (
	"sync"
	"time"
)

// Recorder is an in-memory Sink that keeps counts for assertions.
type Recorder struct {
	mu         sync.Mutex
	Opened     map[string]int
	Closed     map[string]int // key: transport + "/" + reason
	Rejected   map[string]int // key: transport + "/" + reason
	Active     map[string]int
	Published  map[string]int
	Enqueued   int
	Completed  int
	Failed     int
	Terminal   int
	QueueDepth [3]int
	Durations  []time.Duration
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		Opened:    make(map[string]int),
		Closed:    make(map[string]int),
		Rejected:  make(map[string]int),
		Active:    make(map[string]int),
		Published: make(map[string]int),
	}
}

func (r *Recorder) ConnectionOpened(transport string) {
	r.mu.Lock()
	r.Opened[transport]++
	r.mu.Unlock()
}

func (r *Recorder) ConnectionClosed(transport, reason string) {
	r.mu.Lock()
	r.Closed[transport+"/"+reason]++
	r.mu.Unlock()
}

func (r *Recorder) ConnectionRejected(transport, reason string) {
	r.mu.Lock()
	r.Rejected[transport+"/"+reason]++
	r.mu.Unlock()
}

func (r *Recorder) SetActiveConnections(transport string, n int) {
	r.mu.Lock()
	r.Active[transport] = n
	r.mu.Unlock()
}

func (r *Recorder) EventsPublished(transport string, n int) {
	r.mu.Lock()
	r.Published[transport] += n
	r.mu.Unlock()
}

func (r *Recorder) JobEnqueued() {
	r.mu.Lock()
	r.Enqueued++
	r.mu.Unlock()
}

func (r *Recorder) JobCompleted(d time.Duration) {
	r.mu.Lock()
	r.Completed++
	r.Durations = append(r.Durations, d)
	r.mu.Unlock()
}

func (r *Recorder) JobFailed(terminal bool) {
	r.mu.Lock()
	r.Failed++
	if terminal {
		r.Terminal++
	}
	r.mu.Unlock()
}

func (r *Recorder) SetQueueDepth(waiting, delayed, active int) {
	r.mu.Lock()
	r.QueueDepth = [3]int{waiting, delayed, active}
	r.mu.Unlock()
}

// ClosedCount returns how many connections closed with reason on transport.
func (r *Recorder) ClosedCount(transport, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Closed[transport+"/"+reason]
}

// RejectedCount returns how many attempts were rejected with reason on transport.
func (r *Recorder) RejectedCount(transport, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Rejected[transport+"/"+reason]
}

// OpenedCount returns the connections opened on transport.
func (r *Recorder) OpenedCount(transport string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Opened[transport]
}

// ActiveCount returns the last active-connection gauge for transport.
func (r *Recorder) ActiveCount(transport string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Active[transport]
}

// Counts returns completed, failed and terminal-failure counts.
func (r *Recorder) Counts() (completed, failed, terminal int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Completed, r.Failed, r.Terminal
}
