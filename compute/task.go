// Package compute is the Compute Engine (spec §4.5): a priority scheduler
// that executes named analysis algorithms asynchronously against immutable
// System snapshots, with cooperative cancellation, timeouts, bounded
// worker concurrency, and a result cache with TTL eviction.
//
// Grounded on the teacher's system/events router.go — the
// register-handler / bounded-queue / worker-pool / lifecycle-on-a-store
// shape is kept, generalized from a single FIFO of account-addressed
// service requests to four priority FIFOs of algorithm tasks with
// starvation promotion and a results map instead of a RequestStore.
package compute

import (
	"sync"
	"time"

	"github.com/csaworkbench/engine/domain/model"
)

// Priority is one of the scheduler's four FIFO levels, highest first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	PriorityBackground
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "High"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	case PriorityBackground:
		return "Background"
	default:
		return "Unknown"
	}
}

// Status is a Task's lifecycle state (spec §4.5: Queued → Running →
// {Completed, Failed, Cancelled, TimedOut}, terminal states sticky).
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
	StatusTimedOut  Status = "TimedOut"
)

// IsTerminal reports whether s is one of the sticky terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Task is a submitted analysis request (spec §4.5).
type Task struct {
	ID           string
	Priority     Priority
	Algorithm    string
	Snapshot     *model.Snapshot
	Params       map[string]interface{}
	Timeout      time.Duration
	Dependencies []string

	mu          sync.Mutex
	status      Status
	result      interface{}
	err         error
	cancelled   bool
	enqueuedAt  time.Time
	startedAt   time.Time
	completedAt time.Time
}

func newTask(id string, priority Priority, algorithm string, snap *model.Snapshot, params map[string]interface{}, timeout time.Duration, deps []string) *Task {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &Task{
		ID:           id,
		Priority:     priority,
		Algorithm:    algorithm,
		Snapshot:     snap,
		Params:       params,
		Timeout:      timeout,
		Dependencies: deps,
		status:       StatusQueued,
		enqueuedAt:   time.Now(),
	}
}

// Status returns the task's current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the task's result and error once in a terminal state;
// (nil, nil, false) while still in flight.
func (t *Task) Result() (interface{}, error, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.status.IsTerminal() {
		return nil, nil, false
	}
	return t.result, t.err, true
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return
	}
	t.status = s
	switch s {
	case StatusRunning:
		t.startedAt = time.Now()
	default:
		if s.IsTerminal() {
			t.completedAt = time.Now()
		}
	}
}

func (t *Task) finish(result interface{}, err error, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.IsTerminal() {
		return
	}
	t.status = status
	t.result = result
	t.err = err
	t.completedAt = time.Now()
}

// requestCancel sets the cooperative cancellation flag observed by the
// algorithm's checkpoint function (spec §4.5 Cancellation).
func (t *Task) requestCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

func (t *Task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) waitDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.enqueuedAt)
}
