package compute

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/infrastructure/errors"
	"github.com/csaworkbench/engine/infrastructure/logging"
)

// EventPublisher is the subset of events.Bus the scheduler notifies on
// task completion (AnalysisCompleted, spec §4.4 topic taxonomy).
type EventPublisher interface {
	Publish(topic string, payload interface{})
}

// Config configures a Scheduler (spec §6 compute.* settings).
type Config struct {
	WorkerCount      int           // default: runtime.NumCPU()
	QueueCapacity    int           // per-priority-queue capacity; 0 = unbounded
	ResultTTL        time.Duration // default: 15m
	StarvationAfter  time.Duration // default: 30s; promote a task waiting longer than this
	PromotionSweep   time.Duration // default: 5s
	Logger           *logging.Logger
	Bus              EventPublisher
	Algorithms       map[string]Algorithm
}

// AnalysisCompleted is published on the event bus when a task reaches a
// terminal state (spec §4.4).
type AnalysisCompleted struct {
	TaskID    string `json:"task_id"`
	Algorithm string `json:"algorithm"`
	Status    string `json:"status"`
}

// Scheduler is the Compute Engine (spec §4.5): four priority FIFO queues
// feeding a bounded worker pool, with starvation promotion, dependency
// gating, cooperative cancellation, timeouts, and a TTL result cache.
type Scheduler struct {
	cfg        Config
	algorithms map[string]Algorithm

	mu      sync.Mutex
	queues  [priorityCount][]*Task
	tasks   map[string]*Task
	workers chan struct{}

	log *logging.Logger
	bus EventPublisher

	stopCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup

	wakeCh chan struct{}
}

// NewScheduler constructs and starts a Scheduler. Call Stop to drain and
// halt it.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 15 * time.Minute
	}
	if cfg.StarvationAfter <= 0 {
		cfg.StarvationAfter = 30 * time.Second
	}
	if cfg.PromotionSweep <= 0 {
		cfg.PromotionSweep = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("compute-engine", "info", "json")
	}
	if cfg.Algorithms == nil {
		cfg.Algorithms = BuiltinAlgorithms()
	}

	s := &Scheduler{
		cfg:        cfg,
		algorithms: cfg.Algorithms,
		tasks:      make(map[string]*Task),
		workers:    make(chan struct{}, cfg.WorkerCount),
		log:        cfg.Logger,
		bus:        cfg.Bus,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
	}

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.promotionLoop()
	go func() {
		s.wg.Wait()
		close(s.doneCh)
	}()

	return s
}

// Submit enqueues a new analysis task and returns its handle (spec §6
// submit_task/run_analysis). Returns QueueFull if the priority's queue is
// already at its configured capacity.
func (s *Scheduler) Submit(priority Priority, algorithm string, snap *model.Snapshot, params map[string]interface{}, timeout time.Duration, deps []string) (*Task, error) {
	if _, ok := s.algorithms[algorithm]; !ok {
		return nil, errors.InvalidArgument("algorithm", fmt.Sprintf("unknown algorithm %q", algorithm))
	}

	s.mu.Lock()
	if s.cfg.QueueCapacity > 0 && len(s.queues[priority]) >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		return nil, errors.QueueFull(priority.String(), s.cfg.QueueCapacity)
	}

	task := newTask(uuid.NewString(), priority, algorithm, snap, params, timeout, deps)
	s.tasks[task.ID] = task
	s.queues[priority] = append(s.queues[priority], task)
	s.mu.Unlock()

	s.wake()
	return task, nil
}

// Status looks up a task's current lifecycle state by handle.
func (s *Scheduler) Status(taskID string) (Status, error) {
	t := s.lookup(taskID)
	if t == nil {
		return "", errors.NotFound("task", taskID)
	}
	return t.Status(), nil
}

// TaskResult returns the task's result once terminal, or a NotFound error
// if the handle is unknown. If the task is not yet terminal, ok is false.
func (s *Scheduler) TaskResult(taskID string) (interface{}, error, bool, error) {
	t := s.lookup(taskID)
	if t == nil {
		return nil, nil, false, errors.NotFound("task", taskID)
	}
	result, err, ok := t.Result()
	return result, err, ok, nil
}

// Cancel requests cooperative cancellation of a queued or running task
// (spec §4.5 Cancellation).
func (s *Scheduler) Cancel(taskID string) error {
	t := s.lookup(taskID)
	if t == nil {
		return errors.NotFound("task", taskID)
	}
	if t.Status().IsTerminal() {
		return nil
	}
	t.requestCancel()
	if t.Status() == StatusQueued {
		t.finish(nil, errors.Cancelled(taskID), StatusCancelled)
	}
	return nil
}

func (s *Scheduler) lookup(taskID string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID]
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Stop signals the scheduler to halt after in-flight work settles and
// waits for both background loops to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// dispatchLoop repeatedly: waits for an available worker slot, selects the
// highest non-empty priority queue with a ready-to-run task, and dispatches
// it on a worker goroutine (spec §4.5).
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}

		s.dispatchReady()
	}
}

// dispatchReady drains ready tasks into available worker slots until
// either no worker is free or no queued task's dependencies are satisfied.
func (s *Scheduler) dispatchReady() {
	for {
		select {
		case s.workers <- struct{}{}:
		default:
			return
		}

		task := s.popReady()
		if task == nil {
			<-s.workers
			return
		}

		s.wg.Add(1)
		go func(t *Task) {
			defer s.wg.Done()
			defer func() { <-s.workers }()
			s.execute(t)
			s.wake()
		}(task)
	}
}

// popReady removes and returns the highest-priority task whose
// dependencies are all satisfied, or nil if none is ready.
func (s *Scheduler) popReady() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := Priority(0); p < priorityCount; p++ {
		q := s.queues[p]
		i := 0
		for i < len(q) {
			t := q[i]
			if s.dependenciesReady(t) {
				s.queues[p] = append(q[:i:i], q[i+1:]...)
				return t
			}
			if t.Status().IsTerminal() {
				// dependenciesReady cascaded a dependency failure into this
				// task; drop it from the queue now instead of leaving an
				// already-terminal task stuck there forever occupying a
				// QueueCapacity slot.
				q = append(q[:i:i], q[i+1:]...)
				continue
			}
			i++
		}
		s.queues[p] = q
	}
	return nil
}

// dependenciesReady reports whether every dependency task has completed
// successfully. A dependency that failed, was cancelled, or timed out
// cascades failure to the dependent task (spec §4.5 dependency gating).
func (s *Scheduler) dependenciesReady(t *Task) bool {
	for _, depID := range t.Dependencies {
		dep, ok := s.tasks[depID]
		if !ok {
			continue
		}
		status := dep.Status()
		if !status.IsTerminal() {
			return false
		}
		if status != StatusCompleted {
			t.finish(nil, errors.Conflict(fmt.Sprintf("dependency %s did not complete successfully (status %s)", depID, status)), StatusFailed)
			return false
		}
	}
	return true
}

// execute runs a task's algorithm, honoring the per-task timeout and
// cooperative cancellation checkpoints.
func (s *Scheduler) execute(t *Task) {
	if t.Status().IsTerminal() {
		return
	}
	t.setStatus(StatusRunning)

	algo := s.algorithms[t.Algorithm]

	ctx := context.Background()
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	type runOutcome struct {
		result interface{}
		err    error
	}
	done := make(chan runOutcome, 1)

	go func() {
		checkpoint := func() error {
			if t.isCancelled() {
				return errors.Cancelled(t.ID)
			}
			select {
			case <-ctx.Done():
				return errors.TimedOut(t.ID)
			default:
			}
			return nil
		}
		result, err := algo.Run(t.Snapshot, t.Params, checkpoint)
		done <- runOutcome{result, err}
	}()

	var result interface{}
	var err error
	select {
	case out := <-done:
		result, err = out.result, out.err
	case <-ctx.Done():
		<-done
		err = errors.TimedOut(t.ID)
	}

	status := StatusCompleted
	switch {
	case err != nil && errors.GetKind(err) == errors.KindCancelled:
		status = StatusCancelled
	case err != nil && errors.GetKind(err) == errors.KindTimedOut:
		status = StatusTimedOut
	case err != nil:
		status = StatusFailed
	}
	t.finish(result, err, status)

	if s.bus != nil {
		s.bus.Publish("AnalysisCompleted", AnalysisCompleted{
			TaskID:    t.ID,
			Algorithm: t.Algorithm,
			Status:    string(status),
		})
	}

	s.scheduleEviction(t)
}

// scheduleEviction removes a terminal task's record from the scheduler's
// table after the configured result TTL (spec §6 compute.task_result_ttl).
func (s *Scheduler) scheduleEviction(t *Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.cfg.ResultTTL):
		case <-s.stopCh:
			return
		}
		s.mu.Lock()
		delete(s.tasks, t.ID)
		s.mu.Unlock()
	}()
}

// promotionLoop periodically bumps any queued task that has waited longer
// than StarvationAfter up by one priority level, bounding starvation of
// low-priority work under sustained high-priority load (spec §4.5).
func (s *Scheduler) promotionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PromotionSweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.promoteStarved()
		}
	}
}

func (s *Scheduler) promoteStarved() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ascending order: a level promoted into queues[p-1] here was already
	// swept earlier in this same call (p-1 < p), so a task moves up at most
	// one priority level per sweep rather than cascading straight to the top.
	for p := Priority(1); p < priorityCount; p++ {
		q := s.queues[p]
		kept := q[:0]
		for _, t := range q {
			if t.waitDuration() >= s.cfg.StarvationAfter {
				t.Priority = p - 1
				s.queues[p-1] = append(s.queues[p-1], t)
			} else {
				kept = append(kept, t)
			}
		}
		s.queues[p] = kept
	}

	if len(s.queues) > 0 {
		s.wake()
	}
}
