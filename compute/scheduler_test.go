package compute

import (
	"testing"
	"time"

	"github.com/csaworkbench/engine/domain/model"
	"github.com/csaworkbench/engine/infrastructure/errors"
)

// pathSnapshot builds a 5-node directed path C1->C2->C3->C4->C5, weight 1,
// matching spec §8 scenario 3's degree-centrality fixture.
func pathSnapshot(t *testing.T) *model.Snapshot {
	t.Helper()
	sys := model.NewSystem("sys-1", "Path", "", 0, nil, nil)
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, id := range ids {
		c := &model.Component{ID: id, Name: id, Kind: model.KindNode, State: model.NewComponentState(0)}
		if err := sys.AddComponent(c); err != nil {
			t.Fatalf("AddComponent(%s): %v", id, err)
		}
	}
	for i := 0; i < len(ids)-1; i++ {
		r := &model.Relationship{
			ID:       "r" + ids[i] + ids[i+1],
			SourceID: ids[i],
			TargetID: ids[i+1],
			Kind:     model.RelDependsOn,
			Weight:   1,
		}
		if err := sys.AddRelationship(r); err != nil {
			t.Fatalf("AddRelationship(%s->%s): %v", ids[i], ids[i+1], err)
		}
	}
	return sys.Snapshot()
}

// divergingSnapshot builds a graph whose second-shortest c1->c5 path diverges
// from the shortest one at a spur node past the source (c2, not c1), so a
// k-shortest-paths bug that drops the root segment's weight is observable:
// c1->c2 (1) ->c3 (1) ->c5 (1) is shortest at weight 3; c1->c2 (1) ->c4 (5)
// ->c5 (1) is the next candidate once c2->c3 is excluded, at weight 7.
func divergingSnapshot(t *testing.T) *model.Snapshot {
	t.Helper()
	sys := model.NewSystem("sys-2", "Diverge", "", 0, nil, nil)
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		c := &model.Component{ID: id, Name: id, Kind: model.KindNode, State: model.NewComponentState(0)}
		if err := sys.AddComponent(c); err != nil {
			t.Fatalf("AddComponent(%s): %v", id, err)
		}
	}
	edges := []struct {
		id, from, to string
		weight       float64
	}{
		{"r12", "c1", "c2", 1},
		{"r23", "c2", "c3", 1},
		{"r24", "c2", "c4", 5},
		{"r35", "c3", "c5", 1},
		{"r45", "c4", "c5", 1},
	}
	for _, e := range edges {
		r := &model.Relationship{ID: e.id, SourceID: e.from, TargetID: e.to, Kind: model.RelDependsOn, Weight: e.weight}
		if err := sys.AddRelationship(r); err != nil {
			t.Fatalf("AddRelationship(%s->%s): %v", e.from, e.to, err)
		}
	}
	return sys.Snapshot()
}

func waitTerminal(t *testing.T, s *Scheduler, taskID string, timeout time.Duration) Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := s.Status(taskID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.IsTerminal() {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", taskID, timeout)
	return ""
}

func TestDegreeCentralityMatchesSpecScenario(t *testing.T) {
	s := NewScheduler(Config{})
	defer s.Stop()

	snap := pathSnapshot(t)
	task, err := s.Submit(PriorityNormal, AlgoDegreeCentrality, snap, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status := waitTerminal(t, s, task.ID, time.Second)
	if status != StatusCompleted {
		t.Fatalf("status = %s, want Completed", status)
	}

	result, taskErr, ok, err := s.TaskResult(task.ID)
	if err != nil || !ok {
		t.Fatalf("TaskResult: ok=%v err=%v", ok, err)
	}
	if taskErr != nil {
		t.Fatalf("unexpected task error: %v", taskErr)
	}

	degrees, ok := result.(map[string]int)
	if !ok {
		t.Fatalf("result type = %T, want map[string]int", result)
	}
	want := map[string]int{"c1": 1, "c2": 2, "c3": 2, "c4": 2, "c5": 1}
	for id, wantDeg := range want {
		if degrees[id] != wantDeg {
			t.Errorf("degree[%s] = %d, want %d", id, degrees[id], wantDeg)
		}
	}
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	s := NewScheduler(Config{})
	defer s.Stop()

	if _, err := s.Submit(PriorityNormal, "NoSuchAlgorithm", pathSnapshot(t), nil, 0, nil); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

// TestQueueFullRejectsSubmission builds a Scheduler without starting its
// background loops so no submitted task is dispatched out of the queue: with
// capacity 2, the first two submissions fill it and the third is rejected.
func TestQueueFullRejectsSubmission(t *testing.T) {
	s := &Scheduler{
		cfg:        Config{QueueCapacity: 2},
		algorithms: BuiltinAlgorithms(),
		tasks:      make(map[string]*Task),
		workers:    make(chan struct{}, 1),
	}

	snap := pathSnapshot(t)
	if _, err := s.Submit(PriorityNormal, AlgoDegreeCentrality, snap, nil, time.Second, nil); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := s.Submit(PriorityNormal, AlgoDegreeCentrality, snap, nil, time.Second, nil); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if _, err := s.Submit(PriorityNormal, AlgoDegreeCentrality, snap, nil, time.Second, nil); err == nil {
		t.Fatal("expected QueueFull on third submission")
	}
}

// TestCancelQueuedTask builds a Scheduler without starting its background
// loops so the task stays Queued until Cancel is called deterministically.
func TestCancelQueuedTask(t *testing.T) {
	s := &Scheduler{
		cfg:        Config{},
		algorithms: BuiltinAlgorithms(),
		tasks:      make(map[string]*Task),
		workers:    make(chan struct{}, 1),
	}

	snap := pathSnapshot(t)
	task, err := s.Submit(PriorityNormal, AlgoDegreeCentrality, snap, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status := task.Status(); status != StatusCancelled {
		t.Fatalf("status = %s, want Cancelled", status)
	}
}

func TestDependencyFailureCascades(t *testing.T) {
	s := NewScheduler(Config{})
	defer s.Stop()

	snap := pathSnapshot(t)

	// Submit a dependency task and cancel it before it runs, then submit a
	// dependent task and confirm it fails rather than running.
	depTask, err := s.Submit(PriorityBackground, AlgoDegreeCentrality, snap, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Submit dep: %v", err)
	}
	if err := s.Cancel(depTask.ID); err != nil {
		t.Fatalf("Cancel dep: %v", err)
	}

	child, err := s.Submit(PriorityHigh, AlgoDegreeCentrality, snap, nil, time.Second, []string{depTask.ID})
	if err != nil {
		t.Fatalf("Submit child: %v", err)
	}

	status := waitTerminal(t, s, child.ID, 2*time.Second)
	if status != StatusFailed {
		t.Fatalf("child status = %s, want Failed (dependency cancelled)", status)
	}
}

// TestPopReadyDropsCascadeFailedTaskFromQueue is a white-box regression test:
// popReady must remove a task from its priority queue when
// dependenciesReady cascades a dependency failure into it, not just mark it
// terminal and leave it sitting in the queue forever (which would
// permanently waste a QueueCapacity slot).
func TestPopReadyDropsCascadeFailedTaskFromQueue(t *testing.T) {
	s := &Scheduler{
		cfg:        Config{QueueCapacity: 1},
		algorithms: BuiltinAlgorithms(),
		tasks:      make(map[string]*Task),
		workers:    make(chan struct{}, 1),
	}

	snap := pathSnapshot(t)

	dep := newTask("dep", PriorityNormal, AlgoDegreeCentrality, snap, nil, time.Second, nil)
	dep.finish(nil, errors.Cancelled("dep"), StatusCancelled)
	s.tasks[dep.ID] = dep

	child, err := s.Submit(PriorityNormal, AlgoDegreeCentrality, snap, nil, time.Second, []string{dep.ID})
	if err != nil {
		t.Fatalf("Submit child: %v", err)
	}

	if got := s.popReady(); got != nil {
		t.Fatalf("popReady() = %v, want nil (child should cascade-fail, not be dispatched)", got)
	}
	if status := child.Status(); status != StatusFailed {
		t.Fatalf("child status = %s, want Failed", status)
	}
	if n := len(s.queues[PriorityNormal]); n != 0 {
		t.Fatalf("len(queues[PriorityNormal]) = %d, want 0 (cascade-failed child should be removed from its queue)", n)
	}

	// The queue slot the failed child occupied must be free for new work.
	if _, err := s.Submit(PriorityNormal, AlgoDegreeCentrality, snap, nil, time.Second, nil); err != nil {
		t.Fatalf("Submit after cascade-failed cleanup: %v", err)
	}
}

func TestPageRankSumsToOne(t *testing.T) {
	s := NewScheduler(Config{})
	defer s.Stop()

	snap := pathSnapshot(t)
	task, err := s.Submit(PriorityNormal, AlgoPageRank, snap, nil, time.Second, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, s, task.ID, time.Second)

	result, taskErr, ok, err := s.TaskResult(task.ID)
	if err != nil || !ok || taskErr != nil {
		t.Fatalf("TaskResult: ok=%v err=%v taskErr=%v", ok, err, taskErr)
	}
	ranks := result.(map[string]float64)
	sum := 0.0
	for _, v := range ranks {
		sum += v
	}
	if sum < 0.95 || sum > 1.05 {
		t.Fatalf("pagerank sum = %f, want ~1.0", sum)
	}
}

func TestDijkstraShortestPathAlongChain(t *testing.T) {
	s := NewScheduler(Config{})
	defer s.Stop()

	snap := pathSnapshot(t)
	task, err := s.Submit(PriorityNormal, AlgoDijkstra, snap, map[string]interface{}{"source": "c1"}, time.Second, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, s, task.ID, time.Second)

	result, taskErr, ok, err := s.TaskResult(task.ID)
	if err != nil || !ok || taskErr != nil {
		t.Fatalf("TaskResult: ok=%v err=%v taskErr=%v", ok, err, taskErr)
	}
	dr := result.(DijkstraResult)
	if dr.Distances["c5"] != 4 {
		t.Fatalf("distance c1->c5 = %v, want 4", dr.Distances["c5"])
	}
}

// TestKShortestPathsIncludesRootSegmentWeight exercises k=2 on a graph whose
// second-shortest path's spur node is past the source, so a candidate weight
// that drops the root segment (source->spur) would sum to less than the true
// path weight.
func TestKShortestPathsIncludesRootSegmentWeight(t *testing.T) {
	s := NewScheduler(Config{})
	defer s.Stop()

	snap := divergingSnapshot(t)
	params := map[string]interface{}{"source": "c1", "target": "c5", "k": 2}
	task, err := s.Submit(PriorityNormal, AlgoKShortestPaths, snap, params, time.Second, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, s, task.ID, time.Second)

	result, taskErr, ok, err := s.TaskResult(task.ID)
	if err != nil || !ok || taskErr != nil {
		t.Fatalf("TaskResult: ok=%v err=%v taskErr=%v", ok, err, taskErr)
	}
	paths := result.([]Path)
	if len(paths) != 2 {
		t.Fatalf("len(paths) = %d, want 2: %+v", len(paths), paths)
	}
	if paths[0].Weight != 3 {
		t.Fatalf("paths[0].Weight = %v, want 3 (c1->c2->c3->c5)", paths[0].Weight)
	}
	if paths[1].Weight != 7 {
		t.Fatalf("paths[1].Weight = %v, want 7 (c1->c2->c4->c5, including the c1->c2 root segment)", paths[1].Weight)
	}
}

// TestPromoteStarvedMovesOneLevelPerSweep pins a background task's wait time
// past StarvationAfter and confirms a single promoteStarved call moves it up
// exactly one priority level (PriorityBackground -> PriorityLow), not all the
// way to PriorityHigh in one sweep.
func TestPromoteStarvedMovesOneLevelPerSweep(t *testing.T) {
	s := &Scheduler{cfg: Config{StarvationAfter: time.Millisecond}}

	task := newTask("t1", PriorityBackground, AlgoDegreeCentrality, nil, nil, time.Second, nil)
	task.enqueuedAt = time.Now().Add(-time.Hour)
	s.queues[PriorityBackground] = []*Task{task}

	s.promoteStarved()

	if len(s.queues[PriorityHigh]) != 0 {
		t.Fatalf("task jumped straight to PriorityHigh in one sweep: %+v", s.queues[PriorityHigh])
	}
	if len(s.queues[PriorityLow]) != 1 || s.queues[PriorityLow][0].ID != "t1" {
		t.Fatalf("expected t1 promoted to PriorityLow only, got queues: background=%d low=%d normal=%d high=%d",
			len(s.queues[PriorityBackground]), len(s.queues[PriorityLow]), len(s.queues[PriorityNormal]), len(s.queues[PriorityHigh]))
	}
	if task.Priority != PriorityLow {
		t.Fatalf("task.Priority = %v, want PriorityLow", task.Priority)
	}
}
