package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskmill-ai/taskmill"
)

// scriptedRunner is a TaskRunner test double. Tasks listed in fail return an
// error; tasks listed in block wait for their context before failing.
type scriptedRunner struct {
	mu      sync.Mutex
	order   []string
	fail    map[string]bool
	block   map[string]bool
	delay   time.Duration
	running int
	peak    int
}

func (r *scriptedRunner) RunTask(ctx context.Context, task *taskmill.Task) (*taskmill.Outcome, error) {
	r.mu.Lock()
	r.order = append(r.order, task.ID)
	r.running++
	if r.running > r.peak {
		r.peak = r.running
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	if r.block[task.ID] {
		<-ctx.Done()
		return nil, taskmill.NewCancelledError("conversation", ctx.Err())
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.fail[task.ID] {
		return nil, taskmill.NewIterationLimitError(task.ID, 3)
	}
	return &taskmill.Outcome{Text: "result of " + task.ID, Iterations: 1}, nil
}

func (r *scriptedRunner) executionOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func mustPlan(t *testing.T, tasks []*taskmill.Task) *taskmill.Plan {
	t.Helper()
	plan, err := taskmill.ValidatePlan(tasks)
	if err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	return plan
}

func TestScheduler_ExecutesInDependencyOrder(t *testing.T) {
	runner := &scriptedRunner{}
	s, err := New(runner, WithMaxWorkers(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	plan := mustPlan(t, []*taskmill.Task{
		{ID: "c", Description: "third", DependsOn: []string{"b"}},
		{ID: "a", Description: "first"},
		{ID: "b", Description: "second", DependsOn: []string{"a"}},
	})

	report, err := s.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !report.Succeeded() {
		t.Errorf("expected succeeded report, got %s", report.Status)
	}

	order := runner.executionOrder()
	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("expected %d executions, got %v", len(want), order)
	}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("execution order[%d]: expected %s, got %s", i, id, order[i])
		}
	}
}

func TestScheduler_FailureBlocksDownstreamOnly(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]bool{"a": true}}
	s, _ := New(runner, WithMaxWorkers(2))

	// a fails; b and c hang off it; d is independent and must still run.
	plan := mustPlan(t, []*taskmill.Task{
		{ID: "a", Description: "fails"},
		{ID: "b", Description: "blocked", DependsOn: []string{"a"}},
		{ID: "c", Description: "transitively blocked", DependsOn: []string{"b"}},
		{ID: "d", Description: "independent"},
	})

	report, err := s.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("task failure must not fail the run: %v", err)
	}

	if report.Status != taskmill.ReportPartialFailure {
		t.Errorf("expected partial_failure, got %s", report.Status)
	}
	if got := report.Tasks["a"].Status; got != taskmill.TaskStatusFailed {
		t.Errorf("task a: expected failed, got %s", got)
	}
	for _, id := range []string{"b", "c"} {
		if got := report.Tasks[id].Status; got != taskmill.TaskStatusBlocked {
			t.Errorf("task %s: expected blocked, got %s", id, got)
		}
	}
	if got := report.Tasks["d"].Status; got != taskmill.TaskStatusSucceeded {
		t.Errorf("task d: expected succeeded, got %s", got)
	}

	if len(report.Failed) != 1 || report.Failed[0] != "a" {
		t.Errorf("expected Failed=[a], got %v", report.Failed)
	}
	if len(report.Blocked) != 2 || report.Blocked[0] != "b" || report.Blocked[1] != "c" {
		t.Errorf("expected Blocked=[b c], got %v", report.Blocked)
	}
}

func TestScheduler_DiamondBlocksOnAnyFailedDependency(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]bool{"b": true}}
	s, _ := New(runner, WithMaxWorkers(4))

	plan := mustPlan(t, []*taskmill.Task{
		{ID: "a", Description: "ok"},
		{ID: "b", Description: "fails"},
		{ID: "d", Description: "joins both", DependsOn: []string{"a", "b"}},
	})

	report, err := s.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := report.Tasks["a"].Status; got != taskmill.TaskStatusSucceeded {
		t.Errorf("task a: expected succeeded, got %s", got)
	}
	if got := report.Tasks["d"].Status; got != taskmill.TaskStatusBlocked {
		t.Errorf("task d: expected blocked, got %s", got)
	}
}

func TestScheduler_EveryTaskReachesTerminalState(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]bool{"t2": true}}
	s, _ := New(runner, WithMaxWorkers(3))

	tasks := make([]*taskmill.Task, 0, 10)
	for i := 1; i <= 10; i++ {
		task := &taskmill.Task{ID: fmt.Sprintf("t%d", i), Description: "work"}
		if i > 1 {
			task.DependsOn = []string{fmt.Sprintf("t%d", i-1)}
		}
		tasks = append(tasks, task)
	}
	plan := mustPlan(t, tasks)

	report, err := s.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(report.Tasks) != 10 {
		t.Fatalf("expected 10 task reports, got %d", len(report.Tasks))
	}
	if len(report.Trace) != 10 {
		t.Fatalf("expected 10 trace entries, got %d", len(report.Trace))
	}
	for id, entry := range report.Tasks {
		if !entry.Status.Terminal() {
			t.Errorf("task %s: expected terminal status, got %s", id, entry.Status)
		}
	}
	if len(report.Blocked) != 8 {
		t.Errorf("expected 8 blocked tasks, got %d", len(report.Blocked))
	}
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	runner := &scriptedRunner{delay: 30 * time.Millisecond}
	s, _ := New(runner, WithMaxWorkers(2))

	plan := mustPlan(t, []*taskmill.Task{
		{ID: "a", Description: "parallel"},
		{ID: "b", Description: "parallel"},
		{ID: "c", Description: "parallel"},
		{ID: "d", Description: "parallel"},
	})

	report, err := s.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !report.Succeeded() {
		t.Errorf("expected succeeded report, got %s", report.Status)
	}

	runner.mu.Lock()
	peak := runner.peak
	runner.mu.Unlock()
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent tasks, observed %d", peak)
	}
}

func TestScheduler_CriticalPathFirst(t *testing.T) {
	runner := &scriptedRunner{}
	s, _ := New(runner, WithMaxWorkers(1))

	// With one worker, the root of the longer chain must dispatch before the
	// standalone task despite its later id.
	plan := mustPlan(t, []*taskmill.Task{
		{ID: "a", Description: "standalone"},
		{ID: "x", Description: "chain root"},
		{ID: "y", Description: "chain middle", DependsOn: []string{"x"}},
		{ID: "z", Description: "chain tail", DependsOn: []string{"y"}},
	})

	if _, err := s.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	order := runner.executionOrder()
	if order[0] != "x" {
		t.Errorf("expected chain root x to run first, got %v", order)
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	runner := &scriptedRunner{block: map[string]bool{"slow": true}}
	s, _ := New(runner, WithMaxWorkers(1))

	plan := mustPlan(t, []*taskmill.Task{
		{ID: "slow", Description: "waits for cancel"},
		{ID: "after", Description: "never starts", DependsOn: []string{"slow"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	report, err := s.Execute(ctx, plan)
	if err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
	if taskmill.ErrorCode(err) != taskmill.ErrCodeCancelled {
		t.Errorf("expected %s, got %s", taskmill.ErrCodeCancelled, taskmill.ErrorCode(err))
	}

	if report == nil {
		t.Fatal("expected a report despite cancellation")
	}
	for id, entry := range report.Tasks {
		if !entry.Status.Terminal() {
			t.Errorf("task %s: expected terminal status after cancellation, got %s", id, entry.Status)
		}
	}
}

func TestScheduler_OutcomeAndTraceRecorded(t *testing.T) {
	runner := &scriptedRunner{}
	s, _ := New(runner, WithMaxWorkers(1))

	plan := mustPlan(t, []*taskmill.Task{
		{ID: "a", Description: "first"},
		{ID: "b", Description: "second", DependsOn: []string{"a"}},
	})

	report, err := s.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	entry := report.Tasks["a"]
	if entry.Outcome == nil || entry.Outcome.Text != "result of a" {
		t.Errorf("expected recorded outcome for a, got %+v", entry.Outcome)
	}
	if outcome, ok := plan.Outcome("a"); !ok || outcome.Text != "result of a" {
		t.Errorf("expected plan outcome for a, got %v (%v)", outcome, ok)
	}

	if len(report.Trace) != 2 {
		t.Fatalf("expected 2 trace entries, got %d", len(report.Trace))
	}
	if report.Trace[0].TaskID != "a" || report.Trace[1].TaskID != "b" {
		t.Errorf("expected trace ordered by start time [a b], got %v", report.Trace)
	}
	for _, row := range report.Trace {
		if row.StartTime.IsZero() || row.EndTime.IsZero() {
			t.Errorf("trace entry %s missing timestamps", row.TaskID)
		}
	}
}

func TestScheduler_RunnerErrorIsWrapped(t *testing.T) {
	runner := &failingRunner{}
	s, _ := New(runner)

	plan := mustPlan(t, []*taskmill.Task{{ID: "a", Description: "work"}})
	report, err := s.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	entry := report.Tasks["a"]
	if entry.Status != taskmill.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", entry.Status)
	}
	task, _ := plan.Task("a")
	if !taskmill.IsEngineError(task.Err()) {
		t.Errorf("expected runner error wrapped as engine error, got %v", task.Err())
	}
}

type failingRunner struct{}

func (f *failingRunner) RunTask(ctx context.Context, task *taskmill.Task) (*taskmill.Outcome, error) {
	return nil, errors.New("boom")
}

func TestScheduler_MetricsRecorded(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]bool{"b": true}}
	s, _ := New(runner)

	plan := mustPlan(t, []*taskmill.Task{
		{ID: "a", Description: "ok"},
		{ID: "b", Description: "fails"},
	})
	if _, err := s.Execute(context.Background(), plan); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap := s.Metrics().Snapshot()
	if snap.RunsTotal != 1 || snap.RunsPartial != 1 {
		t.Errorf("expected one partial run, got %+v", snap)
	}
	if snap.TasksSucceeded != 1 || snap.TasksFailed != 1 {
		t.Errorf("expected 1 succeeded / 1 failed task, got %+v", snap)
	}
}
