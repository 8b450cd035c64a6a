// Package scheduler executes a validated plan with bounded concurrency,
// dispatching tasks in dependency order and propagating failures as blocked
// state instead of aborting the run.
package scheduler

import (
	"container/heap"
	"context"
	"log"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/taskmill-ai/taskmill"
	"github.com/taskmill-ai/taskmill/internal/eventbus"
)

// DefaultMaxWorkers bounds task concurrency when no limit is configured.
const DefaultMaxWorkers = 4

// Scheduler runs every task in a plan exactly once. A failed task never stops
// the run: its reverse-dependency closure is marked blocked and every other
// task still executes. The run ends only when all tasks are terminal.
type Scheduler struct {
	runner     taskmill.TaskRunner
	maxWorkers int
	events     eventbus.EventBus
	metrics    *ExecutionMetrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxWorkers sets the maximum number of concurrently running tasks.
func WithMaxWorkers(n int) Option {
	return func(s *Scheduler) {
		s.maxWorkers = n
	}
}

// WithEventBus attaches an event bus for task lifecycle events.
func WithEventBus(events eventbus.EventBus) Option {
	return func(s *Scheduler) {
		s.events = events
	}
}

// New creates a Scheduler around the given task runner.
func New(runner taskmill.TaskRunner, options ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, taskmill.NewConfigurationError("task runner is required", nil)
	}

	s := &Scheduler{
		runner:     runner,
		maxWorkers: DefaultMaxWorkers,
		metrics:    NewExecutionMetrics(),
	}
	for _, option := range options {
		option(s)
	}
	if s.maxWorkers <= 0 {
		s.maxWorkers = DefaultMaxWorkers
	}
	return s, nil
}

var _ taskmill.Scheduler = (*Scheduler)(nil)

// Metrics returns the scheduler's cumulative execution metrics.
func (s *Scheduler) Metrics() *ExecutionMetrics {
	return s.metrics
}

// completion is the result a worker sends back to the coordinator.
type completion struct {
	task *taskmill.Task
	err  error
}

// Execute runs the plan to completion and returns a report covering every
// task. Task failure is recorded, never returned: the error result is non-nil
// only for cancellation or internal faults, and even then the report reflects
// all state transitions made before the run stopped.
func (s *Scheduler) Execute(ctx context.Context, plan *taskmill.Plan) (*taskmill.Report, error) {
	if plan == nil || plan.Len() == 0 {
		return nil, taskmill.NewInternalError("execution", "cannot execute a nil or empty plan", nil)
	}

	start := time.Now()
	s.publish(eventbus.EventPlanExecutionStarted, map[string]any{"tasks": plan.Len()})

	priorities := criticalPathLengths(plan)
	ready := &priorityQueue{}
	heap.Init(ready)

	// Tasks with no dependencies are ready immediately.
	for _, task := range plan.Tasks() {
		if len(task.DependsOn) == 0 {
			task.UpdateStatus(taskmill.TaskStatusReady, nil)
			heap.Push(ready, &taskNode{task: task, priority: -priorities[task.ID]})
		}
	}

	workers := pool.New().WithMaxGoroutines(s.maxWorkers)
	completions := make(chan completion, plan.Len())

	inflight := 0
	dispatch := func() {
		for ready.Len() > 0 {
			node := heap.Pop(ready).(*taskNode)
			task := node.task
			if task.Status() != taskmill.TaskStatusReady {
				continue
			}
			inflight++
			workers.Go(func() {
				completions <- s.runTask(ctx, plan, task)
			})
		}
	}
	dispatch()

	cancelled := false
	ctxDone := ctx.Done()

	for inflight > 0 {
		select {
		case done := <-completions:
			inflight--
			if done.err == nil {
				s.promoteDependents(plan, done.task, ready, priorities)
			} else {
				s.blockDownstream(plan, done.task)
			}
			if !cancelled {
				dispatch()
			}

		case <-ctxDone:
			cancelled = true
			ctxDone = nil
			s.cancelPending(plan, ready)
		}
	}
	workers.Wait()

	// Cancellation may land after the last completion was consumed.
	if !cancelled && ctx.Err() != nil {
		cancelled = true
		s.cancelPending(plan, ready)
	}

	report := buildReport(plan)
	s.metrics.RecordRun(report, time.Since(start))
	s.publish(eventbus.EventPlanExecutionFinished, map[string]any{
		"status":   string(report.Status),
		"failed":   len(report.Failed),
		"blocked":  len(report.Blocked),
		"duration": time.Since(start).String(),
	})

	if cancelled {
		return report, taskmill.NewCancelledError("execution", ctx.Err())
	}
	return report, nil
}

// runTask executes one task through the runner and records its terminal state.
func (s *Scheduler) runTask(ctx context.Context, plan *taskmill.Plan, task *taskmill.Task) completion {
	if ctx.Err() != nil {
		err := taskmill.NewCancelledError("execution", ctx.Err())
		task.UpdateStatus(taskmill.TaskStatusFailed, err)
		s.publish(eventbus.EventTaskCancelled, map[string]any{"task_id": task.ID})
		return completion{task: task, err: err}
	}

	task.UpdateStatus(taskmill.TaskStatusRunning, nil)
	s.publish(eventbus.EventTaskStarted, map[string]any{"task_id": task.ID})

	resolved, err := Interpolate(plan, task)
	if err != nil {
		wrapped := taskmill.NewInternalError("execution", "description interpolation failed for task '"+task.ID+"'", err)
		task.UpdateStatus(taskmill.TaskStatusFailed, wrapped)
		s.publish(eventbus.EventTaskFailed, map[string]any{"task_id": task.ID, "error": wrapped.Error()})
		return completion{task: task, err: wrapped}
	}
	task.SetResolvedDescription(resolved)

	outcome, err := s.runner.RunTask(ctx, task)
	if err != nil {
		if !taskmill.IsEngineError(err) {
			err = taskmill.NewInternalError("execution", "task runner failed for task '"+task.ID+"'", err)
		}
		task.UpdateStatus(taskmill.TaskStatusFailed, err)
		log.Printf("Task failed, blocking dependents and continuing (task_id: %s, error: %v)", task.ID, err)
		s.publish(eventbus.EventTaskFailed, map[string]any{"task_id": task.ID, "error": err.Error()})
		return completion{task: task, err: err}
	}

	plan.SetOutcome(task.ID, outcome)
	task.UpdateStatus(taskmill.TaskStatusSucceeded, nil)
	s.publish(eventbus.EventTaskSucceeded, map[string]any{
		"task_id":    task.ID,
		"iterations": outcome.Iterations,
	})
	return completion{task: task}
}

// promoteDependents moves every pending dependent whose dependencies are all
// succeeded into the ready queue.
func (s *Scheduler) promoteDependents(plan *taskmill.Plan, task *taskmill.Task, ready *priorityQueue, priorities map[string]int) {
	for _, depID := range plan.Dependents(task.ID) {
		dependent, ok := plan.Task(depID)
		if !ok || dependent.Status() != taskmill.TaskStatusPending {
			continue
		}
		if !dependenciesSucceeded(plan, dependent) {
			continue
		}
		dependent.UpdateStatus(taskmill.TaskStatusReady, nil)
		heap.Push(ready, &taskNode{task: dependent, priority: -priorities[depID]})
	}
}

// dependenciesSucceeded reports whether every direct dependency of the task
// has succeeded.
func dependenciesSucceeded(plan *taskmill.Plan, task *taskmill.Task) bool {
	for _, depID := range task.DependsOn {
		dep, ok := plan.Task(depID)
		if !ok || dep.Status() != taskmill.TaskStatusSucceeded {
			return false
		}
	}
	return true
}

// blockDownstream marks the reverse-dependency closure of a failed or blocked
// task as blocked, in a single pass. Any failed or blocked direct dependency
// blocks a dependent; tasks already running or terminal are left alone.
func (s *Scheduler) blockDownstream(plan *taskmill.Plan, failed *taskmill.Task) {
	queue := append([]string(nil), plan.Dependents(failed.ID)...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		task, ok := plan.Task(id)
		if !ok {
			continue
		}
		status := task.Status()
		if status != taskmill.TaskStatusPending && status != taskmill.TaskStatusReady {
			continue
		}

		task.UpdateStatus(taskmill.TaskStatusBlocked, nil)
		s.publish(eventbus.EventTaskBlocked, map[string]any{
			"task_id": id,
			"cause":   failed.ID,
		})
		queue = append(queue, plan.Dependents(id)...)
	}
}

// cancelPending fails every task that has not started yet. Running tasks are
// left to observe the context themselves and report back through the normal
// completion path.
func (s *Scheduler) cancelPending(plan *taskmill.Plan, ready *priorityQueue) {
	for ready.Len() > 0 {
		heap.Pop(ready)
	}
	for _, task := range plan.Tasks() {
		status := task.Status()
		if status != taskmill.TaskStatusPending && status != taskmill.TaskStatusReady {
			continue
		}
		task.UpdateStatus(taskmill.TaskStatusFailed, taskmill.NewCancelledError("execution", nil))
		s.publish(eventbus.EventTaskCancelled, map[string]any{"task_id": task.ID})
	}
}

// buildReport assembles the final per-task record and trace. Executed tasks
// appear in the trace ordered by start time; tasks that never ran follow,
// ordered by id.
func buildReport(plan *taskmill.Plan) *taskmill.Report {
	report := &taskmill.Report{
		Status: taskmill.ReportSucceeded,
		Tasks:  make(map[string]taskmill.TaskReport, plan.Len()),
	}

	var executed, neverRan []*taskmill.Task
	for _, id := range plan.TaskIDs() {
		task, _ := plan.Task(id)
		status := task.Status()

		entry := taskmill.TaskReport{ID: id, Status: status}
		if outcome, ok := plan.Outcome(id); ok {
			entry.Outcome = outcome
		}
		if err := task.Err(); err != nil {
			entry.Error = err.Error()
		}
		report.Tasks[id] = entry

		switch status {
		case taskmill.TaskStatusSucceeded:
		case taskmill.TaskStatusBlocked:
			report.Status = taskmill.ReportPartialFailure
			report.Blocked = append(report.Blocked, id)
		default:
			report.Status = taskmill.ReportPartialFailure
			report.Failed = append(report.Failed, id)
		}

		if task.StartTime().IsZero() {
			neverRan = append(neverRan, task)
		} else {
			executed = append(executed, task)
		}
	}

	sort.Slice(executed, func(i, j int) bool {
		si, sj := executed[i].StartTime(), executed[j].StartTime()
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return executed[i].ID < executed[j].ID
	})
	for _, task := range append(executed, neverRan...) {
		report.Trace = append(report.Trace, taskmill.TraceEntry{
			TaskID:    task.ID,
			Status:    task.Status(),
			StartTime: task.StartTime(),
			EndTime:   task.EndTime(),
		})
	}
	return report
}

func (s *Scheduler) publish(eventType eventbus.EventType, metadata map[string]any) {
	if s.events == nil {
		return
	}
	var payload any
	if id, ok := metadata["task_id"]; ok {
		payload = id
	}
	s.events.Publish(context.Background(), eventbus.NewEvent(eventType, payload, "scheduler.Scheduler", metadata))
}
