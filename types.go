package taskmill

import (
	"sort"
	"sync"
	"time"
)

// TaskStatus represents the possible states of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates the task is ready to be executed.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates the task is currently executing.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the task has completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task has failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates the task will never run because a dependency
	// failed or was itself blocked.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Terminal reports whether the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusBlocked
}

// Task represents a single unit of goal-directed work in a plan. Its
// description is handed to the conversational executor verbatim (after
// dependency-result interpolation).
type Task struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
	// OutputSchema optionally holds a JSON schema the final answer must match.
	OutputSchema string `json:"output_schema,omitempty"`

	// Internal execution state, owned by the scheduler.
	status    TaskStatus    `json:"-"`
	err       error         `json:"-"`
	resolved  string        `json:"-"`
	mu        sync.Mutex    `json:"-"`
	done      chan struct{} `json:"-"`
	startTime time.Time     `json:"-"`
	endTime   time.Time     `json:"-"`
	retries   int           `json:"-"`
}

// Status safely retrieves the task's current status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the task failure detail, set only when the task failed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// UpdateStatus updates the task's status and related information. Only the
// scheduler transitions task state.
func (t *Task) UpdateStatus(newStatus TaskStatus, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldStatus := t.status
	t.status = newStatus

	now := time.Now()
	if newStatus == TaskStatusRunning && oldStatus != TaskStatusRunning {
		t.startTime = now
	}
	if newStatus.Terminal() && !oldStatus.Terminal() {
		t.endTime = now
		if t.done != nil {
			close(t.done)
		}
	}

	if err != nil {
		t.err = err
	}
}

// SetResolvedDescription stores the description with dependency results
// interpolated. Set by the scheduler just before dispatch.
func (t *Task) SetResolvedDescription(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolved = s
}

// EffectiveDescription returns the interpolated description when one was
// resolved, the raw description otherwise.
func (t *Task) EffectiveDescription() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved != "" {
		return t.resolved
	}
	return t.Description
}

// Done returns a channel closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// StartTime returns when the task started running (zero if it never ran).
func (t *Task) StartTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

// EndTime returns when the task reached a terminal state.
func (t *Task) EndTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endTime
}

// Duration returns the execution duration of the task.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startTime.IsZero() {
		return 0
	}
	if t.endTime.IsZero() {
		return time.Since(t.startTime)
	}
	return t.endTime.Sub(t.startTime)
}

// Retries returns how many times the task's responder calls were retried.
func (t *Task) Retries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retries
}

// AddRetry increments the task's retry counter.
func (t *Task) AddRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retries++
}

// Outcome is the terminal result of one task conversation.
type Outcome struct {
	// Text is the final answer content.
	Text string `json:"text"`
	// Structured holds the coerced value when the task requested an output
	// schema; nil otherwise.
	Structured any `json:"structured,omitempty"`
	// Iterations is the number of responder calls consumed.
	Iterations int `json:"iterations"`
	// ToolCalls records every tool invocation made during the conversation,
	// including ones that errored (tool errors are conversation context, not
	// task failures).
	ToolCalls []ToolCallResult `json:"tool_calls,omitempty"`
}

// Plan is the validated dependency graph of tasks for one goal. Its shape is
// fixed at validation time; only task state and results change afterwards, and
// only the scheduler changes them.
type Plan struct {
	tasks      []*Task
	taskMap    map[string]*Task
	dependents map[string][]string
	outcomes   map[string]*Outcome
	mu         sync.RWMutex
}

// Tasks returns the plan's tasks in the order they were submitted.
func (p *Plan) Tasks() []*Task {
	return p.tasks
}

// Len returns the number of tasks in the plan.
func (p *Plan) Len() int {
	return len(p.tasks)
}

// Task retrieves a task by id.
func (p *Plan) Task(id string) (*Task, bool) {
	task, ok := p.taskMap[id]
	return task, ok
}

// Dependents returns the ids of tasks that directly depend on the given task.
// The reverse-dependency index is built once at validation time.
func (p *Plan) Dependents(id string) []string {
	return p.dependents[id]
}

// TaskIDs returns all task ids in lexical order.
func (p *Plan) TaskIDs() []string {
	ids := make([]string, 0, len(p.taskMap))
	for id := range p.taskMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Outcome safely retrieves the stored outcome for a succeeded task.
func (p *Plan) Outcome(taskID string) (*Outcome, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	outcome, ok := p.outcomes[taskID]
	return outcome, ok
}

// SetOutcome safely stores the outcome for a task.
func (p *Plan) SetOutcome(taskID string, outcome *Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[taskID] = outcome
}

// ReportStatus is the aggregate outcome of a plan execution.
type ReportStatus string

const (
	ReportSucceeded      ReportStatus = "succeeded"
	ReportPartialFailure ReportStatus = "partial_failure"
)

// TaskReport records the terminal state of one task.
type TaskReport struct {
	ID      string     `json:"id"`
	Status  TaskStatus `json:"status"`
	Outcome *Outcome   `json:"outcome,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// TraceEntry is one row of the execution trace.
type TraceEntry struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
}

// Report is the final record of a plan execution: the terminal status of every
// task plus an ordered trace sufficient for audit.
type Report struct {
	Status ReportStatus          `json:"status"`
	Tasks  map[string]TaskReport `json:"tasks"`
	Failed []string              `json:"failed,omitempty"`
	// Blocked lists tasks that never ran because a dependency failed.
	Blocked []string     `json:"blocked,omitempty"`
	Trace   []TraceEntry `json:"trace"`
}

// Succeeded reports whether every task reached the succeeded state.
func (r *Report) Succeeded() bool {
	return r.Status == ReportSucceeded
}
