package scheduler

import (
	"sync"
	"time"

	"github.com/taskmill-ai/taskmill"
)

// ExecutionMetrics tracks cumulative scheduler activity across runs.
type ExecutionMetrics struct {
	mu sync.Mutex

	runsTotal       int64
	runsSucceeded   int64
	runsPartial     int64
	tasksSucceeded  int64
	tasksFailed     int64
	tasksBlocked    int64
	totalDuration   time.Duration
	lastRunDuration time.Duration
}

// NewExecutionMetrics creates a zeroed metrics collector.
func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{}
}

// RecordRun folds one finished plan execution into the counters.
func (m *ExecutionMetrics) RecordRun(report *taskmill.Report, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runsTotal++
	if report.Succeeded() {
		m.runsSucceeded++
	} else {
		m.runsPartial++
	}
	for _, entry := range report.Tasks {
		switch entry.Status {
		case taskmill.TaskStatusSucceeded:
			m.tasksSucceeded++
		case taskmill.TaskStatusBlocked:
			m.tasksBlocked++
		default:
			m.tasksFailed++
		}
	}
	m.totalDuration += duration
	m.lastRunDuration = duration
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	RunsTotal       int64         `json:"runs_total"`
	RunsSucceeded   int64         `json:"runs_succeeded"`
	RunsPartial     int64         `json:"runs_partial"`
	TasksSucceeded  int64         `json:"tasks_succeeded"`
	TasksFailed     int64         `json:"tasks_failed"`
	TasksBlocked    int64         `json:"tasks_blocked"`
	TotalDuration   time.Duration `json:"total_duration"`
	LastRunDuration time.Duration `json:"last_run_duration"`
	AvgRunDuration  time.Duration `json:"avg_run_duration"`
}

// Snapshot returns a consistent copy of the current counters.
func (m *ExecutionMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		RunsTotal:       m.runsTotal,
		RunsSucceeded:   m.runsSucceeded,
		RunsPartial:     m.runsPartial,
		TasksSucceeded:  m.tasksSucceeded,
		TasksFailed:     m.tasksFailed,
		TasksBlocked:    m.tasksBlocked,
		TotalDuration:   m.totalDuration,
		LastRunDuration: m.lastRunDuration,
	}
	if m.runsTotal > 0 {
		snap.AvgRunDuration = m.totalDuration / time.Duration(m.runsTotal)
	}
	return snap
}
