package taskmill

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmill-ai/taskmill/internal/eventbus"
)

// AsyncExecutionStatus represents the status information for an async execution.
type AsyncExecutionStatus struct {
	ExecutionID  string        `json:"execution_id"`
	Goal         string        `json:"goal"`
	CurrentState ProcessState  `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
}

// GetAsyncStatus retrieves the current status of an async execution.
func (e *Engine) GetAsyncStatus(executionID string) (*AsyncExecutionStatus, error) {
	e.asyncExecutionsMutex.RLock()
	defer e.asyncExecutionsMutex.RUnlock()

	pCtx, exists := e.asyncExecutions[executionID]
	if !exists {
		return nil, fmt.Errorf("execution with ID '%s' not found", executionID)
	}

	status := &AsyncExecutionStatus{
		ExecutionID:  executionID,
		Goal:         pCtx.Goal,
		CurrentState: pCtx.CurrentState,
		StartTime:    pCtx.StartTime,
		Duration:     pCtx.GetTotalDuration(),
		IsComplete:   pCtx.CurrentState == StateComplete,
		HasError:     pCtx.CurrentState == StateError || pCtx.CurrentState == StateCancelled,
	}

	if pCtx.LastError != nil {
		status.ErrorMessage = pCtx.LastError.Error()
		status.ErrorStage = pCtx.ErrorStage
	}

	return status, nil
}

// GetAsyncResult retrieves the result of a completed async execution.
// Returns an error if the execution is not complete or encountered an error.
func (e *Engine) GetAsyncResult(executionID string) (*Result, error) {
	e.asyncExecutionsMutex.RLock()
	defer e.asyncExecutionsMutex.RUnlock()

	pCtx, exists := e.asyncExecutions[executionID]
	if !exists {
		return nil, fmt.Errorf("execution with ID '%s' not found", executionID)
	}

	if pCtx.CurrentState != StateComplete {
		if pCtx.CurrentState == StateError || pCtx.CurrentState == StateCancelled {
			return nil, fmt.Errorf("execution failed during stage '%s': %w", pCtx.ErrorStage, pCtx.LastError)
		}
		return nil, fmt.Errorf("execution is still in progress (current state: %s)", pCtx.CurrentState)
	}

	if pCtx.LastError != nil {
		return nil, fmt.Errorf("execution completed but encountered an error during stage '%s': %w", pCtx.ErrorStage, pCtx.LastError)
	}

	return &Result{FinalAnswer: pCtx.FinalAnswer, Report: pCtx.Report}, nil
}

// CancelAsyncProcess cancels an ongoing async execution.
// Returns true if the execution was cancelled, false if it was already terminal.
func (e *Engine) CancelAsyncProcess(executionID string) (bool, error) {
	e.asyncExecutionsMutex.Lock()
	defer e.asyncExecutionsMutex.Unlock()

	pCtx, exists := e.asyncExecutions[executionID]
	if !exists {
		return false, fmt.Errorf("execution with ID '%s' not found", executionID)
	}

	if pCtx.IsTerminal() {
		return false, nil
	}

	cancelFn, ok := pCtx.StateData["cancel"].(context.CancelFunc)
	if !ok {
		return false, fmt.Errorf("cannot cancel execution: cancel function not found")
	}
	cancelFn()
	pCtx.SetCancelled(NewCancelledError(string(pCtx.CurrentState), nil), string(pCtx.CurrentState))

	if e.config.EnableEventBus && e.eventBus != nil {
		e.eventBus.Publish(context.Background(), eventbus.NewEvent(
			eventbus.EventGoalAsyncProcessingCancelled,
			pCtx.Goal,
			"Engine.CancelAsyncProcess",
			map[string]any{
				"execution_id": executionID,
				"duration_ms":  pCtx.GetTotalDuration().Milliseconds(),
			},
		))
	}

	return true, nil
}

// ListAsyncExecutions returns all async execution IDs and their current states.
func (e *Engine) ListAsyncExecutions() map[string]string {
	e.asyncExecutionsMutex.RLock()
	defer e.asyncExecutionsMutex.RUnlock()

	result := make(map[string]string, len(e.asyncExecutions))
	for id, pCtx := range e.asyncExecutions {
		result[id] = string(pCtx.CurrentState)
	}
	return result
}

// CleanupCompletedExecutions removes terminal executions older than the given
// duration, bounding the memory held by async tracking.
func (e *Engine) CleanupCompletedExecutions(olderThan time.Duration) int {
	e.asyncExecutionsMutex.Lock()
	defer e.asyncExecutionsMutex.Unlock()

	now := time.Now()
	count := 0
	for id, pCtx := range e.asyncExecutions {
		if pCtx.IsTerminal() && now.Sub(pCtx.StateStartTimes[pCtx.CurrentState]) > olderThan {
			delete(e.asyncExecutions, id)
			count++
		}
	}
	return count
}
