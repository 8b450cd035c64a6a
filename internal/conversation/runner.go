// Package conversation drives a single task through a bounded responder /
// tool-calling loop until it produces a terminal outcome.
package conversation

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill-ai/taskmill"
	"github.com/taskmill-ai/taskmill/internal/eventbus"
	"github.com/taskmill-ai/taskmill/internal/tools"
)

// DefaultMaxIterations bounds the responder loop when no limit is configured.
const DefaultMaxIterations = 10

// Runner resolves one task at a time: responder -> tool calls -> tool
// observations -> responder, until a final answer or the iteration limit.
// It never mutates the plan; the scheduler owns all task state.
type Runner struct {
	responder taskmill.Responder
	registry  *tools.Registry
	events    eventbus.EventBus

	maxIterations    int
	responderTimeout time.Duration
	toolTimeout      time.Duration
	responderRetries int
	retryDelay       time.Duration
	onChunk          func(taskID, chunk string)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxIterations sets the responder-call budget per task.
func WithMaxIterations(n int) RunnerOption {
	return func(r *Runner) {
		r.maxIterations = n
	}
}

// WithResponderTimeout bounds each responder call.
func WithResponderTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.responderTimeout = d
	}
}

// WithToolTimeout bounds each tool invocation.
func WithToolTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.toolTimeout = d
	}
}

// WithResponderRetries sets how many times a failed responder call is retried
// before the task fails. This budget is separate from the iteration budget.
func WithResponderRetries(n int) RunnerOption {
	return func(r *Runner) {
		r.responderRetries = n
	}
}

// WithRetryDelay sets the delay between responder retries.
func WithRetryDelay(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.retryDelay = d
	}
}

// WithEventBus attaches an event bus for conversation progress events.
func WithEventBus(events eventbus.EventBus) RunnerOption {
	return func(r *Runner) {
		r.events = events
	}
}

// WithStreamHandler forwards incremental text chunks when the responder
// supports streaming.
func WithStreamHandler(onChunk func(taskID, chunk string)) RunnerOption {
	return func(r *Runner) {
		r.onChunk = onChunk
	}
}

// NewRunner creates a conversational executor.
func NewRunner(responder taskmill.Responder, registry *tools.Registry, options ...RunnerOption) (*Runner, error) {
	if responder == nil {
		return nil, taskmill.NewConfigurationError("responder is required", nil)
	}
	if registry == nil {
		return nil, taskmill.NewConfigurationError("tool registry is required", nil)
	}

	r := &Runner{
		responder:        responder,
		registry:         registry,
		maxIterations:    DefaultMaxIterations,
		responderRetries: 1,
		retryDelay:       time.Second,
	}
	for _, option := range options {
		option(r)
	}
	if r.maxIterations <= 0 {
		r.maxIterations = DefaultMaxIterations
	}
	return r, nil
}

var _ taskmill.TaskRunner = (*Runner)(nil)

// RunTask drives the task's conversation to a terminal outcome. Tool-level
// errors (unknown tool, handler failure, timeout) are appended to the history
// as error observations and never fail the task by themselves; only responder
// failure, coercion failure, cancellation, and iteration exhaustion are
// terminal.
func (r *Runner) RunTask(ctx context.Context, task *taskmill.Task) (*taskmill.Outcome, error) {
	history := []taskmill.Message{{Role: taskmill.RoleUser, Content: task.EffectiveDescription()}}
	descriptors := r.registry.Descriptors()
	var callRecords []taskmill.ToolCallResult

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, taskmill.NewCancelledError("conversation", ctxErr)
		}

		response, err := r.generate(ctx, task, history, descriptors)
		if err != nil {
			if ctx.Err() != nil {
				return nil, taskmill.NewCancelledError("conversation", ctx.Err())
			}
			return nil, taskmill.NewResponderError("conversation", err)
		}

		r.publish(eventbus.EventConversationIteration, task.ID, map[string]any{
			"iteration":  iteration,
			"tool_calls": len(response.ToolCalls),
		})

		if response.Final() {
			outcome := &taskmill.Outcome{
				Text:       response.Text,
				Iterations: iteration,
				ToolCalls:  callRecords,
			}
			if task.OutputSchema != "" {
				structured, cerr := Coerce(response.Text, task.OutputSchema)
				if cerr != nil {
					return nil, taskmill.NewCoercionError(task.ID, cerr)
				}
				outcome.Structured = structured
			}
			return outcome, nil
		}

		assistant := taskmill.Message{Role: taskmill.RoleAssistant, Content: response.Text}
		for _, call := range response.ToolCalls {
			if call.ID == "" {
				call.ID = uuid.New().String()
			}
			assistant.ToolCalls = append(assistant.ToolCalls, taskmill.CloneToolCall(call))
		}
		history = append(history, assistant)

		for _, call := range assistant.ToolCalls {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, taskmill.NewCancelledError("conversation", ctxErr)
			}
			result := r.invoke(ctx, call)
			if result.IsError {
				log.Printf("Tool call failed, continuing conversation (task_id: %s, tool: %s, error: %s)",
					task.ID, call.Name, result.Content)
			}
			callRecords = append(callRecords, result)
			history = append(history, taskmill.ToolResultMessage(result))
			r.publish(eventbus.EventToolCallCompleted, task.ID, map[string]any{
				"tool":     call.Name,
				"call_id":  result.CallID,
				"is_error": result.IsError,
			})
		}
	}

	return nil, taskmill.NewIterationLimitError(task.ID, r.maxIterations)
}

// generate performs one responder call, bounded by the configured timeout and
// retried within the task-level retry budget. A response that simply is not
// final never retries; only call failures do.
func (r *Runner) generate(ctx context.Context, task *taskmill.Task, history []taskmill.Message, descriptors []taskmill.ToolDescriptor) (*taskmill.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.responderRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if r.responderTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.responderTimeout)
		}

		var response *taskmill.Response
		var err error
		if streamer, ok := r.responder.(taskmill.StreamingResponder); ok && r.onChunk != nil {
			response, err = streamer.GenerateStream(callCtx, taskmill.CloneMessages(history), descriptors, func(chunk string) {
				r.onChunk(task.ID, chunk)
			})
		} else {
			response, err = r.responder.Generate(callCtx, taskmill.CloneMessages(history), descriptors)
		}
		cancel()

		if err == nil && response == nil {
			err = taskmill.NewInternalError("conversation", "responder returned a nil response", nil)
		}
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if attempt < r.responderRetries {
			task.AddRetry()
			log.Printf("Responder call failed, retrying (task_id: %s, attempt: %d, error: %v)",
				task.ID, attempt+1, err)
			r.publish(eventbus.EventResponderRetry, task.ID, map[string]any{
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}
	}

	return nil, lastErr
}

// invoke dispatches one tool call with the configured per-call timeout.
func (r *Runner) invoke(ctx context.Context, call taskmill.ToolCall) taskmill.ToolCallResult {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.toolTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.toolTimeout)
	}
	defer cancel()
	return r.registry.Invoke(callCtx, call)
}

func (r *Runner) publish(eventType eventbus.EventType, taskID string, metadata map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Publish(context.Background(), eventbus.NewEvent(eventType, taskID, "conversation.Runner", metadata))
}
