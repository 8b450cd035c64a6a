package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmill-ai/taskmill"
	"github.com/taskmill-ai/taskmill/internal/tools"
)

// turn is one scripted responder step: either a response or an error.
type turn struct {
	response *taskmill.Response
	err      error
}

// scriptedResponder replays a fixed sequence of turns and records the history
// it was called with.
type scriptedResponder struct {
	mu        sync.Mutex
	turns     []turn
	calls     int
	histories [][]taskmill.Message
}

func (s *scriptedResponder) Generate(ctx context.Context, history []taskmill.Message, descriptors []taskmill.ToolDescriptor) (*taskmill.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories = append(s.histories, taskmill.CloneMessages(history))
	if s.calls >= len(s.turns) {
		return nil, errors.New("script exhausted")
	}
	t := s.turns[s.calls]
	s.calls++
	return t.response, t.err
}

func (s *scriptedResponder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func finalTurn(text string) turn {
	return turn{response: &taskmill.Response{Text: text}}
}

func toolTurn(calls ...taskmill.ToolCall) turn {
	return turn{response: &taskmill.Response{ToolCalls: calls}}
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	registry := tools.NewRegistry(nil)
	err := registry.Register(tools.NewGoToolAdapter("echo",
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"echo": input["message"]}, nil
		},
		tools.WithDescription("Echoes its input."),
	))
	require.NoError(t, err)
	return registry
}

func newTestRunner(t *testing.T, responder taskmill.Responder, registry *tools.Registry, options ...RunnerOption) *Runner {
	t.Helper()
	base := []RunnerOption{WithRetryDelay(time.Millisecond)}
	runner, err := NewRunner(responder, registry, append(base, options...)...)
	require.NoError(t, err)
	return runner
}

func TestRunTask_FinalAnswerFirstTurn(t *testing.T) {
	responder := &scriptedResponder{turns: []turn{finalTurn("done")}}
	runner := newTestRunner(t, responder, echoRegistry(t))

	outcome, err := runner.RunTask(context.Background(), &taskmill.Task{ID: "t1", Description: "say done"})
	require.NoError(t, err)
	assert.Equal(t, "done", outcome.Text)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Empty(t, outcome.ToolCalls)

	// The history is seeded with the task description as a user message.
	require.Len(t, responder.histories[0], 1)
	assert.Equal(t, taskmill.RoleUser, responder.histories[0][0].Role)
	assert.Equal(t, "say done", responder.histories[0][0].Content)
}

func TestRunTask_ToolCallThenAnswer(t *testing.T) {
	responder := &scriptedResponder{turns: []turn{
		toolTurn(taskmill.ToolCall{ID: "call-1", Name: "echo", Arguments: map[string]any{"message": "hi"}}),
		finalTurn("echoed"),
	}}
	runner := newTestRunner(t, responder, echoRegistry(t))

	outcome, err := runner.RunTask(context.Background(), &taskmill.Task{ID: "t1", Description: "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, "echoed", outcome.Text)
	assert.Equal(t, 2, outcome.Iterations)
	require.Len(t, outcome.ToolCalls, 1)
	assert.False(t, outcome.ToolCalls[0].IsError)
	assert.JSONEq(t, `{"echo": "hi"}`, outcome.ToolCalls[0].Content)

	// Second turn sees the assistant call and the tool observation.
	second := responder.histories[1]
	require.Len(t, second, 3)
	assert.Equal(t, taskmill.RoleAssistant, second[1].Role)
	assert.Equal(t, taskmill.RoleTool, second[2].Role)
	assert.Equal(t, "call-1", second[2].ToolCallID)
}

func TestRunTask_UnknownToolIsConversationContext(t *testing.T) {
	responder := &scriptedResponder{turns: []turn{
		toolTurn(taskmill.ToolCall{ID: "call-1", Name: "bogus"}),
		finalTurn("recovered"),
	}}
	runner := newTestRunner(t, responder, echoRegistry(t))

	outcome, err := runner.RunTask(context.Background(), &taskmill.Task{ID: "t1", Description: "use a tool"})
	require.NoError(t, err, "an unknown tool must not fail the task")
	assert.Equal(t, "recovered", outcome.Text)
	require.Len(t, outcome.ToolCalls, 1)
	assert.True(t, outcome.ToolCalls[0].IsError)
	assert.Contains(t, outcome.ToolCalls[0].Content, "bogus")

	// The error observation is in the history for the next turn.
	second := responder.histories[1]
	assert.Equal(t, taskmill.RoleTool, second[2].Role)
	assert.Contains(t, second[2].Content, "not found")
}

func TestRunTask_ToolHandlerFailureContinues(t *testing.T) {
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(tools.NewGoToolAdapter("flaky",
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return nil, errors.New("downstream unavailable")
		},
	)))

	responder := &scriptedResponder{turns: []turn{
		toolTurn(taskmill.ToolCall{ID: "call-1", Name: "flaky"}),
		finalTurn("worked around it"),
	}}
	runner := newTestRunner(t, responder, registry)

	outcome, err := runner.RunTask(context.Background(), &taskmill.Task{ID: "t1", Description: "try flaky"})
	require.NoError(t, err)
	assert.Equal(t, "worked around it", outcome.Text)
	assert.True(t, outcome.ToolCalls[0].IsError)
}

func TestRunTask_IterationLimit(t *testing.T) {
	loop := toolTurn(taskmill.ToolCall{ID: "call", Name: "echo", Arguments: map[string]any{"message": "again"}})
	responder := &scriptedResponder{turns: []turn{loop, loop, loop, loop, loop}}
	runner := newTestRunner(t, responder, echoRegistry(t), WithMaxIterations(3))

	_, err := runner.RunTask(context.Background(), &taskmill.Task{ID: "t1", Description: "never finishes"})
	require.Error(t, err)
	assert.Equal(t, taskmill.ErrCodeIterationLimit, taskmill.ErrorCode(err))
	assert.Equal(t, 3, responder.callCount(), "the responder budget is exactly MaxIterations calls")
}

func TestRunTask_ResponderRetrySucceeds(t *testing.T) {
	responder := &scriptedResponder{turns: []turn{
		{err: errors.New("transient")},
		finalTurn("after retry"),
	}}
	runner := newTestRunner(t, responder, echoRegistry(t), WithResponderRetries(1))

	task := &taskmill.Task{ID: "t1", Description: "retry me"}
	outcome, err := runner.RunTask(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "after retry", outcome.Text)
	assert.Equal(t, 1, outcome.Iterations, "a retried call is still one iteration")
	assert.Equal(t, 1, task.Retries())
}

func TestRunTask_ResponderRetriesExhausted(t *testing.T) {
	responder := &scriptedResponder{turns: []turn{
		{err: errors.New("down")},
		{err: errors.New("still down")},
	}}
	runner := newTestRunner(t, responder, echoRegistry(t), WithResponderRetries(1))

	_, err := runner.RunTask(context.Background(), &taskmill.Task{ID: "t1", Description: "no luck"})
	require.Error(t, err)
	assert.Equal(t, taskmill.ErrCodeResponder, taskmill.ErrorCode(err))
	assert.Equal(t, 2, responder.callCount())
}

func TestRunTask_Cancellation(t *testing.T) {
	responder := &scriptedResponder{turns: []turn{finalTurn("never seen")}}
	runner := newTestRunner(t, responder, echoRegistry(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.RunTask(ctx, &taskmill.Task{ID: "t1", Description: "cancelled"})
	require.Error(t, err)
	assert.Equal(t, taskmill.ErrCodeCancelled, taskmill.ErrorCode(err))
	assert.Equal(t, 0, responder.callCount())
}

func TestRunTask_StructuredOutput(t *testing.T) {
	schema := `{"type": "object", "properties": {"count": {"type": "number"}}, "required": ["count"]}`
	responder := &scriptedResponder{turns: []turn{
		finalTurn("Here you go:\n```json\n{\"count\": 3}\n```"),
	}}
	runner := newTestRunner(t, responder, echoRegistry(t))

	outcome, err := runner.RunTask(context.Background(), &taskmill.Task{
		ID: "t1", Description: "count things", OutputSchema: schema,
	})
	require.NoError(t, err)
	structured, ok := outcome.Structured.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), structured["count"])
}

func TestRunTask_CoercionFailureIsTerminal(t *testing.T) {
	schema := `{"type": "object", "properties": {"count": {"type": "number"}}, "required": ["count"]}`
	responder := &scriptedResponder{turns: []turn{
		finalTurn(`{"wrong": true}`),
	}}
	runner := newTestRunner(t, responder, echoRegistry(t))

	_, err := runner.RunTask(context.Background(), &taskmill.Task{
		ID: "t1", Description: "count things", OutputSchema: schema,
	})
	require.Error(t, err)
	assert.Equal(t, taskmill.ErrCodeCoercion, taskmill.ErrorCode(err))
}

// streamingResponder yields chunks before the terminal response.
type streamingResponder struct {
	scriptedResponder
	chunks []string
}

func (s *streamingResponder) GenerateStream(ctx context.Context, history []taskmill.Message, descriptors []taskmill.ToolDescriptor, onChunk func(string)) (*taskmill.Response, error) {
	for _, chunk := range s.chunks {
		onChunk(chunk)
	}
	return s.Generate(ctx, history, descriptors)
}

func TestRunTask_StreamingChunksForwarded(t *testing.T) {
	responder := &streamingResponder{
		scriptedResponder: scriptedResponder{turns: []turn{finalTurn("hello world")}},
		chunks:            []string{"hello ", "world"},
	}

	var mu sync.Mutex
	var received []string
	runner := newTestRunner(t, responder, echoRegistry(t),
		WithStreamHandler(func(taskID, chunk string) {
			mu.Lock()
			received = append(received, taskID+":"+chunk)
			mu.Unlock()
		}))

	outcome, err := runner.RunTask(context.Background(), &taskmill.Task{ID: "t1", Description: "stream"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", outcome.Text)
	assert.Equal(t, []string{"t1:hello ", "t1:world"}, received)
}
