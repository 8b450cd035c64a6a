// Package taskmill provides an agent-execution engine: it decomposes a goal
// into a dependency-ordered task graph and drives each task through a bounded
// LLM tool-calling conversation.
package taskmill

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmill-ai/taskmill/internal/eventbus"
)

// Engine is the main entry point into the taskmill runtime. It encapsulates
// the components required to plan, execute, and answer a goal.
type Engine struct {
	// Core components
	planner   Planner
	scheduler Scheduler
	responder Responder
	cache     Cache
	eventBus  eventbus.EventBus

	// Available tools
	tools map[string]Tool

	// Configuration
	config Config

	// Async processing
	asyncExecutions      map[string]*ProcessContext
	asyncExecutionsMutex sync.RWMutex
}

// Config holds the configuration options for the taskmill runtime. Component
// constructors take their own functional options; these values are the
// defaults the facade and the demo wiring work from.
type Config struct {
	// Maximum number of concurrently running tasks
	MaxConcurrentTasks int

	// Responder-call budget per task conversation
	MaxIterations int

	// Responder retry configuration
	ResponderRetries int
	RetryDelay       time.Duration

	// Per-call timeouts
	ResponderTimeout time.Duration
	ToolTimeout      time.Duration

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:  4,
		MaxIterations:       10,
		ResponderRetries:    1,
		RetryDelay:          time.Second * 2,
		ResponderTimeout:    time.Minute,
		ToolTimeout:         time.Second * 30,
		EnableEventBus:      true,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
	}
}

// Option is a function that configures an Engine instance.
type Option func(*Engine)

// WithConfig sets the configuration for the engine.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(e *Engine) {
		e.planner = planner
	}
}

// WithScheduler sets the scheduler component.
func WithScheduler(scheduler Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = scheduler
	}
}

// WithResponder sets the responder used for answer synthesis.
func WithResponder(responder Responder) Option {
	return func(e *Engine) {
		e.responder = responder
	}
}

// WithCache sets the cache component.
func WithCache(cache Cache) Option {
	return func(e *Engine) {
		e.cache = cache
	}
}

// WithTools adds tools to the runtime.
func WithTools(tools map[string]Tool) Option {
	return func(e *Engine) {
		if e.tools == nil {
			e.tools = make(map[string]Tool)
		}
		for name, tool := range tools {
			e.tools[name] = tool
		}
	}
}

// New creates a new Engine instance with the provided options.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config:          DefaultConfig(),
		tools:           make(map[string]Tool),
		asyncExecutions: make(map[string]*ProcessContext),
	}

	for _, option := range options {
		option(e)
	}

	if e.planner == nil {
		return nil, NewConfigurationError("planner is required", nil)
	}
	if e.scheduler == nil {
		return nil, NewConfigurationError("scheduler is required", nil)
	}
	if e.responder == nil {
		return nil, NewConfigurationError("responder is required", nil)
	}
	if e.cache == nil {
		return nil, NewConfigurationError("cache is required", nil)
	}
	if len(e.tools) == 0 {
		return nil, NewConfigurationError("at least one tool is required", nil)
	}

	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
		)
		log.Printf("Initialized default channel-based event bus")
	}

	return e, nil
}

// RegisterTool adds a new tool to the engine.
func (e *Engine) RegisterTool(name string, tool Tool) error {
	if _, exists := e.tools[name]; exists {
		return NewConfigurationError("tool with name '"+name+"' already exists", nil)
	}
	e.tools[name] = tool
	return nil
}

// GetToolSchemas returns a map of tool names to their full schemas, suitable
// for use in planner prompts.
func (e *Engine) GetToolSchemas() map[string]map[string]any {
	schemas := make(map[string]map[string]any, len(e.tools))
	for name, tool := range e.tools {
		schemas[name] = tool.Schema()
	}
	return schemas
}

// GetToolByName returns a tool by its name, or an error if not found.
func (e *Engine) GetToolByName(name string) (Tool, error) {
	if tool, exists := e.tools[name]; exists {
		return tool, nil
	}
	return nil, NewConfigurationError("tool with name '"+name+"' not found", nil)
}

// ListTools returns a list of all registered tool names.
func (e *Engine) ListTools() []string {
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	return names
}

// Result is the outcome of one goal execution: the synthesized answer plus
// the full execution report.
type Result struct {
	FinalAnswer string  `json:"final_answer"`
	Report      *Report `json:"report,omitempty"`
}

// Process handles an end-to-end goal execution through the pipeline state
// machine. A partial-failure report does not make Process fail: the answer
// accounts for incomplete tasks and the report carries the details.
func (e *Engine) Process(ctx context.Context, goal string) (*Result, error) {
	stateMachine := e.createStateMachine()
	processContext := NewProcessContext(goal)

	answer, err := stateMachine.Execute(ctx, processContext)
	if err != nil {
		return nil, err
	}
	return &Result{FinalAnswer: answer, Report: processContext.Report}, nil
}

// ExecutePlan validates and runs a pre-built task graph directly, bypassing
// the planner. Useful for fixed workflows loaded from plan files.
func (e *Engine) ExecutePlan(ctx context.Context, tasks []*Task) (*Report, error) {
	plan, err := ValidatePlan(tasks)
	if err != nil {
		return nil, err
	}
	return e.scheduler.Execute(ctx, plan)
}

// createStateMachine builds a state machine with all necessary transitions
// for the goal-processing workflow.
func (e *Engine) createStateMachine() *StateMachine {
	var eventBus eventbus.EventBus
	if e.config.EnableEventBus {
		eventBus = e.eventBus
	}

	components := EngineComponents{
		Planner:   e.planner,
		Scheduler: e.scheduler,
		Responder: e.responder,
		Config:    e.config,
		GetSchemas: func() map[string]map[string]any {
			return e.GetToolSchemas()
		},
	}

	return CreateProcessStateMachine(components, eventBus)
}

// ProcessAsync starts an asynchronous goal execution. It returns a unique
// execution ID that can be used to check the status or get the result.
func (e *Engine) ProcessAsync(ctx context.Context, goal string) (string, error) {
	executionID := uuid.New().String()

	stateMachine := e.createStateMachine()
	processContext := NewProcessContext(goal)

	e.asyncExecutionsMutex.Lock()
	e.asyncExecutions[executionID] = processContext
	e.asyncExecutionsMutex.Unlock()

	// The async run outlives the caller's context; cancellation happens
	// through CancelAsyncProcess.
	asyncCtx, cancel := context.WithCancel(context.Background())
	processContext.StateData["cancel"] = cancel

	if e.config.EnableEventBus && e.eventBus != nil {
		e.eventBus.Publish(ctx, eventbus.NewEvent(
			eventbus.EventGoalAsyncProcessingStarted,
			goal,
			"Engine.ProcessAsync",
			map[string]any{
				"timestamp":    time.Now().Format(time.RFC3339),
				"execution_id": executionID,
			},
		))
	}

	go func() {
		defer cancel()

		result, err := stateMachine.Execute(asyncCtx, processContext)

		e.asyncExecutionsMutex.Lock()
		if pCtx, exists := e.asyncExecutions[executionID]; exists {
			pCtx.FinalAnswer = result
			if err != nil && !pCtx.IsTerminal() {
				pCtx.SetError(err, string(pCtx.CurrentState))
			} else if err == nil {
				pCtx.Complete()
			}
		}
		e.asyncExecutionsMutex.Unlock()

		if e.config.EnableEventBus && e.eventBus != nil {
			eventType := eventbus.EventGoalAsyncProcessingSuccess
			metadata := map[string]any{
				"execution_id": executionID,
				"duration_ms":  processContext.GetTotalDuration().Milliseconds(),
			}
			if err != nil {
				eventType = eventbus.EventGoalAsyncProcessingFailure
				metadata["error"] = err.Error()
				metadata["error_stage"] = processContext.ErrorStage
			}
			e.eventBus.Publish(context.Background(), eventbus.NewEvent(
				eventType,
				goal,
				"Engine.ProcessAsync",
				metadata,
			))
		}
	}()

	return executionID, nil
}

// Close releases engine resources, shutting down the event bus if one is
// running.
func (e *Engine) Close() error {
	if e.eventBus != nil {
		return e.eventBus.Close()
	}
	return nil
}
