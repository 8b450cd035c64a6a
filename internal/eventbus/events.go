// Package eventbus provides the engine's event dispatch system.
package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Plan generation events
	EventPlanGenerationStarted EventType = "plan_generation_started"
	EventPlanGenerationSuccess EventType = "plan_generation_success"
	EventPlanGenerationFailure EventType = "plan_generation_failure"

	// Plan validation events
	EventPlanValidationSuccess EventType = "plan_validation_success"
	EventPlanValidationFailure EventType = "plan_validation_failure"

	// Task lifecycle events
	EventTaskStarted   EventType = "task_started"
	EventTaskSucceeded EventType = "task_succeeded"
	EventTaskFailed    EventType = "task_failed"
	EventTaskBlocked   EventType = "task_blocked"
	EventTaskCancelled EventType = "task_cancelled"

	// Conversation events
	EventConversationIteration EventType = "conversation_iteration"
	EventResponderRetry        EventType = "responder_retry"
	EventToolCallCompleted     EventType = "tool_call_completed"

	// Plan execution events
	EventPlanExecutionStarted  EventType = "plan_execution_started"
	EventPlanExecutionFinished EventType = "plan_execution_finished"

	// Goal processing events
	EventGoalProcessingStarted EventType = "goal_processing_started"
	EventGoalProcessingSuccess EventType = "goal_processing_success"
	EventGoalProcessingFailure EventType = "goal_processing_failure"

	// Async goal processing events
	EventGoalAsyncProcessingStarted   EventType = "goal_async_processing_started"
	EventGoalAsyncProcessingSuccess   EventType = "goal_async_processing_success"
	EventGoalAsyncProcessingFailure   EventType = "goal_async_processing_failure"
	EventGoalAsyncProcessingCancelled EventType = "goal_async_processing_cancelled"

	// Synthesis events
	EventSynthesisStarted EventType = "synthesis_started"
	EventSynthesisSuccess EventType = "synthesis_success"
	EventSynthesisFailure EventType = "synthesis_failure"

	// System events
	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
	EventSystemInfo    EventType = "system_info"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the engine
type Event interface {
	// Type returns the event type
	Type() EventType

	// Payload returns the event data
	Payload() any

	// Metadata returns additional information about the event
	Metadata() map[string]any

	// Timestamp returns when the event occurred
	Timestamp() int64

	// Source returns information about what generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish sends an event to all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types.
	// Returns a subscription ID that can be used to unsubscribe.
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types.
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus, cleaning up resources
	Close() error
}

type basicEvent struct {
	eventType EventType
	payload   any
	metadata  map[string]any
	timestamp int64
	source    string
}

// NewEvent creates a plain event value.
func NewEvent(eventType EventType, payload any, source string, metadata map[string]any) Event {
	return &basicEvent{
		eventType: eventType,
		payload:   payload,
		metadata:  metadata,
		timestamp: time.Now().UnixNano(),
		source:    source,
	}
}

func (e *basicEvent) Type() EventType          { return e.eventType }
func (e *basicEvent) Payload() any             { return e.payload }
func (e *basicEvent) Metadata() map[string]any { return e.metadata }
func (e *basicEvent) Timestamp() int64         { return e.timestamp }
func (e *basicEvent) Source() string           { return e.source }
