package eventbus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelEventBus is an EventBus backed by a buffered channel and a fixed
// worker pool.
type ChannelEventBus struct {
	subscribers    map[EventType]map[string]EventHandler
	allSubscribers map[string]EventHandler

	eventChan chan eventWithContext
	done      chan struct{}
	closed    bool
	wg        sync.WaitGroup
	mu        sync.RWMutex

	bufferSize    int
	workerCount   int
	maxRetries    int
	retryInterval time.Duration
}

type eventWithContext struct {
	ctx   context.Context
	event Event
}

// ChannelEventBusOption configures the channel-based event bus
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.bufferSize = size
	}
}

// WithWorkerCount sets the number of event processing workers
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.workerCount = count
	}
}

// WithRetries configures the retry behavior for event handlers
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.maxRetries = maxRetries
		eb.retryInterval = retryInterval
	}
}

// NewChannelEventBus creates a new channel-based event bus
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subscribers:    make(map[EventType]map[string]EventHandler),
		allSubscribers: make(map[string]EventHandler),
		done:           make(chan struct{}),

		bufferSize:    100,
		workerCount:   5,
		maxRetries:    3,
		retryInterval: time.Millisecond * 100,
	}

	for _, option := range options {
		option(eb)
	}

	eb.eventChan = make(chan eventWithContext, eb.bufferSize)

	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	return eb
}

func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.done:
			return
		case evt := <-eb.eventChan:
			eb.processEvent(evt)
		}
	}
}

func (eb *ChannelEventBus) processEvent(evt eventWithContext) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0)
	if typed, ok := eb.subscribers[evt.event.Type()]; ok {
		for _, h := range typed {
			handlers = append(handlers, h)
		}
	}
	for _, h := range eb.allSubscribers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, handler := range handlers {
		eb.dispatch(evt.ctx, handler, evt.event)
	}
}

// dispatch invokes one handler, retrying transient failures.
func (eb *ChannelEventBus) dispatch(ctx context.Context, handler EventHandler, event Event) {
	var err error
	for attempt := 0; attempt <= eb.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if err = handler(ctx, event); err == nil {
			return
		}
		select {
		case <-eb.done:
			return
		case <-time.After(eb.retryInterval):
		}
	}
	log.Printf("Event handler failed after %d retries (event: %s, error: %v)", eb.maxRetries, event.Type(), err)
}

// Publish sends an event to all subscribed handlers. It never blocks the
// caller: when the buffer is full the event is dropped with a warning.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	select {
	case eb.eventChan <- eventWithContext{ctx: ctx, event: event}:
		return nil
	default:
		log.Printf("Event bus buffer full, dropping event (type: %s)", event.Type())
		return fmt.Errorf("event bus buffer full")
	}
}

// Subscribe registers a handler for specific event types.
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return "", fmt.Errorf("event bus is closed")
	}

	id := uuid.New().String()
	for _, eventType := range eventTypes {
		if eb.subscribers[eventType] == nil {
			eb.subscribers[eventType] = make(map[string]EventHandler)
		}
		eb.subscribers[eventType][id] = handler
	}
	return id, nil
}

// SubscribeAll registers a handler for all event types.
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return "", fmt.Errorf("event bus is closed")
	}

	id := uuid.New().String()
	eb.allSubscribers[id] = handler
	return id, nil
}

// Unsubscribe removes a subscription by ID.
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, ok := eb.allSubscribers[subscriptionID]; ok {
		delete(eb.allSubscribers, subscriptionID)
		return nil
	}

	found := false
	for _, typed := range eb.subscribers {
		if _, ok := typed[subscriptionID]; ok {
			delete(typed, subscriptionID)
			found = true
		}
	}
	if !found {
		return fmt.Errorf("subscription '%s' not found", subscriptionID)
	}
	return nil
}

// Close shuts down the event bus. Pending buffered events are discarded.
func (eb *ChannelEventBus) Close() error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return nil
	}
	eb.closed = true
	eb.mu.Unlock()

	close(eb.done)
	eb.wg.Wait()
	return nil
}
