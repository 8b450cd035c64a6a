package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitForSignal(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal(msg)
	}
}

func TestChannelEventBus_PublishAndSubscribe(t *testing.T) {
	bus := NewChannelEventBus(WithBufferSize(10), WithWorkerCount(2))
	defer bus.Close()

	received := make(chan Event, 1)
	_, err := bus.Subscribe([]EventType{EventTaskSucceeded}, func(ctx context.Context, event Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent(EventTaskSucceeded, map[string]any{"task_id": "t1"}, "test", nil)
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Type() != EventTaskSucceeded {
			t.Errorf("expected %s, got %s", EventTaskSucceeded, got.Type())
		}
		payload := got.Payload().(map[string]any)
		if payload["task_id"] != "t1" {
			t.Errorf("unexpected payload: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestChannelEventBus_TypeFiltering(t *testing.T) {
	bus := NewChannelEventBus(WithWorkerCount(1))
	defer bus.Close()

	var failures atomic.Int32
	done := make(chan struct{})
	if _, err := bus.Subscribe([]EventType{EventTaskFailed}, func(ctx context.Context, event Event) error {
		failures.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe([]EventType{EventTaskStarted}, func(ctx context.Context, event Event) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Publishing a started event must reach only the started handler. The
	// single worker processes events in order, so seeing the second event
	// proves the first did not hit the failure handler.
	bus.Publish(context.Background(), NewEvent(EventTaskStarted, nil, "test", nil))
	waitForSignal(t, done, "started handler was never invoked")

	if got := failures.Load(); got != 0 {
		t.Errorf("failure handler invoked %d times for a started event", got)
	}
}

func TestChannelEventBus_SubscribeAll(t *testing.T) {
	bus := NewChannelEventBus(WithWorkerCount(1))
	defer bus.Close()

	var count atomic.Int32
	done := make(chan struct{}, 2)
	if _, err := bus.SubscribeAll(func(ctx context.Context, event Event) error {
		count.Add(1)
		done <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}

	bus.Publish(context.Background(), NewEvent(EventTaskStarted, nil, "test", nil))
	bus.Publish(context.Background(), NewEvent(EventSynthesisSuccess, nil, "test", nil))

	waitForSignal(t, done, "first event not delivered")
	waitForSignal(t, done, "second event not delivered")
	if got := count.Load(); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
}

func TestChannelEventBus_HandlerRetry(t *testing.T) {
	bus := NewChannelEventBus(WithWorkerCount(1), WithRetries(3, time.Millisecond))
	defer bus.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	if _, err := bus.Subscribe([]EventType{EventTaskFailed}, func(ctx context.Context, event Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient failure")
		}
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(context.Background(), NewEvent(EventTaskFailed, nil, "test", nil))
	waitForSignal(t, done, "handler never succeeded after retries")

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestChannelEventBus_Unsubscribe(t *testing.T) {
	bus := NewChannelEventBus(WithWorkerCount(1))
	defer bus.Close()

	var count atomic.Int32
	id, err := bus.Subscribe([]EventType{EventTaskSucceeded}, func(ctx context.Context, event Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := bus.Unsubscribe(id); err == nil {
		t.Error("expected error unsubscribing twice")
	}

	// Flush through a sentinel so we know the worker saw both events.
	done := make(chan struct{})
	bus.SubscribeAll(func(ctx context.Context, event Event) error {
		if event.Type() == EventSystemInfo {
			close(done)
		}
		return nil
	})
	bus.Publish(context.Background(), NewEvent(EventTaskSucceeded, nil, "test", nil))
	bus.Publish(context.Background(), NewEvent(EventSystemInfo, nil, "test", nil))
	waitForSignal(t, done, "sentinel event not delivered")

	if got := count.Load(); got != 0 {
		t.Errorf("unsubscribed handler invoked %d times", got)
	}
}

func TestChannelEventBus_ContextCancellation(t *testing.T) {
	bus := NewChannelEventBus(WithWorkerCount(1))
	defer bus.Close()

	var count atomic.Int32
	bus.Subscribe([]EventType{EventTaskStarted}, func(ctx context.Context, event Event) error {
		count.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, NewEvent(EventTaskStarted, nil, "test", nil))

	// Follow with a live-context sentinel to prove the worker drained the
	// cancelled event without running its handler.
	done := make(chan struct{})
	bus.SubscribeAll(func(hctx context.Context, event Event) error {
		if event.Type() == EventSystemInfo {
			close(done)
		}
		return nil
	})
	bus.Publish(context.Background(), NewEvent(EventSystemInfo, nil, "test", nil))
	waitForSignal(t, done, "sentinel event not delivered")

	if got := count.Load(); got != 0 {
		t.Errorf("handler ran %d times for a cancelled context", got)
	}
}

func TestChannelEventBus_PublishAfterClose(t *testing.T) {
	bus := NewChannelEventBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close must be a no-op, got %v", err)
	}
	if err := bus.Publish(context.Background(), NewEvent(EventTaskStarted, nil, "test", nil)); err == nil {
		t.Error("expected error publishing to a closed bus")
	}
	if _, err := bus.Subscribe([]EventType{EventTaskStarted}, func(ctx context.Context, event Event) error { return nil }); err == nil {
		t.Error("expected error subscribing to a closed bus")
	}
}
