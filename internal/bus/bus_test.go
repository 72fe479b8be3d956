package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	err := bus.Subscribe(context.Background(), TopicConnectionConnected, func(ctx context.Context, event Event) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	wg.Add(3)
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), TopicConnectionConnected, NewEvent(TopicConnectionConnected, "test", i)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	waitOrFail(t, &wg, time.Second)

	if got := received.Load(); got != 3 {
		t.Errorf("Received %d events, want 3", got)
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var count1, count2 atomic.Int32
	var wg sync.WaitGroup

	bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		count1.Add(1)
		wg.Done()
		return nil
	})
	bus.Subscribe(context.Background(), "test.topic", func(ctx context.Context, event Event) error {
		count2.Add(1)
		wg.Done()
		return errors.New("handler failures are logged, not returned")
	})

	wg.Add(2)
	if err := bus.Publish(context.Background(), "test.topic", Event{ID: "test", Type: "test"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitOrFail(t, &wg, time.Second)

	if count1.Load() != 1 || count2.Load() != 1 {
		t.Errorf("Expected both subscribers to receive 1 event, got %d and %d", count1.Load(), count2.Load())
	}
}

func TestMemoryBus_HandlerOutlivesPublisherContext(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	gotErr := make(chan error, 1)
	bus.Subscribe(context.Background(), "t", func(ctx context.Context, event Event) error {
		time.Sleep(10 * time.Millisecond)
		gotErr <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, "t", Event{ID: "1"})
	cancel()

	select {
	case err := <-gotErr:
		if err != nil {
			t.Errorf("handler context err = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout")
	}
}

func TestMemoryBus_NoSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	err := bus.Publish(context.Background(), "empty.topic", Event{ID: "test", Type: "test"})
	if err != nil {
		t.Errorf("Publish() to empty topic error = %v", err)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus()

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := bus.Publish(context.Background(), "test", Event{}); err == nil {
		t.Error("Publish() after Close() should error")
	}

	err := bus.Subscribe(context.Background(), "test", func(ctx context.Context, event Event) error {
		return nil
	})
	if err == nil {
		t.Error("Subscribe() after Close() should error")
	}
}

func TestMemoryBus_Concurrent(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	var received atomic.Int32
	var wg sync.WaitGroup

	bus.Subscribe(context.Background(), "concurrent", func(ctx context.Context, event Event) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	numPublishers := 10
	eventsPerPublisher := 100
	wg.Add(numPublishers * eventsPerPublisher)

	for p := 0; p < numPublishers; p++ {
		go func() {
			for i := 0; i < eventsPerPublisher; i++ {
				bus.Publish(context.Background(), "concurrent", Event{ID: "test", Type: "test"})
			}
		}()
	}

	waitOrFail(t, &wg, 5*time.Second)

	if got := received.Load(); got != int32(numPublishers*eventsPerPublisher) {
		t.Errorf("Received %d events, want %d", got, numPublishers*eventsPerPublisher)
	}
}

func TestMemoryBus_SubscriptionEndsWithContext(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	bus.Subscribe(ctx, TopicComponentCreated, func(ctx context.Context, event Event) error { return nil })
	bus.Subscribe(context.Background(), TopicComponentCreated, func(ctx context.Context, event Event) error { return nil })

	if got := bus.Subscribers(TopicComponentCreated); got != 2 {
		t.Fatalf("Subscribers() = %d, want 2", got)
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for bus.Subscribers(TopicComponentCreated) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Subscribers() = %d after cancel, want 1", bus.Subscribers(TopicComponentCreated))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMemoryBus_DrainHonorsContext(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(context.Background(), "slow", func(ctx context.Context, event Event) error {
		<-release
		return nil
	})
	bus.Publish(context.Background(), "slow", Event{ID: "1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() = %v, want deadline exceeded", err)
	}

	close(release)
	if err := bus.Drain(context.Background()); err != nil {
		t.Errorf("Drain() after release = %v", err)
	}
}

func TestEvent_PartitionKey(t *testing.T) {
	if got := (Event{ID: "evt", Key: "conn-1"}).PartitionKey(); got != "conn-1" {
		t.Errorf("PartitionKey() = %s, want conn-1", got)
	}
	if got := (Event{ID: "evt"}).PartitionKey(); got != "evt" {
		t.Errorf("PartitionKey() = %s, want evt", got)
	}
}

func TestDecodePayload(t *testing.T) {
	type payload struct {
		ConnectionID string `json:"connection_id"`
		Reason       string `json:"reason"`
	}

	t.Run("typed value", func(t *testing.T) {
		var out payload
		err := DecodePayload(Event{Payload: payload{ConnectionID: "a", Reason: "stale"}}, &out)
		if err != nil || out.ConnectionID != "a" || out.Reason != "stale" {
			t.Errorf("DecodePayload() = %+v, %v", out, err)
		}
	})

	t.Run("decoded json map", func(t *testing.T) {
		var out payload
		err := DecodePayload(Event{Payload: map[string]any{"connection_id": "b", "reason": "gone"}}, &out)
		if err != nil || out.ConnectionID != "b" || out.Reason != "gone" {
			t.Errorf("DecodePayload() = %+v, %v", out, err)
		}
	})
}

func TestInstrumentedBus_RecordsPublish(t *testing.T) {
	rec := &recordingMetrics{}
	inner := NewMemoryBus()
	b := NewInstrumentedBus(inner, rec)
	defer b.Close()

	if err := b.Publish(context.Background(), TopicComponentCreated, Event{ID: "1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	inner.Close()
	_ = b.Publish(context.Background(), TopicComponentCreated, Event{ID: "2"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.topics) != 2 {
		t.Fatalf("recorded %d publishes, want 2", len(rec.topics))
	}
	if rec.errs[0] != nil || rec.errs[1] == nil {
		t.Errorf("errs = %v, want [nil, closed]", rec.errs)
	}
}

func TestInstrumentedBus_RecordsHandlers(t *testing.T) {
	rec := &recordingMetrics{}
	inner := NewMemoryBus()
	b := NewInstrumentedBus(inner, rec)

	boom := errors.New("relay failed")
	b.Subscribe(context.Background(), TopicComponentDeleted, func(ctx context.Context, e Event) error {
		if e.Key == "bad" {
			return boom
		}
		return nil
	})

	b.Publish(context.Background(), TopicComponentDeleted, Event{ID: "1", Key: "good"})
	b.Publish(context.Background(), TopicComponentDeleted, Event{ID: "2", Key: "bad"})
	if err := inner.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.handled) != 2 {
		t.Fatalf("recorded %d handler runs, want 2", len(rec.handled))
	}
	var failed int
	for _, err := range rec.handleErrs {
		if errors.Is(err, boom) {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("failed handler runs = %d, want 1", failed)
	}
}

type recordingMetrics struct {
	mu         sync.Mutex
	topics     []string
	errs       []error
	handled    []string
	handleErrs []error
}

func (r *recordingMetrics) RecordBusPublish(topic string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.errs = append(r.errs, err)
}

func (r *recordingMetrics) RecordBusHandle(topic string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, topic)
	r.handleErrs = append(r.handleErrs, err)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("Timeout waiting for events")
	}
}
