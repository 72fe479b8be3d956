package bus

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vaebz/magic-mcp/internal/pkg/errors"
	"github.com/vaebz/magic-mcp/internal/pkg/logger"
)

// closeDrainTimeout bounds how long Close waits for running handlers.
const closeDrainTimeout = 10 * time.Second

// MemoryBus delivers events within one process. Each handler runs on its own
// goroutine with a context detached from the publisher, so a lifecycle event
// published from a request outlives that request.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64
	closed bool
	log    *logger.Logger

	inflight sync.WaitGroup
}

type subscription struct {
	id      uint64
	handler Handler
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string][]*subscription),
		log:  logger.Default(),
	}
}

// WithLogger sets the logger used for handler failures.
func (b *MemoryBus) WithLogger(log *logger.Logger) *MemoryBus {
	b.log = log
	return b
}

// Publish hands event to every current subscriber of topic. A topic without
// subscribers is not an error.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	hctx := context.WithoutCancel(ctx)
	for _, sub := range b.subs[topic] {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			if err := h(hctx, event); err != nil {
				b.log.Warn("Bus handler failed",
					"topic", topic, "event_id", event.ID, "key", event.Key, "error", err)
			}
		}(sub.handler)
	}

	return nil
}

// Subscribe registers handler on topic. The subscription is dropped when ctx
// is done.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], &subscription{id: id, handler: handler})

	context.AfterFunc(ctx, func() { b.unsubscribe(topic, id) })
	return nil
}

func (b *MemoryBus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[topic] = slices.DeleteFunc(b.subs[topic], func(s *subscription) bool {
		return s.id == id
	})
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Subscribers returns the number of handlers registered on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops accepting events and waits for running handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeDrainTimeout)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		b.log.Warn("Bus drain timeout reached, some handlers may not have completed")
	}

	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()

	return nil
}

// Drain waits until every handler started so far has returned, or ctx ends.
func (b *MemoryBus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
