// Package events provides a small typed publish/subscribe bus.
//
// Handlers are invoked synchronously on the emitting goroutine, after the
// bus lock has been released, so a handler may subscribe, unsubscribe or
// emit without deadlocking. A panicking handler is logged and skipped.
package events

import (
	"fmt"
	"sync"

	"flora-session/internal/common/logging"
)

// Handler receives an emitted payload.
type Handler[T any] func(payload T)

// Unsubscribe removes a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string][]subscription[T]
	logger logging.Logger
}

func NewBus[T any](logger logging.Logger) *Bus[T] {
	if logger == nil {
		logger = logging.Component("events")
	}
	return &Bus[T]{
		topics: make(map[string][]subscription[T]),
		logger: logger,
	}
}

func (b *Bus[T]) Subscribe(topic string, handler Handler[T]) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription[T]{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus[T]) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// Copy so snapshots taken by in-progress Emits stay intact.
		next := make([]subscription[T], 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(b.topics, topic)
		} else {
			b.topics[topic] = next
		}
		return
	}
}

// Emit delivers payload to the topic's current subscribers in subscription order.
func (b *Bus[T]) Emit(topic string, payload T) {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(topic, s, payload)
	}
}

func (b *Bus[T]) deliver(topic string, s subscription[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", fmt.Errorf("%v", r),
				logging.String("topic", topic))
		}
	}()
	s.handler(payload)
}

// Len returns the number of subscribers on topic.
func (b *Bus[T]) Len(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
