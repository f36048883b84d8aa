// Package events is a typed, synchronous publish/subscribe helper used for
// read-model change notifications.
package events

import "sync"

// Unsubscribe detaches a handler. Calling it more than once is safe.
type Unsubscribe func()

// Broker fans a value out to every registered handler in subscription order.
type Broker[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(T)
	order    []uint64
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{handlers: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns its detach handle.
func (b *Broker[T]) Subscribe(fn func(T)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broker[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish calls every handler with value on the caller's goroutine. Handlers
// must not block.
func (b *Broker[T]) Publish(value T) {
	b.mu.RLock()
	fns := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Len returns the number of active subscriptions.
func (b *Broker[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
