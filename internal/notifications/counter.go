package notifications

import (
	"context"
	"sync"

	"github.com/angelmondragon/packfinderz-client/pkg/events"
	"github.com/angelmondragon/packfinderz-client/pkg/logger"
	"github.com/angelmondragon/packfinderz-client/pkg/metrics"
	"github.com/angelmondragon/packfinderz-client/pkg/storage"
)

const counterKey = "notifications:unread"

type persistedCounter struct {
	Unread int `json:"unread"`
}

// Counter is the locally displayed unread count. It never goes below zero and
// is persisted so a restart shows the last known value before reconnecting.
// Subscribers run after the value lock is released and may read the counter.
type Counter struct {
	kv      storage.Store
	logg    *logger.Logger
	metrics *metrics.ClientMetrics

	mu    sync.Mutex
	value int
	seq   uint64

	// notifyMu orders delivery; a change older than the last one delivered
	// is skipped. It is never acquired while mu is held.
	notifyMu  sync.Mutex
	published uint64
	changes   *events.Broker[int]
}

// NewCounter restores the persisted value. An unreadable value starts at zero.
func NewCounter(ctx context.Context, kv storage.Store, logg *logger.Logger, m *metrics.ClientMetrics) *Counter {
	if kv == nil {
		kv = storage.NewMemory()
	}
	if logg == nil {
		logg = logger.Nop()
	}
	c := &Counter{kv: kv, logg: logg, metrics: m, changes: events.NewBroker[int]()}

	var persisted persistedCounter
	if _, err := storage.GetJSON(ctx, kv, counterKey, &persisted); err != nil {
		logg.Warn(ctx, "notifications.counter.unreadable")
	} else if persisted.Unread > 0 {
		c.value = persisted.Unread
	}
	return c
}

func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Set overwrites the value; negative input is stored as zero.
func (c *Counter) Set(ctx context.Context, n int) int {
	return c.update(ctx, func(int) int { return n })
}

func (c *Counter) Increment(ctx context.Context) int {
	return c.update(ctx, func(v int) int { return v + 1 })
}

// Decrement subtracts n, flooring at zero.
func (c *Counter) Decrement(ctx context.Context, n int) int {
	return c.update(ctx, func(v int) int { return v - n })
}

func (c *Counter) Reset(ctx context.Context) int {
	return c.update(ctx, func(int) int { return 0 })
}

func (c *Counter) Subscribe(fn func(int)) events.Unsubscribe {
	return c.changes.Subscribe(fn)
}

func (c *Counter) update(ctx context.Context, fn func(int) int) int {
	v, _ := c.updateIf(ctx, nil, fn)
	return v
}

// updateIf applies fn only when guard, evaluated under the value lock,
// reports true. Callers use it to drop deltas from a stale connection.
func (c *Counter) updateIf(ctx context.Context, guard func() bool, fn func(int) int) (int, bool) {
	c.mu.Lock()
	if guard != nil && !guard() {
		v := c.value
		c.mu.Unlock()
		return v, false
	}

	next := fn(c.value)
	if next < 0 {
		next = 0
	}
	if next == c.value {
		c.mu.Unlock()
		return next, true
	}
	c.value = next
	if err := storage.SetJSON(ctx, c.kv, counterKey, persistedCounter{Unread: next}); err != nil {
		c.metrics.IncPersistFailure("notifications")
		c.logg.Error(ctx, "notifications.counter.persist_failed", err)
	}

	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.notify(seq, next)
	return next, true
}

func (c *Counter) notify(seq uint64, value int) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if seq <= c.published {
		return
	}
	c.published = seq
	c.changes.Publish(value)
}
