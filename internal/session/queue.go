package session

import (
	"sync"

	pkgerrors "github.com/angelmondragon/packfinderz-client/pkg/errors"
)

type outcome struct {
	token string
	err   error
}

// waiter is one request parked behind the in-flight refresh.
type waiter struct {
	once sync.Once
	done chan outcome
}

func newWaiter() *waiter {
	return &waiter{done: make(chan outcome, 1)}
}

// settle delivers the refresh result. Only the first call has any effect.
func (w *waiter) settle(token string, err error) {
	w.once.Do(func() {
		w.done <- outcome{token: token, err: err}
	})
}

// pendingQueue lives for exactly one refresh cycle. drain hands out the
// waiters once; afterwards the queue refuses new entries.
type pendingQueue struct {
	capacity int
	waiters  []*waiter
	drained  bool
}

func newPendingQueue(capacity int) *pendingQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &pendingQueue{capacity: capacity}
}

func (q *pendingQueue) push(w *waiter) error {
	if q.drained {
		return pkgerrors.New(pkgerrors.CodeInternal, "refresh cycle already settled")
	}
	if len(q.waiters) >= q.capacity {
		return pkgerrors.New(pkgerrors.CodeRateLimit, "too many requests waiting on token refresh")
	}
	q.waiters = append(q.waiters, w)
	return nil
}

func (q *pendingQueue) drain() []*waiter {
	if q.drained {
		return nil
	}
	q.drained = true
	waiters := q.waiters
	q.waiters = nil
	return waiters
}

func (q *pendingQueue) len() int {
	return len(q.waiters)
}
