// Package events implements the UPS event system: subscription registry,
// bounded event queue, background dispatcher and delivery services.
package events

import (
	"context"
	"sync"

	"github.com/dicomkit/dicomweb-server/internal/metrics"
	"github.com/dicomkit/dicomweb-server/internal/models"
)

// Envelope pairs an event with the subscriptions interested in it at the
// time it was published.
type Envelope struct {
	Event         models.Event
	Subscriptions []*models.Subscription
}

// Queue is a bounded FIFO of envelopes. On overflow the oldest entries are
// discarded before enqueue, so newer events take priority.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Envelope
	max    int
	closed bool
}

// NewQueue creates a queue bounded at max entries.
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = 1
	}
	q := &Queue{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an envelope, dropping the oldest entries when full.
func (q *Queue) Enqueue(env Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for len(q.items) >= q.max {
		q.items = q.items[1:]
		metrics.EventsDropped.Inc()
	}
	q.items = append(q.items, env)
	metrics.EventQueueDepth.Set(float64(len(q.items)))
	q.cond.Signal()
}

// Dequeue blocks until an envelope is available, the context is done, or the
// queue is closed. The second return is false when no envelope was popped.
func (q *Queue) Dequeue(ctx context.Context) (Envelope, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed || ctx.Err() != nil {
			return Envelope{}, false
		}
		q.cond.Wait()
	}
	env := q.items[0]
	q.items = q.items[1:]
	metrics.EventQueueDepth.Set(float64(len(q.items)))
	return env, true
}

// Size returns the current depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all queued envelopes.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	metrics.EventQueueDepth.Set(0)
}

// Close wakes all waiters; subsequent enqueues are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
