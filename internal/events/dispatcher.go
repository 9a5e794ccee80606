package events

import (
	"context"
	"sync"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/metrics"
	"github.com/dicomkit/dicomweb-server/internal/models"
	"github.com/rs/zerolog/log"
)

// Dispatcher consumes the event queue on a background goroutine and fans
// each envelope out to the delivery service. Envelopes are processed one at
// a time, which preserves per-subscription delivery order.
type Dispatcher struct {
	queue    *Queue
	subs     *SubscriptionManager
	delivery DeliveryService

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher wires the dispatcher to its subscription manager and
// delivery service, with a queue bounded at maxQueueSize.
func NewDispatcher(subs *SubscriptionManager, delivery DeliveryService, maxQueueSize int) *Dispatcher {
	return &Dispatcher{
		queue:    NewQueue(maxQueueSize),
		subs:     subs,
		delivery: delivery,
	}
}

// Publish resolves the subscriptions interested in the event and enqueues
// the envelope. Called synchronously inside mutating storage operations, so
// the event is queued before the mutation returns success. Events nobody is
// interested in are not queued.
func (d *Dispatcher) Publish(ev models.Event) {
	subs := d.subs.SubscriptionsForEvent(ev)
	if len(subs) == 0 {
		return
	}
	d.queue.Enqueue(Envelope{Event: ev, Subscriptions: subs})
}

// QueueSize returns the current queue depth.
func (d *Dispatcher) QueueSize() int { return d.queue.Size() }

// Running reports whether the loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Start launches the dispatch loop. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	if err := d.delivery.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start delivery service")
	}
	go d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		env, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		for _, sub := range env.Subscriptions {
			if err := d.delivery.DeliverEvent(env.Event, sub); err != nil {
				log.Error().Err(err).
					Str("event_type", string(env.Event.Type)).
					Str("workitem_uid", env.Event.WorkitemUID).
					Str("ae_title", sub.AETitle).
					Msg("Event delivery failed")
				continue
			}
			metrics.EventsDelivered.Inc()
		}
	}
}

// Stop cancels the loop, awaits its termination and clears the queue.
// Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	done := d.done
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Dispatcher did not stop in time")
	}
	d.queue.Clear()
	if err := d.delivery.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop delivery service")
	}
}
