// Package pubsub implements in-process publishing and subscribing of resource
// events.
package pubsub

import (
	"context"
	"sync"

	"github.com/leg100/jobq/internal/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// subBufferSize is the buffer size of the channel for each subscription.
const subBufferSize = 100

var totalSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "jobq",
	Subsystem: "pubsub",
	Name:      "subscribers",
	Help:      "Number of subscribers to resource events, by table.",
}, []string{"table"})

func init() {
	prometheus.MustRegister(totalSubscribers)
}

// Broker fans out events of a single resource type to subscribers.
type Broker[T any] struct {
	logr.Logger

	table string
	subs  map[chan Event[T]]struct{}
	mu    sync.Mutex
}

func NewBroker[T any](logger logr.Logger, table string) *Broker[T] {
	return &Broker[T]{
		Logger: logger.WithValues("component", "broker", "table", table),
		table:  table,
		subs:   make(map[chan Event[T]]struct{}),
	}
}

// Subscribe to events. The returned channel is closed when ctx is done, the
// returned unsubscribe func is called, or the subscriber falls too far
// behind.
func (b *Broker[T]) Subscribe(ctx context.Context) (<-chan Event[T], func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(chan Event[T], subBufferSize)
	b.subs[sub] = struct{}{}
	totalSubscribers.WithLabelValues(b.table).Inc()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.unsubscribe(sub)
		})
	}
	go func() {
		<-ctx.Done()
		unsub()
	}()
	return sub, unsub
}

// Publish an event to subscribers. Publish never blocks: a subscriber whose
// buffer is full is unsubscribed.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	event := Event[T]{Type: eventType, Payload: payload}
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			b.Error(nil, "subscriber buffer full; unsubscribing")
			b.unsubscribe(sub)
		}
	}
}

// unsubscribe must be called with the lock held.
func (b *Broker[T]) unsubscribe(sub chan Event[T]) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	close(sub)
	delete(b.subs, sub)
	totalSubscribers.WithLabelValues(b.table).Dec()
}
