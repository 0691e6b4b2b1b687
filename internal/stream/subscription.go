package stream

import (
	"sync/atomic"

	"github.com/leg100/jobq/internal/resource"
)

// Subscription is an observer's subscription to a job's events.
type Subscription struct {
	mux   *Multiplexer
	jobID resource.ID
	ch    chan Event
	// closed is guarded by the multiplexer's lock.
	closed bool
	// closedCh is closed along with ch to stop the watcher goroutine.
	closedCh chan struct{}
	dropped  atomic.Int64
}

// Events returns the channel of events. The channel is closed once the
// subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Truncated reports whether events were dropped because the subscriber fell
// behind.
func (s *Subscription) Truncated() bool { return s.dropped.Load() > 0 }

// Dropped returns the number of events dropped.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close ends the subscription.
func (s *Subscription) Close() { s.mux.unsubscribe(s) }

func (s *Subscription) done() <-chan struct{} {
	return s.closedCh
}

// send queues an event without blocking, dropping the oldest queued event
// if the queue is full. Must be called with the multiplexer's lock held.
func (s *Subscription) send(event Event) {
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		// queue is full: make room
		select {
		case <-s.ch:
			s.dropped.Add(1)
			droppedEventsCounter.Inc()
		default:
			// subscriber drained the queue concurrently; retry
		}
	}
}

// close must be called with the multiplexer's lock held.
func (s *Subscription) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	close(s.closedCh)
	subscribersGauge.Dec()
}
