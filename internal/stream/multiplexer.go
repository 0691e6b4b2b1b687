// Package stream fans out the events of running jobs to observers.
package stream

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
)

const (
	DefaultBufferSize           = 1024
	DefaultSubscriberBufferSize = 256
	DefaultFinishedCacheSize    = 1000
	DefaultReconcileInterval    = 10 * time.Second
)

// ErrStreamComplete is returned when publishing to the stream of a job that
// has already completed.
var ErrStreamComplete = errors.New("job stream already complete")

var (
	subscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobq",
		Subsystem: "stream",
		Name:      "subscribers",
		Help:      "Number of subscribers to job streams.",
	})
	droppedEventsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobq",
		Subsystem: "stream",
		Name:      "dropped_events_total",
		Help:      "Number of events dropped because a subscriber fell behind.",
	})
)

func init() {
	prometheus.MustRegister(subscribersGauge, droppedEventsCounter)
}

type (
	// Multiplexer fans out the events of each job to any number of
	// subscribers. Terminal output is buffered in a fixed size ring per job
	// so that late subscribers can replay it before following live events.
	Multiplexer struct {
		logr.Logger
		Options

		mu      sync.Mutex
		streams map[resource.ID]*jobStream
		// finished retains the streams of recently completed jobs for
		// replay.
		finished *lru.Cache[resource.ID, *jobStream]
	}

	Options struct {
		// BufferSize is the number of buffered events retained per job.
		BufferSize int
		// SubscriberBufferSize is the number of live events queued per
		// subscriber before the oldest are dropped.
		SubscriberBufferSize int
		// FinishedCacheSize is the number of completed job streams retained.
		FinishedCacheSize int
		// Jobs is consulted to complete the streams of jobs finished by
		// another process. Optional.
		Jobs JobGetter
		// ReconcileInterval is the interval between checks for streams of
		// finished jobs.
		ReconcileInterval time.Duration
	}

	JobGetter interface {
		Get(ctx context.Context, id resource.ID) (*job.Job, error)
	}

	jobStream struct {
		id   resource.ID
		ring []Event
		// seq of the next buffered event.
		next uint64
		subs map[*Subscription]struct{}
		// complete is non-nil once the job has completed.
		complete *Event
	}
)

func NewMultiplexer(logger logr.Logger, opts Options) (*Multiplexer, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = DefaultSubscriberBufferSize
	}
	if opts.FinishedCacheSize <= 0 {
		opts.FinishedCacheSize = DefaultFinishedCacheSize
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	finished, err := lru.New[resource.ID, *jobStream](opts.FinishedCacheSize)
	if err != nil {
		return nil, err
	}
	return &Multiplexer{
		Logger:   logger.WithValues("component", "multiplexer"),
		Options:  opts,
		streams:  make(map[resource.ID]*jobStream),
		finished: finished,
	}, nil
}

// Subscribe to the events of a job. The first event is always an Open event.
// If fromBuffered is true the buffered events of the job are replayed before
// live events. The subscription is closed after the Complete event, or when
// ctx is done, or when the subscriber calls Close.
func (m *Multiplexer) Subscribe(ctx context.Context, jobID resource.ID, fromBuffered bool) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.held(jobID)
	if !ok {
		stream = m.newStream(jobID)
	}
	return m.subscribe(ctx, stream, fromBuffered)
}

// SubscribeJob subscribes to the events of a stored job. If the job has
// finished but its stream is no longer held, e.g. because it was evicted or
// because the job was finished by another process, the subscriber receives
// a Complete event built from the stored job, and replay is marked
// incomplete.
func (m *Multiplexer) SubscribeJob(ctx context.Context, j *job.Job, fromBuffered bool) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.held(j.ID)
	if !ok {
		if j.State.IsTerminal() {
			sub := m.newSubscription(j.ID, 2)
			sub.ch <- openEvent(j.ID, fromBuffered)
			sub.ch <- Event{Kind: CompleteEvent, Complete: CompleteOf(j)}
			close(sub.ch)
			sub.closed = true
			return sub
		}
		stream = m.newStream(j.ID)
	}
	return m.subscribe(ctx, stream, fromBuffered)
}

// subscribe must be called with the lock held.
func (m *Multiplexer) subscribe(ctx context.Context, stream *jobStream, fromBuffered bool) *Subscription {
	var replay []Event
	if fromBuffered {
		replay = stream.buffered()
	}
	// room for the open event, the replay, and live events
	sub := m.newSubscription(stream.id, 1+len(replay)+m.SubscriberBufferSize)
	sub.ch <- openEvent(stream.id, fromBuffered && stream.wrapped())
	for _, ev := range replay {
		sub.ch <- ev
	}

	if stream.complete != nil {
		// the job has already completed: no live events will follow.
		sub.send(*stream.complete)
		close(sub.ch)
		sub.closed = true
		return sub
	}

	stream.subs[sub] = struct{}{}
	subscribersGauge.Inc()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done():
		}
	}()
	return sub
}

func (m *Multiplexer) newSubscription(jobID resource.ID, size int) *Subscription {
	return &Subscription{
		mux:      m,
		jobID:    jobID,
		ch:       make(chan Event, size),
		closedCh: make(chan struct{}),
	}
}

func openEvent(jobID resource.ID, replayIncomplete bool) Event {
	return Event{
		Kind: OpenEvent,
		Open: &Open{
			JobID:            jobID,
			ReplayIncomplete: replayIncomplete,
		},
	}
}

// Publish an event to the subscribers of a job. Terminal output and
// download notices are buffered for replay.
func (m *Multiplexer) Publish(jobID resource.ID, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.streams[jobID]
	if !ok {
		if _, ok := m.finished.Peek(jobID); ok {
			return ErrStreamComplete
		}
		if event.Kind == StateChangeEvent && event.StateChange.Current.IsTerminal() {
			// the Complete that follows retains the stream
			return nil
		}
		stream = m.newStream(jobID)
	}
	if event.buffered() {
		stream.append(&event)
	}
	for sub := range stream.subs {
		sub.send(event)
	}
	return nil
}

// Complete sends a Complete event to every subscriber of the job and closes
// their subscriptions. Subsequent calls are ignored.
func (m *Multiplexer) Complete(jobID resource.ID, complete Complete) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.streams[jobID]
	if !ok {
		if _, ok := m.finished.Peek(jobID); ok {
			return
		}
		stream = m.newStream(jobID)
	}
	event := Event{Kind: CompleteEvent, Complete: &complete}
	stream.complete = &event
	for sub := range stream.subs {
		sub.send(event)
		sub.close()
	}
	stream.subs = nil
	delete(m.streams, jobID)
	m.finished.Add(jobID, stream)

	m.V(2).Info("completed job stream", "job_id", jobID, "events", stream.next)
}

// Start completing the streams of jobs that were finished without this
// multiplexer completing them, until ctx is done. That happens when the job
// is finished by another process sharing the job store, or was finished
// before a restart.
func (m *Multiplexer) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

func (m *Multiplexer) reconcile(ctx context.Context) {
	if m.Jobs == nil {
		return
	}
	m.mu.Lock()
	ids := slices.Collect(maps.Keys(m.streams))
	m.mu.Unlock()

	for _, id := range ids {
		j, err := m.Jobs.Get(ctx, id)
		if errors.Is(err, internal.ErrResourceNotFound) {
			m.Complete(id, Complete{Error: job.NewStatus(codes.NotFound, "job not found")})
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.Error(err, "retrieving job for stream", "job_id", id)
			continue
		}
		if j.State.IsTerminal() {
			m.V(1).Info("completing stream of finished job", "job", j)
			m.Complete(id, *CompleteOf(j))
		}
	}
}

// held returns the stream of a job, whether live or finished. Must be
// called with the lock held.
func (m *Multiplexer) held(jobID resource.ID) (*jobStream, bool) {
	if stream, ok := m.streams[jobID]; ok {
		return stream, true
	}
	return m.finished.Get(jobID)
}

// newStream must be called with the lock held.
func (m *Multiplexer) newStream(jobID resource.ID) *jobStream {
	stream := &jobStream{
		id:   jobID,
		ring: make([]Event, m.BufferSize),
		subs: make(map[*Subscription]struct{}),
	}
	m.streams[jobID] = stream
	return stream
}

func (m *Multiplexer) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.closed {
		return
	}
	if stream, ok := m.streams[sub.jobID]; ok {
		delete(stream.subs, sub)
	}
	sub.close()
}

func (s *jobStream) append(event *Event) {
	s.next++
	event.Seq = s.next
	s.ring[(s.next-1)%uint64(len(s.ring))] = *event
}

// wrapped reports whether the ring has overwritten buffered events.
func (s *jobStream) wrapped() bool {
	return s.next > uint64(len(s.ring))
}

// buffered returns the buffered events in sequence order.
func (s *jobStream) buffered() []Event {
	size := uint64(len(s.ring))
	first := uint64(1)
	if s.next > size {
		first = s.next - size + 1
	}
	events := make([]Event, 0, s.next-first+1)
	for seq := first; seq <= s.next; seq++ {
		events = append(events, s.ring[(seq-1)%size])
	}
	return events
}
