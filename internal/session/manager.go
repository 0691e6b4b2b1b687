package session

import (
	"context"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/stream"
)

// DefaultAckTimeout is the default time a runner has to acknowledge an
// assigned job.
const DefaultAckTimeout = 30 * time.Second

// DefaultReattachGracePeriod is the default time a runner that lost its
// stream has to reattach to its running job.
const DefaultReattachGracePeriod = time.Minute

type (
	// Manager runs runner sessions and keeps track of them by the ID of the
	// job they carry.
	Manager struct {
		logr.Logger
		Options

		sessions *internal.SafeMap[resource.ID, *Session]
	}

	Options struct {
		Logger    logr.Logger
		Scheduler Scheduler
		Registry  Registry
		Mux       Publisher
		// AckTimeout is the time a runner has to acknowledge an assigned
		// job before the job is returned to the queue.
		AckTimeout time.Duration
		// ReattachGracePeriod is the time a runner that lost its stream has
		// to reattach to its running job before the job is failed. Zero
		// fails the job as soon as the stream is lost.
		ReattachGracePeriod time.Duration
	}

	// Scheduler assigns jobs and records their progress.
	Scheduler interface {
		RequestWork(ctx context.Context, runnerID resource.ID) (*job.Job, error)
		Reattach(ctx context.Context, jobID, runnerID resource.ID) (*job.Job, error)
		Ack(ctx context.Context, jobID, runnerID resource.ID) (*job.Job, error)
		Detach(ctx context.Context, jobID, runnerID resource.ID, variables map[string]string) (*job.Job, error)
		Complete(ctx context.Context, jobID, runnerID resource.ID, result *job.Result, variables map[string]string) (*job.Job, error)
		Fail(ctx context.Context, jobID, runnerID resource.ID, status *job.Status, variables map[string]string) (*job.Job, error)
		Requeue(ctx context.Context, jobID resource.ID, reason string) (*job.Job, error)
	}

	// Registry records runner liveness.
	Registry interface {
		Get(ctx context.Context, id resource.ID) (*runner.Runner, error)
		UpdateLiveness(ctx context.Context, id resource.ID, at time.Time) error
		SetOnline(ctx context.Context, id resource.ID, online bool) error
	}

	// Publisher relays job events to observers.
	Publisher interface {
		Publish(jobID resource.ID, event stream.Event) error
	}
)

func NewManager(opts Options) *Manager {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	return &Manager{
		Logger:   opts.Logger.WithValues("component", "session"),
		Options:  opts,
		sessions: internal.NewSafeMap[resource.ID, *Session](),
	}
}

// Handle runs a session over the given stream, blocking until the session
// closes.
func (m *Manager) Handle(ctx context.Context, s Stream) error {
	sessionsGauge.Inc()
	defer sessionsGauge.Dec()

	return newSession(m, s).run(ctx)
}

// Cancel pushes a cancelation to the runner carrying the job. Returns false
// if no session in this process carries the job.
func (m *Manager) Cancel(jobID resource.ID, force bool) bool {
	s, ok := m.sessions.Get(jobID)
	if !ok {
		return false
	}
	s.cancel(force)
	return true
}

// Close tears down the session carrying the job. Returns false if no
// session in this process carries the job.
func (m *Manager) Close(jobID resource.ID) bool {
	s, ok := m.sessions.Get(jobID)
	if !ok {
		return false
	}
	s.teardown(ErrTornDown)
	return true
}

// Sessions returns the sessions currently carrying a job.
func (m *Manager) Sessions() []*Session {
	return m.sessions.Values()
}

func (m *Manager) add(s *Session) {
	if previous, ok := m.sessions.Swap(s.JobID(), s); ok && previous != s {
		// a runner reattached to its job over a new stream
		previous.supersede()
	}
}

func (m *Manager) remove(s *Session) {
	m.sessions.CompareAndDelete(s.JobID(), func(current *Session) bool {
		return current == s
	})
}
