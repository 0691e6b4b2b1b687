// Package scheduler queues jobs and assigns them to runners.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/pubsub"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/stream"
)

const (
	DefaultMaxAssignAttempts    = 3
	DefaultMaxProvisionAttempts = 3
	DefaultProvisionTimeout     = 5 * time.Minute

	// ProvisionForLabel is the label on start-task and stop-task jobs
	// identifying the on-demand job they serve.
	ProvisionForLabel = "jobq.io/provision-for"
)

// ErrRunnerRejected is returned when a rejected runner requests work.
var ErrRunnerRejected = fmt.Errorf("%w: runner has been rejected", internal.ErrAccessNotPermitted)

type (
	// Scheduler queues jobs and assigns them to runners. All job state
	// changes go through the scheduler, which publishes them to observers.
	Scheduler struct {
		logr.Logger
		Options

		jobs     job.Store
		runners  runner.Registry
		profiles runner.Profiles
		mux      *stream.Multiplexer
		broker   *pubsub.Broker[*job.Job]
		waker    *waker

		// enqueueMu serializes singleton de-duplication.
		enqueueMu sync.Mutex
		// assignMu serializes the scan for work and the claiming of a job,
		// so that concurrent requests in this process never race for the
		// same job.
		assignMu sync.Mutex
		// jobLocks serializes changes to each job.
		jobLocks *keyedMutex
	}

	Options struct {
		logr.Logger

		Jobs     job.Store
		Runners  runner.Registry
		Profiles runner.Profiles
		Mux      *stream.Multiplexer
		// Relay forwards wake-ups to other jobqd processes. Optional.
		Relay Notifier

		// MaxAssignAttempts is the number of times a job is assigned before
		// an assignment failure fails the job.
		MaxAssignAttempts int
		// MaxProvisionAttempts is the number of times an on-demand runner is
		// provisioned for a job before the job is failed.
		MaxProvisionAttempts int
		// ProvisionTimeout is how long to wait for a provisioned runner to
		// request its job before provisioning another.
		ProvisionTimeout time.Duration
	}
)

func New(opts Options) *Scheduler {
	if opts.MaxAssignAttempts <= 0 {
		opts.MaxAssignAttempts = DefaultMaxAssignAttempts
	}
	if opts.MaxProvisionAttempts <= 0 {
		opts.MaxProvisionAttempts = DefaultMaxProvisionAttempts
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = DefaultProvisionTimeout
	}
	if opts.Profiles == nil {
		opts.Profiles = runner.Profiles{}
	}
	logger := opts.Logger.WithValues("component", "scheduler")
	return &Scheduler{
		Logger:   logger,
		Options:  opts,
		jobs:     opts.Jobs,
		runners:  opts.Runners,
		profiles: opts.Profiles,
		mux:      opts.Mux,
		broker:   pubsub.NewBroker[*job.Job](logger, "jobs"),
		waker:    newWaker(logger, opts.Relay),
		jobLocks: newKeyedMutex(),
	}
}

// Enqueue validates and queues a job, returning its ID. If an unfinished job
// with the same singleton ID exists then its ID is returned instead and no
// job is created.
func (s *Scheduler) Enqueue(ctx context.Context, opts job.CreateOptions) (resource.ID, error) {
	if err := s.validate(ctx, opts); err != nil {
		return resource.EmptyID, err
	}

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	if opts.SingletonID != "" {
		if existing, err := s.activeSingleton(ctx, opts.SingletonID); err != nil {
			return resource.EmptyID, err
		} else if existing != nil {
			s.V(1).Info("de-duplicated singleton job", "singleton_id", opts.SingletonID, "existing", existing)
			return existing.ID, nil
		}
	}

	created, err := s.create(ctx, opts)
	if errors.Is(err, internal.ErrResourceAlreadyExists) && opts.SingletonID != "" && opts.ID == nil {
		// Lost a race with another process enqueuing the same singleton.
		if existing, err := s.activeSingleton(ctx, opts.SingletonID); err == nil && existing != nil {
			return existing.ID, nil
		}
	}
	if err != nil {
		return resource.EmptyID, err
	}

	if created.OnDemandRunner != nil {
		if err := s.provision(ctx, created); err != nil {
			// the supervisor retries provisioning
			s.Error(err, "provisioning on-demand runner", "job", created)
		}
	}
	return created.ID, nil
}

// create persists a new job without validation, and wakes runners that may
// be eligible for it.
func (s *Scheduler) create(ctx context.Context, opts job.CreateOptions) (*job.Job, error) {
	created := job.New(opts)
	if err := s.jobs.Create(ctx, created); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.Info("queued job", "job", created)

	transitionsCounter.WithLabelValues(string(job.Queued)).Inc()
	s.broker.Publish(pubsub.CreatedEvent, created)
	s.waker.broadcast(ctx, jobShape(created))
	return created, nil
}

func (s *Scheduler) activeSingleton(ctx context.Context, singletonID string) (*job.Job, error) {
	existing, err := s.jobs.List(ctx, job.ListOptions{
		SingletonID: &singletonID,
		States:      job.NonTerminalStates,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}
	return existing[0], nil
}

// ValidateJob checks a job without queuing it. Valid is false if the job
// fails validation, in which case err explains why. Assignable reports
// whether any currently known runner could be assigned the job.
func (s *Scheduler) ValidateJob(ctx context.Context, opts job.CreateOptions) (valid, assignable bool, err error) {
	if err := s.validate(ctx, opts); err != nil {
		return false, false, err
	}
	if opts.OnDemandRunnerProfile != "" {
		// validation has already confirmed the profile exists
		return true, true, nil
	}
	runners, err := s.runners.List(ctx)
	if err != nil {
		return true, false, err
	}
	for _, r := range runners {
		if r.Assignable() && opts.Target.Matches(r.ID, r.Labels) {
			return true, true, nil
		}
	}
	return true, false, nil
}

// RequestWork blocks until a job is assigned to the runner, or until ctx is
// done. The job is returned in the WAITING state.
func (s *Scheduler) RequestWork(ctx context.Context, runnerID resource.ID) (*job.Job, error) {
	waitingRunnersGauge.Inc()
	defer waitingRunnersGauge.Dec()

	for {
		assigned, err := s.assignOrWait(ctx, runnerID)
		if err != nil {
			return nil, err
		}
		if assigned != nil {
			return assigned, nil
		}
	}
}

// assignOrWait attempts to assign a job to the runner, waiting for a wake-up
// if there is none. Returns nil upon a wake-up.
func (s *Scheduler) assignOrWait(ctx context.Context, runnerID resource.ID) (*job.Job, error) {
	// subscribe before scanning so that a wake-up during the scan is not
	// missed
	wakeup := s.waker.subscribe(runnerID)
	defer wakeup.release()

	r, err := s.runners.Get(ctx, runnerID)
	if err != nil {
		return nil, fmt.Errorf("retrieving runner: %w", err)
	}
	switch r.Adoption {
	case runner.Rejected:
		return nil, ErrRunnerRejected
	case runner.Pending:
		s.V(2).Info("runner awaiting adoption", "runner", r)
	default:
		assigned, err := s.assign(ctx, r)
		if err != nil || assigned != nil {
			return assigned, err
		}
	}
	return nil, wakeup.wait(ctx)
}

// assign the oldest eligible queued job to the runner. Returns nil if there
// is no eligible job.
func (s *Scheduler) assign(ctx context.Context, r *runner.Runner) (*job.Job, error) {
	s.assignMu.Lock()
	defer s.assignMu.Unlock()

	queued, err := s.jobs.List(ctx, job.ListOptions{States: []job.State{job.Queued}})
	if err != nil {
		return nil, fmt.Errorf("listing queued jobs: %w", err)
	}
	now := internal.CurrentTimestamp()
	deps := newDependencyCache(s.jobs)
	for _, j := range queued {
		if j.Expired(now) {
			// left for the supervisor to expire
			continue
		}
		ready, failed, err := deps.check(ctx, j)
		if err != nil {
			return nil, err
		}
		if failed != nil {
			failedJob, err := s.transition(ctx, j.ID, job.Queued, job.Error, func(j *job.Job) error {
				j.Error = job.DependencyFailedStatus(failed)
				return nil
			})
			if err != nil && !errors.Is(err, job.ErrStateMismatch) {
				return nil, err
			}
			if failedJob != nil {
				deps.put(failedJob)
			}
			continue
		}
		if !ready {
			continue
		}
		if odr := j.OnDemandRunner; odr != nil {
			if odr.RunnerID == nil {
				if err := s.provision(ctx, j); err != nil {
					s.Error(err, "provisioning on-demand runner", "job", j)
				}
				continue
			}
			if *odr.RunnerID != r.ID {
				continue
			}
		} else if r.Kind == runner.OnDemandKind || !j.Target.Matches(r.ID, r.Labels) {
			// an on-demand runner only carries out the job it was
			// provisioned for
			continue
		}
		assigned, err := s.transition(ctx, j.ID, job.Queued, job.Waiting, func(j *job.Job) error {
			j.RunnerID = &r.ID
			j.AssignTime = internal.Ptr(internal.CurrentTimestamp())
			j.AssignAttempts++
			return nil
		})
		if errors.Is(err, job.ErrStateMismatch) {
			// claimed by another process
			continue
		}
		if err != nil {
			return nil, err
		}
		s.Info("assigned job", "job", assigned, "runner", r)
		return assigned, nil
	}
	return nil, nil
}

// Ack acknowledges the assignment of a job to a runner, moving the job into
// the RUNNING state.
func (s *Scheduler) Ack(ctx context.Context, jobID, runnerID resource.ID) (*job.Job, error) {
	return s.transition(ctx, jobID, job.Waiting, job.Running, func(j *job.Job) error {
		if err := checkRunner(j, runnerID); err != nil {
			return err
		}
		j.AckTime = internal.Ptr(internal.CurrentTimestamp())
		return nil
	})
}

// Reattach permits a runner to resume reporting on a job it is running,
// e.g. after reconnecting.
func (s *Scheduler) Reattach(ctx context.Context, jobID, runnerID resource.ID) (*job.Job, error) {
	reattached, err := s.transition(ctx, jobID, job.Running, job.Running, func(j *job.Job) error {
		if err := checkRunner(j, runnerID); err != nil {
			return err
		}
		j.LostTime = nil
		return nil
	})
	if errors.Is(err, job.ErrStateMismatch) && reattached != nil {
		return nil, fmt.Errorf("%w: cannot reattach to job in %s state", internal.ErrConflict, reattached.State)
	} else if err != nil {
		return nil, err
	}
	return reattached, nil
}

// Detach records that the runner carrying a running job has lost its
// connection. The job remains running so that the runner may reattach,
// along with the variable values the runner has reported so far.
func (s *Scheduler) Detach(ctx context.Context, jobID, runnerID resource.ID, variables map[string]string) (*job.Job, error) {
	return s.transition(ctx, jobID, job.Running, job.Running, func(j *job.Job) error {
		if err := checkRunner(j, runnerID); err != nil {
			return err
		}
		if j.LostTime == nil {
			j.LostTime = internal.Ptr(internal.CurrentTimestamp())
		}
		if len(variables) > 0 {
			j.VariableFinalValues = variables
		}
		return nil
	})
}

// FailLost fails a running job whose runner has been lost for at least the
// grace period without reattaching.
func (s *Scheduler) FailLost(ctx context.Context, jobID resource.ID, grace time.Duration) (*job.Job, error) {
	return s.transition(ctx, jobID, job.Running, job.Error, func(j *job.Job) error {
		if j.LostTime == nil || internal.CurrentTimestamp().Sub(*j.LostTime) < grace {
			return fmt.Errorf("%w: runner of job %s is not lost", internal.ErrConflict, jobID)
		}
		j.Error = job.RunnerLostStatus()
		return nil
	})
}

// Complete records the successful result of a job. Completing an already
// finished job is a no-op that returns the job as finished.
func (s *Scheduler) Complete(ctx context.Context, jobID, runnerID resource.ID, result *job.Result, variables map[string]string) (*job.Job, error) {
	return s.finish(ctx, jobID, runnerID, job.Success, func(j *job.Job) error {
		if result == nil {
			result = &job.Result{Kind: j.Operation.Kind}
		}
		j.Result = result
		j.VariableFinalValues = variables
		return nil
	})
}

// Fail records the error with which a job ended. Failing an already finished
// job is a no-op that returns the job as finished.
func (s *Scheduler) Fail(ctx context.Context, jobID, runnerID resource.ID, status *job.Status, variables map[string]string) (*job.Job, error) {
	return s.finish(ctx, jobID, runnerID, job.Error, func(j *job.Job) error {
		j.Error = status
		j.VariableFinalValues = variables
		return nil
	})
}

func (s *Scheduler) finish(ctx context.Context, jobID, runnerID resource.ID, to job.State, fn func(*job.Job) error) (*job.Job, error) {
	finished, err := s.transition(ctx, jobID, job.Running, to, func(j *job.Job) error {
		if err := checkRunner(j, runnerID); err != nil {
			return err
		}
		return fn(j)
	})
	if errors.Is(err, job.ErrStateMismatch) && finished != nil && finished.State.IsTerminal() {
		// duplicate report: the first terminal write stands.
		s.V(1).Info("ignoring duplicate terminal report", "job", finished)
		return finished, nil
	}
	return finished, err
}

// Requeue rolls back the assignment of a job that has not been acknowledged,
// returning it to the queue. If the job has been assigned too many times, or
// its cancelation has been requested, it is failed instead.
func (s *Scheduler) Requeue(ctx context.Context, jobID resource.ID, reason string) (*job.Job, error) {
	current, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case current.State != job.Waiting:
		return current, fmt.Errorf("%w: job %s is %s", job.ErrStateMismatch, jobID, current.State)
	case current.CancelTime != nil:
		return s.transition(ctx, jobID, job.Waiting, job.Error, func(j *job.Job) error {
			j.Error = job.CanceledStatus()
			return nil
		})
	case current.AssignAttempts >= s.MaxAssignAttempts:
		s.Info("assignment attempts exhausted", "job", current, "reason", reason)
		return s.transition(ctx, jobID, job.Waiting, job.Error, func(j *job.Job) error {
			j.Error = job.AssignAttemptsExceededStatus(j.AssignAttempts)
			return nil
		})
	}
	requeued, err := s.transition(ctx, jobID, job.Waiting, job.Queued, func(j *job.Job) error {
		j.RunnerID = nil
		j.AssignTime = nil
		return nil
	})
	if err != nil {
		return requeued, err
	}
	s.Info("requeued job", "job", requeued, "reason", reason)
	return requeued, nil
}

// Expire fails a queued job that has passed its expiry time.
func (s *Scheduler) Expire(ctx context.Context, jobID resource.ID) (*job.Job, error) {
	return s.transition(ctx, jobID, job.Queued, job.Error, func(j *job.Job) error {
		if !j.Expired(internal.CurrentTimestamp()) {
			return fmt.Errorf("%w: job has not expired", internal.ErrConflict)
		}
		j.Error = job.ExpiredStatus()
		return nil
	})
}

// Cancel cancels a job. A queued job is failed immediately. For an assigned
// job the cancelation is recorded, and it remains for the runner to finish
// the job. Canceling a finished job is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, jobID resource.ID, force bool) (*job.Job, error) {
	for {
		current, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		var updated *job.Job
		switch current.State {
		case job.Queued:
			updated, err = s.transition(ctx, jobID, job.Queued, job.Error, func(j *job.Job) error {
				j.CancelTime = internal.Ptr(internal.CurrentTimestamp())
				j.ForceCancel = force
				j.Error = job.CanceledStatus()
				return nil
			})
		case job.Waiting, job.Running:
			updated, err = s.transition(ctx, jobID, current.State, current.State, func(j *job.Job) error {
				if j.CancelTime == nil {
					j.CancelTime = internal.Ptr(internal.CurrentTimestamp())
				}
				j.ForceCancel = j.ForceCancel || force
				return nil
			})
		default:
			return current, nil
		}
		if errors.Is(err, job.ErrStateMismatch) {
			// job changed state underneath us; try again
			continue
		}
		if err != nil {
			return nil, err
		}
		s.Info("canceled job", "job", updated, "force", force)
		return updated, nil
	}
}

// ForceCancel fails an assigned job whose runner has not responded to a
// forced cancelation.
func (s *Scheduler) ForceCancel(ctx context.Context, jobID resource.ID) (*job.Job, error) {
	current, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch current.State {
	case job.Waiting, job.Running:
	default:
		return current, nil
	}
	updated, err := s.transition(ctx, jobID, current.State, job.Error, func(j *job.Job) error {
		j.Error = job.ForceCanceledStatus()
		return nil
	})
	if errors.Is(err, job.ErrStateMismatch) && updated != nil && updated.State.IsTerminal() {
		// runner finished the job in the meantime
		return updated, nil
	}
	return updated, err
}

func (s *Scheduler) Get(ctx context.Context, jobID resource.ID) (*job.Job, error) {
	return s.jobs.Get(ctx, jobID)
}

func (s *Scheduler) List(ctx context.Context, opts job.ListOptions) ([]*job.Job, error) {
	return s.jobs.List(ctx, opts)
}

// Watch job events.
func (s *Scheduler) Watch(ctx context.Context) (<-chan pubsub.Event[*job.Job], func()) {
	return s.broker.Subscribe(ctx)
}

// SetRunnerAdoption adopts or rejects a runner, waking the runner if it is
// waiting for work.
func (s *Scheduler) SetRunnerAdoption(ctx context.Context, runnerID resource.ID, to runner.Adoption) (*runner.Runner, error) {
	r, err := s.runners.SetAdoption(ctx, runnerID, to)
	if err != nil {
		return nil, err
	}
	s.waker.broadcast(ctx, runnerShape(runnerID))
	return r, nil
}

// Wake runners waiting on the given shape of job. Used to receive wake-ups
// relayed from other processes.
func (s *Scheduler) Wake(shape string) {
	s.waker.wake(shape)
}

// StartRelay relays wake-ups from other processes to waiting runners in this
// process. Blocks until ctx is done.
func (s *Scheduler) StartRelay(ctx context.Context, listener Listener) error {
	payloads, err := listener.Listen(ctx, WakeChannel)
	if err != nil {
		return err
	}
	for shape := range payloads {
		s.waker.wake(shape)
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("wake-up relay terminated")
}

// transition changes the state of a job, and then notifies observers and
// waiting runners of the change. If the job is not in the expected state
// then job.ErrStateMismatch is returned along with the job as it currently
// stands.
func (s *Scheduler) transition(ctx context.Context, jobID resource.ID, from, to job.State, fn func(*job.Job) error) (*job.Job, error) {
	unlock := s.jobLocks.lock(jobID)
	updated, err := s.jobs.CompareAndSetState(ctx, jobID, from, to, fn)
	unlock()
	if err != nil {
		return updated, err
	}

	if from != to {
		transitionsCounter.WithLabelValues(string(to)).Inc()
		s.V(1).Info("job state transition", "job", updated, "from", from)
	}
	if err := s.mux.Publish(jobID, stream.Event{
		Kind: stream.StateChangeEvent,
		StateChange: &stream.StateChange{
			Previous:  from,
			Current:   to,
			Job:       updated,
			Canceling: updated.Canceling(),
		},
	}); err != nil && !errors.Is(err, stream.ErrStreamComplete) {
		s.Error(err, "publishing state change", "job", updated)
	}
	s.broker.Publish(pubsub.UpdatedEvent, updated)

	switch {
	case to.IsTerminal():
		s.mux.Complete(jobID, *stream.CompleteOf(updated))
		// dependents of the job may now be runnable or failed.
		s.waker.broadcast(ctx, allShapes)
		s.afterFinish(ctx, updated)
	case to == job.Queued && from != job.Queued:
		s.waker.broadcast(ctx, jobShape(updated))
	}
	return updated, nil
}

func checkRunner(j *job.Job, runnerID resource.ID) error {
	if j.RunnerID == nil || *j.RunnerID != runnerID {
		return fmt.Errorf("%w: job %s is not assigned to runner %s", internal.ErrAccessNotPermitted, j.ID, runnerID)
	}
	return nil
}
