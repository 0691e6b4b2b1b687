// Package supervisor expires queued jobs, fails jobs whose runners are lost,
// and carries out cancelation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepInterval     = 10 * time.Second
	DefaultCancelGracePeriod = 30 * time.Second

	// CancelChannel is the postgres notification channel on which
	// cancelations are relayed to the jobqd process carrying the job's
	// runner session.
	CancelChannel = "jobq_cancel"

	cancelAction      = "cancel"
	forceCancelAction = "force-cancel"
	closeAction       = "close"
)

type (
	// Supervisor periodically sweeps the queue, expiring jobs and retrying
	// the provisioning of on-demand runners, and cancels jobs upon request.
	Supervisor struct {
		logr.Logger
		Options

		// pending forced cancelations, keyed by job ID
		timers *internal.SafeMap[resource.ID, *time.Timer]
	}

	Options struct {
		Logger    logr.Logger
		Scheduler Scheduler
		Sessions  Sessions
		// Relay forwards cancelations to other jobqd processes. Optional.
		Relay Notifier

		// SweepInterval is the interval between sweeps. It is rounded up
		// to the nearest second.
		SweepInterval time.Duration
		// CancelGracePeriod is how long a runner has to respond to a forced
		// cancelation before its job is failed regardless.
		CancelGracePeriod time.Duration
		// ReattachGracePeriod is how long a lost runner has to reattach to
		// its running job before the job is failed.
		ReattachGracePeriod time.Duration
	}

	// Scheduler carries out changes to jobs.
	Scheduler interface {
		List(ctx context.Context, opts job.ListOptions) ([]*job.Job, error)
		Expire(ctx context.Context, jobID resource.ID) (*job.Job, error)
		Cancel(ctx context.Context, jobID resource.ID, force bool) (*job.Job, error)
		ForceCancel(ctx context.Context, jobID resource.ID) (*job.Job, error)
		FailLost(ctx context.Context, jobID resource.ID, grace time.Duration) (*job.Job, error)
		RetryProvisioning(ctx context.Context, now time.Time) error
	}

	// Sessions are the runner sessions in this process.
	Sessions interface {
		Cancel(jobID resource.ID, force bool) bool
		Close(jobID resource.ID) bool
	}

	Notifier interface {
		Notify(ctx context.Context, channel, payload string) error
	}

	Listener interface {
		Listen(ctx context.Context, channel string) (<-chan string, error)
	}
)

func New(opts Options) *Supervisor {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.CancelGracePeriod <= 0 {
		opts.CancelGracePeriod = DefaultCancelGracePeriod
	}
	return &Supervisor{
		Logger:  opts.Logger.WithValues("component", "supervisor"),
		Options: opts,
		timers:  internal.NewSafeMap[resource.ID, *time.Timer](),
	}
}

// Start sweeping at the configured interval. Blocks until ctx is done.
func (s *Supervisor) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLogger(s.V(2)),
		cron.WithChain(cron.SkipIfStillRunning(s.V(1))),
	)
	spec := fmt.Sprintf("@every %s", s.SweepInterval)
	if _, err := c.AddFunc(spec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	c.Start()
	<-ctx.Done()
	// wait for an in-progress sweep to finish
	<-c.Stop().Done()
	return nil
}

func (s *Supervisor) sweep(ctx context.Context) {
	now := internal.CurrentTimestamp()

	queued, err := s.Scheduler.List(ctx, job.ListOptions{States: []job.State{job.Queued}})
	if err != nil {
		s.Error(err, "listing queued jobs")
		return
	}
	for _, j := range queued {
		if !j.Expired(now) {
			continue
		}
		expired, err := s.Scheduler.Expire(ctx, j.ID)
		if errors.Is(err, job.ErrStateMismatch) {
			// claimed in the meantime
			continue
		} else if err != nil {
			s.Error(err, "expiring job", "job", j)
			continue
		}
		expiredCounter.Inc()
		s.Info("expired job", "job", expired)
	}

	if err := s.Scheduler.RetryProvisioning(ctx, now); err != nil {
		s.Error(err, "retrying provisioning")
	}

	// force cancelations whose grace period has elapsed but whose timer was
	// lost, e.g. to a restart or because another process received the
	// cancelation.
	assigned, err := s.Scheduler.List(ctx, job.ListOptions{States: []job.State{job.Waiting, job.Running}})
	if err != nil {
		s.Error(err, "listing assigned jobs")
		return
	}
	for _, j := range assigned {
		if j.ForceCancel && j.CancelTime != nil && now.Sub(*j.CancelTime) >= s.CancelGracePeriod {
			s.forceCancel(ctx, j.ID)
			continue
		}
		if j.State == job.Running && j.LostTime != nil && now.Sub(*j.LostTime) >= s.ReattachGracePeriod {
			s.failLost(ctx, j.ID)
		}
	}
}

// failLost fails a running job whose runner did not reattach within the
// grace period.
func (s *Supervisor) failLost(ctx context.Context, jobID resource.ID) {
	failed, err := s.Scheduler.FailLost(ctx, jobID, s.ReattachGracePeriod)
	if errors.Is(err, job.ErrStateMismatch) || errors.Is(err, internal.ErrConflict) {
		// finished or reattached in the meantime
		return
	} else if err != nil {
		s.Error(err, "failing job of lost runner", "job", jobID)
		return
	}
	lostCounter.Inc()
	s.Info("failed job of runner that did not reattach", "job", failed)
}

// CancelJob cancels a job. A queued job is failed immediately. The runner of
// an assigned job is instructed to cancel the job, and the job remains
// assigned until the runner reports the job finished. If force is true and
// the runner fails to do so within the grace period, the job is failed
// regardless and the runner's session is torn down.
func (s *Supervisor) CancelJob(ctx context.Context, jobID resource.ID, force bool) (*job.Job, error) {
	canceled, err := s.Scheduler.Cancel(ctx, jobID, force)
	if err != nil {
		return nil, err
	}
	if canceled.State.IsTerminal() {
		return canceled, nil
	}
	action := cancelAction
	if force {
		action = forceCancelAction
	}
	s.dispatch(ctx, action, jobID)
	if force {
		s.scheduleForceCancel(jobID)
	}
	return canceled, nil
}

func (s *Supervisor) scheduleForceCancel(jobID resource.ID) {
	timer := time.AfterFunc(s.CancelGracePeriod, func() {
		s.timers.Delete(jobID)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.forceCancel(ctx, jobID)
	})
	if previous, ok := s.timers.Swap(jobID, timer); ok {
		// keep the earlier deadline
		timer.Stop()
		s.timers.Set(jobID, previous)
	}
}

// forceCancel fails an assigned job and tears down its runner's session.
func (s *Supervisor) forceCancel(ctx context.Context, jobID resource.ID) {
	canceled, err := s.Scheduler.ForceCancel(ctx, jobID)
	if err != nil {
		s.Error(err, "forcing cancelation", "job", jobID)
		return
	}
	if canceled.Error == nil || *canceled.Error != *job.ForceCanceledStatus() {
		// runner finished the job within the grace period
		return
	}
	forceCanceledCounter.Inc()
	s.Info("forced cancelation of unresponsive runner's job", "job", canceled)
	s.dispatch(ctx, closeAction, jobID)
}

// dispatch an action to the session carrying the job, relaying it to other
// processes if the session is not found in this process.
func (s *Supervisor) dispatch(ctx context.Context, action string, jobID resource.ID) {
	if s.apply(action, jobID) || s.Relay == nil {
		return
	}
	payload := action + ":" + jobID.String()
	if err := s.Relay.Notify(ctx, CancelChannel, payload); err != nil {
		s.Error(err, "relaying cancelation", "job", jobID, "action", action)
	}
}

// apply an action to a session in this process, returning false if no
// session in this process carries the job.
func (s *Supervisor) apply(action string, jobID resource.ID) bool {
	switch action {
	case cancelAction:
		return s.Sessions.Cancel(jobID, false)
	case forceCancelAction:
		return s.Sessions.Cancel(jobID, true)
	case closeAction:
		return s.Sessions.Close(jobID)
	default:
		return false
	}
}

// StartRelay applies cancelations relayed from other processes to sessions
// in this process. Blocks until ctx is done.
func (s *Supervisor) StartRelay(ctx context.Context, listener Listener) error {
	payloads, err := listener.Listen(ctx, CancelChannel)
	if err != nil {
		return err
	}
	for payload := range payloads {
		action, id, ok := strings.Cut(payload, ":")
		if !ok {
			s.Error(nil, "malformed cancelation", "payload", payload)
			continue
		}
		jobID, err := resource.ParseID(id)
		if err != nil {
			s.Error(err, "malformed cancelation", "payload", payload)
			continue
		}
		if s.apply(action, jobID) {
			s.V(1).Info("applied relayed cancelation", "job", jobID, "action", action)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("cancelation relay terminated")
}
