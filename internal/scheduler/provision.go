package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
)

// provision an on-demand runner for a queued job: a runner is pre-registered
// and a start-task job is queued for another runner to launch it. The job is
// then assignable only to the provisioned runner.
func (s *Scheduler) provision(ctx context.Context, j *job.Job) error {
	if j.OnDemandRunner == nil {
		return fmt.Errorf("job %s does not request an on-demand runner", j.ID)
	}
	profile, err := s.profiles.Get(j.OnDemandRunner.Profile)
	if err != nil {
		return err
	}
	var (
		previous = j.OnDemandRunner.ProvisionJobID
		runnerID = resource.NewID(resource.RunnerKind)
		taskID   = resource.NewID(resource.JobKind)
	)
	// reserve the provisioning attempt first, so that concurrent attempts
	// for the same job cannot both succeed.
	_, err = s.transition(ctx, j.ID, job.Queued, job.Queued, func(j *job.Job) error {
		odr := j.OnDemandRunner
		if !sameID(odr.ProvisionJobID, previous) {
			return fmt.Errorf("%w: job %s is already being provisioned", internal.ErrConflict, j.ID)
		}
		odr.RunnerID = &runnerID
		odr.ProvisionJobID = &taskID
		odr.ProvisionAttempts++
		odr.ProvisionTime = internal.Ptr(internal.CurrentTimestamp())
		return nil
	})
	if err != nil {
		return fmt.Errorf("reserving provisioning attempt: %w", err)
	}

	_, err = s.runners.Register(ctx, runner.RegisterOptions{
		ID:      &runnerID,
		Name:    "on-demand-" + runnerID.ID,
		Kind:    runner.OnDemandKind,
		Profile: profile.Name,
		Labels:  profile.Labels,
	})
	if err != nil {
		return fmt.Errorf("registering on-demand runner: %w", err)
	}
	payload, err := profile.TaskPayload(runnerID.String())
	if err != nil {
		return err
	}
	task, err := s.create(ctx, job.CreateOptions{
		ID:        &taskID,
		Target:    taskTarget(profile),
		Operation: job.Operation{Kind: job.StartTaskOperation, Payload: payload},
		Labels:    map[string]string{ProvisionForLabel: j.ID.String()},
	})
	if err != nil {
		return fmt.Errorf("queuing start-task job: %w", err)
	}
	provisionsCounter.Inc()
	s.Info("provisioning on-demand runner", "job", j, "runner_id", runnerID, "start_task", task)

	// the provisioned runner may already be waiting
	s.waker.broadcast(ctx, runnerShape(runnerID))
	return nil
}

// RetryProvisioning provisions on-demand runners for queued jobs whose
// provisioning never started or has timed out. A job exceeding the maximum
// number of provisioning attempts is failed.
func (s *Scheduler) RetryProvisioning(ctx context.Context, now time.Time) error {
	queued, err := s.jobs.List(ctx, job.ListOptions{States: []job.State{job.Queued}})
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}
	for _, j := range queued {
		odr := j.OnDemandRunner
		if odr == nil {
			continue
		}
		if odr.RunnerID != nil && odr.ProvisionTime != nil && now.Sub(*odr.ProvisionTime) < s.ProvisionTimeout {
			// still in flight
			continue
		}
		if odr.RunnerID != nil {
			s.Info("provisioning timed out", "job", j, "runner_id", odr.RunnerID)
			s.stopTask(ctx, j)
		}
		if err := s.reprovision(ctx, j, "timed out"); err != nil {
			s.Error(err, "retrying provisioning", "job", j)
		}
	}
	return nil
}

// reprovision makes another attempt at provisioning a runner for the job,
// failing the job if it has exhausted its attempts.
func (s *Scheduler) reprovision(ctx context.Context, j *job.Job, reason string) error {
	if j.OnDemandRunner.ProvisionAttempts >= s.MaxProvisionAttempts {
		_, err := s.transition(ctx, j.ID, job.Queued, job.Error, func(j *job.Job) error {
			j.Error = job.ProvisionFailedStatus(reason)
			return nil
		})
		return err
	}
	return s.provision(ctx, j)
}

// afterFinish is called once a job has finished.
func (s *Scheduler) afterFinish(ctx context.Context, j *job.Job) {
	if j.OnDemandRunner != nil && j.OnDemandRunner.RunnerID != nil {
		s.stopTask(ctx, j)
	}
	if j.Operation.Kind == job.StartTaskOperation && j.State == job.Error {
		s.startTaskFailed(ctx, j)
	}
}

// startTaskFailed handles the failure of a start-task job by provisioning
// again for the job it served.
func (s *Scheduler) startTaskFailed(ctx context.Context, task *job.Job) {
	forID, ok := task.Labels[ProvisionForLabel]
	if !ok {
		return
	}
	id, err := resource.ParseID(forID)
	if err != nil {
		s.Error(err, "parsing provisioned job ID", "task", task)
		return
	}
	target, err := s.jobs.Get(ctx, id)
	if errors.Is(err, internal.ErrResourceNotFound) {
		return
	} else if err != nil {
		s.Error(err, "retrieving provisioned job", "task", task)
		return
	}
	if target.State != job.Queued || target.OnDemandRunner == nil || !sameID(target.OnDemandRunner.ProvisionJobID, &task.ID) {
		// superseded
		return
	}
	reason := "start-task failed"
	if task.Error != nil {
		reason = task.Error.Message
	}
	if err := s.reprovision(ctx, target, reason); err != nil {
		s.Error(err, "re-provisioning on-demand runner", "job", target)
	}
}

// stopTask queues a stop-task job to tear down the runner provisioned for a
// job.
func (s *Scheduler) stopTask(ctx context.Context, j *job.Job) {
	profile, err := s.profiles.Get(j.OnDemandRunner.Profile)
	if err != nil {
		s.Error(err, "queuing stop-task job", "job", j)
		return
	}
	payload, err := profile.TaskPayload(j.OnDemandRunner.RunnerID.String())
	if err != nil {
		s.Error(err, "queuing stop-task job", "job", j)
		return
	}
	_, err = s.create(ctx, job.CreateOptions{
		Target:    taskTarget(profile),
		Operation: job.Operation{Kind: job.StopTaskOperation, Payload: payload},
		Labels:    map[string]string{ProvisionForLabel: j.ID.String()},
	})
	if err != nil {
		s.Error(err, "queuing stop-task job", "job", j)
	}
}

func taskTarget(profile *runner.Profile) job.Target {
	if len(profile.TargetLabels) > 0 {
		return job.LabelsTarget(profile.TargetLabels)
	}
	return job.AnyRunner()
}

func sameID(a, b *resource.ID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
