package scheduler

import (
	"context"
	"time"

	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/resource"
)

// ListOlderThan lists finished jobs that completed before the cutoff and
// that no unfinished job depends upon.
func (s *Scheduler) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*job.Job, error) {
	finished, err := s.jobs.List(ctx, job.ListOptions{States: []job.State{job.Success, job.Error}})
	if err != nil {
		return nil, err
	}
	unfinished, err := s.jobs.List(ctx, job.ListOptions{States: job.NonTerminalStates})
	if err != nil {
		return nil, err
	}
	required := make(map[resource.ID]bool)
	for _, j := range unfinished {
		for _, dep := range j.DependsOn {
			required[dep] = true
		}
	}
	var older []*job.Job
	for _, j := range finished {
		if j.CompleteTime == nil || !j.CompleteTime.Before(cutoff) {
			continue
		}
		if required[j.ID] {
			continue
		}
		older = append(older, j)
	}
	return older, nil
}

// Delete a finished job.
func (s *Scheduler) Delete(ctx context.Context, jobID resource.ID) error {
	if err := s.jobs.Delete(ctx, jobID); err != nil {
		return err
	}
	s.V(1).Info("deleted job", "id", jobID)
	return nil
}
