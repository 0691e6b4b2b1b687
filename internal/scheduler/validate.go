package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/resource"
)

// validate checks a job prior to it being queued, returning every problem
// found.
func (s *Scheduler) validate(ctx context.Context, opts job.CreateOptions) error {
	var result *multierror.Error

	if err := opts.Operation.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := opts.Target.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if opts.ID != nil && opts.ID.Kind != resource.JobKind {
		result = multierror.Append(result, fmt.Errorf("invalid job ID: %s", opts.ID))
	}
	if opts.ExpiresIn < 0 {
		result = multierror.Append(result, errors.New("expires in must not be negative"))
	}
	if opts.OnDemandRunnerProfile != "" {
		if _, err := s.profiles.Get(opts.OnDemandRunnerProfile); err != nil {
			result = multierror.Append(result, err)
		}
		if opts.Target.Kind == job.TargetRunner {
			result = multierror.Append(result, errors.New("on-demand job cannot target a specific runner"))
		}
	}
	for _, id := range opts.DependsOnAllowFailure {
		if !slices.Contains(opts.DependsOn, id) {
			result = multierror.Append(result, fmt.Errorf("allow-failure dependency %s is not a dependency", id))
		}
	}
	if err := s.validateDependencies(ctx, opts); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		result.ErrorFormat = formatErrors
		return fmt.Errorf("%w: %w", internal.ErrInvalidArgument, result)
	}
	return nil
}

// validateDependencies checks that dependencies exist and that they do not
// form a cycle.
func (s *Scheduler) validateDependencies(ctx context.Context, opts job.CreateOptions) error {
	seen := make(map[resource.ID]bool, len(opts.DependsOn))
	for _, id := range opts.DependsOn {
		if seen[id] {
			return fmt.Errorf("duplicate dependency: %s", id)
		}
		seen[id] = true
		if opts.ID != nil && id == *opts.ID {
			return fmt.Errorf("job cannot depend on itself")
		}
		if _, err := s.jobs.Get(ctx, id); errors.Is(err, internal.ErrResourceNotFound) {
			return fmt.Errorf("unknown dependency: %s", id)
		} else if err != nil {
			return err
		}
	}
	if opts.ID == nil {
		// a new ID cannot be referenced by an existing job so no cycle is
		// possible.
		return nil
	}
	return s.checkCycle(ctx, *opts.ID, opts.DependsOn)
}

// checkCycle walks the dependency graph from deps, reporting an error if
// the job with the given ID is reachable.
func (s *Scheduler) checkCycle(ctx context.Context, id resource.ID, deps []resource.ID) error {
	visited := make(map[resource.ID]bool)
	var visit func(dep resource.ID) error
	visit = func(dep resource.ID) error {
		if dep == id {
			return fmt.Errorf("cyclic dependency on job %s", id)
		}
		if visited[dep] {
			return nil
		}
		visited[dep] = true
		j, err := s.jobs.Get(ctx, dep)
		if errors.Is(err, internal.ErrResourceNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		for _, next := range j.DependsOn {
			if err := visit(next); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range deps {
		if err := visit(dep); err != nil {
			return err
		}
	}
	return nil
}

func formatErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
