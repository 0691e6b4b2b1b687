package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/resource"
)

// dependencyCache caches the dependencies looked up during a single scan for
// work.
type dependencyCache struct {
	jobs  job.Store
	cache map[resource.ID]*job.Job
}

func newDependencyCache(jobs job.Store) *dependencyCache {
	return &dependencyCache{jobs: jobs, cache: make(map[resource.ID]*job.Job)}
}

func (c *dependencyCache) get(ctx context.Context, id resource.ID) (*job.Job, error) {
	if j, ok := c.cache[id]; ok {
		return j, nil
	}
	j, err := c.jobs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("retrieving dependency %s: %w", id, err)
	}
	c.cache[id] = j
	return j, nil
}

func (c *dependencyCache) put(j *job.Job) {
	c.cache[j.ID] = j
}

// check the dependencies of a job. The job is ready if every dependency
// succeeded, or failed and is permitted to fail. If a dependency failed and
// is not permitted to fail then it is returned.
func (c *dependencyCache) check(ctx context.Context, j *job.Job) (ready bool, failed *resource.ID, err error) {
	ready = true
	for _, id := range j.DependsOn {
		dep, err := c.get(ctx, id)
		if errors.Is(err, internal.ErrResourceNotFound) {
			// purged after it was validated
			return false, &id, nil
		} else if err != nil {
			return false, nil, err
		}
		switch dep.State {
		case job.Success:
		case job.Error:
			if !j.AllowsFailureOf(id) {
				return false, &id, nil
			}
		default:
			ready = false
		}
	}
	return ready, nil, nil
}
