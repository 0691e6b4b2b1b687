package job

import (
	"cmp"
	"context"
	"slices"

	"github.com/leg100/jobq/internal/resource"
)

type (
	// Store persists jobs. Implementations must linearize state changes to
	// a job via CompareAndSetState.
	Store interface {
		// Create persists a new job. It returns
		// internal.ErrResourceAlreadyExists if a job with the same ID, or a
		// non-terminal job with the same singleton ID, already exists.
		Create(ctx context.Context, job *Job) error
		Get(ctx context.Context, id resource.ID) (*Job, error)
		// List jobs matching the options, oldest queue time first.
		List(ctx context.Context, opts ListOptions) ([]*Job, error)
		// CompareAndSetState moves the job from the expected state to the
		// next state, applying fn to the job to update further fields. If the
		// job is not in the expected state then ErrStateMismatch is returned
		// along with the job as currently stored.
		CompareAndSetState(ctx context.Context, id resource.ID, expected, next State, fn func(*Job) error) (*Job, error)
		// Delete a finished job. Returns internal.ErrConflict if the job is
		// unfinished.
		Delete(ctx context.Context, id resource.ID) error
	}

	ListOptions struct {
		// Filter by states; nil matches any state.
		States []State
		// Filter by singleton ID.
		SingletonID *string
		// Filter by assigned runner.
		RunnerID *resource.ID
	}
)

func (opts ListOptions) matches(job *Job) bool {
	if opts.States != nil && !slices.Contains(opts.States, job.State) {
		return false
	}
	if opts.SingletonID != nil && job.SingletonID != *opts.SingletonID {
		return false
	}
	if opts.RunnerID != nil && (job.RunnerID == nil || *job.RunnerID != *opts.RunnerID) {
		return false
	}
	return true
}

// Compare orders jobs by queue time, using the ID to break ties.
func Compare(a, b *Job) int {
	if c := a.QueueTime.Compare(b.QueueTime); c != 0 {
		return c
	}
	return cmp.Compare(a.ID.String(), b.ID.String())
}

// NonTerminalStates are the states of an unfinished job.
var NonTerminalStates = []State{Queued, Waiting, Running}
