package agent

import (
	"sync"

	"github.com/leg100/jobq/internal/resource"
)

// cancelable is something that is cancelable, either forcefully or gracefully.
type cancelable interface {
	cancel(force bool)
}

// terminator keeps track of in-progress jobs, canceling them by job ID.
type terminator struct {
	// mapping maps job ID to cancelable item
	mapping map[resource.ID]cancelable

	mu sync.Mutex
}

func newTerminator() *terminator {
	return &terminator{
		mapping: make(map[resource.ID]cancelable),
	}
}

func (t *terminator) checkIn(id resource.ID, job cancelable) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.mapping[id] = job
}

func (t *terminator) checkOut(id resource.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.mapping, id)
}

func (t *terminator) cancel(id resource.ID, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.mapping[id]
	if ok {
		job.cancel(force)
	}
	return ok
}

// stopAll gracefully cancels all in-progress jobs.
func (t *terminator) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, job := range t.mapping {
		job.cancel(false)
	}
}

func (t *terminator) totalJobs() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.mapping)
}
