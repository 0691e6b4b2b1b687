package scheduler

import (
	"context"
	"sync"

	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
)

// WakeChannel is the postgres notification channel on which wake-ups are
// relayed to other jobqd processes.
const WakeChannel = "jobq_wake"

const (
	anyShape    = "any"
	labelsShape = "labels"
	allShapes   = "*"
)

type (
	// waker wakes runners waiting for work. Waiters are grouped by the shape
	// of job target they may be eligible for; each group waits on a channel
	// which is closed and replaced upon a broadcast. A group is removed once
	// it has no waiters.
	waker struct {
		logr.Logger

		mu     sync.Mutex
		groups map[string]*group
		// relay is optional and forwards broadcasts to other processes.
		relay Notifier
	}

	group struct {
		ch      chan struct{}
		waiters int
	}

	// Notifier relays wake-ups to other processes.
	Notifier interface {
		Notify(ctx context.Context, channel, payload string) error
	}

	// Listener receives wake-ups relayed from other processes.
	Listener interface {
		Listen(ctx context.Context, channel string) (<-chan string, error)
	}
)

func newWaker(logger logr.Logger, relay Notifier) *waker {
	return &waker{
		Logger: logger,
		groups: make(map[string]*group),
		relay:  relay,
	}
}

func runnerShape(id resource.ID) string { return "runner:" + id.String() }

// jobShape returns the shape of waiters eligible for the job.
func jobShape(j *job.Job) string {
	if j.OnDemandRunner != nil && j.OnDemandRunner.RunnerID != nil {
		return runnerShape(*j.OnDemandRunner.RunnerID)
	}
	return j.Target.Shape()
}

// wakeup is the set of groups a runner waits on for work. It must be
// released once the runner is no longer waiting.
type wakeup struct {
	w      *waker
	shapes [3]string
	groups [3]*group
}

// subscribe returns the groups a runner waits on. Must be called before
// scanning for work so that a broadcast during the scan is not missed.
func (w *waker) subscribe(runnerID resource.ID) *wakeup {
	w.mu.Lock()
	defer w.mu.Unlock()

	u := &wakeup{w: w, shapes: [3]string{anyShape, labelsShape, runnerShape(runnerID)}}
	for i, shape := range u.shapes {
		g, ok := w.groups[shape]
		if !ok {
			g = &group{ch: make(chan struct{})}
			w.groups[shape] = g
		}
		g.waiters++
		u.groups[i] = g
	}
	return u
}

// release the runner's hold on its groups, removing groups left without
// waiters.
func (u *wakeup) release() {
	u.w.mu.Lock()
	defer u.w.mu.Unlock()

	for i, g := range u.groups {
		g.waiters--
		// the group may already have been woken and replaced
		if g.waiters == 0 && u.w.groups[u.shapes[i]] == g {
			delete(u.w.groups, u.shapes[i])
		}
	}
}

// broadcast wakes waiters of the given shape, relaying the wake-up to other
// processes.
func (w *waker) broadcast(ctx context.Context, shape string) {
	w.wake(shape)
	if w.relay != nil {
		if err := w.relay.Notify(ctx, WakeChannel, shape); err != nil {
			w.Error(err, "relaying wake-up", "shape", shape)
		}
	}
}

// wake waiters of the given shape in this process only.
func (w *waker) wake(shape string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if shape == allShapes {
		for shape, g := range w.groups {
			close(g.ch)
			delete(w.groups, shape)
		}
		return
	}
	if g, ok := w.groups[shape]; ok {
		close(g.ch)
		delete(w.groups, shape)
	}
}

// wait blocks until a broadcast is received or ctx is done.
func (u *wakeup) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-u.groups[0].ch:
	case <-u.groups[1].ch:
	case <-u.groups[2].ch:
	}
	return nil
}
