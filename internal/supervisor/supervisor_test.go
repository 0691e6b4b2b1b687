package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/scheduler"
	"github.com/leg100/jobq/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

type fakeSessions struct {
	mu sync.Mutex
	// jobs with a session in this process
	local   map[resource.ID]bool
	actions []string
}

func (f *fakeSessions) Cancel(jobID resource.ID, force bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.local[jobID] {
		return false
	}
	if force {
		f.actions = append(f.actions, forceCancelAction)
	} else {
		f.actions = append(f.actions, cancelAction)
	}
	return true
}

func (f *fakeSessions) Close(jobID resource.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.local[jobID] {
		return false
	}
	f.actions = append(f.actions, closeAction)
	return true
}

func (f *fakeSessions) getActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.actions...)
}

type fakeRelay struct {
	payloads chan string
}

func (f *fakeRelay) Notify(ctx context.Context, channel, payload string) error {
	f.payloads <- payload
	return nil
}

func (f *fakeRelay) Listen(ctx context.Context, channel string) (<-chan string, error) {
	return f.payloads, nil
}

type testEnv struct {
	*Supervisor

	scheduler *scheduler.Scheduler
	runnerID  resource.ID
	sessions  *fakeSessions
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()

	jobs, err := job.NewMemStore()
	require.NoError(t, err)
	mux, err := stream.NewMultiplexer(logr.Discard(), stream.Options{})
	require.NoError(t, err)
	runners := runner.NewService(runner.ServiceOptions{Logger: logr.Discard()})
	r, err := runners.Register(ctx, runner.RegisterOptions{Name: "runner-1", Kind: runner.LocalKind})
	require.NoError(t, err)

	sched := scheduler.New(scheduler.Options{
		Logger:  logr.Discard(),
		Jobs:    jobs,
		Runners: runners,
		Mux:     mux,
	})
	sessions := &fakeSessions{local: make(map[resource.ID]bool)}
	opts.Logger = logr.Discard()
	opts.Scheduler = sched
	opts.Sessions = sessions
	return &testEnv{
		Supervisor: New(opts),
		scheduler:  sched,
		runnerID:   r.ID,
		sessions:   sessions,
	}
}

func (e *testEnv) enqueue(t *testing.T, expiresIn time.Duration) resource.ID {
	t.Helper()
	id, err := e.scheduler.Enqueue(context.Background(), job.CreateOptions{
		Operation: job.Operation{Kind: job.PollOperation},
		ExpiresIn: expiresIn,
	})
	require.NoError(t, err)
	return id
}

// assign a job to the runner, acking it if ack is true, and register a
// session for it.
func (e *testEnv) assign(t *testing.T, ack bool) resource.ID {
	t.Helper()
	ctx := context.Background()
	id := e.enqueue(t, 0)
	_, err := e.scheduler.RequestWork(ctx, e.runnerID)
	require.NoError(t, err)
	if ack {
		_, err = e.scheduler.Ack(ctx, id, e.runnerID)
		require.NoError(t, err)
	}
	e.sessions.local[id] = true
	return id
}

func (e *testEnv) get(t *testing.T, id resource.ID) *job.Job {
	t.Helper()
	j, err := e.scheduler.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestSupervisor_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("expire", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		expiring := env.enqueue(t, time.Millisecond)
		lasting := env.enqueue(t, time.Hour)
		forever := env.enqueue(t, 0)
		time.Sleep(5 * time.Millisecond)

		env.sweep(ctx)

		got := env.get(t, expiring)
		assert.Equal(t, job.Error, got.State)
		assert.Equal(t, job.ExpiredStatus(), got.Error)
		assert.Equal(t, job.Queued, env.get(t, lasting).State)
		assert.Equal(t, job.Queued, env.get(t, forever).State)
	})

	t.Run("skip claimed job", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		id := env.enqueue(t, 10*time.Millisecond)
		_, err := env.scheduler.RequestWork(ctx, env.runnerID)
		require.NoError(t, err)
		time.Sleep(15 * time.Millisecond)

		env.sweep(ctx)

		assert.Equal(t, job.Waiting, env.get(t, id).State)
	})

	t.Run("force lingering cancelation", func(t *testing.T) {
		env := newTestEnv(t, Options{CancelGracePeriod: time.Millisecond})
		id := env.assign(t, true)
		// canceled without a timer, e.g. by a process that since exited
		_, err := env.scheduler.Cancel(ctx, id, true)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		env.sweep(ctx)

		assert.Equal(t, job.ForceCanceledStatus(), env.get(t, id).Error)
		assert.Equal(t, []string{closeAction}, env.sessions.getActions())
	})

	t.Run("fail job of runner that did not reattach", func(t *testing.T) {
		env := newTestEnv(t, Options{ReattachGracePeriod: time.Millisecond})
		id := env.assign(t, true)
		_, err := env.scheduler.Detach(ctx, id, env.runnerID, nil)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		env.sweep(ctx)

		got := env.get(t, id)
		assert.Equal(t, job.Error, got.State)
		assert.Equal(t, job.RunnerLostStatus(), got.Error)
	})

	t.Run("lost runner within grace period", func(t *testing.T) {
		env := newTestEnv(t, Options{ReattachGracePeriod: time.Hour})
		id := env.assign(t, true)
		_, err := env.scheduler.Detach(ctx, id, env.runnerID, nil)
		require.NoError(t, err)

		env.sweep(ctx)

		assert.Equal(t, job.Running, env.get(t, id).State)
	})

	t.Run("connected runner's job left running", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		id := env.assign(t, true)

		env.sweep(ctx)

		assert.Equal(t, job.Running, env.get(t, id).State)
	})
}

func TestSupervisor_Start(t *testing.T) {
	env := newTestEnv(t, Options{SweepInterval: time.Second})
	id := env.enqueue(t, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- env.Start(ctx)
	}()

	assert.Eventually(t, func() bool {
		j, err := env.scheduler.Get(context.Background(), id)
		return err == nil && j.State == job.Error
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestSupervisor_CancelJob(t *testing.T) {
	ctx := context.Background()

	t.Run("queued", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		id := env.enqueue(t, 0)

		got, err := env.CancelJob(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, job.Error, got.State)
		assert.Equal(t, job.CanceledStatus(), got.Error)
		assert.Empty(t, env.sessions.getActions())
	})

	t.Run("running", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		id := env.assign(t, true)

		got, err := env.CancelJob(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, job.Running, got.State)
		assert.NotNil(t, got.CancelTime)
		assert.Equal(t, []string{cancelAction}, env.sessions.getActions())

		// runner reports its own error
		got, err = env.scheduler.Fail(ctx, id, env.runnerID, job.NewStatus(codes.Aborted, "interrupted"), nil)
		require.NoError(t, err)
		assert.Equal(t, codes.Aborted, got.Error.Code)
	})

	t.Run("force with unresponsive runner", func(t *testing.T) {
		env := newTestEnv(t, Options{CancelGracePeriod: 10 * time.Millisecond})
		id := env.assign(t, false)

		got, err := env.CancelJob(ctx, id, true)
		require.NoError(t, err)
		assert.Equal(t, job.Waiting, got.State)

		assert.Eventually(t, func() bool {
			j, err := env.scheduler.Get(ctx, id)
			return err == nil && j.State == job.Error
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, job.ForceCanceledStatus(), env.get(t, id).Error)
		assert.Eventually(t, func() bool {
			return len(env.sessions.getActions()) == 2
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, []string{forceCancelAction, closeAction}, env.sessions.getActions())
	})

	t.Run("force with responsive runner", func(t *testing.T) {
		env := newTestEnv(t, Options{CancelGracePeriod: 20 * time.Millisecond})
		id := env.assign(t, true)

		_, err := env.CancelJob(ctx, id, true)
		require.NoError(t, err)
		_, err = env.scheduler.Fail(ctx, id, env.runnerID, job.CanceledStatus(), nil)
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)

		assert.Equal(t, job.CanceledStatus(), env.get(t, id).Error)
		assert.Equal(t, []string{forceCancelAction}, env.sessions.getActions())
	})

	t.Run("finished", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		id := env.assign(t, true)
		_, err := env.scheduler.Complete(ctx, id, env.runnerID, nil, nil)
		require.NoError(t, err)

		got, err := env.CancelJob(ctx, id, true)
		require.NoError(t, err)
		assert.Equal(t, job.Success, got.State)
		assert.Empty(t, env.sessions.getActions())
	})

	t.Run("unknown job", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		_, err := env.CancelJob(ctx, resource.NewID(resource.JobKind), false)
		assert.ErrorIs(t, err, internal.ErrResourceNotFound)
	})
}

func TestSupervisor_Relay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := &fakeRelay{payloads: make(chan string, 10)}
	// the session is in another process
	sender := newTestEnv(t, Options{Relay: relay})
	id := sender.assign(t, true)
	delete(sender.sessions.local, id)

	_, err := sender.CancelJob(ctx, id, false)
	require.NoError(t, err)

	// the receiving process carries the session
	receiver := newTestEnv(t, Options{})
	receiver.sessions.local[id] = true
	go func() {
		_ = receiver.StartRelay(ctx, relay)
	}()

	assert.Eventually(t, func() bool {
		return len(receiver.sessions.getActions()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{cancelAction}, receiver.sessions.getActions())
	assert.Empty(t, sender.sessions.getActions())
}
