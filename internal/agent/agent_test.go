package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/leg100/jobq/internal/grpcapi"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/scheduler"
	"github.com/leg100/jobq/internal/session"
	"github.com/leg100/jobq/internal/stream"
	"github.com/leg100/jobq/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/test/bufconn"
)

type testEnv struct {
	client     *grpcapi.Client
	scheduler  *scheduler.Scheduler
	supervisor *supervisor.Supervisor
}

func newTestEnv(t *testing.T, opts scheduler.Options) *testEnv {
	t.Helper()

	jobs, err := job.NewMemStore()
	require.NoError(t, err)
	mux, err := stream.NewMultiplexer(logr.Discard(), stream.Options{})
	require.NoError(t, err)
	runners := runner.NewService(runner.ServiceOptions{Logger: logr.Discard()})
	opts.Logger = logr.Discard()
	opts.Jobs = jobs
	opts.Runners = runners
	opts.Mux = mux
	sched := scheduler.New(opts)
	manager := session.NewManager(session.Options{
		Logger:    logr.Discard(),
		Scheduler: sched,
		Registry:  runners,
		Mux:       mux,
	})
	srv, err := grpcapi.NewServer(grpcapi.ServerOptions{
		Logger:   logr.Discard(),
		Registry: runners,
		Sessions: manager,
	})
	require.NoError(t, err)

	ln := bufconn.Listen(1024 * 1024)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- srv.Start(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := grpcapi.NewClient("passthrough:///bufnet", grpcapi.ClientOptions{
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return ln.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &testEnv{
		client:    client,
		scheduler: sched,
		supervisor: supervisor.New(supervisor.Options{
			Logger:    logr.Discard(),
			Scheduler: sched,
			Sessions:  manager,
		}),
	}
}

// startAgent starts an agent and waits for it to register.
func (e *testEnv) startAgent(t *testing.T, cfg Config, executors map[job.OperationKind]Executor) *runner.Runner {
	t.Helper()

	cfg.Kind = string(runner.LocalKind)
	cfg.HeartbeatInterval = 50 * time.Millisecond
	agent := New(logr.Discard(), e.client, cfg)
	for kind, executor := range executors {
		agent.RegisterExecutor(kind, executor)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- agent.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case r := <-agent.Registered():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for agent to register")
		return nil
	}
}

func (e *testEnv) waitFor(t *testing.T, id resource.ID, state job.State) *job.Job {
	t.Helper()

	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := e.scheduler.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.State == state
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

// blockingExecutor blocks until its job is canceled.
type blockingExecutor struct {
	started chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, a *session.Assignment, r Reporter) (*job.Result, error) {
	r.Terminal(lineOutput("started"))
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("exec job", func(t *testing.T) {
		env := newTestEnv(t, scheduler.Options{})
		r := env.startAgent(t, Config{Name: "agent-1"}, nil)
		assert.Equal(t, "agent-1", r.Name)

		id, err := env.scheduler.Enqueue(ctx, job.CreateOptions{
			Operation: job.Operation{
				Kind:    job.ExecOperation,
				Payload: []byte(`{"args":["sh","-c","echo hello"]}`),
			},
		})
		require.NoError(t, err)

		got := env.waitFor(t, id, job.Success)
		assert.Equal(t, r.ID, *got.RunnerID)
		require.NotNil(t, got.Result)
		assert.Equal(t, job.ExecOperation, got.Result.Kind)
		assert.JSONEq(t, `{"exit_code":0}`, string(got.Result.Payload))
	})

	t.Run("failed exec job", func(t *testing.T) {
		env := newTestEnv(t, scheduler.Options{})
		env.startAgent(t, Config{}, nil)

		id, err := env.scheduler.Enqueue(ctx, job.CreateOptions{
			Operation: job.Operation{
				Kind:    job.ExecOperation,
				Payload: []byte(`{"args":["sh","-c","echo boom >&2; exit 3"]}`),
			},
		})
		require.NoError(t, err)

		got := env.waitFor(t, id, job.Error)
		assert.Equal(t, codes.Unknown, got.Error.Code)
		assert.Equal(t, "exit status 3: boom", got.Error.Message)
	})

	t.Run("concurrent jobs", func(t *testing.T) {
		env := newTestEnv(t, scheduler.Options{})
		env.startAgent(t, Config{Concurrency: 3}, nil)

		var ids []resource.ID
		for range 5 {
			id, err := env.scheduler.Enqueue(ctx, job.CreateOptions{
				Operation: job.Operation{
					Kind:    job.ExecOperation,
					Payload: []byte(`{"args":["true"]}`),
				},
			})
			require.NoError(t, err)
			ids = append(ids, id)
		}
		for _, id := range ids {
			env.waitFor(t, id, job.Success)
		}
	})

	t.Run("decline unsupported operation", func(t *testing.T) {
		env := newTestEnv(t, scheduler.Options{MaxAssignAttempts: 1})
		env.startAgent(t, Config{}, nil)

		id, err := env.scheduler.Enqueue(ctx, job.CreateOptions{
			Operation: job.Operation{Kind: job.DeployOperation},
		})
		require.NoError(t, err)

		got := env.waitFor(t, id, job.Error)
		assert.Equal(t, job.AssignAttemptsExceededStatus(1), got.Error)
	})

	t.Run("cancel", func(t *testing.T) {
		env := newTestEnv(t, scheduler.Options{})
		executor := &blockingExecutor{started: make(chan struct{})}
		env.startAgent(t, Config{}, map[job.OperationKind]Executor{
			job.DeployOperation: executor,
		})

		id, err := env.scheduler.Enqueue(ctx, job.CreateOptions{
			Operation: job.Operation{Kind: job.DeployOperation},
		})
		require.NoError(t, err)
		env.waitFor(t, id, job.Running)
		<-executor.started

		_, err = env.supervisor.CancelJob(ctx, id, false)
		require.NoError(t, err)

		got := env.waitFor(t, id, job.Error)
		assert.Equal(t, job.CanceledStatus(), got.Error)
	})
}

func TestFinalMessage(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	killedCh := make(chan struct{})
	close(killedCh)
	killed, cancel := context.WithCancel(context.WithValue(context.Background(), killedKey{}, killedCh))
	cancel()

	tests := []struct {
		name   string
		ctx    context.Context
		result *job.Result
		err    error
		want   *session.ClientMessage
	}{
		{
			name: "success without result",
			ctx:  context.Background(),
			want: &session.ClientMessage{
				Kind:   session.CompleteMessage,
				Result: &job.Result{Kind: job.ExecOperation},
			},
		},
		{
			name:   "success with result",
			ctx:    context.Background(),
			result: &job.Result{Kind: job.ExecOperation, Payload: []byte(`{"exit_code":0}`)},
			want: &session.ClientMessage{
				Kind:   session.CompleteMessage,
				Result: &job.Result{Kind: job.ExecOperation, Payload: []byte(`{"exit_code":0}`)},
			},
		},
		{
			name: "status error",
			ctx:  context.Background(),
			err:  job.NewStatus(codes.InvalidArgument, "bad payload"),
			want: &session.ClientMessage{
				Kind:  session.ErrorMessage,
				Error: job.NewStatus(codes.InvalidArgument, "bad payload"),
			},
		},
		{
			name: "canceled",
			ctx:  canceled,
			err:  context.Canceled,
			want: &session.ClientMessage{Kind: session.ErrorMessage, Error: job.CanceledStatus()},
		},
		{
			name: "killed",
			ctx:  killed,
			err:  context.Canceled,
			want: &session.ClientMessage{Kind: session.ErrorMessage, Error: job.NewStatus(codes.Canceled, "killed")},
		},
		{
			name: "other error",
			ctx:  context.Background(),
			err:  assert.AnError,
			want: &session.ClientMessage{Kind: session.ErrorMessage, Error: job.NewStatus(codes.Internal, assert.AnError.Error())},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := finalMessage(tt.ctx, job.ExecOperation, tt.result, tt.err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_RegisterOptions(t *testing.T) {
	t.Run("default name", func(t *testing.T) {
		opts, err := Config{Kind: "remote"}.registerOptions()
		require.NoError(t, err)
		assert.NotEmpty(t, opts.Name)
		assert.Nil(t, opts.ID)
	})

	t.Run("on-demand", func(t *testing.T) {
		id := resource.NewID(resource.RunnerKind)
		opts, err := Config{
			Name:    "od-1",
			ID:      id.String(),
			Kind:    "on-demand",
			Profile: "small",
		}.registerOptions()
		require.NoError(t, err)
		assert.Equal(t, &id, opts.ID)
		assert.Equal(t, runner.OnDemandKind, opts.Kind)
		assert.Equal(t, "small", opts.Profile)
	})

	t.Run("invalid ID", func(t *testing.T) {
		_, err := Config{ID: "bogus"}.registerOptions()
		assert.Error(t, err)
	})
}
