// Package agent contains the runner agent, which registers with the server
// and carries out the jobs assigned to it over job streams.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/leg100/jobq/internal/grpcapi"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/runner"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type (
	// Agent is the runner agent daemon.
	Agent struct {
		logr.Logger
		Config

		client     Client
		executors  map[job.OperationKind]Executor
		launcher   *TaskLauncher
		terminator *terminator
		registered chan *runner.Runner
	}

	// Client is the agent's client of the runner service.
	Client interface {
		Register(ctx context.Context, opts runner.RegisterOptions) (*runner.Runner, error)
		JobStream(ctx context.Context) (grpcapi.JobStreamClient, error)
	}
)

// New constructs an agent, with executors for exec operations and for
// launching on-demand runners.
func New(logger logr.Logger, client Client, cfg Config) *Agent {
	cfg.setDefaults()
	a := &Agent{
		Logger:     logger,
		Config:     cfg,
		client:     client,
		launcher:   NewTaskLauncher(logger.WithValues("component", "launcher"), cfg),
		terminator: newTerminator(),
		registered: make(chan *runner.Runner),
	}
	a.executors = map[job.OperationKind]Executor{
		job.ExecOperation:      &ExecExecutor{KillDelay: cfg.KillDelay},
		job.StartTaskOperation: a.launcher,
		job.StopTaskOperation:  a.launcher,
	}
	return a
}

// RegisterExecutor sets the executor for an operation kind, replacing any
// existing executor. Must be called before the agent is started.
func (a *Agent) RegisterExecutor(kind job.OperationKind, executor Executor) {
	a.executors[kind] = executor
}

// Start the agent daemon.
func (a *Agent) Start(ctx context.Context) error {
	a.Info("starting runner agent", "kind", a.Kind, "concurrency", a.Concurrency)

	opts, err := a.registerOptions()
	if err != nil {
		return err
	}
	registered, err := a.register(ctx, opts)
	if err != nil {
		return fmt.Errorf("registering runner: %w", err)
	}
	a.Info("registered successfully", "runner", registered)

	// send registered runner to channel, letting caller know runner has
	// registered.
	go func() {
		a.registered <- registered
	}()

	g, ctx := errgroup.WithContext(ctx)
	for i := range a.Concurrency {
		w := &worker{
			Logger:   a.WithValues("worker", i),
			agent:    a,
			runnerID: registered.ID,
		}
		g.Go(func() error {
			return w.start(ctx)
		})
	}
	err = g.Wait()
	if total := a.terminator.totalJobs(); total > 0 {
		a.Info("gracefully canceling in-progress jobs", "total", total)
		a.terminator.stopAll()
	}
	a.launcher.stopAll()
	return err
}

// Registered returns the agent's corresponding runner on a channel once it
// has successfully registered.
func (a *Agent) Registered() <-chan *runner.Runner {
	return a.registered
}

// register the runner, retrying until the server is reachable.
func (a *Agent) register(ctx context.Context, opts runner.RegisterOptions) (*runner.Runner, error) {
	var registered *runner.Runner
	op := func() (err error) {
		registered, err = a.client.Register(ctx, opts)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		a.Error(err, "registering runner", "backoff", next)
	})
	return registered, err
}

// retryable determines whether a failed call to the server may succeed if
// retried.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal, codes.Unknown, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// errUnregistered is returned when the server no longer recognises the
// runner.
var errUnregistered = errors.New("runner not found; runner needs to re-register")
