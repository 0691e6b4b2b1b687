package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/session"
	"github.com/leg100/jobq/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

type fakeReporter struct {
	mu        sync.Mutex
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	lines     []string
	loaded    []string
	variables map[string]string
}

func (f *fakeReporter) Terminal(out *stream.Output) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch out.Kind {
	case stream.RawOutput:
		if out.Raw.Stderr {
			f.stderr.Write(out.Raw.Data)
		} else {
			f.stdout.Write(out.Raw.Data)
		}
	case stream.LineOutput:
		f.lines = append(f.lines, out.Line.Msg)
	}
}

func (f *fakeReporter) ConfigLoaded(source, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loaded = append(f.loaded, source+": "+msg)
}

func (f *fakeReporter) SetVariables(values map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.variables = values
}

func newExecAssignment(t *testing.T, payload ExecPayload, sources ...job.ConfigSource) *session.Assignment {
	t.Helper()

	encoded, err := json.Marshal(payload)
	require.NoError(t, err)
	return &session.Assignment{
		Job: job.New(job.CreateOptions{
			Operation: job.Operation{Kind: job.ExecOperation, Payload: encoded},
		}),
		ConfigSources: sources,
	}
}

func TestExecExecutor(t *testing.T) {
	ctx := context.Background()
	executor := &ExecExecutor{KillDelay: time.Second}

	t.Run("stdout and stderr", func(t *testing.T) {
		r := &fakeReporter{}
		a := newExecAssignment(t, ExecPayload{
			Args: []string{"sh", "-c", "echo out; echo err >&2"},
		})

		result, err := executor.Execute(ctx, a, r)
		require.NoError(t, err)
		assert.Equal(t, job.ExecOperation, result.Kind)
		assert.JSONEq(t, `{"exit_code":0}`, string(result.Payload))
		assert.Equal(t, "out\n", r.stdout.String())
		assert.Equal(t, "err\n", r.stderr.String())
	})

	t.Run("environment and config sources", func(t *testing.T) {
		r := &fakeReporter{}
		a := newExecAssignment(t,
			ExecPayload{
				Args: []string{"sh", "-c", `echo "$GREETING $TARGET $JOBQ_VAR_region"`},
				Env:  map[string]string{"GREETING": "hello"},
			},
			job.ConfigSource{Type: EnvConfigSource, Config: []byte(`{"TARGET":"world"}`)},
			job.ConfigSource{Type: VariablesConfigSource, Config: []byte(`{"region":"eu-west-1"}`)},
			job.ConfigSource{Type: "vault"},
		)

		_, err := executor.Execute(ctx, a, r)
		require.NoError(t, err)
		assert.Equal(t, "hello world eu-west-1\n", r.stdout.String())
		assert.Equal(t, []string{
			"env: loaded 1 values",
			"variables: loaded 1 values",
			"vault: unsupported config source, skipped",
		}, r.loaded)
		assert.Equal(t, map[string]string{"region": "eu-west-1"}, r.variables)
	})

	t.Run("missing command", func(t *testing.T) {
		_, err := executor.Execute(ctx, newExecAssignment(t, ExecPayload{}), &fakeReporter{})
		assert.Equal(t, job.NewStatus(codes.InvalidArgument, "missing command name"), err)
	})

	t.Run("command not found", func(t *testing.T) {
		a := newExecAssignment(t, ExecPayload{Args: []string{"jobq-no-such-command"}})
		_, err := executor.Execute(ctx, a, &fakeReporter{})
		var status *job.Status
		require.ErrorAs(t, err, &status)
		assert.Equal(t, codes.FailedPrecondition, status.Code)
	})

	t.Run("interrupt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		a := newExecAssignment(t, ExecPayload{Args: []string{"sleep", "10"}})

		done := make(chan error)
		go func() {
			_, err := executor.Execute(ctx, a, &fakeReporter{})
			done <- err
		}()
		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("process not interrupted")
		}
	})

	t.Run("kill", func(t *testing.T) {
		killed := make(chan struct{})
		ctx, cancel := context.WithCancel(context.WithValue(ctx, killedKey{}, killed))
		defer cancel()
		// ignore interrupts, leaving only a kill to end the process
		a := newExecAssignment(t, ExecPayload{Args: []string{"sh", "-c", "trap '' INT; exec sleep 10"}})
		executor := &ExecExecutor{KillDelay: time.Minute}

		done := make(chan struct{})
		go func() {
			_, _ = executor.Execute(ctx, a, &fakeReporter{})
			close(done)
		}()
		time.Sleep(100 * time.Millisecond)
		close(killed)

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("process not killed")
		}
	})
}

func TestCleanStderr(t *testing.T) {
	got := cleanStderr("\x1b[31mError:\x1b[0m something\n  went   wrong ✗\n")
	assert.Equal(t, "Error: something went wrong", got)
}

func TestTaskLauncher(t *testing.T) {
	ctx := context.Background()
	launcher := NewTaskLauncher(logr.Discard(), Config{Address: "localhost:8081"})

	newAssignment := func(t *testing.T, kind job.OperationKind, pluginType string, cfg map[string]any) *session.Assignment {
		profile := &runner.Profile{Name: "small", PluginType: pluginType, Config: cfg}
		payload, err := profile.TaskPayload(resource.NewID(resource.RunnerKind).String())
		require.NoError(t, err)
		return &session.Assignment{
			Job: job.New(job.CreateOptions{
				Operation: job.Operation{Kind: kind, Payload: payload},
			}),
		}
	}

	t.Run("start and stop", func(t *testing.T) {
		start := newAssignment(t, job.StartTaskOperation, ProcessPluginType, map[string]any{
			// ignores the runner flags appended to the command
			"command": []string{"sh", "-c", "sleep 10", "runner"},
		})
		r := &fakeReporter{}
		result, err := launcher.Execute(ctx, start, r)
		require.NoError(t, err)
		assert.Equal(t, job.StartTaskOperation, result.Kind)

		var started TaskResult
		require.NoError(t, json.Unmarshal(result.Payload, &started))
		assert.NotZero(t, started.PID)

		var payload runner.TaskPayload
		require.NoError(t, json.Unmarshal(start.Job.Operation.Payload, &payload))
		stop := &session.Assignment{
			Job: job.New(job.CreateOptions{
				Operation: job.Operation{Kind: job.StopTaskOperation, Payload: start.Job.Operation.Payload},
			}),
		}
		result, err = launcher.Execute(ctx, stop, r)
		require.NoError(t, err)
		var stopped TaskResult
		require.NoError(t, json.Unmarshal(result.Payload, &stopped))
		assert.Equal(t, started.PID, stopped.PID)
		assert.Equal(t, payload.RunnerID, stopped.RunnerID)
		assert.Len(t, r.lines, 2)
	})

	t.Run("stop unknown runner", func(t *testing.T) {
		stop := newAssignment(t, job.StopTaskOperation, ProcessPluginType, nil)
		result, err := launcher.Execute(ctx, stop, &fakeReporter{})
		require.NoError(t, err)
		var stopped TaskResult
		require.NoError(t, json.Unmarshal(result.Payload, &stopped))
		assert.Zero(t, stopped.PID)
	})

	t.Run("unsupported plugin type", func(t *testing.T) {
		start := newAssignment(t, job.StartTaskOperation, "kubernetes", nil)
		_, err := launcher.Execute(ctx, start, &fakeReporter{})
		var status *job.Status
		require.ErrorAs(t, err, &status)
		assert.Equal(t, codes.Unimplemented, status.Code)
	})
}

func TestTerminator(t *testing.T) {
	term := newTerminator()
	a, b := &fakeCancelable{}, &fakeCancelable{}
	idA, idB := resource.NewID(resource.JobKind), resource.NewID(resource.JobKind)
	term.checkIn(idA, a)
	term.checkIn(idB, b)
	assert.Equal(t, 2, term.totalJobs())

	assert.True(t, term.cancel(idA, true))
	assert.Equal(t, []bool{true}, a.calls)

	term.checkOut(idA)
	assert.False(t, term.cancel(idA, false))

	term.stopAll()
	assert.Equal(t, []bool{true}, a.calls)
	assert.Equal(t, []bool{false}, b.calls)
}

type fakeCancelable struct {
	calls []bool
}

func (f *fakeCancelable) cancel(force bool) {
	f.calls = append(f.calls, force)
}
