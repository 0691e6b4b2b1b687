package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/session"
	"github.com/leg100/jobq/internal/stream"
	"google.golang.org/grpc/codes"
)

// ProcessPluginType is the plugin type of on-demand profiles whose runners
// are launched as local processes.
const ProcessPluginType = "process"

type (
	// TaskLauncher carries out start-task and stop-task jobs, launching and
	// tearing down on-demand runners as child processes of the agent.
	TaskLauncher struct {
		logr.Logger

		// ConnectionArgs and Token are passed to launched runners.
		ConnectionArgs []string
		Token          string

		mu    sync.Mutex
		tasks map[string]*exec.Cmd
	}

	// TaskResult is the result of a start-task or stop-task job.
	TaskResult struct {
		RunnerID string `json:"runner_id"`
		PID      int    `json:"pid,omitempty"`
	}

	// processConfig is the profile config of the process plugin type.
	processConfig struct {
		// Command launches the runner. Defaults to the agent's own
		// executable.
		Command []string `json:"command,omitempty"`
	}
)

func NewTaskLauncher(logger logr.Logger, cfg Config) *TaskLauncher {
	return &TaskLauncher{
		Logger:         logger,
		ConnectionArgs: cfg.connectionArgs(),
		Token:          cfg.Token,
		tasks:          make(map[string]*exec.Cmd),
	}
}

func (l *TaskLauncher) Execute(ctx context.Context, a *session.Assignment, r Reporter) (*job.Result, error) {
	var payload runner.TaskPayload
	if err := json.Unmarshal(a.Job.Operation.Payload, &payload); err != nil {
		return nil, job.NewStatus(codes.InvalidArgument, "decoding task payload: "+err.Error())
	}
	if payload.PluginType != ProcessPluginType {
		return nil, job.NewStatus(codes.Unimplemented, fmt.Sprintf("unsupported plugin type: %q", payload.PluginType))
	}
	switch a.Job.Operation.Kind {
	case job.StartTaskOperation:
		return l.start(payload, r)
	case job.StopTaskOperation:
		return l.stop(payload, r)
	default:
		return nil, job.NewStatus(codes.Unimplemented, fmt.Sprintf("unsupported operation: %s", a.Job.Operation.Kind))
	}
}

func (l *TaskLauncher) start(payload runner.TaskPayload, r Reporter) (*job.Result, error) {
	var cfg processConfig
	if payload.Config != nil {
		// round-trip the free-form config to decode it into its typed form
		encoded, err := json.Marshal(payload.Config)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(encoded, &cfg); err != nil {
			return nil, job.NewStatus(codes.InvalidArgument, "decoding process config: "+err.Error())
		}
	}
	if len(cfg.Command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("determining executable: %w", err)
		}
		cfg.Command = []string{self}
	}
	args := append(cfg.Command[1:],
		"--id", payload.RunnerID,
		"--kind", string(runner.OnDemandKind),
		"--profile", payload.Profile,
	)
	args = append(args, l.ConnectionArgs...)
	for _, k := range slices.Sorted(maps.Keys(payload.Labels)) {
		args = append(args, "--label", k+"="+payload.Labels[k])
	}

	// the runner outlives the start-task job, so is not bound to its context.
	cmd := exec.Command(cfg.Command[0], args...)
	cmd.Env = os.Environ()
	if l.Token != "" {
		cmd.Env = append(cmd.Env, "JOBQ_TOKEN="+l.Token)
	}
	if err := cmd.Start(); err != nil {
		return nil, job.NewStatus(codes.Unavailable, "launching runner: "+err.Error())
	}
	l.mu.Lock()
	l.tasks[payload.RunnerID] = cmd
	l.mu.Unlock()

	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		if l.tasks[payload.RunnerID] == cmd {
			delete(l.tasks, payload.RunnerID)
		}
		l.mu.Unlock()
		l.V(1).Info("on-demand runner exited", "runner_id", payload.RunnerID, "error", err)
	}()

	l.Info("launched on-demand runner", "runner_id", payload.RunnerID, "profile", payload.Profile, "pid", cmd.Process.Pid)
	r.Terminal(lineOutput(fmt.Sprintf("launched runner %s: %s", payload.RunnerID, strings.Join(cfg.Command, " "))))
	return newResult(job.StartTaskOperation, TaskResult{RunnerID: payload.RunnerID, PID: cmd.Process.Pid})
}

func (l *TaskLauncher) stop(payload runner.TaskPayload, r Reporter) (*job.Result, error) {
	l.mu.Lock()
	cmd, ok := l.tasks[payload.RunnerID]
	delete(l.tasks, payload.RunnerID)
	l.mu.Unlock()

	if !ok {
		// launched by another agent or already exited
		r.Terminal(lineOutput(fmt.Sprintf("runner %s not running", payload.RunnerID)))
		return newResult(job.StopTaskOperation, TaskResult{RunnerID: payload.RunnerID})
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return nil, job.NewStatus(codes.Internal, "stopping runner: "+err.Error())
	}
	l.Info("stopped on-demand runner", "runner_id", payload.RunnerID, "pid", cmd.Process.Pid)
	r.Terminal(lineOutput(fmt.Sprintf("stopped runner %s", payload.RunnerID)))
	return newResult(job.StopTaskOperation, TaskResult{RunnerID: payload.RunnerID, PID: cmd.Process.Pid})
}

// stopAll interrupts all launched runners.
func (l *TaskLauncher) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, cmd := range l.tasks {
		_ = cmd.Process.Signal(os.Interrupt)
		delete(l.tasks, id)
	}
}

func lineOutput(msg string) *stream.Output {
	return &stream.Output{
		Kind:      stream.LineOutput,
		Timestamp: internal.CurrentTimestamp(),
		Line:      &stream.Line{Msg: msg},
	}
}
