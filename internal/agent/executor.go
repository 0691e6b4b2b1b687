package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/session"
	"github.com/leg100/jobq/internal/stream"
	"google.golang.org/grpc/codes"
)

const (
	// EnvConfigSource is a config source whose config is a map of
	// environment variables set on the process.
	EnvConfigSource = "env"
	// VariablesConfigSource is a config source whose config is a map of
	// input variables, passed to the process as JOBQ_VAR_<name>.
	VariablesConfigSource = "variables"

	variableEnvPrefix = "JOBQ_VAR_"
	// maximum number of bytes of stderr retained for error messages.
	stderrTail = 4096
)

var (
	ansi  = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")
	ascii = regexp.MustCompile("[[:^ascii:]]")
)

type (
	// Executor carries out the operation of an assigned job. The context is
	// canceled when the job is canceled; Killed reports whether it was
	// forcefully canceled.
	Executor interface {
		Execute(ctx context.Context, a *session.Assignment, r Reporter) (*job.Result, error)
	}

	// Reporter relays the progress of a job back to the server.
	Reporter interface {
		Terminal(out *stream.Output)
		ConfigLoaded(source, msg string)
		SetVariables(values map[string]string)
	}

	// ExecPayload is the payload of an exec operation.
	ExecPayload struct {
		Args []string          `json:"args"`
		Env  map[string]string `json:"env,omitempty"`
		Dir  string            `json:"dir,omitempty"`
	}

	// ExecResult is the result of an exec operation.
	ExecResult struct {
		ExitCode int `json:"exit_code"`
	}

	// ExecExecutor executes exec operations as a local process, streaming
	// its output as raw terminal output.
	ExecExecutor struct {
		// KillDelay is the delay between interrupting a canceled process and
		// killing it.
		KillDelay time.Duration
	}

	// rawWriter relays each write as raw terminal output.
	rawWriter struct {
		r      Reporter
		stderr bool
	}

	// tailBuffer retains the last stderrTail bytes written to it.
	tailBuffer struct {
		bytes.Buffer
	}

	killedKey struct{}
)

// Killed returns a channel that is closed if the job is forcefully canceled.
// Returns nil if the context does not belong to a job.
func Killed(ctx context.Context) <-chan struct{} {
	if killed, ok := ctx.Value(killedKey{}).(chan struct{}); ok {
		return killed
	}
	return nil
}

func (e *ExecExecutor) Execute(ctx context.Context, a *session.Assignment, r Reporter) (*job.Result, error) {
	var payload ExecPayload
	if err := json.Unmarshal(a.Job.Operation.Payload, &payload); err != nil {
		return nil, job.NewStatus(codes.InvalidArgument, "decoding exec payload: "+err.Error())
	}
	if len(payload.Args) == 0 {
		return nil, job.NewStatus(codes.InvalidArgument, "missing command name")
	}
	envs := os.Environ()
	for k, v := range payload.Env {
		envs = append(envs, k+"="+v)
	}
	sourced, err := e.loadConfigSources(a.ConfigSources, r)
	if err != nil {
		return nil, err
	}
	envs = append(envs, sourced...)

	cmd := exec.CommandContext(ctx, payload.Args[0], payload.Args[1:]...)
	cmd.Dir = payload.Dir
	cmd.Env = envs
	cmd.Stdout = &rawWriter{r: r}
	stderr := new(tailBuffer)
	cmd.Stderr = io.MultiWriter(&rawWriter{r: r, stderr: true}, stderr)
	// interrupt rather than kill the process when the job is canceled,
	// killing it only if it has yet to exit after the kill delay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.KillDelay

	if err := cmd.Start(); err != nil {
		return nil, job.NewStatus(codes.FailedPrecondition, err.Error())
	}
	exited := make(chan struct{})
	defer close(exited)
	go func() {
		select {
		case <-Killed(ctx):
			_ = cmd.Process.Kill()
		case <-exited:
		}
	}()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := err.Error()
			if tail := cleanStderr(stderr.String()); tail != "" {
				msg = fmt.Sprintf("%s: %s", msg, tail)
			}
			return nil, job.NewStatus(codes.Unknown, msg)
		}
		return nil, err
	}
	return newResult(job.ExecOperation, ExecResult{ExitCode: cmd.ProcessState.ExitCode()})
}

// loadConfigSources reports each config source as loaded and converts them
// into environment variables.
func (e *ExecExecutor) loadConfigSources(sources []job.ConfigSource, r Reporter) ([]string, error) {
	var (
		envs      []string
		variables = make(map[string]string)
	)
	for _, src := range sources {
		switch src.Type {
		case EnvConfigSource, VariablesConfigSource:
			values := make(map[string]string)
			if len(src.Config) > 0 {
				if err := json.Unmarshal(src.Config, &values); err != nil {
					return nil, job.NewStatus(codes.InvalidArgument, fmt.Sprintf("decoding %s config source: %s", src.Type, err))
				}
			}
			prefix := ""
			if src.Type == VariablesConfigSource {
				prefix = variableEnvPrefix
				maps.Copy(variables, values)
			}
			for _, k := range slices.Sorted(maps.Keys(values)) {
				envs = append(envs, prefix+k+"="+values[k])
			}
			r.ConfigLoaded(src.Type, fmt.Sprintf("loaded %d values", len(values)))
		default:
			r.ConfigLoaded(src.Type, "unsupported config source, skipped")
		}
	}
	if len(variables) > 0 {
		r.SetVariables(variables)
	}
	return envs, nil
}

func (w *rawWriter) Write(p []byte) (int, error) {
	w.r.Terminal(&stream.Output{
		Kind:      stream.RawOutput,
		Timestamp: internal.CurrentTimestamp(),
		Raw:       &stream.Raw{Data: bytes.Clone(p), Stderr: w.stderr},
	})
	return len(p), nil
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n, _ := b.Buffer.Write(p)
	if excess := b.Len() - stderrTail; excess > 0 {
		b.Next(excess)
	}
	return n, nil
}

// newResult constructs a result with the given payload.
func newResult(kind job.OperationKind, payload any) (*job.Result, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &job.Result{Kind: kind, Payload: encoded}, nil
}

// cleanStderr cleans up stderr output to make it suitable for an error
// message: newlines, ansi escape sequences, and non-ascii characters are
// removed
func cleanStderr(stderr string) string {
	stderr = ansi.ReplaceAllLiteralString(stderr, "")
	stderr = ascii.ReplaceAllLiteralString(stderr, "")
	return strings.Join(strings.Fields(stderr), " ")
}
