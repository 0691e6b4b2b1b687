package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/leg100/jobq/internal/grpcapi"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/session"
	"github.com/leg100/jobq/internal/stream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// outputBufferSize is the number of messages an execution buffers while
// the stream is unavailable, after which the executor blocks.
const outputBufferSize = 1000

type (
	// worker carries out one job at a time, requesting each job on a new
	// job stream.
	worker struct {
		logr.Logger

		agent    *Agent
		runnerID resource.ID
		// current is the job being executed, which survives the loss of the
		// stream it was assigned on.
		current *execution
		// declined is true once the job assigned on the current stream has
		// been declined.
		declined bool
	}

	// execution is a job being carried out by an executor.
	execution struct {
		job *job.Job
		// out relays messages from the executor. It is closed once the
		// final message has been sent on it.
		out     chan *session.ClientMessage
		drained bool
		// pending is a message yet to be sent to the server.
		pending *session.ClientMessage
		// final is the last message, retained until the server has closed
		// the stream in acknowledgement.
		final *session.ClientMessage

		stop      context.CancelFunc
		killed    chan struct{}
		killOnce  sync.Once
		abandoned chan struct{}
		done      chan struct{}
	}

	// reporter relays executor progress onto an execution's out channel.
	reporter struct {
		*execution
	}
)

func (w *worker) start(ctx context.Context) error {
	defer w.abandon(true)

	for {
		// retry indefinitely, unless the error is permanent
		policy := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0))
		err := backoff.RetryNotify(func() error {
			return w.session(ctx)
		}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
			w.Error(err, "job stream failed", "backoff", next)
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// session opens a job stream, either requesting a new job or reattaching to
// the current job, and relays messages until the stream ends.
func (w *worker) session(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	js, err := w.agent.client.JobStream(ctx)
	if err != nil {
		return fmt.Errorf("opening job stream: %w", err)
	}
	w.declined = false
	req := &session.Request{RunnerID: w.runnerID}
	if e := w.current; e != nil {
		jobID := e.job.ID
		req.ReattachJobID = &jobID
		if e.final != nil {
			// resend final message in case the server never received it
			e.pending = e.final
		}
		w.Info("reattaching to job", "job", e.job)
	} else {
		w.V(1).Info("waiting for next job")
	}
	if err := js.Send(&session.ClientMessage{Kind: session.RequestMessage, Request: req}); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	msgs := make(chan *session.ServerMessage)
	errs := make(chan error, 1)
	go func() {
		for {
			msg, err := js.Recv()
			if err != nil {
				errs <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(w.agent.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		var out <-chan *session.ClientMessage
		if e := w.current; e != nil {
			if e.pending != nil {
				if err := js.Send(e.pending); err != nil {
					return fmt.Errorf("sending %s message: %w", e.pending.Kind, err)
				}
				e.pending = nil
				continue
			}
			if !e.drained {
				out = e.out
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := js.Send(&session.ClientMessage{Kind: session.HeartbeatMessage}); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}
		case msg := <-msgs:
			if err := w.handle(js, msg); err != nil {
				return err
			}
		case msg, ok := <-out:
			if !ok {
				w.current.drained = true
				continue
			}
			if msg.Kind == session.CompleteMessage || msg.Kind == session.ErrorMessage {
				w.current.final = msg
			}
			w.current.pending = msg
		case err := <-errs:
			return w.streamEnded(err)
		}
	}
}

// handle a message from the server.
func (w *worker) handle(js grpcapi.JobStreamClient, msg *session.ServerMessage) error {
	switch msg.Kind {
	case session.AssignmentMessage:
		a := msg.Assignment
		if a == nil || a.Job == nil {
			return errors.New("assignment missing job")
		}
		if e := w.current; e != nil {
			if a.Job.ID != e.job.ID {
				return fmt.Errorf("reattached to job %s but assigned job %s", e.job.ID, a.Job.ID)
			}
			w.Info("reattached to job", "job", e.job)
			return nil
		}
		executor, ok := w.agent.executors[a.Job.Operation.Kind]
		if !ok {
			w.Info("declining job", "job", a.Job, "operation", a.Job.Operation.Kind)
			w.declined = true
			return js.Send(&session.ClientMessage{
				Kind:  session.ErrorMessage,
				Error: job.NewStatus(codes.Unimplemented, fmt.Sprintf("unsupported operation: %s", a.Job.Operation.Kind)),
			})
		}
		if err := js.Send(&session.ClientMessage{Kind: session.AckMessage}); err != nil {
			return fmt.Errorf("acknowledging job: %w", err)
		}
		w.Info("received job", "job", a.Job)
		w.current = w.execute(a, executor)
	case session.CancelMessage:
		if w.current == nil || msg.Cancel == nil {
			w.V(1).Info("ignoring cancelation signal without a job")
			return nil
		}
		w.Info("received cancelation signal", "force", msg.Cancel.Force, "job", w.current.job)
		w.current.cancel(msg.Cancel.Force)
	default:
		return fmt.Errorf("unexpected %s message", msg.Kind)
	}
	return nil
}

// streamEnded handles the end of a job stream.
func (w *worker) streamEnded(err error) error {
	if errors.Is(err, io.EOF) {
		switch {
		case w.declined:
			return nil
		case w.current != nil && w.current.final != nil && w.current.pending == nil:
			w.Info("finished job", "job", w.current.job)
			w.current = nil
			return nil
		}
		return errors.New("job stream closed by server")
	}
	switch status.Code(err) {
	case codes.NotFound:
		if w.current == nil {
			return backoff.Permanent(fmt.Errorf("%w: %w", errUnregistered, err))
		}
		fallthrough
	case codes.FailedPrecondition, codes.PermissionDenied:
		if w.current != nil {
			// the server refused to reattach so the job can no longer be
			// reported on.
			w.Error(err, "abandoning job", "job", w.current.job)
			w.abandon(false)
		}
	case codes.Unauthenticated:
		return backoff.Permanent(err)
	}
	return fmt.Errorf("receiving message: %w", err)
}

// execute a job in the background.
func (w *worker) execute(a *session.Assignment, executor Executor) *execution {
	killed := make(chan struct{})
	ctx, stop := context.WithCancel(context.WithValue(context.Background(), killedKey{}, killed))
	e := &execution{
		job:       a.Job,
		out:       make(chan *session.ClientMessage, outputBufferSize),
		stop:      stop,
		killed:    killed,
		abandoned: make(chan struct{}),
		done:      make(chan struct{}),
	}
	w.agent.terminator.checkIn(a.Job.ID, e)

	go func() {
		defer close(e.done)
		defer w.agent.terminator.checkOut(a.Job.ID)
		defer stop()

		result, err := executor.Execute(ctx, a, &reporter{e})
		e.send(finalMessage(ctx, a.Job.Operation.Kind, result, err))
		close(e.out)
	}()
	return e
}

// abandon the current job, canceling it. If wait is true then it waits for
// the executor to return, killing it if necessary.
func (w *worker) abandon(wait bool) {
	e := w.current
	if e == nil {
		return
	}
	w.current = nil
	e.cancel(false)
	close(e.abandoned)
	if !wait {
		return
	}
	select {
	case <-e.done:
	case <-time.After(w.agent.KillDelay):
		e.cancel(true)
	}
}

func (e *execution) cancel(force bool) {
	e.stop()
	if force {
		e.killOnce.Do(func() { close(e.killed) })
	}
}

// send a message, dropping it if the execution has been abandoned.
func (e *execution) send(msg *session.ClientMessage) {
	select {
	case e.out <- msg:
	case <-e.abandoned:
	}
}

func (r *reporter) Terminal(out *stream.Output) {
	r.send(&session.ClientMessage{Kind: session.TerminalMessage, Terminal: out})
}

func (r *reporter) ConfigLoaded(source, msg string) {
	r.send(&session.ClientMessage{
		Kind:       session.ConfigLoadMessage,
		ConfigLoad: &stream.DownloadNotice{Source: source, Message: msg},
	})
}

func (r *reporter) SetVariables(values map[string]string) {
	r.send(&session.ClientMessage{Kind: session.VariableValuesSetMessage, Variables: values})
}

// finalMessage constructs the last message for a job from the outcome of
// its executor.
func finalMessage(ctx context.Context, kind job.OperationKind, result *job.Result, err error) *session.ClientMessage {
	if err == nil {
		if result == nil {
			result = &job.Result{Kind: kind}
		}
		return &session.ClientMessage{Kind: session.CompleteMessage, Result: result}
	}
	var jobStatus *job.Status
	switch {
	case errors.As(err, &jobStatus):
	case ctx.Err() != nil:
		jobStatus = job.CanceledStatus()
		select {
		case <-Killed(ctx):
			jobStatus = job.NewStatus(codes.Canceled, "killed")
		default:
		}
	default:
		jobStatus = job.NewStatus(codes.Internal, err.Error())
	}
	return &session.ClientMessage{Kind: session.ErrorMessage, Error: jobStatus}
}
