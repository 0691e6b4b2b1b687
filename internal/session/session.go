// Package session implements the server side of the runner job stream: a
// runner requests a job, acknowledges it, reports its progress and finally
// its result, while the server may push a cancelation at any time.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/stream"
	"google.golang.org/grpc/codes"
)

const (
	AwaitingRequest State = "AWAITING_REQUEST"
	Assigned        State = "ASSIGNED"
	Acked           State = "ACKED"
	Completing      State = "COMPLETING"
	Closed          State = "CLOSED"

	// messageBufferSize is the number of runner messages queued for the
	// session before the receiver blocks.
	messageBufferSize = 64
)

var (
	ErrAckTimeout   = errors.New("timed out waiting for runner to acknowledge job")
	ErrProtocol     = fmt.Errorf("%w: runner protocol violation", internal.ErrInvalidArgument)
	ErrStreamClosed = errors.New("runner closed stream")
	ErrTornDown     = errors.New("session torn down")
)

type (
	// State is the state of a session.
	State string

	// Stream is the transport carrying messages between the server and a
	// runner.
	Stream interface {
		Send(*ServerMessage) error
		Recv() (*ClientMessage, error)
	}

	// Session is the server side of a single runner job stream. A session
	// carries at most one job: once the job is finished the session closes.
	Session struct {
		logr.Logger

		ID string

		manager *Manager
		stream  Stream
		cancels chan Cancel
		// teardown ends the session, with the given cause.
		teardown context.CancelCauseFunc

		mu        sync.Mutex
		state     State
		runnerID  resource.ID
		job       *job.Job
		variables map[string]string
		// finished is true once the job no longer needs accounting for when
		// the session closes.
		finished bool
	}
)

func newSession(m *Manager, s Stream) *Session {
	id := uuid.NewString()
	return &Session{
		Logger:    m.Logger.WithValues("session", id),
		ID:        id,
		manager:   m,
		stream:    s,
		cancels:   make(chan Cancel, 1),
		state:     AwaitingRequest,
		variables: make(map[string]string),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
}

// JobID returns the ID of the session's job, or the empty ID if the session
// has yet to be assigned one.
func (s *Session) JobID() resource.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job == nil {
		return resource.EmptyID
	}
	return s.job.ID
}

func (s *Session) run(ctx context.Context) error {
	ctx, teardown := context.WithCancelCause(ctx)
	defer teardown(nil)
	s.teardown = teardown

	first, err := s.stream.Recv()
	if err != nil {
		return fmt.Errorf("receiving request: %w", err)
	}
	if err := first.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if first.Kind != RequestMessage {
		return fmt.Errorf("%w: expected request, received %s", ErrProtocol, first.Kind)
	}
	s.runnerID = first.Request.RunnerID
	s.Logger = s.WithValues("runner_id", s.runnerID)

	if _, err := s.manager.Registry.Get(ctx, s.runnerID); err != nil {
		return fmt.Errorf("retrieving runner: %w", err)
	}
	if err := s.manager.Registry.SetOnline(ctx, s.runnerID, true); err != nil {
		return fmt.Errorf("setting runner online: %w", err)
	}
	defer func() {
		if err := s.manager.Registry.SetOnline(context.WithoutCancel(ctx), s.runnerID, false); err != nil {
			s.Error(err, "setting runner offline")
		}
	}()

	msgs := make(chan *ClientMessage, messageBufferSize)
	go s.receive(ctx, msgs)

	j, err := s.claim(ctx, first.Request)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}
	err = s.serve(ctx, j, msgs)
	s.close(context.WithoutCancel(ctx), err)
	return err
}

// claim a job for the session, either by requesting a new job or by
// reattaching to a running job.
func (s *Session) claim(ctx context.Context, req *Request) (*job.Job, error) {
	var (
		j     *job.Job
		err   error
		state = Assigned
	)
	if req.ReattachJobID != nil {
		j, err = s.manager.Scheduler.Reattach(ctx, *req.ReattachJobID, s.runnerID)
		state = Acked
	} else {
		s.V(2).Info("requesting work")
		j, err = s.manager.Scheduler.RequestWork(ctx, s.runnerID)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.job = j
	s.state = state
	if state == Acked {
		// carry over the variable values reported before the runner was lost
		maps.Copy(s.variables, j.VariableFinalValues)
	}
	s.mu.Unlock()

	s.manager.add(s)
	if state == Acked {
		reattachedCounter.Inc()
		s.Info("reattached to job", "job", j)
	} else {
		s.Info("assigned job", "job", j)
	}
	return j, nil
}

// serve the job once claimed, returning when the job is finished or the
// session is torn down.
func (s *Session) serve(ctx context.Context, j *job.Job, msgs <-chan *ClientMessage) error {
	if err := s.stream.Send(NewAssignmentMessage(j)); err != nil {
		return fmt.Errorf("sending assignment: %w", err)
	}
	if j.Canceling() {
		// canceled in the interval between assignment and now.
		s.cancel(j.ForceCancel)
	}

	var ackTimeout <-chan time.Time
	if s.State() == Assigned {
		timer := time.NewTimer(s.manager.AckTimeout)
		defer timer.Stop()
		ackTimeout = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ackTimeout:
			ackTimeoutsCounter.Inc()
			return ErrAckTimeout
		case c := <-s.cancels:
			s.Info("pushing cancelation to runner", "force", c.Force)
			if err := s.stream.Send(NewCancelMessage(c.Force)); err != nil {
				return fmt.Errorf("sending cancelation: %w", err)
			}
		case msg, ok := <-msgs:
			if !ok {
				return context.Cause(ctx)
			}
			done, err := s.handle(ctx, msg)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			if s.State() == Acked {
				ackTimeout = nil
			}
		}
	}
}

// handle a message from the runner. Returns true if the session is done.
func (s *Session) handle(ctx context.Context, msg *ClientMessage) (bool, error) {
	switch s.State() {
	case Assigned:
		switch msg.Kind {
		case AckMessage:
			return false, s.ack(ctx)
		case ErrorMessage:
			// runner declined the job
			return true, s.decline(ctx, msg.Error)
		}
	case Acked:
		switch msg.Kind {
		case AckMessage:
			s.V(1).Info("ignoring duplicate ack")
			return false, nil
		case TerminalMessage:
			s.publish(stream.NewTerminalEvent(msg.Terminal))
			return false, nil
		case ConfigLoadMessage:
			s.publish(stream.NewDownloadEvent(msg.ConfigLoad))
			return false, nil
		case VariableValuesSetMessage:
			s.mu.Lock()
			maps.Copy(s.variables, msg.Variables)
			s.mu.Unlock()
			return false, nil
		case CompleteMessage, ErrorMessage:
			return true, s.complete(context.WithoutCancel(ctx), msg)
		}
	}
	return false, fmt.Errorf("%w: unexpected %s message in %s state", ErrProtocol, msg.Kind, s.State())
}

func (s *Session) ack(ctx context.Context) error {
	acked, err := s.manager.Scheduler.Ack(ctx, s.JobID(), s.runnerID)
	if err != nil {
		return fmt.Errorf("acknowledging job: %w", err)
	}
	s.mu.Lock()
	s.job = acked
	s.state = Acked
	s.mu.Unlock()

	if acked.Canceling() {
		s.cancel(acked.ForceCancel)
	}
	return nil
}

// decline returns a job the runner refused before acknowledging it to the
// queue.
func (s *Session) decline(ctx context.Context, status *job.Status) error {
	if _, err := s.manager.Scheduler.Requeue(ctx, s.JobID(), status.Message); err != nil {
		return fmt.Errorf("requeuing declined job: %w", err)
	}
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	return nil
}

// complete records the terminal result reported by the runner.
func (s *Session) complete(ctx context.Context, msg *ClientMessage) error {
	s.setState(Completing)

	s.mu.Lock()
	jobID := s.jobIDLocked()
	variables := maps.Clone(s.variables)
	s.mu.Unlock()

	var err error
	if msg.Kind == CompleteMessage {
		_, err = s.manager.Scheduler.Complete(ctx, jobID, s.runnerID, msg.Result, variables)
	} else {
		_, err = s.manager.Scheduler.Fail(ctx, jobID, s.runnerID, msg.Error, variables)
	}
	if err != nil {
		s.Error(err, "recording job result")
		// the result could not be recorded, e.g. because it does not
		// match the operation, so record the failure instead.
		status := job.NewStatus(codes.Internal, "recording result: "+err.Error())
		if _, err := s.manager.Scheduler.Fail(ctx, jobID, s.runnerID, status, variables); err != nil {
			return fmt.Errorf("recording job failure: %w", err)
		}
	}
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	return nil
}

// jobIDLocked must be called with the lock held.
func (s *Session) jobIDLocked() resource.ID {
	if s.job == nil {
		return resource.EmptyID
	}
	return s.job.ID
}

func (s *Session) publish(event stream.Event) {
	err := s.manager.Mux.Publish(s.JobID(), event)
	if errors.Is(err, stream.ErrStreamComplete) {
		// job has finished, e.g. it was forcibly canceled.
		s.V(1).Info("discarding event for finished job", "kind", event.Kind)
	} else if err != nil {
		s.Error(err, "publishing event")
	}
}

// receive messages from the runner until the stream is closed. Heartbeats
// are handled directly, and the session is torn down if the stream fails.
func (s *Session) receive(ctx context.Context, msgs chan<- *ClientMessage) {
	defer close(msgs)

	for {
		msg, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.teardown(ErrStreamClosed)
			return
		} else if err != nil {
			s.teardown(fmt.Errorf("receiving message: %w", err))
			return
		}
		if err := msg.Validate(); err != nil {
			s.teardown(fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}
		if msg.Kind == HeartbeatMessage {
			if err := s.manager.Registry.UpdateLiveness(ctx, s.runnerID, internal.CurrentTimestamp()); err != nil {
				s.Error(err, "updating runner liveness")
			}
			continue
		}
		select {
		case msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// cancel queues a cancelation to be pushed to the runner.
func (s *Session) cancel(force bool) {
	for {
		select {
		case s.cancels <- Cancel{Force: force}:
			return
		case pending := <-s.cancels:
			force = force || pending.Force
		}
	}
}

// reattachable reports whether the runner may reattach to its job after the
// session closed for the given cause.
func (s *Session) reattachable(cause error) bool {
	if s.manager.ReattachGracePeriod <= 0 {
		return false
	}
	return !errors.Is(cause, ErrTornDown) && !errors.Is(cause, ErrProtocol)
}

// supersede hands the job over to another session. This session no longer
// accounts for the job and is torn down.
func (s *Session) supersede() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()

	s.teardown(ErrTornDown)
}

// close the session, accounting for a job that was left unfinished: an
// unacknowledged job is returned to the queue, while a running job is
// detached so its runner may reattach, or failed outright.
func (s *Session) close(ctx context.Context, cause error) {
	s.mu.Lock()
	state, finished := s.state, s.finished
	jobID := s.jobIDLocked()
	variables := maps.Clone(s.variables)
	s.state = Closed
	s.mu.Unlock()

	s.manager.remove(s)
	if finished {
		return
	}

	reason := "session closed"
	if cause != nil {
		reason = cause.Error()
	}
	switch state {
	case Assigned:
		requeued, err := s.manager.Scheduler.Requeue(ctx, jobID, reason)
		if errors.Is(err, job.ErrStateMismatch) {
			s.V(1).Info("job no longer awaiting acknowledgement", "state", requeued.State)
		} else if err != nil {
			s.Error(err, "requeuing job")
		}
	case Acked, Completing:
		if s.reattachable(cause) {
			s.Info("runner lost, awaiting reattachment", "reason", reason, "grace_period", s.manager.ReattachGracePeriod)
			detached, err := s.manager.Scheduler.Detach(ctx, jobID, s.runnerID, variables)
			if errors.Is(err, job.ErrStateMismatch) {
				s.V(1).Info("job no longer running", "state", detached.State)
			} else if err != nil {
				s.Error(err, "detaching job")
			}
			return
		}
		s.Info("runner lost", "reason", reason)
		if _, err := s.manager.Scheduler.Fail(ctx, jobID, s.runnerID, job.RunnerLostStatus(), variables); err != nil {
			s.Error(err, "failing job")
		}
	}
}
