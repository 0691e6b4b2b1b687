package session

import (
	"errors"
	"fmt"

	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/stream"
)

// ClientMessageKind discriminates messages sent by a runner.
type ClientMessageKind string

const (
	RequestMessage           ClientMessageKind = "request"
	AckMessage               ClientMessageKind = "ack"
	HeartbeatMessage         ClientMessageKind = "heartbeat"
	TerminalMessage          ClientMessageKind = "terminal"
	ConfigLoadMessage        ClientMessageKind = "config_load"
	VariableValuesSetMessage ClientMessageKind = "variable_values_set"
	CompleteMessage          ClientMessageKind = "complete"
	ErrorMessage             ClientMessageKind = "error"
)

// ServerMessageKind discriminates messages sent to a runner.
type ServerMessageKind string

const (
	AssignmentMessage ServerMessageKind = "assignment"
	CancelMessage     ServerMessageKind = "cancel"
)

type (
	// ClientMessage is a message sent by a runner over its job stream.
	// Exactly one field is set, according to its kind.
	ClientMessage struct {
		Kind       ClientMessageKind      `json:"kind"`
		Request    *Request               `json:"request,omitempty"`
		Terminal   *stream.Output         `json:"terminal,omitempty"`
		ConfigLoad *stream.DownloadNotice `json:"config_load,omitempty"`
		// Variables are the final values of input variables.
		Variables map[string]string `json:"variables,omitempty"`
		// Result of a successful job. May be omitted if the operation
		// produces no result.
		Result *job.Result `json:"result,omitempty"`
		Error  *job.Status `json:"error,omitempty"`
	}

	// Request is the first message sent by a runner, requesting a job.
	Request struct {
		RunnerID resource.ID `json:"runner_id"`
		// ReattachJobID is set by a runner that lost its stream while
		// running a job and wishes to resume reporting on it.
		ReattachJobID *resource.ID `json:"reattach_job_id,omitempty"`
	}

	// ServerMessage is a message sent to a runner over its job stream.
	ServerMessage struct {
		Kind       ServerMessageKind `json:"kind"`
		Assignment *Assignment       `json:"assignment,omitempty"`
		Cancel     *Cancel           `json:"cancel,omitempty"`
	}

	// Assignment hands a job to a runner.
	Assignment struct {
		Job           *job.Job           `json:"job"`
		ConfigSources []job.ConfigSource `json:"config_sources,omitempty"`
	}

	// Cancel instructs a runner to cancel its job.
	Cancel struct {
		Force bool `json:"force"`
	}
)

// Validate checks the message carries the payload its kind requires.
func (m *ClientMessage) Validate() error {
	switch m.Kind {
	case RequestMessage:
		if m.Request == nil || m.Request.RunnerID.IsZero() {
			return errors.New("request message missing runner ID")
		}
	case AckMessage, HeartbeatMessage, CompleteMessage:
	case TerminalMessage:
		if m.Terminal == nil {
			return errors.New("terminal message missing output")
		}
		return m.Terminal.Validate()
	case ConfigLoadMessage:
		if m.ConfigLoad == nil {
			return errors.New("config load message missing notice")
		}
	case VariableValuesSetMessage:
		if m.Variables == nil {
			return errors.New("variable values message missing variables")
		}
	case ErrorMessage:
		if m.Error == nil {
			return errors.New("error message missing status")
		}
	default:
		return fmt.Errorf("unknown message kind: %q", m.Kind)
	}
	return nil
}

func NewAssignmentMessage(j *job.Job) *ServerMessage {
	return &ServerMessage{
		Kind:       AssignmentMessage,
		Assignment: &Assignment{Job: j, ConfigSources: j.ConfigSources},
	}
}

func NewCancelMessage(force bool) *ServerMessage {
	return &ServerMessage{Kind: CancelMessage, Cancel: &Cancel{Force: force}}
}
