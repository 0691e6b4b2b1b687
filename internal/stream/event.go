package stream

import (
	"fmt"
	"time"

	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/resource"
)

const (
	OpenEvent        EventKind = "open"
	StateChangeEvent EventKind = "state_change"
	TerminalEvent    EventKind = "terminal"
	DownloadEvent    EventKind = "download"
	ErrorEvent       EventKind = "error"
	CompleteEvent    EventKind = "complete"
)

const (
	LineOutput        OutputKind = "line"
	NamedValuesOutput OutputKind = "named_values"
	TableOutput       OutputKind = "table"
	StepGroupOutput   OutputKind = "step_group"
	StepOutput        OutputKind = "step"
	RawOutput         OutputKind = "raw"
)

type (
	// EventKind discriminates the events of a job stream.
	EventKind string

	// Event is an event on a job stream. Exactly one of the payload fields
	// corresponding to Kind is set.
	Event struct {
		Kind EventKind `json:"kind"`
		// Seq is the position of a buffered event in the job's stream.
		// Zero for events that are not buffered.
		Seq         uint64          `json:"seq,omitempty"`
		Open        *Open           `json:"open,omitempty"`
		StateChange *StateChange    `json:"state_change,omitempty"`
		Terminal    *Output         `json:"terminal,omitempty"`
		Download    *DownloadNotice `json:"download,omitempty"`
		Error       *job.Status     `json:"error,omitempty"`
		Complete    *Complete       `json:"complete,omitempty"`
	}

	// Open is the first event received by every subscriber.
	Open struct {
		JobID resource.ID `json:"job_id"`
		// ReplayIncomplete is true if buffered events were discarded
		// before the subscriber joined.
		ReplayIncomplete bool `json:"replay_incomplete,omitempty"`
	}

	// StateChange reports a job state transition.
	StateChange struct {
		Previous  job.State `json:"previous"`
		Current   job.State `json:"current"`
		Job       *job.Job  `json:"job"`
		Canceling bool      `json:"canceling,omitempty"`
	}

	// DownloadNotice reports that the runner loaded configuration for the
	// job.
	DownloadNotice struct {
		Source  string `json:"source"`
		Message string `json:"message,omitempty"`
	}

	// Complete is the final event of a job stream, carrying the job's result
	// or error.
	Complete struct {
		Result *job.Result `json:"result,omitempty"`
		Error  *job.Status `json:"error,omitempty"`
	}

	// OutputKind discriminates terminal output.
	OutputKind string

	// Output is one unit of human-facing output emitted by a job.
	Output struct {
		Kind        OutputKind   `json:"kind"`
		Timestamp   time.Time    `json:"timestamp"`
		Line        *Line        `json:"line,omitempty"`
		NamedValues []NamedValue `json:"named_values,omitempty"`
		Table       *Table       `json:"table,omitempty"`
		StepGroup   *StepGroup   `json:"step_group,omitempty"`
		Step        *Step        `json:"step,omitempty"`
		Raw         *Raw         `json:"raw,omitempty"`
	}

	Line struct {
		Msg   string `json:"msg"`
		Style string `json:"style,omitempty"`
	}

	NamedValue struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}

	Table struct {
		Headers []string   `json:"headers"`
		Rows    [][]string `json:"rows"`
	}

	StepGroup struct {
		Close bool `json:"close,omitempty"`
	}

	Step struct {
		ID     int32  `json:"id"`
		Close  bool   `json:"close,omitempty"`
		Msg    string `json:"msg,omitempty"`
		Status string `json:"status,omitempty"`
	}

	// Raw is a chunk of process output.
	Raw struct {
		Data   []byte `json:"data"`
		Stderr bool   `json:"stderr,omitempty"`
	}
)

func NewTerminalEvent(out *Output) Event {
	return Event{Kind: TerminalEvent, Terminal: out}
}

func NewDownloadEvent(notice *DownloadNotice) Event {
	return Event{Kind: DownloadEvent, Download: notice}
}

func NewStateChangeEvent(previous *job.Job, current *job.Job) Event {
	return Event{
		Kind: StateChangeEvent,
		StateChange: &StateChange{
			Previous:  previous.State,
			Current:   current.State,
			Job:       current,
			Canceling: current.Canceling(),
		},
	}
}

// CompleteOf returns the completion of a finished job.
func CompleteOf(j *job.Job) *Complete {
	return &Complete{Result: j.Result, Error: j.Error}
}

func NewErrorEvent(status *job.Status) Event {
	return Event{Kind: ErrorEvent, Error: status}
}

// buffered reports whether the event is retained for replay.
func (e Event) buffered() bool {
	switch e.Kind {
	case TerminalEvent, DownloadEvent:
		return true
	default:
		return false
	}
}

func (e Event) Validate() error {
	var ok bool
	switch e.Kind {
	case OpenEvent:
		ok = e.Open != nil
	case StateChangeEvent:
		ok = e.StateChange != nil
	case TerminalEvent:
		if e.Terminal == nil {
			break
		}
		return e.Terminal.Validate()
	case DownloadEvent:
		ok = e.Download != nil
	case ErrorEvent:
		ok = e.Error != nil
	case CompleteEvent:
		ok = e.Complete != nil
	default:
		return fmt.Errorf("unknown event kind: %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("%s event missing payload", e.Kind)
	}
	return nil
}

func (o *Output) Validate() error {
	var ok bool
	switch o.Kind {
	case LineOutput:
		ok = o.Line != nil
	case NamedValuesOutput:
		ok = o.NamedValues != nil
	case TableOutput:
		ok = o.Table != nil
	case StepGroupOutput:
		ok = o.StepGroup != nil
	case StepOutput:
		ok = o.Step != nil
	case RawOutput:
		ok = o.Raw != nil
	default:
		return fmt.Errorf("unknown terminal output kind: %q", o.Kind)
	}
	if !ok {
		return fmt.Errorf("%s terminal output missing payload", o.Kind)
	}
	return nil
}
