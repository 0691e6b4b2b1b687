package job

import (
	"encoding/json"
	"fmt"
)

// OperationKind discriminates the operation a job carries out. The runner
// interprets the operation's payload; jobq only transports it.
type OperationKind string

const (
	BuildOperation        OperationKind = "build"
	PushOperation         OperationKind = "push"
	DeployOperation       OperationKind = "deploy"
	DestroyOperation      OperationKind = "destroy"
	ReleaseOperation      OperationKind = "release"
	ValidateOperation     OperationKind = "validate"
	AuthOperation         OperationKind = "auth"
	DocsOperation         OperationKind = "docs"
	ConfigSyncOperation   OperationKind = "config-sync"
	ExecOperation         OperationKind = "exec"
	UpOperation           OperationKind = "up"
	LogsOperation         OperationKind = "logs"
	QueueProjectOperation OperationKind = "queue-project"
	PollOperation         OperationKind = "poll"
	StatusReportOperation OperationKind = "status-report"
	StartTaskOperation    OperationKind = "start-task"
	StopTaskOperation     OperationKind = "stop-task"
	InitOperation         OperationKind = "init"
	WatchTaskOperation    OperationKind = "watch-task"
	PipelineStepOperation OperationKind = "pipeline-step"
)

// OperationKinds lists every operation kind.
var OperationKinds = []OperationKind{
	BuildOperation,
	PushOperation,
	DeployOperation,
	DestroyOperation,
	ReleaseOperation,
	ValidateOperation,
	AuthOperation,
	DocsOperation,
	ConfigSyncOperation,
	ExecOperation,
	UpOperation,
	LogsOperation,
	QueueProjectOperation,
	PollOperation,
	StatusReportOperation,
	StartTaskOperation,
	StopTaskOperation,
	InitOperation,
	WatchTaskOperation,
	PipelineStepOperation,
}

func (k OperationKind) Valid() bool {
	switch k {
	case BuildOperation,
		PushOperation,
		DeployOperation,
		DestroyOperation,
		ReleaseOperation,
		ValidateOperation,
		AuthOperation,
		DocsOperation,
		ConfigSyncOperation,
		ExecOperation,
		UpOperation,
		LogsOperation,
		QueueProjectOperation,
		PollOperation,
		StatusReportOperation,
		StartTaskOperation,
		StopTaskOperation,
		InitOperation,
		WatchTaskOperation,
		PipelineStepOperation:
		return true
	default:
		return false
	}
}

func (k OperationKind) String() string { return string(k) }

type (
	// Operation is the work a job carries out: a discriminant plus an opaque
	// payload.
	Operation struct {
		Kind    OperationKind   `json:"kind"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// Result is the outcome of a successful operation. Its kind always
	// matches the kind of the job's operation.
	Result struct {
		Kind    OperationKind   `json:"kind"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

func (o Operation) Validate() error {
	if o.Kind == "" {
		return fmt.Errorf("operation must be set")
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("unknown operation kind: %q", o.Kind)
	}
	if len(o.Payload) > 0 && !json.Valid(o.Payload) {
		return fmt.Errorf("operation payload is not valid JSON")
	}
	return nil
}
