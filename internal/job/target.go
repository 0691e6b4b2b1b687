package job

import (
	"errors"
	"maps"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/resource"
)

const (
	TargetAny    TargetKind = "any"
	TargetRunner TargetKind = "runner"
	TargetLabels TargetKind = "labels"
)

type (
	// TargetKind discriminates the runners a job may be assigned to.
	TargetKind string

	// Target selects the runners eligible for a job: any runner, one specific
	// runner, or runners whose labels contain every label in Labels.
	Target struct {
		Kind     TargetKind        `json:"kind"`
		RunnerID *resource.ID      `json:"runner_id,omitempty"`
		Labels   map[string]string `json:"labels,omitempty"`
	}
)

func AnyRunner() Target { return Target{Kind: TargetAny} }

func RunnerTarget(id resource.ID) Target {
	return Target{Kind: TargetRunner, RunnerID: &id}
}

func LabelsTarget(labels map[string]string) Target {
	return Target{Kind: TargetLabels, Labels: labels}
}

func (t Target) Validate() error {
	switch t.Kind {
	case TargetAny, "":
		if t.RunnerID != nil || len(t.Labels) > 0 {
			return errors.New("target any must not specify runner ID or labels")
		}
	case TargetRunner:
		if t.RunnerID == nil || t.RunnerID.IsZero() {
			return errors.New("target runner must specify runner ID")
		}
		if len(t.Labels) > 0 {
			return errors.New("target runner must not specify labels")
		}
	case TargetLabels:
		if len(t.Labels) == 0 {
			return errors.New("target labels must specify at least one label")
		}
		if t.RunnerID != nil {
			return errors.New("target labels must not specify runner ID")
		}
	default:
		return errors.New("unknown target kind: " + string(t.Kind))
	}
	return nil
}

// Matches reports whether a runner with the given id and labels is eligible
// under the target.
func (t Target) Matches(runnerID resource.ID, labels map[string]string) bool {
	switch t.Kind {
	case TargetAny, "":
		return true
	case TargetRunner:
		return t.RunnerID != nil && *t.RunnerID == runnerID
	case TargetLabels:
		return internal.IsSubset(t.Labels, labels)
	default:
		return false
	}
}

// Shape is the key of the broadcast group whose waiters may be eligible for
// a job with this target.
func (t Target) Shape() string {
	switch t.Kind {
	case TargetRunner:
		return "runner:" + t.RunnerID.String()
	case TargetLabels:
		return "labels"
	default:
		return "any"
	}
}

func (t Target) clone() Target {
	t.Labels = maps.Clone(t.Labels)
	if t.RunnerID != nil {
		t.RunnerID = resource.IDPtr(*t.RunnerID)
	}
	return t
}
