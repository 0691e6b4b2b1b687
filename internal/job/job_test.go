package job

import (
	"errors"
	"testing"
	"time"

	"github.com/leg100/jobq/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from State
		to   State
		want bool
	}{
		{"assign", Queued, Waiting, true},
		{"roll back assignment", Waiting, Queued, true},
		{"ack", Waiting, Running, true},
		{"complete", Running, Success, true},
		{"fail", Running, Error, true},
		{"cancel queued", Queued, Error, true},
		{"abort waiting", Waiting, Error, true},
		{"update running", Running, Running, true},
		{"skip ack", Queued, Running, false},
		{"requeue running", Running, Queued, false},
		{"leave success", Success, Error, false},
		{"leave error", Error, Queued, false},
		{"update success", Success, Success, false},
		{"update error", Error, Error, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		job := New(CreateOptions{Operation: Operation{Kind: BuildOperation}})

		assert.Equal(t, resource.JobKind, job.ID.Kind)
		assert.Equal(t, Queued, job.State)
		assert.Equal(t, TargetAny, job.Target.Kind)
		assert.False(t, job.QueueTime.IsZero())
		assert.Nil(t, job.ExpireTime)
		assert.Nil(t, job.OnDemandRunner)
	})

	t.Run("caller supplied id", func(t *testing.T) {
		id := resource.NewID(resource.JobKind)
		job := New(CreateOptions{ID: &id})
		assert.Equal(t, id, job.ID)
	})

	t.Run("expires in", func(t *testing.T) {
		job := New(CreateOptions{ExpiresIn: time.Minute})
		require.NotNil(t, job.ExpireTime)
		assert.Equal(t, job.QueueTime.Add(time.Minute), *job.ExpireTime)
		assert.False(t, job.Expired(job.QueueTime))
		assert.True(t, job.Expired(job.QueueTime.Add(time.Minute)))
	})

	t.Run("on-demand runner", func(t *testing.T) {
		job := New(CreateOptions{OnDemandRunnerProfile: "docker-large"})
		require.NotNil(t, job.OnDemandRunner)
		assert.Equal(t, "docker-large", job.OnDemandRunner.Profile)
	})
}

func TestJob_transition(t *testing.T) {
	runnerID := resource.NewID(resource.RunnerKind)

	t.Run("leaves original untouched", func(t *testing.T) {
		job := New(CreateOptions{Operation: Operation{Kind: DeployOperation}})
		updated, err := job.transition(Queued, Waiting, func(j *Job) error {
			j.RunnerID = &runnerID
			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, Waiting, updated.State)
		assert.Equal(t, &runnerID, updated.RunnerID)
		assert.Equal(t, Queued, job.State)
		assert.Nil(t, job.RunnerID)
	})

	t.Run("state mismatch", func(t *testing.T) {
		job := New(CreateOptions{})
		_, err := job.transition(Waiting, Running, nil)
		assert.True(t, errors.Is(err, ErrStateMismatch))
	})

	t.Run("invalid transition", func(t *testing.T) {
		job := New(CreateOptions{})
		_, err := job.transition(Queued, Success, nil)
		assert.True(t, errors.Is(err, ErrInvalidStateTransition))
	})

	t.Run("terminal sets complete time", func(t *testing.T) {
		job := New(CreateOptions{})
		updated, err := job.transition(Queued, Error, func(j *Job) error {
			j.Error = CanceledStatus()
			return nil
		})
		require.NoError(t, err)
		assert.NotNil(t, updated.CompleteTime)
		assert.Equal(t, codes.Canceled, updated.Error.Code)
	})

	t.Run("result must match operation", func(t *testing.T) {
		job := New(CreateOptions{Operation: Operation{Kind: BuildOperation}})
		job.State = Running
		_, err := job.transition(Running, Success, func(j *Job) error {
			j.Result = &Result{Kind: DeployOperation}
			return nil
		})
		assert.Error(t, err)
	})

	t.Run("fn cannot alter state", func(t *testing.T) {
		job := New(CreateOptions{})
		_, err := job.transition(Queued, Waiting, func(j *Job) error {
			j.State = Success
			return nil
		})
		assert.True(t, errors.Is(err, ErrInvalidStateTransition))
	})
}

func TestJob_Clone(t *testing.T) {
	dep := resource.NewID(resource.JobKind)
	job := New(CreateOptions{
		DependsOn:             []resource.ID{dep},
		DependsOnAllowFailure: []resource.ID{dep},
		Target:                LabelsTarget(map[string]string{"os": "linux"}),
		Labels:                map[string]string{"app": "web"},
		OnDemandRunnerProfile: "docker",
		ExpiresIn:             time.Hour,
	})
	clone := job.Clone()
	assert.Equal(t, job, clone)

	clone.DependsOn[0] = resource.NewID(resource.JobKind)
	clone.Target.Labels["os"] = "windows"
	clone.Labels["app"] = "db"
	clone.OnDemandRunner.Profile = "kubernetes"
	*clone.ExpireTime = time.Time{}

	assert.Equal(t, dep, job.DependsOn[0])
	assert.Equal(t, "linux", job.Target.Labels["os"])
	assert.Equal(t, "web", job.Labels["app"])
	assert.Equal(t, "docker", job.OnDemandRunner.Profile)
	assert.False(t, job.ExpireTime.IsZero())
}

func TestTarget(t *testing.T) {
	runnerID := resource.NewID(resource.RunnerKind)
	otherID := resource.NewID(resource.RunnerKind)
	labels := map[string]string{"os": "linux", "arch": "amd64"}

	tests := []struct {
		name   string
		target Target
		id     resource.ID
		labels map[string]string
		want   bool
	}{
		{"any", AnyRunner(), runnerID, nil, true},
		{"exact id", RunnerTarget(runnerID), runnerID, nil, true},
		{"other id", RunnerTarget(runnerID), otherID, nil, false},
		{"label subset", LabelsTarget(map[string]string{"os": "linux"}), runnerID, labels, true},
		{"all labels", LabelsTarget(labels), runnerID, labels, true},
		{"label value mismatch", LabelsTarget(map[string]string{"os": "darwin"}), runnerID, labels, false},
		{"label missing", LabelsTarget(map[string]string{"gpu": "true"}), runnerID, labels, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.target.Validate())
			assert.Equal(t, tt.want, tt.target.Matches(tt.id, tt.labels))
		})
	}

	t.Run("invalid", func(t *testing.T) {
		assert.Error(t, Target{Kind: TargetRunner}.Validate())
		assert.Error(t, Target{Kind: TargetLabels}.Validate())
		assert.Error(t, Target{Kind: TargetAny, Labels: labels}.Validate())
		assert.Error(t, Target{Kind: "bogus"}.Validate())
	})

	t.Run("shape", func(t *testing.T) {
		assert.Equal(t, "any", AnyRunner().Shape())
		assert.Equal(t, "runner:"+runnerID.String(), RunnerTarget(runnerID).Shape())
		assert.Equal(t, "labels", LabelsTarget(labels).Shape())
	})
}

func TestOperation_Validate(t *testing.T) {
	for _, kind := range OperationKinds {
		assert.NoError(t, Operation{Kind: kind}.Validate(), kind)
	}
	assert.Error(t, Operation{}.Validate())
	assert.Error(t, Operation{Kind: "compile"}.Validate())
	assert.Error(t, Operation{Kind: ExecOperation, Payload: []byte("{")}.Validate())
}
