// Package job provides the job record: the unit of work assigned to a
// runner, its state machine, and the stores that persist it.
package job

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/resource"
)

type (
	// Job is the unit of work that is queued, assigned to a runner, and
	// carried out by the runner through to completion.
	Job struct {
		ID resource.ID `json:"id"`
		// SingletonID de-duplicates jobs: at most one non-terminal job may
		// exist with a given singleton ID.
		SingletonID string `json:"singleton_id,omitempty"`
		// DependsOn are jobs that must finish successfully before this job
		// is assigned.
		DependsOn []resource.ID `json:"depends_on,omitempty"`
		// DependsOnAllowFailure are dependencies that may finish with an
		// error without blocking this job. Always a subset of DependsOn.
		DependsOnAllowFailure []resource.ID `json:"depends_on_allow_failure,omitempty"`
		Target                Target        `json:"target"`
		// OnDemandRunner is non-nil if the job is to be run by a runner
		// spawned specifically for it.
		OnDemandRunner *OnDemandRunner   `json:"on_demand_runner,omitempty"`
		Operation      Operation         `json:"operation"`
		Labels         map[string]string `json:"labels,omitempty"`
		ConfigSources  []ConfigSource    `json:"config_sources,omitempty"`
		State          State             `json:"state"`
		QueueTime      time.Time         `json:"queue_time"`
		AssignTime     *time.Time        `json:"assign_time,omitempty"`
		AckTime        *time.Time        `json:"ack_time,omitempty"`
		CompleteTime   *time.Time        `json:"complete_time,omitempty"`
		CancelTime     *time.Time        `json:"cancel_time,omitempty"`
		ExpireTime     *time.Time        `json:"expire_time,omitempty"`
		Result         *Result           `json:"result,omitempty"`
		Error          *Status           `json:"error,omitempty"`
		// RunnerID is the runner the job is assigned to. Only set once the
		// job enters the WAITING state, and cleared if the assignment is
		// rolled back.
		RunnerID *resource.ID `json:"runner_id,omitempty"`
		// LostTime is set while the runner carrying a running job is
		// disconnected, and cleared if the runner reattaches.
		LostTime *time.Time `json:"lost_time,omitempty"`
		// ForceCancel is true if cancelation of the job was forced.
		ForceCancel bool `json:"force_cancel,omitempty"`
		// AssignAttempts is the number of times the job has been assigned
		// to a runner.
		AssignAttempts int `json:"assign_attempts,omitempty"`
		// VariableFinalValues are the final values of the input variables
		// reported by the runner.
		VariableFinalValues map[string]string `json:"variable_final_values,omitempty"`
	}

	// OnDemandRunner requests that an ephemeral runner be provisioned for the
	// job from the named profile.
	OnDemandRunner struct {
		Profile string `json:"profile"`
		// RunnerID is the ID of the runner to be spawned; set once
		// provisioning is underway.
		RunnerID *resource.ID `json:"runner_id,omitempty"`
		// ProvisionJobID is the ID of the start-task job provisioning the
		// runner.
		ProvisionJobID *resource.ID `json:"provision_job_id,omitempty"`
		// ProvisionAttempts is the number of provisioning jobs issued.
		ProvisionAttempts int `json:"provision_attempts,omitempty"`
		// ProvisionTime is when the current provisioning attempt began.
		ProvisionTime *time.Time `json:"provision_time,omitempty"`
	}

	// ConfigSource is configuration resolved by the server and handed to the
	// runner along with the job.
	ConfigSource struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config,omitempty"`
	}

	// CreateOptions are options for constructing a job.
	CreateOptions struct {
		// ID optionally provides the ID for the new job; it must be unique.
		ID                    *resource.ID
		SingletonID           string
		DependsOn             []resource.ID
		DependsOnAllowFailure []resource.ID
		Target                Target
		// OnDemandRunnerProfile names the profile from which to provision a
		// runner for the job.
		OnDemandRunnerProfile string
		Operation             Operation
		Labels                map[string]string
		ConfigSources         []ConfigSource
		// ExpiresIn is the maximum duration the job may remain queued before
		// it is expired. Zero means never.
		ExpiresIn time.Duration
	}
)

// New constructs a new queued job. Validation is the responsibility of the
// caller.
func New(opts CreateOptions) *Job {
	now := internal.CurrentTimestamp()
	job := &Job{
		ID:                    resource.NewID(resource.JobKind),
		SingletonID:           opts.SingletonID,
		DependsOn:             opts.DependsOn,
		DependsOnAllowFailure: opts.DependsOnAllowFailure,
		Target:                opts.Target,
		Operation:             opts.Operation,
		Labels:                opts.Labels,
		ConfigSources:         opts.ConfigSources,
		State:                 Queued,
		QueueTime:             now,
	}
	if opts.ID != nil {
		job.ID = *opts.ID
	}
	if job.Target.Kind == "" {
		job.Target.Kind = TargetAny
	}
	if opts.OnDemandRunnerProfile != "" {
		job.OnDemandRunner = &OnDemandRunner{Profile: opts.OnDemandRunnerProfile}
	}
	if opts.ExpiresIn > 0 {
		job.ExpireTime = internal.Ptr(now.Add(opts.ExpiresIn))
	}
	return job
}

func (j *Job) String() string { return j.ID.String() }

func (j *Job) GetID() resource.ID { return j.ID }

func (j *Job) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", j.ID.String()),
		slog.String("operation", string(j.Operation.Kind)),
		slog.String("state", string(j.State)),
	}
	if j.SingletonID != "" {
		attrs = append(attrs, slog.String("singleton_id", j.SingletonID))
	}
	if j.RunnerID != nil {
		attrs = append(attrs, slog.String("runner_id", j.RunnerID.String()))
	}
	if j.CancelTime != nil {
		if j.ForceCancel {
			attrs = append(attrs, slog.Bool("force_cancel_requested", true))
		} else {
			attrs = append(attrs, slog.Bool("cancel_requested", true))
		}
	}
	if j.LostTime != nil && !j.State.IsTerminal() {
		attrs = append(attrs, slog.Bool("runner_lost", true))
	}
	if j.Error != nil {
		attrs = append(attrs, slog.String("error", j.Error.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Canceling reports whether cancelation has been requested for an
// unfinished job.
func (j *Job) Canceling() bool {
	return j.CancelTime != nil && !j.State.IsTerminal()
}

// Expired reports whether the job has passed its expiry time.
func (j *Job) Expired(now time.Time) bool {
	return j.ExpireTime != nil && !now.Before(*j.ExpireTime)
}

// AllowsFailureOf reports whether the job may proceed even if the given
// dependency fails.
func (j *Job) AllowsFailureOf(dep resource.ID) bool {
	return slices.Contains(j.DependsOnAllowFailure, dep)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	clone := *j
	clone.DependsOn = slices.Clone(j.DependsOn)
	clone.DependsOnAllowFailure = slices.Clone(j.DependsOnAllowFailure)
	clone.Target = j.Target.clone()
	clone.Labels = maps.Clone(j.Labels)
	clone.ConfigSources = slices.Clone(j.ConfigSources)
	clone.VariableFinalValues = maps.Clone(j.VariableFinalValues)
	clone.AssignTime = clonePtr(j.AssignTime)
	clone.AckTime = clonePtr(j.AckTime)
	clone.CompleteTime = clonePtr(j.CompleteTime)
	clone.CancelTime = clonePtr(j.CancelTime)
	clone.ExpireTime = clonePtr(j.ExpireTime)
	clone.LostTime = clonePtr(j.LostTime)
	clone.RunnerID = clonePtr(j.RunnerID)
	clone.Result = clonePtr(j.Result)
	clone.Error = clonePtr(j.Error)
	if j.OnDemandRunner != nil {
		odr := *j.OnDemandRunner
		odr.RunnerID = clonePtr(odr.RunnerID)
		odr.ProvisionJobID = clonePtr(odr.ProvisionJobID)
		odr.ProvisionTime = clonePtr(odr.ProvisionTime)
		clone.OnDemandRunner = &odr
	}
	return &clone
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// transition moves a job from the expected state to the next state and then
// applies fn to make further changes. The receiver is left unmodified if an
// error is returned.
func (j *Job) transition(expected, next State, fn func(*Job) error) (*Job, error) {
	if j.State != expected {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", ErrStateMismatch, j.ID, j.State, expected)
	}
	if !expected.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStateTransition, expected, next)
	}
	updated := j.Clone()
	updated.State = next
	if fn != nil {
		if err := fn(updated); err != nil {
			return nil, err
		}
	}
	if updated.State != next {
		return nil, fmt.Errorf("%w: state altered during update", ErrInvalidStateTransition)
	}
	if next.IsTerminal() && updated.CompleteTime == nil {
		updated.CompleteTime = internal.Ptr(internal.CurrentTimestamp())
	}
	if updated.Result != nil && updated.Result.Kind != updated.Operation.Kind {
		return nil, fmt.Errorf("result kind %s does not match operation kind %s", updated.Result.Kind, updated.Operation.Kind)
	}
	return updated, nil
}
