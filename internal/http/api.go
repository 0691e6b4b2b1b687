package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/http/decode"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/pubsub"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/stream"
)

type (
	// API serves the operator API: queuing, inspecting, canceling and
	// watching jobs, and administering runners.
	API struct {
		logr.Logger
		APIOptions
	}

	APIOptions struct {
		Jobs     JobService
		Canceler Canceler
		Runners  RunnerService
		Streams  Subscriber
		Logger   logr.Logger
	}

	JobService interface {
		Enqueue(ctx context.Context, opts job.CreateOptions) (resource.ID, error)
		ValidateJob(ctx context.Context, opts job.CreateOptions) (valid, assignable bool, err error)
		Get(ctx context.Context, id resource.ID) (*job.Job, error)
		List(ctx context.Context, opts job.ListOptions) ([]*job.Job, error)
		SetRunnerAdoption(ctx context.Context, id resource.ID, to runner.Adoption) (*runner.Runner, error)
		Watch(ctx context.Context) (<-chan pubsub.Event[*job.Job], func())
	}

	// Canceler cancels jobs, pushing the cancelation to the runner carrying
	// the job.
	Canceler interface {
		CancelJob(ctx context.Context, id resource.ID, force bool) (*job.Job, error)
	}

	RunnerService interface {
		List(ctx context.Context) ([]*runner.Runner, error)
	}

	Subscriber interface {
		SubscribeJob(ctx context.Context, j *job.Job, fromBuffered bool) *stream.Subscription
	}

	// EnqueueJobRequest is the body of a request to queue or validate a job.
	EnqueueJobRequest struct {
		ID                    *resource.ID       `json:"id,omitempty"`
		SingletonID           string             `json:"singleton_id,omitempty"`
		DependsOn             []resource.ID      `json:"depends_on,omitempty"`
		DependsOnAllowFailure []resource.ID      `json:"depends_on_allow_failure,omitempty"`
		Target                job.Target         `json:"target"`
		OnDemandRunnerProfile string             `json:"on_demand_runner_profile,omitempty"`
		Operation             job.Operation      `json:"operation"`
		Labels                map[string]string  `json:"labels,omitempty"`
		ConfigSources         []job.ConfigSource `json:"config_sources,omitempty"`
		// ExpiresIn is a duration string, e.g. 10m.
		ExpiresIn string `json:"expires_in,omitempty"`
	}

	EnqueueJobResponse struct {
		ID resource.ID `json:"id"`
	}

	ValidateJobResponse struct {
		Valid bool `json:"valid"`
		// Assignable is true if a currently known runner could carry out
		// the job.
		Assignable      bool   `json:"assignable"`
		ValidationError string `json:"validation_error,omitempty"`
	}

	// ListJobsOptions filters and pages the list of jobs.
	ListJobsOptions struct {
		resource.PageOptions
		States      []string `schema:"state,omitempty"`
		SingletonID string   `schema:"singleton_id,omitempty"`
		RunnerID    string   `schema:"runner_id,omitempty"`
	}

	cancelJobOptions struct {
		Force bool `schema:"force"`
	}

	streamJobOptions struct {
		Replay bool `schema:"replay"`
	}
)

func NewAPI(opts APIOptions) *API {
	return &API{
		Logger:     opts.Logger.WithValues("component", "api"),
		APIOptions: opts,
	}
}

func (a *API) AddHandlers(r *mux.Router) {
	r.HandleFunc("/jobs", a.enqueueJob).Methods("POST")
	r.HandleFunc("/jobs/validate", a.validateJob).Methods("POST")
	r.HandleFunc("/jobs", a.listJobs).Methods("GET")
	r.HandleFunc("/jobs/events", a.watchJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", a.getJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", a.cancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/stream", a.streamJob).Methods("GET")

	r.HandleFunc("/runners", a.listRunners).Methods("GET")
	r.HandleFunc("/runners/{id}/adopt", a.setAdoption(runner.Adopted)).Methods("POST")
	r.HandleFunc("/runners/{id}/reject", a.setAdoption(runner.Rejected)).Methods("POST")
}

func (req EnqueueJobRequest) toOptions() (job.CreateOptions, error) {
	opts := job.CreateOptions{
		ID:                    req.ID,
		SingletonID:           req.SingletonID,
		DependsOn:             req.DependsOn,
		DependsOnAllowFailure: req.DependsOnAllowFailure,
		Target:                req.Target,
		OnDemandRunnerProfile: req.OnDemandRunnerProfile,
		Operation:             req.Operation,
		Labels:                req.Labels,
		ConfigSources:         req.ConfigSources,
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			return job.CreateOptions{}, fmt.Errorf("%w: expires_in: %w", internal.ErrInvalidArgument, err)
		}
		opts.ExpiresIn = d
	}
	return opts, nil
}

func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := decode.JSON(&req, r); err != nil {
		Error(w, err)
		return
	}
	opts, err := req.toOptions()
	if err != nil {
		Error(w, err)
		return
	}
	id, err := a.Jobs.Enqueue(r.Context(), opts)
	if err != nil {
		Error(w, err)
		return
	}
	Respond(w, &EnqueueJobResponse{ID: id}, http.StatusCreated)
}

func (a *API) validateJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := decode.JSON(&req, r); err != nil {
		Error(w, err)
		return
	}
	opts, err := req.toOptions()
	if err != nil {
		Respond(w, &ValidateJobResponse{ValidationError: err.Error()}, http.StatusOK)
		return
	}
	valid, assignable, err := a.Jobs.ValidateJob(r.Context(), opts)
	if !valid {
		Respond(w, &ValidateJobResponse{ValidationError: err.Error()}, http.StatusOK)
		return
	} else if err != nil {
		Error(w, err)
		return
	}
	Respond(w, &ValidateJobResponse{Valid: true, Assignable: assignable}, http.StatusOK)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	var params ListJobsOptions
	if err := decode.Query(&params, r.URL.Query()); err != nil {
		Error(w, err)
		return
	}
	var opts job.ListOptions
	for _, s := range params.States {
		state := job.State(s)
		if !state.Valid() {
			Error(w, internal.InvalidParameterError(fmt.Sprintf("invalid state: %q", s)))
			return
		}
		opts.States = append(opts.States, state)
	}
	if params.SingletonID != "" {
		opts.SingletonID = &params.SingletonID
	}
	if params.RunnerID != "" {
		id, err := resource.ParseID(params.RunnerID)
		if err != nil {
			Error(w, fmt.Errorf("%w: %w", internal.ErrInvalidArgument, err))
			return
		}
		opts.RunnerID = &id
	}
	jobs, err := a.Jobs.List(r.Context(), opts)
	if err != nil {
		Error(w, err)
		return
	}
	Respond(w, resource.Paginate(jobs, params.PageOptions), http.StatusOK)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := decode.ID("id", r)
	if err != nil {
		Error(w, err)
		return
	}
	j, err := a.Jobs.Get(r.Context(), id)
	if err != nil {
		Error(w, err)
		return
	}
	Respond(w, j, http.StatusOK)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := decode.ID("id", r)
	if err != nil {
		Error(w, err)
		return
	}
	var params cancelJobOptions
	if err := decode.Query(&params, r.URL.Query()); err != nil {
		Error(w, err)
		return
	}
	j, err := a.Canceler.CancelJob(r.Context(), id, params.Force)
	if err != nil {
		Error(w, err)
		return
	}
	Respond(w, j, http.StatusOK)
}

// streamJob relays the events of a job to the client as server-sent events,
// until the job completes or the client goes away.
func (a *API) streamJob(w http.ResponseWriter, r *http.Request) {
	id, err := decode.ID("id", r)
	if err != nil {
		Error(w, err)
		return
	}
	var params streamJobOptions
	if err := decode.Query(&params, r.URL.Query()); err != nil {
		Error(w, err)
		return
	}
	// reject unknown jobs rather than waiting forever for events
	j, err := a.Jobs.Get(r.Context(), id)
	if err != nil {
		Error(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, errors.New("streaming unsupported"))
		return
	}

	sub := a.Streams.SubscribeJob(r.Context(), j, params.Replay)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range sub.Events() {
		data, err := json.Marshal(event)
		if err != nil {
			a.Error(err, "marshalling job event", "job", id, "kind", event.Kind)
			continue
		}
		if err := WriteSSEEvent(w, string(event.Kind), data); err != nil {
			return
		}
		flusher.Flush()
	}
	if sub.Truncated() {
		a.V(1).Info("subscriber fell behind", "job", id, "dropped", sub.Dropped())
	}
}

// watchJobs relays the creation and update of every job to the client as
// server-sent events, until the client goes away.
func (a *API) watchJobs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, errors.New("streaming unsupported"))
		return
	}

	sub, unsub := a.Jobs.Watch(r.Context())
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range sub {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			a.Error(err, "marshalling job", "job", event.Payload.ID)
			continue
		}
		if err := WriteSSEEvent(w, string(event.Type), data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (a *API) listRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := a.Runners.List(r.Context())
	if err != nil {
		Error(w, err)
		return
	}
	Respond(w, runners, http.StatusOK)
}

func (a *API) setAdoption(to runner.Adoption) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := decode.ID("id", r)
		if err != nil {
			Error(w, err)
			return
		}
		updated, err := a.Jobs.SetRunnerAdoption(r.Context(), id, to)
		if err != nil {
			Error(w, err)
			return
		}
		Respond(w, updated, http.StatusOK)
	}
}
