package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/pubsub"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/scheduler"
	"github.com/leg100/jobq/internal/session"
	"github.com/leg100/jobq/internal/stream"
	"github.com/leg100/jobq/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	*Client

	url       string
	scheduler *scheduler.Scheduler
	runners   *runner.Service
	mux       *stream.Multiplexer
}

func newTestEnv(t *testing.T, serverToken, clientToken string) *testEnv {
	t.Helper()

	jobs, err := job.NewMemStore()
	require.NoError(t, err)
	mux, err := stream.NewMultiplexer(logr.Discard(), stream.Options{})
	require.NoError(t, err)
	runners := runner.NewService(runner.ServiceOptions{Logger: logr.Discard()})
	sched := scheduler.New(scheduler.Options{
		Logger:  logr.Discard(),
		Jobs:    jobs,
		Runners: runners,
		Mux:     mux,
	})
	sessions := session.NewManager(session.Options{
		Logger:    logr.Discard(),
		Scheduler: sched,
		Registry:  runners,
		Mux:       mux,
	})
	super := supervisor.New(supervisor.Options{
		Logger:    logr.Discard(),
		Scheduler: sched,
		Sessions:  sessions,
	})
	api := NewAPI(APIOptions{
		Logger:   logr.Discard(),
		Jobs:     sched,
		Canceler: super,
		Runners:  runners,
		Streams:  mux,
	})
	srv := httptest.NewServer(newRouter(logr.Discard(), ServerConfig{
		Token:    serverToken,
		Handlers: []Handlers{api},
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{URL: srv.URL, Token: clientToken})
	require.NoError(t, err)

	return &testEnv{
		Client:    client,
		url:       srv.URL,
		scheduler: sched,
		runners:   runners,
		mux:       mux,
	}
}

func (e *testEnv) registerRunner(t *testing.T, kind runner.Kind) *runner.Runner {
	t.Helper()
	r, err := e.runners.Register(context.Background(), runner.RegisterOptions{Name: "runner-1", Kind: kind})
	require.NoError(t, err)
	return r
}

var buildJob = EnqueueJobRequest{
	Operation: job.Operation{Kind: job.BuildOperation, Payload: []byte(`{"app":"web"}`)},
}

func TestAPI_Jobs(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueue and get", func(t *testing.T) {
		env := newTestEnv(t, "", "")
		req := buildJob
		req.ExpiresIn = "10m"
		req.Labels = map[string]string{"team": "web"}

		id, err := env.EnqueueJob(ctx, req)
		require.NoError(t, err)

		got, err := env.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, job.Queued, got.State)
		assert.Equal(t, job.TargetAny, got.Target.Kind)
		assert.Equal(t, map[string]string{"team": "web"}, got.Labels)
		assert.NotNil(t, got.ExpireTime)
		assert.JSONEq(t, `{"app":"web"}`, string(got.Operation.Payload))
	})

	t.Run("enqueue invalid job", func(t *testing.T) {
		env := newTestEnv(t, "", "")
		_, err := env.EnqueueJob(ctx, EnqueueJobRequest{})
		assert.ErrorIs(t, err, internal.ErrInvalidArgument)
	})

	t.Run("enqueue with invalid expiry", func(t *testing.T) {
		env := newTestEnv(t, "", "")
		req := buildJob
		req.ExpiresIn = "soon"
		_, err := env.EnqueueJob(ctx, req)
		assert.ErrorIs(t, err, internal.ErrInvalidArgument)
	})

	t.Run("singleton", func(t *testing.T) {
		env := newTestEnv(t, "", "")
		req := buildJob
		req.SingletonID = "build-web"

		first, err := env.EnqueueJob(ctx, req)
		require.NoError(t, err)
		second, err := env.EnqueueJob(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("get unknown job", func(t *testing.T) {
		env := newTestEnv(t, "", "")
		_, err := env.GetJob(ctx, resource.NewID(resource.JobKind))
		assert.ErrorIs(t, err, internal.ErrResourceNotFound)
	})

	t.Run("get malformed id", func(t *testing.T) {
		env := newTestEnv(t, "", "")
		resp, err := http.Get(env.url + "/api/jobs/bogus")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("list", func(t *testing.T) {
		env := newTestEnv(t, "", "")
		r := env.registerRunner(t, runner.LocalKind)
		for range 3 {
			_, err := env.EnqueueJob(ctx, buildJob)
			require.NoError(t, err)
		}
		assigned, err := env.scheduler.RequestWork(ctx, r.ID)
		require.NoError(t, err)

		page, err := env.ListJobs(ctx, ListJobsOptions{})
		require.NoError(t, err)
		assert.Len(t, page.Items, 3)
		assert.Equal(t, 3, page.TotalCount)

		page, err = env.ListJobs(ctx, ListJobsOptions{States: []string{"WAITING"}})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, assigned.ID, page.Items[0].ID)

		page, err = env.ListJobs(ctx, ListJobsOptions{RunnerID: r.ID.String()})
		require.NoError(t, err)
		assert.Len(t, page.Items, 1)

		page, err = env.ListJobs(ctx, ListJobsOptions{
			PageOptions: resource.PageOptions{PageNumber: 2, PageSize: 2},
		})
		require.NoError(t, err)
		assert.Len(t, page.Items, 1)
		assert.Equal(t, 2, page.CurrentPage)

		_, err = env.ListJobs(ctx, ListJobsOptions{States: []string{"BOGUS"}})
		assert.ErrorIs(t, err, internal.ErrInvalidArgument)
	})

	t.Run("cancel queued job", func(t *testing.T) {
		env := newTestEnv(t, "", "")
		id, err := env.EnqueueJob(ctx, buildJob)
		require.NoError(t, err)

		got, err := env.CancelJob(ctx, id, false)
		require.NoError(t, err)
		assert.Equal(t, job.Error, got.State)
		assert.Equal(t, job.CanceledStatus(), got.Error)
	})

	t.Run("force cancel running job", func(t *testing.T) {
		env := newTestEnv(t, "", "")
		r := env.registerRunner(t, runner.LocalKind)
		id, err := env.EnqueueJob(ctx, buildJob)
		require.NoError(t, err)
		_, err = env.scheduler.RequestWork(ctx, r.ID)
		require.NoError(t, err)
		_, err = env.scheduler.Ack(ctx, id, r.ID)
		require.NoError(t, err)

		got, err := env.CancelJob(ctx, id, true)
		require.NoError(t, err)
		assert.Equal(t, job.Running, got.State)
		assert.True(t, got.ForceCancel)
		assert.NotNil(t, got.CancelTime)
	})
}

func TestAPI_ValidateJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "", "")

	t.Run("invalid", func(t *testing.T) {
		got, err := env.ValidateJob(ctx, EnqueueJobRequest{})
		require.NoError(t, err)
		assert.False(t, got.Valid)
		assert.NotEmpty(t, got.ValidationError)
	})

	t.Run("valid but no runner", func(t *testing.T) {
		got, err := env.ValidateJob(ctx, buildJob)
		require.NoError(t, err)
		assert.Equal(t, &ValidateJobResponse{Valid: true}, got)
	})

	t.Run("valid and assignable", func(t *testing.T) {
		env.registerRunner(t, runner.LocalKind)
		got, err := env.ValidateJob(ctx, buildJob)
		require.NoError(t, err)
		assert.Equal(t, &ValidateJobResponse{Valid: true, Assignable: true}, got)
	})
}

func TestAPI_StreamJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "", "")
	r := env.registerRunner(t, runner.LocalKind)
	id, err := env.EnqueueJob(ctx, buildJob)
	require.NoError(t, err)

	// run the job to completion before watching
	_, err = env.scheduler.RequestWork(ctx, r.ID)
	require.NoError(t, err)
	_, err = env.scheduler.Ack(ctx, id, r.ID)
	require.NoError(t, err)
	err = env.mux.Publish(id, stream.NewTerminalEvent(&stream.Output{
		Kind: stream.LineOutput,
		Line: &stream.Line{Msg: "building"},
	}))
	require.NoError(t, err)
	_, err = env.scheduler.Complete(ctx, id, r.ID, nil, nil)
	require.NoError(t, err)

	var kinds []stream.EventKind
	err = env.WatchJob(ctx, id, true, func(event stream.Event) error {
		kinds = append(kinds, event.Kind)
		if event.Kind == stream.TerminalEvent {
			assert.Equal(t, "building", event.Terminal.Line.Msg)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []stream.EventKind{stream.OpenEvent, stream.TerminalEvent, stream.CompleteEvent}, kinds)

	t.Run("unknown job", func(t *testing.T) {
		err := env.WatchJob(ctx, resource.NewID(resource.JobKind), false, func(stream.Event) error { return nil })
		assert.ErrorIs(t, err, internal.ErrResourceNotFound)
	})

	t.Run("finished job without buffered stream", func(t *testing.T) {
		// e.g. a jobqd process restarted, or another process finished
		// the job
		mux, err := stream.NewMultiplexer(logr.Discard(), stream.Options{})
		require.NoError(t, err)
		srv := httptest.NewServer(newRouter(logr.Discard(), ServerConfig{
			Handlers: []Handlers{NewAPI(APIOptions{
				Logger:  logr.Discard(),
				Jobs:    env.scheduler,
				Streams: mux,
			})},
		}))
		t.Cleanup(srv.Close)
		client, err := NewClient(ClientConfig{URL: srv.URL})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var events []stream.Event
		err = client.WatchJob(ctx, id, true, func(event stream.Event) error {
			events = append(events, event)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, stream.OpenEvent, events[0].Kind)
		assert.True(t, events[0].Open.ReplayIncomplete)
		assert.Equal(t, stream.CompleteEvent, events[1].Kind)
		assert.Equal(t, job.BuildOperation, events[1].Complete.Result.Kind)
	})
}

func TestAPI_WatchJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := newTestEnv(t, "", "")

	events := make(chan pubsub.Event[*job.Job], 100)
	done := make(chan error)
	go func() {
		done <- env.WatchJobs(ctx, func(event pubsub.Event[*job.Job]) error {
			events <- event
			return nil
		})
	}()

	// keep queuing jobs until the watcher has subscribed
	var got pubsub.Event[*job.Job]
	require.Eventually(t, func() bool {
		if _, err := env.EnqueueJob(context.Background(), buildJob); err != nil {
			return false
		}
		select {
		case got = <-events:
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, pubsub.CreatedEvent, got.Type)
	assert.Equal(t, job.Queued, got.Payload.State)
	assert.Equal(t, job.BuildOperation, got.Payload.Operation.Kind)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestAPI_Runners(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "", "")
	r := env.registerRunner(t, runner.RemoteKind)

	runners, err := env.ListRunners(ctx)
	require.NoError(t, err)
	require.Len(t, runners, 1)
	assert.Equal(t, runner.Pending, runners[0].Adoption)

	adopted, err := env.AdoptRunner(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, runner.Adopted, adopted.Adoption)

	rejected, err := env.RejectRunner(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, runner.Rejected, rejected.Adoption)

	_, err = env.AdoptRunner(ctx, resource.NewID(resource.RunnerKind))
	assert.ErrorIs(t, err, internal.ErrResourceNotFound)
}

func TestAPI_Token(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		env := newTestEnv(t, "secret", "secret")
		_, err := env.ListRunners(ctx)
		assert.NoError(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		env := newTestEnv(t, "secret", "guess")
		_, err := env.ListRunners(ctx)
		assert.ErrorIs(t, err, internal.ErrUnauthorized)
	})

	t.Run("metrics do not require token", func(t *testing.T) {
		env := newTestEnv(t, "secret", "")
		resp, err := http.Get(env.url + "/metrics")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestAPI_ETag(t *testing.T) {
	env := newTestEnv(t, "", "")
	id, err := env.EnqueueJob(context.Background(), buildJob)
	require.NoError(t, err)

	resp, err := http.Get(env.url + "/api/jobs/" + id.String())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequest("GET", env.url+"/api/jobs/"+id.String(), nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "", "")
	resp, err := http.Get(env.url + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
