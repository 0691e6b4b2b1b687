package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/schema"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/pubsub"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/stream"
)

// DefaultURL is the default address of the jobqd API.
const DefaultURL = "http://localhost:8080"

// Encoder encodes query parameters.
var Encoder = schema.NewEncoder()

type (
	// Client is a client of the jobqd operator API.
	Client struct {
		baseURL *url.URL
		token   string
		headers http.Header
		http    *retryablehttp.Client
	}

	// ClientConfig provides configuration details to the API client.
	ClientConfig struct {
		// The URL of the jobqd API.
		URL string
		// API token, if the server requires one.
		Token string
		// Headers that will be added to every request.
		Headers http.Header
		// Toggle retrying requests upon encountering transient errors.
		RetryRequests bool
		// Override default http transport
		Transport http.RoundTripper
		// Logger for logging an error upon retry
		Logger logr.Logger
	}
)

func NewClient(config ClientConfig) (*Client, error) {
	// set defaults
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.Headers == nil {
		config.Headers = make(http.Header)
	}
	if config.Transport == nil {
		config.Transport = DefaultTransport
		if SkipTLSVerification {
			config.Transport = InsecureTransport
		}
	}
	config.Headers.Set("User-Agent", "jobq")

	baseURL, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid server url: %q: must include scheme and host", config.URL)
	}
	baseURL.Path = strings.TrimSuffix(baseURL.Path, "/") + APIPrefix + "/"

	client := &Client{
		baseURL: baseURL,
		token:   config.Token,
		headers: config.Headers,
	}
	client.http = &retryablehttp.Client{
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
		HTTPClient:   &http.Client{Transport: config.Transport},
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 30 * time.Second,
		RetryMax:     30,
	}
	if config.RetryRequests {
		// enable retries
		client.http.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
			retry, retryErr := retryablehttp.ErrorPropagatedRetryPolicy(ctx, resp, err)
			if retry {
				// The ErrorPropagatedRetryPolicy sometimes returns an error
				// explaining why it has decided to retry and if so then
				// report this error rather than the original error.
				if retryErr != nil {
					err = retryErr
				}
				// The http response is nil when there is a problem with the
				// request and there is no response, e.g. socket timeout.
				if resp != nil && resp.Request != nil {
					config.Logger.Error(err, "retrying request", "url", resp.Request.URL, "status", resp.StatusCode)
				} else {
					config.Logger.Error(err, "retrying request")
				}
			}
			return retry, retryErr
		}
	} else {
		// disable retries
		client.http.CheckRetry = func(_ context.Context, _ *http.Response, err error) (bool, error) {
			return false, err
		}
	}
	return client, nil
}

// Hostname returns the server host:port.
func (c *Client) Hostname() string {
	return c.baseURL.Host
}

// NewRequest creates an API request. The path is relative to the API
// prefix. If v is supplied then for a GET request it is encoded as query
// parameters, and otherwise it is JSON encoded as the request body.
func (c *Client) NewRequest(method, path string, v any) (*retryablehttp.Request, error) {
	u, err := c.baseURL.Parse(path)
	if err != nil {
		return nil, err
	}

	var body any
	if v != nil {
		if method == http.MethodGet {
			q := url.Values{}
			if err := Encoder.Encode(v, q); err != nil {
				return nil, err
			}
			u.RawQuery = q.Encode()
		} else {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(b)
		}
	}

	req, err := retryablehttp.NewRequest(method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Do sends an API request and decodes the JSON response into v. If v is
// nil the response body is discarded.
//
// The provided ctx must be non-nil. If it is canceled or times out, ctx.Err()
// will be returned.
func (c *Client) Do(ctx context.Context, req *retryablehttp.Request, v any) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("unmarshalling response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, req *retryablehttp.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := c.http.Do(req)
	if err != nil {
		// If we got an error, and the context has been canceled,
		// the context's error is probably more useful.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, err
		}
	}
	if err := checkResponseCode(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) EnqueueJob(ctx context.Context, opts EnqueueJobRequest) (resource.ID, error) {
	req, err := c.NewRequest("POST", "jobs", &opts)
	if err != nil {
		return resource.EmptyID, err
	}
	var resp EnqueueJobResponse
	if err := c.Do(ctx, req, &resp); err != nil {
		return resource.EmptyID, err
	}
	return resp.ID, nil
}

func (c *Client) ValidateJob(ctx context.Context, opts EnqueueJobRequest) (*ValidateJobResponse, error) {
	req, err := c.NewRequest("POST", "jobs/validate", &opts)
	if err != nil {
		return nil, err
	}
	var resp ValidateJobResponse
	if err := c.Do(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetJob(ctx context.Context, id resource.ID) (*job.Job, error) {
	req, err := c.NewRequest("GET", "jobs/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	var j job.Job
	if err := c.Do(ctx, req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) (*resource.Page[*job.Job], error) {
	req, err := c.NewRequest("GET", "jobs", &opts)
	if err != nil {
		return nil, err
	}
	var page resource.Page[*job.Job]
	if err := c.Do(ctx, req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) CancelJob(ctx context.Context, id resource.ID, force bool) (*job.Job, error) {
	path := fmt.Sprintf("jobs/%s/cancel", id)
	if force {
		path += "?force=true"
	}
	req, err := c.NewRequest("POST", path, nil)
	if err != nil {
		return nil, err
	}
	var j job.Job
	if err := c.Do(ctx, req, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// WatchJob streams the events of a job, calling fn for each event until the
// job completes, fn returns an error, or ctx is done. If replay is true,
// buffered events are replayed first.
func (c *Client) WatchJob(ctx context.Context, id resource.ID, replay bool, fn func(stream.Event) error) error {
	path := fmt.Sprintf("jobs/%s/stream", id)
	if replay {
		path += "?replay=true"
	}
	req, err := c.NewRequest("GET", path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := NewSSEReader(resp.Body)
	for {
		sse, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading job stream: %w", err)
		}
		var event stream.Event
		if err := json.Unmarshal(sse.Data, &event); err != nil {
			return fmt.Errorf("decoding job event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// WatchJobs calls fn with every job created or updated, until fn returns an
// error or ctx is done.
func (c *Client) WatchJobs(ctx context.Context, fn func(pubsub.Event[*job.Job]) error) error {
	req, err := c.NewRequest("GET", "jobs/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := NewSSEReader(resp.Body)
	for {
		sse, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading job events: %w", err)
		}
		var j job.Job
		if err := json.Unmarshal(sse.Data, &j); err != nil {
			return fmt.Errorf("decoding job: %w", err)
		}
		if err := fn(pubsub.Event[*job.Job]{Type: pubsub.EventType(sse.Event), Payload: &j}); err != nil {
			return err
		}
	}
}

func (c *Client) ListRunners(ctx context.Context) ([]*runner.Runner, error) {
	req, err := c.NewRequest("GET", "runners", nil)
	if err != nil {
		return nil, err
	}
	var runners []*runner.Runner
	if err := c.Do(ctx, req, &runners); err != nil {
		return nil, err
	}
	return runners, nil
}

func (c *Client) AdoptRunner(ctx context.Context, id resource.ID) (*runner.Runner, error) {
	return c.setAdoption(ctx, id, "adopt")
}

func (c *Client) RejectRunner(ctx context.Context, id resource.ID) (*runner.Runner, error) {
	return c.setAdoption(ctx, id, "reject")
}

func (c *Client) setAdoption(ctx context.Context, id resource.ID, action string) (*runner.Runner, error) {
	req, err := c.NewRequest("POST", fmt.Sprintf("runners/%s/%s", id, action), nil)
	if err != nil {
		return nil, err
	}
	var r runner.Runner
	if err := c.Do(ctx, req, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// checkResponseCode maps an unsuccessful response to an error, preserving
// the sentinel error the server reported.
func checkResponseCode(r *http.Response) error {
	if r.StatusCode >= 200 && r.StatusCode <= 299 {
		return nil
	}
	var payload errorResponse
	detail := r.Status
	if err := json.NewDecoder(r.Body).Decode(&payload); err == nil && payload.Detail != "" {
		detail = payload.Detail
	}
	switch r.StatusCode {
	case http.StatusUnauthorized:
		return internal.ErrUnauthorized
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", internal.ErrAccessNotPermitted, detail)
	case http.StatusNotFound:
		return internal.ErrResourceNotFound
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", internal.ErrConflict, detail)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		detail = strings.TrimPrefix(detail, internal.ErrInvalidArgument.Error()+": ")
		return fmt.Errorf("%w: %s", internal.ErrInvalidArgument, detail)
	}
	return errors.New(detail)
}
