// Package cli provides the CLI client, i.e. the `jobq` binary.
package cli

import (
	"context"
	"fmt"
	"io"

	cmdutil "github.com/leg100/jobq/cmd"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/http"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/pubsub"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/stream"
	"github.com/spf13/cobra"
)

type (
	// CLI is the `jobq` cli application
	CLI struct {
		client Client
	}

	// Client is the operator API consumed by the CLI.
	Client interface {
		EnqueueJob(ctx context.Context, opts http.EnqueueJobRequest) (resource.ID, error)
		ValidateJob(ctx context.Context, opts http.EnqueueJobRequest) (*http.ValidateJobResponse, error)
		GetJob(ctx context.Context, id resource.ID) (*job.Job, error)
		ListJobs(ctx context.Context, opts http.ListJobsOptions) (*resource.Page[*job.Job], error)
		CancelJob(ctx context.Context, id resource.ID, force bool) (*job.Job, error)
		WatchJob(ctx context.Context, id resource.ID, replay bool, fn func(stream.Event) error) error
		WatchJobs(ctx context.Context, fn func(pubsub.Event[*job.Job]) error) error
		ListRunners(ctx context.Context) ([]*runner.Runner, error)
		AdoptRunner(ctx context.Context, id resource.ID) (*runner.Runner, error)
		RejectRunner(ctx context.Context, id resource.ID) (*runner.Runner, error)
	}
)

func NewCLI() *CLI {
	return &CLI{}
}

func (a *CLI) Run(ctx context.Context, args []string, out io.Writer) error {
	var cfg http.ClientConfig

	cmd := &cobra.Command{
		Use:               "jobq",
		SilenceUsage:      true,
		SilenceErrors:     true,
		Version:           internal.Version,
		PersistentPreRunE: a.newClient(&cfg),
	}

	cmd.PersistentFlags().StringVar(&cfg.URL, "url", http.DefaultURL, "URL of jobqd server")
	cmd.PersistentFlags().StringVar(&cfg.Token, "token", "", "API authentication token")
	cmd.PersistentFlags().BoolVar(&cfg.RetryRequests, "retry", false, "Retry requests upon transient errors")

	cmd.SetArgs(args)
	cmd.SetOut(out)

	cmd.AddCommand(a.jobCommand())
	cmd.AddCommand(a.runnerCommand())

	if err := cmdutil.SetFlagsFromEnvVariables(cmd.PersistentFlags()); err != nil {
		return fmt.Errorf("failed to populate config from environment vars: %w", err)
	}

	return cmd.ExecuteContext(ctx)
}

func (a *CLI) newClient(cfg *http.ClientConfig) func(*cobra.Command, []string) error {
	return func(*cobra.Command, []string) error {
		if a.client != nil {
			// already constructed, e.g. by tests
			return nil
		}
		client, err := http.NewClient(*cfg)
		if err != nil {
			return err
		}
		a.client = client
		return nil
	}
}

// parseID parses the single ID argument of a command.
func parseID(args []string) (resource.ID, error) {
	id, err := resource.ParseID(args[0])
	if err != nil {
		return resource.ID{}, fmt.Errorf("invalid ID: %w", err)
	}
	return id, nil
}
