package main

import (
	"context"
	"fmt"
	"io"
	"os"

	cmdutil "github.com/leg100/jobq/cmd"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/daemon"
	"github.com/leg100/jobq/internal/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	// Configure ^C to terminate program
	ctx, cancel := cmdutil.CatchCtrlC(context.Background())
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		cmdutil.PrintError(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var (
		loggerConfig logr.Config
		cfg          = daemon.NewConfig()
	)

	cmd := &cobra.Command{
		Use:           "jobqd",
		Short:         "jobq daemon",
		Long:          "jobqd queues jobs and assigns them to runners.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       internal.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logr.New(loggerConfig)
			if err != nil {
				return err
			}
			d, err := daemon.New(cmd.Context(), logger, cfg)
			if err != nil {
				return err
			}
			// blocks until ^C received
			return d.Start(cmd.Context(), make(chan struct{}))
		},
	}
	cmd.SetOut(out)
	cmd.SetArgs(args)

	registerFlags(cmd.Flags(), &cfg)
	logr.RegisterFlags(cmd.Flags(), &loggerConfig)

	if err := cmdutil.LoadDotEnv(); err != nil {
		return err
	}
	if err := cmdutil.SetFlagsFromEnvVariables(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to populate config from environment vars: %w", err)
	}

	return cmd.ExecuteContext(ctx)
}

func registerFlags(flags *pflag.FlagSet, cfg *daemon.Config) {
	flags.StringVar(&cfg.Database, "database", "", "Postgres connection string. If unset, jobs and runners are kept in memory.")
	flags.StringVar(&cfg.Address, "address", cfg.Address, "Listening address of the operator API")
	flags.StringVar(&cfg.GRPCAddress, "grpc-address", cfg.GRPCAddress, "Listening address of the runner service")
	flags.DurationVar(&cfg.GRPCKeepaliveTime, "grpc-keepalive-time", 0, "Interval after which an idle runner connection is pinged. Zero uses the default.")
	flags.StringVar(&cfg.Token, "token", "", "Bearer token required by the operator API and the runner service")
	flags.BoolVar(&cfg.SSL, "ssl", false, "Toggle SSL")
	flags.StringVar(&cfg.CertFile, "cert-file", "", "Path to SSL certificate (required if enabling SSL)")
	flags.StringVar(&cfg.KeyFile, "key-file", "", "Path to SSL key (required if enabling SSL)")
	flags.BoolVar(&cfg.EnableRequestLogging, "log-http-requests", false, "Log HTTP requests")

	flags.StringVar(&cfg.ProfilesPath, "runner-profiles", "", "Path to YAML file of on-demand runner profiles")
	flags.BoolVar(&cfg.AutoAdopt, "auto-adopt", false, "Adopt newly registered remote runners without operator approval")
	flags.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "Time a runner is given to acknowledge an assigned job")
	flags.DurationVar(&cfg.ProvisionTimeout, "provision-timeout", cfg.ProvisionTimeout, "Time an on-demand runner is given to request work after it is launched")
	flags.IntVar(&cfg.MaxAssignAttempts, "max-assign-attempts", cfg.MaxAssignAttempts, "Number of times a job is assigned before it is errored")
	flags.IntVar(&cfg.MaxProvisionAttempts, "max-provision-attempts", cfg.MaxProvisionAttempts, "Number of times an on-demand runner is launched for a job before it is errored")
	flags.DurationVar(&cfg.CancelGracePeriod, "cancel-grace-period", cfg.CancelGracePeriod, "Time a runner is given to honour a cancelation before it is forced")
	flags.DurationVar(&cfg.ReattachGracePeriod, "reattach-grace-period", cfg.ReattachGracePeriod, "Time a runner that lost its connection is given to reattach to its running job before the job is failed")
	flags.DurationVar(&cfg.ExpirySweepInterval, "expiry-sweep-interval", cfg.ExpirySweepInterval, "Interval between sweeps for expired jobs")

	flags.IntVar(&cfg.StreamBufferSize, "stream-buffer-size", cfg.StreamBufferSize, "Number of events buffered per job stream for replay")
	flags.IntVar(&cfg.SubscriberBufferSize, "subscriber-buffer-size", cfg.SubscriberBufferSize, "Number of events buffered per subscriber before it is dropped")
	flags.IntVar(&cfg.FinishedCacheSize, "finished-cache-size", cfg.FinishedCacheSize, "Number of finished job streams retained for replay")
	flags.DurationVar(&cfg.DeleteJobsAfter, "delete-jobs-after", 0, "Delete finished jobs older than this age. Zero disables deletion.")

	flags.BoolVar(&cfg.DisableRunner, "disable-runner", false, "Disable the runner embedded in the daemon")
	flags.StringVar(&cfg.LocalRunner.Name, "runner-name", "local", "Name of the embedded runner")
	flags.IntVar(&cfg.LocalRunner.Concurrency, "runner-concurrency", 1, "Number of jobs the embedded runner carries out concurrently")
	flags.StringToStringVar(&cfg.LocalRunner.Labels, "runner-label", nil, "Label advertised by the embedded runner, e.g. region=eu. Repeatable.")
}
