package main

import (
	"context"
	"fmt"
	"os"
	"time"

	cmdutil "github.com/leg100/jobq/cmd"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/agent"
	"github.com/leg100/jobq/internal/grpcapi"
	"github.com/leg100/jobq/internal/logr"
	"github.com/spf13/cobra"
)

func main() {
	// Configure ^C to terminate program
	ctx, cancel := cmdutil.CatchCtrlC(context.Background())
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		cmdutil.PrintError(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var (
		loggerConfig  logr.Config
		agentConfig   *agent.Config
		keepaliveTime time.Duration
	)

	cmd := &cobra.Command{
		Use:           "jobq-runner",
		Short:         "jobq runner",
		Long:          "jobq-runner requests jobs from jobqd and carries them out.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       internal.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logr.New(loggerConfig)
			if err != nil {
				return err
			}
			tlsConfig, err := agentConfig.TLSConfig()
			if err != nil {
				return err
			}
			client, err := grpcapi.NewClient(agentConfig.Address, grpcapi.ClientOptions{
				Token:         agentConfig.Token,
				TLS:           tlsConfig,
				KeepaliveTime: keepaliveTime,
			})
			if err != nil {
				return fmt.Errorf("connecting to runner service: %w", err)
			}
			defer client.Close()

			// blocks until ^C received
			return agent.New(logger, client, *agentConfig).Start(cmd.Context())
		},
	}
	cmd.SetArgs(args)

	cmd.Flags().DurationVar(&keepaliveTime, "keepalive-time", time.Minute, "Interval at which the connection to the runner service is pinged.")
	logr.RegisterFlags(cmd.Flags(), &loggerConfig)
	agentConfig = agent.NewConfigFromFlags(cmd.Flags())

	if err := cmdutil.LoadDotEnv(); err != nil {
		return err
	}
	if err := cmdutil.SetFlagsFromEnvVariables(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to populate config from environment vars: %w", err)
	}

	return cmd.ExecuteContext(ctx)
}
