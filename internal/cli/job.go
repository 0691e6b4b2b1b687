package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/leg100/jobq/internal/http"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/pubsub"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/stream"
	"github.com/spf13/cobra"
)

// jobRequestFlags are the flags from which a request to queue or validate a
// job is constructed.
type jobRequestFlags struct {
	id                    string
	singletonID           string
	dependsOn             []string
	dependsOnAllowFailure []string
	targetRunner          string
	targetLabels          map[string]string
	profile               string
	operation             string
	payload               string
	labels                map[string]string
	configSources         []string
	expiresIn             string
}

func (f *jobRequestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "ID for the new job. Generated if unset.")
	cmd.Flags().StringVar(&f.singletonID, "singleton-id", "", "At most one unfinished job may exist with this ID.")
	cmd.Flags().StringSliceVar(&f.dependsOn, "depends-on", nil, "ID of a job that must succeed before this job is assigned.")
	cmd.Flags().StringSliceVar(&f.dependsOnAllowFailure, "depends-on-allow-failure", nil, "ID of a job that must finish, successfully or not, before this job is assigned.")
	cmd.Flags().StringVar(&f.targetRunner, "target-runner", "", "ID of the runner that must carry out the job.")
	cmd.Flags().StringToStringVar(&f.targetLabels, "target-label", nil, "Label a runner must carry to be assigned the job, in the form key=value.")
	cmd.Flags().StringVar(&f.profile, "on-demand-profile", "", "Profile from which to provision a runner for the job.")
	cmd.Flags().StringVar(&f.operation, "operation", string(job.ExecOperation), "Kind of operation.")
	cmd.Flags().StringVar(&f.payload, "payload", "", "JSON payload of the operation.")
	cmd.Flags().StringToStringVar(&f.labels, "label", nil, "Label to attach to the job, in the form key=value.")
	cmd.Flags().StringArrayVar(&f.configSources, "config-source", nil, "Config source, in the form type=json.")
	cmd.Flags().StringVar(&f.expiresIn, "expires-in", "", "Duration after which the job expires if not yet assigned, e.g. 10m.")
}

// request constructs the request from the flags. Any args are the command
// line of an exec operation.
func (f *jobRequestFlags) request(args []string) (http.EnqueueJobRequest, error) {
	req := http.EnqueueJobRequest{
		SingletonID:           f.singletonID,
		OnDemandRunnerProfile: f.profile,
		Operation:             job.Operation{Kind: job.OperationKind(f.operation)},
		Labels:                f.labels,
		ExpiresIn:             f.expiresIn,
	}
	if f.id != "" {
		id, err := resource.ParseID(f.id)
		if err != nil {
			return req, fmt.Errorf("invalid job ID: %w", err)
		}
		req.ID = &id
	}
	var err error
	if req.DependsOn, err = resource.ParseIDs(f.dependsOn); err != nil {
		return req, fmt.Errorf("invalid dependency: %w", err)
	}
	if req.DependsOnAllowFailure, err = resource.ParseIDs(f.dependsOnAllowFailure); err != nil {
		return req, fmt.Errorf("invalid dependency: %w", err)
	}
	// jobs that may fail are dependencies too
	for _, id := range req.DependsOnAllowFailure {
		if !slices.Contains(req.DependsOn, id) {
			req.DependsOn = append(req.DependsOn, id)
		}
	}

	switch {
	case f.targetRunner != "" && len(f.targetLabels) > 0:
		return req, errors.New("cannot target both a runner and labels")
	case f.targetRunner != "":
		id, err := resource.ParseID(f.targetRunner)
		if err != nil {
			return req, fmt.Errorf("invalid runner ID: %w", err)
		}
		req.Target = job.Target{Kind: job.TargetRunner, RunnerID: &id}
	case len(f.targetLabels) > 0:
		req.Target = job.Target{Kind: job.TargetLabels, Labels: f.targetLabels}
	default:
		req.Target = job.Target{Kind: job.TargetAny}
	}

	for _, src := range f.configSources {
		typ, cfg, _ := strings.Cut(src, "=")
		source := job.ConfigSource{Type: typ}
		if cfg != "" {
			if !json.Valid([]byte(cfg)) {
				return req, fmt.Errorf("config source %s: invalid json", typ)
			}
			source.Config = json.RawMessage(cfg)
		}
		req.ConfigSources = append(req.ConfigSources, source)
	}

	switch {
	case f.payload != "" && len(args) > 0:
		return req, errors.New("cannot specify both a payload and a command")
	case f.payload != "":
		if !json.Valid([]byte(f.payload)) {
			return req, errors.New("payload is not valid json")
		}
		req.Operation.Payload = json.RawMessage(f.payload)
	case len(args) > 0:
		payload, err := json.Marshal(struct {
			Args []string `json:"args"`
		}{Args: args})
		if err != nil {
			return req, err
		}
		req.Operation.Payload = payload
	}
	return req, nil
}

func (a *CLI) jobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Job management",
	}

	cmd.AddCommand(a.jobQueueCommand())
	cmd.AddCommand(a.jobValidateCommand())
	cmd.AddCommand(a.jobGetCommand())
	cmd.AddCommand(a.jobListCommand())
	cmd.AddCommand(a.jobCancelCommand())
	cmd.AddCommand(a.jobWatchCommand())
	cmd.AddCommand(a.jobEventsCommand())

	return cmd
}

func (a *CLI) jobQueueCommand() *cobra.Command {
	var (
		flags jobRequestFlags
		watch bool
	)
	cmd := &cobra.Command{
		Use:           "queue [-- command args...]",
		Short:         "Queue a job",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args)
			if err != nil {
				return err
			}
			id, err := a.client.EnqueueJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued job: %s\n", id)
			if watch {
				return a.watch(cmd, id, true)
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&watch, "watch", false, "Watch the job's output until it finishes.")

	return cmd
}

func (a *CLI) jobValidateCommand() *cobra.Command {
	var flags jobRequestFlags
	cmd := &cobra.Command{
		Use:           "validate [-- command args...]",
		Short:         "Validate a job without queuing it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args)
			if err != nil {
				return err
			}
			resp, err := a.client.ValidateJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !resp.Valid {
				fmt.Fprintf(out, "Invalid job: %s\n", resp.ValidationError)
				return nil
			}
			if !resp.Assignable {
				fmt.Fprintln(out, "Valid job, but no known runner can carry it out")
				return nil
			}
			fmt.Fprintln(out, "Valid job")
			return nil
		},
	}
	flags.register(cmd)

	return cmd
}

func (a *CLI) jobGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "get [id]",
		Short:         "Show job",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args)
			if err != nil {
				return err
			}
			j, err := a.client.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(j, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func (a *CLI) jobListCommand() *cobra.Command {
	var opts http.ListJobsOptions
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOPERATION\tSTATE\tRUNNER\tQUEUED")
			for {
				page, err := a.client.ListJobs(cmd.Context(), opts)
				if err != nil {
					return err
				}
				for _, j := range page.Items {
					var runnerID string
					if j.RunnerID != nil {
						runnerID = j.RunnerID.String()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Operation.Kind, j.State, runnerID, j.QueueTime.Format("2006-01-02 15:04:05"))
				}
				if page.Pagination == nil || page.NextPage == nil {
					break
				}
				opts.PageNumber = *page.NextPage
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&opts.States, "state", nil, "Only list jobs in the given states.")
	cmd.Flags().StringVar(&opts.SingletonID, "singleton-id", "", "Only list jobs with the given singleton ID.")
	cmd.Flags().StringVar(&opts.RunnerID, "runner", "", "Only list jobs assigned to the given runner.")

	return cmd
}

func (a *CLI) jobCancelCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:           "cancel [id]",
		Short:         "Cancel job",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args)
			if err != nil {
				return err
			}
			j, err := a.client.CancelJob(cmd.Context(), id, force)
			if err != nil {
				return err
			}
			switch j.State {
			case job.Success, job.Error:
				fmt.Fprintf(cmd.OutOrStdout(), "Canceled job: %s\n", j.ID)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Sent cancelation signal to job: %s\n", j.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Force the runner to stop the job immediately.")

	return cmd
}

func (a *CLI) jobWatchCommand() *cobra.Command {
	var replay bool
	cmd := &cobra.Command{
		Use:           "watch [id]",
		Short:         "Watch job output",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args)
			if err != nil {
				return err
			}
			return a.watch(cmd, id, replay)
		},
	}
	cmd.Flags().BoolVar(&replay, "replay", true, "Replay output emitted before watching began.")

	return cmd
}

func (a *CLI) jobEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "events",
		Short:         "Follow the creation and state changes of all jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return a.client.WatchJobs(cmd.Context(), func(event pubsub.Event[*job.Job]) error {
				j := event.Payload
				fmt.Fprintf(out, "%s %s %s %s\n", event.Type, j.ID, j.Operation.Kind, j.State)
				return nil
			})
		},
	}
}

// watch prints a job's events until it finishes. An error is returned if
// the job fails.
func (a *CLI) watch(cmd *cobra.Command, id resource.ID, replay bool) error {
	var failure *job.Status
	err := a.client.WatchJob(cmd.Context(), id, replay, func(event stream.Event) error {
		if event.Kind == stream.CompleteEvent && event.Complete != nil {
			failure = event.Complete.Error
		}
		printEvent(cmd.OutOrStdout(), cmd.ErrOrStderr(), event)
		return nil
	})
	if err != nil {
		return err
	}
	if failure != nil {
		return failure
	}
	return nil
}

func printEvent(stdout, stderr io.Writer, event stream.Event) {
	switch event.Kind {
	case stream.OpenEvent:
		if event.Open.ReplayIncomplete {
			fmt.Fprintln(stderr, "(earlier output discarded)")
		}
	case stream.StateChangeEvent:
		fmt.Fprintf(stderr, "job %s\n", strings.ToLower(string(event.StateChange.Current)))
	case stream.DownloadEvent:
		fmt.Fprintf(stderr, "config %s: %s\n", event.Download.Source, event.Download.Message)
	case stream.TerminalEvent:
		printOutput(stdout, stderr, event.Terminal)
	case stream.ErrorEvent:
		fmt.Fprintf(stderr, "error: %s\n", event.Error.Message)
	}
}

func printOutput(stdout, stderr io.Writer, out *stream.Output) {
	switch out.Kind {
	case stream.RawOutput:
		if out.Raw.Stderr {
			stderr.Write(out.Raw.Data)
		} else {
			stdout.Write(out.Raw.Data)
		}
	case stream.LineOutput:
		fmt.Fprintln(stdout, out.Line.Msg)
	case stream.NamedValuesOutput:
		for _, nv := range out.NamedValues {
			fmt.Fprintf(stdout, "%s: %s\n", nv.Name, nv.Value)
		}
	case stream.TableOutput:
		w := tabwriter.NewWriter(stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, strings.Join(out.Table.Headers, "\t"))
		for _, row := range out.Table.Rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		w.Flush()
	case stream.StepOutput:
		if out.Step.Msg != "" {
			fmt.Fprintln(stdout, out.Step.Msg)
		}
	}
}
