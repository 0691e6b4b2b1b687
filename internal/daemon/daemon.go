// Package daemon configures and starts the jobqd daemon and its subsystems.
package daemon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/agent"
	"github.com/leg100/jobq/internal/grpcapi"
	"github.com/leg100/jobq/internal/http"
	"github.com/leg100/jobq/internal/job"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/scheduler"
	"github.com/leg100/jobq/internal/session"
	"github.com/leg100/jobq/internal/sql"
	"github.com/leg100/jobq/internal/stream"
	"github.com/leg100/jobq/internal/supervisor"
	"golang.org/x/sync/errgroup"
)

type (
	Daemon struct {
		Config
		logr.Logger

		// DB is nil if jobs and runners are kept in memory.
		DB *sql.DB

		Scheduler  *scheduler.Scheduler
		Runners    *runner.Service
		Sessions   *session.Manager
		Supervisor *supervisor.Supervisor
		Mux        *stream.Multiplexer

		// ListenAddress is the listening address of the daemon's http server,
		// e.g. localhost:8080
		ListenAddress *net.TCPAddr
		// GRPCListenAddress is the listening address of the runner service.
		GRPCListenAddress *net.TCPAddr
	}
)

// New builds a new daemon. If a database is configured then it establishes a
// connection to the database and migrates it to the latest schema.
func New(ctx context.Context, logger logr.Logger, cfg Config) (*Daemon, error) {
	profiles, err := runner.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("loading runner profiles: %w", err)
	}
	if len(profiles) > 0 {
		logger.Info("loaded on-demand runner profiles", "total", len(profiles))
	}

	var (
		db   *sql.DB
		jobs job.Store
	)
	if cfg.Database != "" {
		db, err = sql.New(ctx, logger, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("creating database pool: %w", err)
		}
		jobs = job.NewPGStore(db)
	} else {
		logger.Info("no database configured: jobs and runners are kept in memory")
		jobs, err = job.NewMemStore()
		if err != nil {
			return nil, err
		}
	}

	runnerService := runner.NewService(runner.ServiceOptions{
		Logger:    logger,
		DB:        db,
		AutoAdopt: cfg.AutoAdopt,
	})
	mux, err := stream.NewMultiplexer(logger, stream.Options{
		BufferSize:           cfg.StreamBufferSize,
		SubscriberBufferSize: cfg.SubscriberBufferSize,
		FinishedCacheSize:    cfg.FinishedCacheSize,
		Jobs:                 jobs,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing stream multiplexer: %w", err)
	}

	schedulerOptions := scheduler.Options{
		Logger:               logger,
		Jobs:                 jobs,
		Runners:              runnerService,
		Profiles:             profiles,
		Mux:                  mux,
		MaxAssignAttempts:    cfg.MaxAssignAttempts,
		MaxProvisionAttempts: cfg.MaxProvisionAttempts,
		ProvisionTimeout:     cfg.ProvisionTimeout,
	}
	if db != nil {
		// relay wake-ups to runners connected to other jobqd processes
		schedulerOptions.Relay = db
	}
	sched := scheduler.New(schedulerOptions)

	sessions := session.NewManager(session.Options{
		Logger:              logger,
		Scheduler:           sched,
		Registry:            runnerService,
		Mux:                 mux,
		AckTimeout:          cfg.AckTimeout,
		ReattachGracePeriod: cfg.ReattachGracePeriod,
	})

	supervisorOptions := supervisor.Options{
		Logger:              logger,
		Scheduler:           sched,
		Sessions:            sessions,
		SweepInterval:       cfg.ExpirySweepInterval,
		CancelGracePeriod:   cfg.CancelGracePeriod,
		ReattachGracePeriod: cfg.ReattachGracePeriod,
	}
	if db != nil {
		// relay cancelations to sessions held by other jobqd processes
		supervisorOptions.Relay = db
	}

	return &Daemon{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Scheduler:  sched,
		Runners:    runnerService,
		Sessions:   sessions,
		Supervisor: supervisor.New(supervisorOptions),
		Mux:        mux,
	}, nil
}

// Start the jobqd daemon and block until ctx is cancelled or an error is
// returned. The started channel is closed once the daemon has started.
func (d *Daemon) Start(ctx context.Context, started chan struct{}) error {
	// Cancel context the first time a func started with g.Go() fails
	g, ctx := errgroup.WithContext(ctx)

	// close all db connections upon exit
	if d.DB != nil {
		defer d.DB.Close()
	}

	// Construct web server and start listening on port
	server, err := http.NewServer(d.Logger, http.ServerConfig{
		SSL:                  d.SSL,
		CertFile:             d.CertFile,
		KeyFile:              d.KeyFile,
		EnableRequestLogging: d.EnableRequestLogging,
		Token:                d.Token,
		Handlers: []http.Handlers{
			http.NewAPI(http.APIOptions{
				Logger:   d.Logger,
				Jobs:     d.Scheduler,
				Canceler: d.Supervisor,
				Runners:  d.Runners,
				Streams:  d.Mux,
			}),
		},
	})
	if err != nil {
		return fmt.Errorf("setting up http server: %w", err)
	}
	ln, err := net.Listen("tcp", d.Address)
	if err != nil {
		return err
	}
	defer ln.Close()
	d.ListenAddress = ln.Addr().(*net.TCPAddr)

	grpcOptions := grpcapi.ServerOptions{
		Logger:        d.Logger,
		Registry:      d.Runners,
		Sessions:      d.Sessions,
		Token:         d.Token,
		KeepaliveTime: d.GRPCKeepaliveTime,
	}
	if d.SSL {
		grpcOptions.CertFile, grpcOptions.KeyFile = d.CertFile, d.KeyFile
	}
	grpcServer, err := grpcapi.NewServer(grpcOptions)
	if err != nil {
		return fmt.Errorf("setting up grpc server: %w", err)
	}
	grpcLn, err := net.Listen("tcp", d.GRPCAddress)
	if err != nil {
		return err
	}
	defer grpcLn.Close()
	d.GRPCListenAddress = grpcLn.Addr().(*net.TCPAddr)

	d.Info("listening", "http", d.ListenAddress, "grpc", d.GRPCListenAddress)

	// Start subsystems. Subsystems are started in order.
	subsystems := []*Subsystem{
		{
			Name:   "supervisor",
			Logger: d.Logger,
			System: d.Supervisor,
		},
		{
			Name:   "job-deleter",
			Logger: d.Logger,
			System: &resource.Deleter[*job.Job]{
				Logger:                d.Logger.WithValues("component", "job-deleter"),
				OverrideCheckInterval: d.OverrideDeleterInterval,
				Client:                d.Scheduler,
				AgeThreshold:          d.DeleteJobsAfter,
			},
		},
		{
			// complete streams of jobs finished by other processes or
			// before a restart
			Name:   "stream-reconciler",
			Logger: d.Logger,
			System: d.Mux,
		},
	}
	if d.DB != nil {
		// only one supervisor and one deleter run across a cluster
		subsystems[0].DB, subsystems[0].LockID = d.DB, internal.Ptr(sql.SupervisorLockID)
		subsystems[1].DB, subsystems[1].LockID = d.DB, internal.Ptr(sql.DeleterLockID)

		subsystems = append(subsystems,
			&Subsystem{
				Name:   "wake-relay",
				Logger: d.Logger,
				System: StartFunc(func(ctx context.Context) error {
					return d.Scheduler.StartRelay(ctx, d.DB)
				}),
			},
			&Subsystem{
				Name:   "cancel-relay",
				Logger: d.Logger,
				System: StartFunc(func(ctx context.Context) error {
					return d.Supervisor.StartRelay(ctx, d.DB)
				}),
			},
		)
	}
	if !d.DisableRunner {
		localRunner, err := d.newLocalRunner()
		if err != nil {
			return fmt.Errorf("setting up local runner: %w", err)
		}
		subsystems = append(subsystems, &Subsystem{
			Name:   "local-runner",
			Logger: d.Logger,
			System: localRunner,
		})
	}
	for _, ss := range subsystems {
		if err := ss.Start(ctx, g); err != nil {
			return err
		}
	}

	// Run runner service
	g.Go(func() error {
		if err := grpcServer.Start(ctx, grpcLn); err != nil {
			return fmt.Errorf("grpc server terminated: %w", err)
		}
		return nil
	})

	// Run HTTP/JSON-API server
	g.Go(func() error {
		if err := server.Start(ctx, ln); err != nil {
			return fmt.Errorf("http server terminated: %w", err)
		}
		return nil
	})

	// Inform the caller the daemon has started
	close(started)

	// Block until error or Ctrl-C received.
	return g.Wait()
}

// newLocalRunner constructs the runner embedded in the daemon, which connects
// to the daemon's own runner service.
func (d *Daemon) newLocalRunner() (*agent.Agent, error) {
	cfg := agent.Config{}
	if d.LocalRunner != nil {
		cfg = *d.LocalRunner
	}
	cfg.Kind = string(runner.LocalKind)
	cfg.Address = fmt.Sprintf("localhost:%d", d.GRPCListenAddress.Port)
	cfg.Token = d.Token
	if d.SSL {
		// the certificate need not name localhost
		cfg.TLS, cfg.SkipTLSVerification = true, true
	}
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	client, err := grpcapi.NewClient(cfg.Address, grpcapi.ClientOptions{
		Token:         cfg.Token,
		TLS:           tlsConfig,
		KeepaliveTime: time.Minute,
	})
	if err != nil {
		return nil, err
	}
	return agent.New(d.Logger.WithValues("component", "runner"), client, cfg), nil
}
