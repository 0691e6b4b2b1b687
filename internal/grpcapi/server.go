// Package grpcapi exposes the runner service over gRPC: runners register
// and then open job streams over which they are assigned jobs.
package grpcapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	grpc_auth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	grpc_logging "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/logr"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/session"
	"github.com/leg100/jobq/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// DefaultShutdownGracePeriod is the time given to open streams to finish
// before the server is forcibly stopped.
const DefaultShutdownGracePeriod = 10 * time.Second

var srvMetrics = grpc_prometheus.NewServerMetrics(
	grpc_prometheus.WithServerHandlingTimeHistogram(
		grpc_prometheus.WithHistogramBuckets([]float64{0.001, 0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9, 20, 30, 60}),
	),
)

func init() {
	prometheus.MustRegister(srvMetrics)
}

type (
	// Server implements the runner service.
	Server struct {
		logr.Logger

		registry runner.Registry
		sessions SessionHandler
	}

	// SessionHandler runs a runner session over a job stream.
	SessionHandler interface {
		Handle(ctx context.Context, s session.Stream) error
	}

	ServerOptions struct {
		Logger   logr.Logger
		Registry runner.Registry
		Sessions SessionHandler
		// Token, if non-empty, is the bearer token runners must present.
		Token string
		// CertFile and KeyFile, if both non-empty, are the paths to the
		// certificate and key with which the server serves TLS.
		CertFile, KeyFile string
		// ShutdownGracePeriod is the time given to open streams to finish
		// upon shutdown.
		ShutdownGracePeriod time.Duration
		// KeepaliveTime is the interval at which the server pings idle
		// runners. Zero uses the grpc default.
		KeepaliveTime time.Duration
	}

	// GRPCServer wraps a grpc server carrying the runner service.
	GRPCServer struct {
		*grpc.Server
		logr.Logger

		gracePeriod time.Duration
	}
)

// NewServer constructs a grpc server carrying the runner service, with
// interceptors for metrics, authentication, logging and panic recovery.
func NewServer(opts ServerOptions) (*GRPCServer, error) {
	logger := opts.Logger.WithValues("component", "grpc")
	if opts.ShutdownGracePeriod == 0 {
		opts.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}
	authFunc := tokenAuthFunc(opts.Token)
	loggerOpts := []grpc_logging.Option{
		grpc_logging.WithLogOnEvents(grpc_logging.StartCall, grpc_logging.FinishCall),
	}
	recoveryOpt := grpc_recovery.WithRecoveryHandler(panicRecoveryHandler(logger))

	serverOpts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: opts.KeepaliveTime}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			srvMetrics.UnaryServerInterceptor(),
			grpc_auth.UnaryServerInterceptor(authFunc),
			grpc_logging.UnaryServerInterceptor(InterceptorLogger(logger), loggerOpts...),
			grpc_recovery.UnaryServerInterceptor(recoveryOpt),
		),
		grpc.ChainStreamInterceptor(
			srvMetrics.StreamServerInterceptor(),
			grpc_auth.StreamServerInterceptor(authFunc),
			grpc_logging.StreamServerInterceptor(InterceptorLogger(logger), loggerOpts...),
			grpc_recovery.StreamServerInterceptor(recoveryOpt),
		),
	}
	if opts.CertFile != "" && opts.KeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tls certificate: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	} else if opts.CertFile != "" || opts.KeyFile != "" {
		return nil, errors.New("must provide both tls certificate and key files")
	}
	srv := grpc.NewServer(serverOpts...)
	RegisterRunnerServer(srv, &Server{
		Logger:   logger,
		registry: opts.Registry,
		sessions: opts.Sessions,
	})
	return &GRPCServer{
		Server:      srv,
		Logger:      logger,
		gracePeriod: opts.ShutdownGracePeriod,
	}, nil
}

// Start serves runners on the listener until the context is canceled,
// whereupon open streams are given a grace period to finish before the
// server is stopped.
func (s *GRPCServer) Start(ctx context.Context, ln net.Listener) error {
	errch := make(chan error, 1)
	go func() {
		s.Info("started grpc server", "address", ln.Addr().String())
		errch <- s.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(s.gracePeriod):
			s.Stop()
		}
		s.Info("stopped grpc server")
		return nil
	case err := <-errch:
		return err
	}
}

func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*runner.Runner, error) {
	r, err := s.registry.Register(ctx, runner.RegisterOptions{
		ID:      req.ID,
		Name:    req.Name,
		Kind:    req.Kind,
		Profile: req.Profile,
		Labels:  req.Labels,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return r, nil
}

func (s *Server) JobStream(stream JobStreamServer) error {
	return toStatus(s.sessions.Handle(stream.Context(), stream))
}

// toStatus maps an error to a grpc status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, session.ErrStreamClosed):
		// the runner hung up; nobody to tell.
		return nil
	case errors.Is(err, internal.ErrResourceNotFound):
		code = codes.NotFound
	case errors.Is(err, internal.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, internal.ErrConflict), errors.Is(err, stream.ErrStreamComplete):
		code = codes.FailedPrecondition
	case errors.Is(err, internal.ErrAccessNotPermitted):
		code = codes.PermissionDenied
	case errors.Is(err, internal.ErrResourceAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, session.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, session.ErrTornDown):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func tokenAuthFunc(token string) grpc_auth.AuthFunc {
	return func(ctx context.Context) (context.Context, error) {
		if token == "" {
			return ctx, nil
		}
		got, err := grpc_auth.AuthFromMD(ctx, "bearer")
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid runner token")
		}
		return ctx, nil
	}
}

func panicRecoveryHandler(logger logr.Logger) grpc_recovery.RecoveryHandlerFunc {
	return func(p any) error {
		logger.Error(nil, "request triggered panic", "cause", p, "stack", string(debug.Stack()))
		return status.Errorf(codes.Internal, "internal server error caused by %v", p)
	}
}

// InterceptorLogger adapts a logr logger for the grpc logging interceptors.
// Debug messages are logged at verbosity 1.
func InterceptorLogger(logger logr.Logger) grpc_logging.Logger {
	return grpc_logging.LoggerFunc(func(ctx context.Context, lvl grpc_logging.Level, msg string, fields ...any) {
		switch lvl {
		case grpc_logging.LevelDebug:
			logger.V(1).Info(msg, fields...)
		case grpc_logging.LevelInfo:
			// start and finish of every call
			logger.V(2).Info(msg, fields...)
		case grpc_logging.LevelWarn:
			logger.Info(msg, fields...)
		case grpc_logging.LevelError:
			logger.Error(nil, msg, fields...)
		default:
			panic(fmt.Sprintf("unknown level %v", lvl))
		}
	})
}
