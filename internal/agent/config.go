package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/spf13/pflag"
)

const (
	DefaultAddress           = "localhost:8081"
	DefaultConcurrency       = 1
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultKillDelay         = 10 * time.Second
)

// Config configures the runner agent.
type Config struct {
	Name    string            // descriptive name given to runner
	ID      string            // ID assigned to an on-demand runner by the server
	Kind    string            // kind of runner
	Profile string            // profile an on-demand runner was provisioned from
	Labels  map[string]string // labels matched against job targets

	Address string // address of the runner service
	Token   string // bearer token presented to the runner service

	TLS                 bool   // connect to the runner service over TLS
	CAFile              string // CA certificate verifying the runner service; defaults to the system pool
	SkipTLSVerification bool   // skip verification of the runner service's certificate

	Concurrency       int           // number of jobs the agent can execute at any one time
	HeartbeatInterval time.Duration // interval between heartbeats
	KillDelay         time.Duration // delay between interrupting and killing a canceled process
}

func NewConfigFromFlags(flags *pflag.FlagSet) *Config {
	cfg := Config{}
	flags.StringVar(&cfg.Name, "name", "", "Descriptive name for runner. Defaults to a randomly generated name.")
	flags.StringVar(&cfg.ID, "id", "", "ID of a runner provisioned on-demand.")
	flags.StringVar(&cfg.Kind, "kind", string(runner.RemoteKind), "Kind of runner: local, remote or on-demand.")
	flags.StringVar(&cfg.Profile, "profile", "", "Profile from which an on-demand runner was provisioned.")
	flags.StringToStringVar(&cfg.Labels, "label", nil, "Label to attach to runner, in the form key=value. Can be specified more than once.")
	flags.StringVar(&cfg.Address, "address", DefaultAddress, "Address of the jobq runner service.")
	flags.StringVar(&cfg.Token, "token", "", "Token with which to authenticate with the runner service.")
	flags.BoolVar(&cfg.TLS, "tls", false, "Connect to the runner service over TLS.")
	flags.StringVar(&cfg.CAFile, "ca-file", "", "Path to CA certificate with which to verify the runner service. Defaults to the system pool.")
	flags.BoolVar(&cfg.SkipTLSVerification, "skip-tls-verification", false, "Skip verification of the runner service's TLS certificate.")
	flags.IntVar(&cfg.Concurrency, "concurrency", DefaultConcurrency, "Number of jobs that can be processed concurrently.")
	flags.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", DefaultHeartbeatInterval, "Interval between heartbeats sent to the server.")
	flags.DurationVar(&cfg.KillDelay, "kill-delay", DefaultKillDelay, "Delay between interrupting a canceled process and killing it.")
	return &cfg
}

// registerOptions converts the config into options for registering the
// runner.
func (cfg Config) registerOptions() (runner.RegisterOptions, error) {
	opts := runner.RegisterOptions{
		Name:    cfg.Name,
		Kind:    runner.Kind(cfg.Kind),
		Profile: cfg.Profile,
		Labels:  cfg.Labels,
	}
	if opts.Name == "" {
		opts.Name = petname.Generate(2, "-")
	}
	if cfg.ID != "" {
		id, err := resource.ParseID(cfg.ID)
		if err != nil {
			return runner.RegisterOptions{}, fmt.Errorf("parsing runner ID: %w", err)
		}
		opts.ID = &id
	}
	return opts, nil
}

// TLSConfig returns the TLS config with which to connect to the runner
// service, or nil if TLS is disabled.
func (cfg Config) TLSConfig() (*tls.Config, error) {
	if !cfg.TLS {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipTLSVerification,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// connectionArgs are the flags with which a launched runner connects to the
// runner service the same way as this agent.
func (cfg Config) connectionArgs() []string {
	args := []string{"--address", cfg.Address}
	if cfg.TLS {
		args = append(args, "--tls")
	}
	if cfg.CAFile != "" {
		args = append(args, "--ca-file", cfg.CAFile)
	}
	if cfg.SkipTLSVerification {
		args = append(args, "--skip-tls-verification")
	}
	return args
}

func (cfg *Config) setDefaults() {
	if cfg.Kind == "" {
		cfg.Kind = string(runner.RemoteKind)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.KillDelay <= 0 {
		cfg.KillDelay = DefaultKillDelay
	}
}
