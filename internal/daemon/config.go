package daemon

import (
	"time"

	"github.com/leg100/jobq/internal/agent"
	"github.com/leg100/jobq/internal/scheduler"
	"github.com/leg100/jobq/internal/session"
	"github.com/leg100/jobq/internal/stream"
	"github.com/leg100/jobq/internal/supervisor"
)

const (
	DefaultAddress     = ":8080"
	DefaultGRPCAddress = ":8081"
)

// Config configures the jobqd daemon. Descriptions of each field can be found
// in the flag definitions in ./cmd/jobqd
type Config struct {
	// Database is the postgres connection string. If empty, jobs and
	// runners are kept in memory.
	Database     string
	Address      string
	GRPCAddress  string
	ProfilesPath string
	AutoAdopt    bool
	// Token, if non-empty, is the bearer token required by the operator API
	// and the runner service.
	Token                string
	SSL                  bool
	CertFile, KeyFile    string
	EnableRequestLogging bool
	GRPCKeepaliveTime    time.Duration

	AckTimeout           time.Duration
	ProvisionTimeout     time.Duration
	MaxAssignAttempts    int
	MaxProvisionAttempts int
	CancelGracePeriod    time.Duration
	ExpirySweepInterval  time.Duration
	// ReattachGracePeriod is the time a runner that lost its connection
	// has to reattach to its running job. Zero fails the job immediately.
	ReattachGracePeriod time.Duration

	StreamBufferSize     int
	SubscriberBufferSize int
	FinishedCacheSize    int

	// DeleteJobsAfter is the age after which finished jobs are deleted.
	// Zero disables deletion.
	DeleteJobsAfter         time.Duration
	OverrideDeleterInterval time.Duration

	// LocalRunner configures the runner embedded in the daemon.
	LocalRunner   *agent.Config
	DisableRunner bool
}

// NewConfig constructs a jobqd configuration with defaults.
func NewConfig() Config {
	return Config{
		Address:              DefaultAddress,
		GRPCAddress:          DefaultGRPCAddress,
		AckTimeout:           session.DefaultAckTimeout,
		ProvisionTimeout:     scheduler.DefaultProvisionTimeout,
		MaxAssignAttempts:    scheduler.DefaultMaxAssignAttempts,
		MaxProvisionAttempts: scheduler.DefaultMaxProvisionAttempts,
		CancelGracePeriod:    supervisor.DefaultCancelGracePeriod,
		ExpirySweepInterval:  supervisor.DefaultSweepInterval,
		ReattachGracePeriod:  session.DefaultReattachGracePeriod,
		StreamBufferSize:     stream.DefaultBufferSize,
		SubscriberBufferSize: stream.DefaultSubscriberBufferSize,
		FinishedCacheSize:    stream.DefaultFinishedCacheSize,
		LocalRunner:          &agent.Config{},
	}
}
