package grpcapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

type (
	// Client is a runner's client of the runner service.
	Client struct {
		conn *grpc.ClientConn
	}

	ClientOptions struct {
		// Token is the bearer token presented to the server.
		Token string
		// TLS, if non-nil, secures the connection to the server. The token
		// is only sent over a plaintext connection if TLS is nil.
		TLS *tls.Config
		// KeepaliveTime is the interval at which the client pings the
		// server. Zero disables client pings.
		KeepaliveTime time.Duration
		// DialOptions are appended to the client's own options.
		DialOptions []grpc.DialOption
	}

	// JobStreamClient is the runner side of a job stream.
	JobStreamClient interface {
		Send(*session.ClientMessage) error
		Recv() (*session.ServerMessage, error)
		CloseSend() error
	}

	jobStreamClient struct {
		grpc.ClientStream
	}

	tokenCredentials struct {
		token  string
		secure bool
	}
)

// NewClient constructs a client of the runner service at the given target
// address. No connection is made until the first call.
func NewClient(target string, opts ClientOptions) (*Client, error) {
	creds := insecure.NewCredentials()
	if opts.TLS != nil {
		creds = credentials.NewTLS(opts.TLS)
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if opts.Token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(tokenCredentials{
			token:  opts.Token,
			secure: opts.TLS != nil,
		}))
	}
	if opts.KeepaliveTime > 0 {
		dialOpts = append(dialOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                opts.KeepaliveTime,
			PermitWithoutStream: true,
		}))
	}
	conn, err := grpc.NewClient(target, append(dialOpts, opts.DialOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("constructing grpc client: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Register(ctx context.Context, opts runner.RegisterOptions) (*runner.Runner, error) {
	req := &RegisterRequest{
		ID:      opts.ID,
		Name:    opts.Name,
		Kind:    opts.Kind,
		Profile: opts.Profile,
		Labels:  opts.Labels,
	}
	out := new(runner.Runner)
	if err := c.conn.Invoke(ctx, registerMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// JobStream opens a job stream. The stream ends when the context is
// canceled.
func (c *Client) JobStream(ctx context.Context) (JobStreamClient, error) {
	stream, err := c.conn.NewStream(ctx, &runnerServiceDesc.Streams[0], jobStreamPath)
	if err != nil {
		return nil, err
	}
	return &jobStreamClient{stream}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (x *jobStreamClient) Send(m *session.ClientMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *jobStreamClient) Recv() (*session.ServerMessage, error) {
	m := new(session.ServerMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (t tokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + t.token}, nil
}

// RequireTransportSecurity refuses to send the token over plaintext if the
// client was configured with TLS.
func (t tokenCredentials) RequireTransportSecurity() bool { return t.secure }
