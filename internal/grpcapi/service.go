package grpcapi

import (
	"context"

	"github.com/leg100/jobq/internal/resource"
	"github.com/leg100/jobq/internal/runner"
	"github.com/leg100/jobq/internal/session"
	"google.golang.org/grpc"
)

const (
	serviceName    = "jobq.v1.RunnerService"
	registerMethod = "/" + serviceName + "/Register"
	jobStreamName  = "JobStream"
	jobStreamPath  = "/" + serviceName + "/" + jobStreamName
)

type (
	// RunnerServer is the server API of the runner service.
	RunnerServer interface {
		Register(ctx context.Context, req *RegisterRequest) (*runner.Runner, error)
		JobStream(stream JobStreamServer) error
	}

	// JobStreamServer is the server side of a runner job stream.
	JobStreamServer interface {
		Send(*session.ServerMessage) error
		Recv() (*session.ClientMessage, error)
		grpc.ServerStream
	}

	// RegisterRequest registers a runner, or re-registers a runner if ID is
	// set.
	RegisterRequest struct {
		ID      *resource.ID      `json:"id,omitempty"`
		Name    string            `json:"name"`
		Kind    runner.Kind       `json:"kind"`
		Profile string            `json:"profile,omitempty"`
		Labels  map[string]string `json:"labels,omitempty"`
	}
)

var runnerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RunnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler:    registerHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    jobStreamName,
			Handler:       jobStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "jobq/v1/runner",
}

// RegisterRunnerServer registers the runner service with a grpc server.
func RegisterRunnerServer(s grpc.ServiceRegistrar, srv RunnerServer) {
	s.RegisterService(&runnerServiceDesc, srv)
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RunnerServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: registerMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RunnerServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func jobStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RunnerServer).JobStream(&jobStreamServer{stream})
}

type jobStreamServer struct {
	grpc.ServerStream
}

func (x *jobStreamServer) Send(m *session.ServerMessage) error {
	return x.ServerStream.SendMsg(m)
}

func (x *jobStreamServer) Recv() (*session.ClientMessage, error) {
	m := new(session.ClientMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
