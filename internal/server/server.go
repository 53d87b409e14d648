package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/roach88/sqlfwd/internal/proto"
)

// Full method names of the proxy.Proxy service.
const (
	ExecuteMethod    = "/proxy.Proxy/Execute"
	DisconnectMethod = "/proxy.Proxy/Disconnect"
)

// ServiceDesc describes proxy.Proxy for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "proxy.Proxy",
	HandlerType: (*ProxyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Disconnect", Handler: disconnectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proxy.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(proto.ProgramReq)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProxyServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProxyServer).Execute(ctx, req.(*proto.ProgramReq))
	}
	return interceptor(ctx, in, info, handler)
}

func disconnectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(proto.DisconnectMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProxyServer).Disconnect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DisconnectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProxyServer).Disconnect(ctx, req.(*proto.DisconnectMessage))
	}
	return interceptor(ctx, in, info, handler)
}

// Server serves proxy.Proxy over gRPC.
type Server struct {
	grpc   *grpc.Server
	logger *slog.Logger
}

// New creates a server for svc. Extra options are passed to grpc.NewServer.
func New(svc ProxyServer, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(proto.Codec{}),
		grpc.ChainUnaryInterceptor(logCalls(logger)),
	}, opts...)

	s := &Server{grpc: grpc.NewServer(opts...), logger: logger}
	s.grpc.RegisterService(&ServiceDesc, svc)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop waits for in-flight calls to finish, or for ctx to be done, in
// which case remaining calls are cancelled.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing connections")
		s.grpc.Stop()
		<-done
	}
	s.logger.Info("grpc server stopped")
}

// logCalls logs every call at debug level and failures at warn level.
func logCalls(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if err != nil {
			logger.Warn("rpc failed",
				"method", info.FullMethod,
				"code", code.String(),
				"error", err,
				"elapsed", time.Since(start),
			)
		} else {
			logger.Debug("rpc", "method", info.FullMethod, "elapsed", time.Since(start))
		}
		return resp, err
	}
}
