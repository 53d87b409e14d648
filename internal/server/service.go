// Package server exposes program execution over gRPC as the proxy.Proxy
// service.
package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/roach88/sqlfwd/internal/executor"
	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/proto"
	"github.com/roach88/sqlfwd/internal/session"
)

// ProxyServer is the proxy.Proxy service.
type ProxyServer interface {
	Execute(ctx context.Context, req *proto.ProgramReq) (*proto.ExecuteResults, error)
	Disconnect(ctx context.Context, req *proto.DisconnectMessage) (*proto.Ack, error)
}

// Service runs client programs on their sessions.
type Service struct {
	registry *session.Registry
	exec     *executor.Executor
	logger   *slog.Logger
}

var _ ProxyServer = (*Service)(nil)

// NewService creates a Service. A nil logger means slog.Default().
func NewService(registry *session.Registry, exec *executor.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: registry, exec: exec, logger: logger}
}

// Execute runs req's program on the client's session.
func (s *Service) Execute(ctx context.Context, req *proto.ProgramReq) (*proto.ExecuteResults, error) {
	if req.ClientID == "" {
		return nil, status.Error(codes.InvalidArgument, "client id is required")
	}
	pgm, err := proto.ToProgram(req.Pgm)
	if err != nil {
		return nil, toStatus(err)
	}
	// Reject bad programs before they can create a session.
	if err := program.Validate(pgm); err != nil {
		return nil, toStatus(err)
	}

	start := time.Now()
	h, err := s.registry.Acquire(ctx, req.ClientID)
	if err != nil {
		return nil, toStatus(err)
	}
	res, runErr := s.exec.Run(ctx, h.Conn(), pgm)
	h.Release(res)
	if runErr != nil {
		s.logger.Warn("program interrupted", "client_id", req.ClientID, "error", runErr)
		return nil, toStatus(runErr)
	}

	out, err := proto.FromResults(res)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug("execute",
		"client_id", req.ClientID,
		"steps", len(pgm.Steps),
		"state", res.State.String(),
		"frame_no", res.FrameNo,
		"elapsed", time.Since(start),
	)
	return out, nil
}

// Disconnect ends the client's session. Unknown clients are acknowledged.
func (s *Service) Disconnect(ctx context.Context, req *proto.DisconnectMessage) (*proto.Ack, error) {
	if req.ClientID == "" {
		return nil, status.Error(codes.InvalidArgument, "client id is required")
	}
	if err := s.registry.Disconnect(ctx, req.ClientID); err != nil {
		return nil, toStatus(err)
	}
	return &proto.Ack{}, nil
}
