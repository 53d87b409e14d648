package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/roach88/sqlfwd/internal/program"
	"github.com/roach88/sqlfwd/internal/proto"
	"github.com/roach88/sqlfwd/internal/session"
)

// toStatus maps an error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(statusCode(err), err.Error())
}

func statusCode(err error) codes.Code {
	switch {
	case program.IsValidationError(err), errors.Is(err, proto.ErrMalformedProgram):
		return codes.InvalidArgument
	case errors.Is(err, session.ErrTooManyRequests):
		return codes.ResourceExhausted
	case errors.Is(err, session.ErrCreateTimeout), errors.Is(err, session.ErrClosed):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
