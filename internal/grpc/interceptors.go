package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// loggingInterceptor returns a unary server interceptor that logs requests.
// Health probes arrive every few seconds, so successful calls log at debug.
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		s.logCall(ctx, "grpc request", info.FullMethod, start, err)
		return resp, err
	}
}

// streamLoggingInterceptor returns a stream server interceptor that logs requests.
func (s *Server) streamLoggingInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		s.logCall(ss.Context(), "grpc stream", info.FullMethod, start, err)
		return err
	}
}

func (s *Server) logCall(ctx context.Context, msg, method string, start time.Time, err error) {
	code := status.Code(err)
	args := []any{
		"method", method,
		"code", code.String(),
		"duration", time.Since(start),
	}
	if code == codes.OK || code == codes.Canceled {
		s.logger.DebugContext(ctx, msg, args...)
		return
	}
	s.logger.WarnContext(ctx, msg, append(args, "error", err)...)
}
