package api

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/cuemby/plb/pkg/metrics"
)

// UnaryInterceptor records request metrics and logs every unary call
func UnaryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)

		method := methodName(info.FullMethod)
		code := status.Code(err)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()

		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("duration", timer.Duration()).
			Msg("gRPC request")
		return resp, err
	}
}

// methodName extracts the method from a full path, e.g.
// "/grpc.health.v1.Health/Check" -> "Check"
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return fullMethod
	}
	return parts[len(parts)-1]
}
