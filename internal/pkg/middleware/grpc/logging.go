package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/autopeer-io/sensorhub/pkg/log"
)

// UnaryServerLogger logs every unary call at debug level and converts a
// handler panic into an Internal error.
func UnaryServerLogger(logger log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				err = status.Errorf(codes.Internal, "panic in %s", info.FullMethod)
				logger.Error(fmt.Errorf("%v", p), "Recovered from gRPC handler panic", "method", info.FullMethod)
			}
			code := status.Code(err)
			if code != codes.OK {
				logger.Warn("gRPC call failed", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
				return
			}
			logger.Debug("gRPC call", "method", info.FullMethod, "duration", time.Since(start))
		}()
		return handler(ctx, req)
	}
}
