// Package grpc holds interceptors shared by the hub's gRPC server and the
// command line client.
package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// DefaultRPCTimeout bounds a call whose context carries no deadline.
const DefaultRPCTimeout = 10 * time.Second

// UnaryTimeoutInterceptor applies DefaultRPCTimeout to calls without a deadline.
func UnaryTimeoutInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	return WithTimeout(DefaultRPCTimeout)(ctx, method, req, reply, cc, invoker, opts...)
}

// WithTimeout returns a client interceptor that bounds calls without a
// deadline to d. Deadlines set by the caller are kept.
func WithTimeout(d time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, ok := ctx.Deadline(); !ok && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
