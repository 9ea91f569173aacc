package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/autopeer-io/sensorhub/pkg/log"
)

func TestWithTimeoutAddsDeadline(t *testing.T) {
	var deadline time.Time
	var ok bool
	invoker := func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		deadline, ok = ctx.Deadline()
		return nil
	}

	require.NoError(t, WithTimeout(time.Second)(context.Background(), "/x", nil, nil, nil, invoker))
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
}

func TestWithTimeoutKeepsCallerDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	want, _ := ctx.Deadline()

	var got time.Time
	invoker := func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
		got, _ = ctx.Deadline()
		return nil
	}

	require.NoError(t, UnaryTimeoutInterceptor(ctx, "/x", nil, nil, nil, invoker))
	assert.Equal(t, want, got)
}

func TestUnaryServerLogger(t *testing.T) {
	interceptor := UnaryServerLogger(log.NewNopLogger())
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := interceptor(context.Background(), "req", info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	boom := errors.New("boom")
	_, err = interceptor(context.Background(), "req", info, func(context.Context, any) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = interceptor(context.Background(), "req", info, func(context.Context, any) (any, error) {
		panic("bad handler")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}
