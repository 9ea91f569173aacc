// Package grpc serves the standard gRPC health service. Its status follows
// the readiness of the MQTT ingress.
package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"k8s.io/apimachinery/pkg/util/wait"

	grpcmw "github.com/autopeer-io/sensorhub/internal/pkg/middleware/grpc"
	"github.com/autopeer-io/sensorhub/pkg/log"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

// ServiceName is the health service entry reported next to the server-wide one.
const ServiceName = "sensorhub"

const statusSyncInterval = 5 * time.Second

type Server struct {
	server  *grpc.Server
	health  *health.Server
	ready   func() error
	options *options.GrpcOptions
}

func NewServer(opts *options.GrpcOptions, ready func() error) *Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcmw.UnaryServerLogger(log.WithName("grpc")),
	))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s) // Enable grpc_cli support

	return &Server{
		server:  s,
		health:  hs,
		ready:   ready,
		options: opts,
	}
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen(s.options.Network, s.options.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve runs the server on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	log.Info("Starting gRPC Server", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	go wait.UntilWithContext(ctx, s.syncStatus, statusSyncInterval)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.server.GracefulStop()
		return nil
	}
}

func (s *Server) syncStatus(context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		if err := s.ready(); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
