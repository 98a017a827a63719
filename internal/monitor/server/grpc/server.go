package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/autopeer-io/occupeye/internal/monitor/core"
	"github.com/autopeer-io/occupeye/internal/monitor/core/model"
	grpcmw "github.com/autopeer-io/occupeye/internal/pkg/middleware/grpc"
	"github.com/autopeer-io/occupeye/pkg/log"
	"github.com/autopeer-io/occupeye/pkg/options"
)

// ServicePrefix prefixes the health service name of each vehicle.
const ServicePrefix = "vehicle/"

// Server exposes vehicle availability through the standard gRPC health
// service, so that load balancers and grpc_health_probe can watch a vehicle.
type Server struct {
	server  *grpc.Server
	health  *health.Server
	options *options.GrpcOptions
}

var _ core.StatusSink = (*Server)(nil)

func NewServer(opts *options.GrpcOptions) *Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcmw.UnaryServerTimeoutInterceptor(opts.Timeout)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s) // Enable grpc_cli support

	return &Server{server: s, health: hs, options: opts}
}

// ServiceName returns the health service name for vehicleID.
func ServiceName(vehicleID string) string {
	return ServicePrefix + vehicleID
}

// ServingStatus maps a vehicle status to a health status. Only an offline
// vehicle is reported as not serving.
func ServingStatus(status model.Status) healthpb.HealthCheckResponse_ServingStatus {
	if status == model.StatusOffline {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (s *Server) Update(status *model.VehicleStatus) {
	s.health.SetServingStatus(ServiceName(status.VehicleID), ServingStatus(status.Status))
}

func (s *Server) Forget(vehicleID string) {
	s.health.SetServingStatus(ServiceName(vehicleID), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// Health returns the health server, mainly for tests.
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen(s.options.Network, s.options.Addr)
	if err != nil {
		return err
	}

	log.Info("Starting gRPC Server", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.server.GracefulStop()
		return nil
	}
}
