package api

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/plb/pkg/log"
	"github.com/cuemby/plb/pkg/metrics"
)

// ServiceName is the name probed for engine readiness. The empty name
// reports the overall server state.
const ServiceName = "plb.Engine"

// GRPCServer serves the standard grpc.health.v1 service. The serving
// status follows the component readiness registry.
type GRPCServer struct {
	grpc     *grpc.Server
	health   *health.Server
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewGRPCServer creates the gRPC server. interval is how often readiness
// is re-evaluated.
func NewGRPCServer(interval time.Duration) *GRPCServer {
	logger := log.WithComponent("api")
	s := &GRPCServer{
		grpc:     grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryInterceptor(logger))),
		health:   health.NewServer(),
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SyncHealth()
	return s
}

// SyncHealth copies the readiness registry into the health service
func (s *GRPCServer) SyncHealth() healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if metrics.GetReadiness().Status != metrics.StatusReady {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return st
}

// Serve accepts connections on lis until Stop is called
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.wg.Add(1)
	go s.watch()
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	return s.grpc.Serve(lis)
}

func (s *GRPCServer) watch() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := s.SyncHealth()
	for {
		select {
		case <-ticker.C:
			if st := s.SyncHealth(); st != last {
				s.logger.Info().Str("status", st.String()).Msg("Serving status changed")
				last = st
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop marks every service as not serving and stops the server gracefully
func (s *GRPCServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
