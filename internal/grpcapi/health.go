package grpcapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nuetzliches/ingestq/internal/queue"
)

const defaultHealthInterval = 5 * time.Second

// NewGRPCServer returns a gRPC server carrying the queue service and the
// standard health service. The health server starts out NOT_SERVING; run
// MonitorHealth to drive it.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(opts...)
	s.Register(gs)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// MonitorHealth pings p every interval and mirrors the result into hs until
// ctx is done, then marks everything NOT_SERVING.
func MonitorHealth(ctx context.Context, hs *health.Server, p queue.Pinger, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	last := healthpb.HealthCheckResponse_UNKNOWN
	check := func() {
		st := healthpb.HealthCheckResponse_SERVING
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := p.Ping(pingCtx)
		cancel()
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if st != last {
			if err != nil {
				logger.Warn("health_not_serving", slog.Any("err", err))
			} else {
				logger.Info("health_serving")
			}
			last = st
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}

	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			check()
		}
	}
}
