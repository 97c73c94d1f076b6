package grpc

import (
	"context"
	"errors"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-realtime/internal/logger"
	"chat-realtime/internal/observability"
)

// ServiceName is the health service entry reported for the realtime core.
const ServiceName = "chat.realtime"

// HealthServer serves grpc.health.v1 for orchestrators and load balancers.
type HealthServer struct {
	server *grpc.Server
	health *health.Server
}

func NewHealthServer() *HealthServer {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{server: srv, health: hs}
}

// Serve blocks until lis is closed or Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	logger.L().Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// SetServing flips both the overall and the named service status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Stop marks the service as not serving and drains in-flight RPCs.
func (h *HealthServer) Stop(ctx context.Context) {
	h.health.Shutdown()
	done := make(chan struct{})
	go func() {
		h.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.server.Stop()
	}
}
