package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// engineService is the health service name reporting engine readiness.
const engineService = "geosync.Engine"

type agentHealth struct {
	srv *health.Server
}

func newHealth() *agentHealth {
	h := &agentHealth{srv: health.NewServer()}
	h.srv.SetServingStatus(engineService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

func (h *agentHealth) serving(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(engineService, st)
}

func runGRPCServer(ctx context.Context, lis net.Listener, h *agentHealth) error {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h.srv)

	go func() {
		<-ctx.Done()
		h.srv.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

// newHealthGateway exposes the gRPC health service over HTTP at path.
func newHealthGateway(grpcAddr, path string) (*runtime.ServeMux, func(), error) {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{EmitUnpopulated: true},
		}),
		runtime.WithHealthEndpointAt(healthpb.NewHealthClient(conn), path),
	)
	return mux, func() { _ = conn.Close() }, nil
}
