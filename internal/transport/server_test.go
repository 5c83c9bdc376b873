package transport

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func TestHealth_ReflectsServingState(t *testing.T) {
	srv, err := StartServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	go func() { _ = srv.Serve() }()
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := Check(ctx, srv.Addr(), ProcessorService)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %v", got)
	}

	srv.SetServing(ProcessorService, true)
	if got, err = Check(ctx, srv.Addr(), ProcessorService); err != nil || got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v, %v", got, err)
	}

	_, err = Check(ctx, srv.Addr(), "unknown.Service")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("unknown service: %v", err)
	}
}
