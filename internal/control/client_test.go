package control

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestServing(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "chatd-ctl-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "c.sock")

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(listener) }()
	defer srv.GracefulStop()

	c, err := New(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := c.Serving(ctx)
	if err != nil || ok {
		t.Errorf("Serving() = %v, %v; want false, nil", ok, err)
	}
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	ok, err = c.Serving(ctx)
	if err != nil || !ok {
		t.Errorf("Serving() = %v, %v; want true, nil", ok, err)
	}
}

func TestServingNoDaemon(t *testing.T) {
	c, err := New(filepath.Join(t.TempDir(), "missing.sock"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := c.Serving(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Serving() error = %v, want ErrNotRunning", err)
	}
}
