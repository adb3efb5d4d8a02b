package externalnet

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
)

func TestDialAndClose(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to open listener: %v", err)
	}
	srv := grpc.NewServer()
	go srv.Serve(lis)
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Dial(ctx, Config{ID: 1, NetworkID: "test-network", ConfigHost: lis.Addr().String()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDialRejectsEmptyConfigHost(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty ConfigHost")
	}
}
