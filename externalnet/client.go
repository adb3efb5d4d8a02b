// Package externalnet is a reserved scaffold for a third-party packet-router
// integration (C12): the scaffolding needed to dial a router's gRPC control
// plane is present, but nothing in the uplink or downlink path invokes it
// yet. The external-network configuration block is parsed by config.Config
// but otherwise unread outside this package.
package externalnet

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config mirrors config.ExternalNetworkConfig's fields, kept as a distinct
// type so this package does not import config for a handful of strings.
type Config struct {
	ID               uint64
	NetworkID        string
	ConfigHost       string
	DelegatedKeypair string
}

// Conn holds a gRPC channel toward a router's config host. Nothing in this
// phase calls any RPC over it; Dial exists so the wiring is in place for a
// future phase that forwards uplinks to a second external network alongside
// the local upstream host.
type Conn struct {
	cfg  Config
	conn *grpc.ClientConn
}

// Dial opens (but does not use) a gRPC channel to cfg.ConfigHost.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.ConfigHost == "" {
		return nil, fmt.Errorf("externalnet: config host is empty")
	}
	conn, err := grpc.DialContext(ctx, cfg.ConfigHost,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("externalnet: failed to dial %s: %w", cfg.ConfigHost, err)
	}
	return &Conn{cfg: cfg, conn: conn}, nil
}

// Close releases the underlying gRPC channel.
func (c *Conn) Close() error {
	return c.conn.Close()
}
