// Command pair runs the gateway-pair relay (C7): two mirrored GWMP endpoints
// that relay uplink and downlink traffic between two upstream hosts, so both
// sides of a gateway link can be exercised without hardware.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lora-gwmp/bridge/lalog"
	"github.com/lora-gwmp/bridge/pair"
)

var logger = lalog.Logger{ComponentName: "pair"}

func main() {
	cfg := pair.Config{
		GWABind:     envOrDefault("GW_A_BIND", pair.DefaultGWABind),
		GWBBind:     envOrDefault("GW_B_BIND", pair.DefaultGWBBind),
		BridgeAAddr: envOrDefault("BRIDGE_A_ADDR", pair.DefaultBridgeAAddr),
		BridgeBAddr: envOrDefault("BRIDGE_B_ADDR", pair.DefaultBridgeBAddr),
	}

	logger.Info("", nil, "gateway pair relay starting, A=%s<->%s B=%s<->%s",
		cfg.GWABind, cfg.BridgeAAddr, cfg.GWBBind, cfg.BridgeBAddr)

	eng, err := pair.New(cfg)
	if err != nil {
		logger.Abort("", err, "failed to construct relay engine")
		return
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		logger.Warning("", err, "relay engine exited with error")
	}
	logger.Info("", nil, "gateway pair relay stopped")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
