// Command bridged runs the LoRaWAN-to-application bridge: it terminates the
// Semtech packet forwarder UDP protocol, decodes LoRaWAN frames, forwards
// uplinks to an upstream application host, and polls for downlinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lora-gwmp/bridge/config"
	"github.com/lora-gwmp/bridge/lalog"
	"github.com/lora-gwmp/bridge/orchestrator"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var logger = lalog.Logger{ComponentName: "bridged"}

func main() {
	configPath := flag.String("config", "config.toml", "path to TOML configuration file")
	metricsBind := flag.String("metrics-bind", orchestrator.DefaultMetricsBind, "listen address for the /metrics HTTP endpoint")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("bridged " + version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config from %s: %v\n", *configPath, err)
		fmt.Fprintln(os.Stderr, "using default configuration")
		cfg = config.Default()
	}

	logger.Info("", nil, "bridged %s starting, bind=%s", version, cfg.UDP.Bind)
	if cfg.Upstream != nil {
		logger.Info("", nil, "upstream bridge enabled for agent %s", cfg.Upstream.Agent)
	} else {
		logger.Info("", nil, "upstream bridge not configured, running decode-only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Run(ctx, cfg, *metricsBind); err != nil {
		logger.Abort("", err, "fatal error, exiting")
	}
}
