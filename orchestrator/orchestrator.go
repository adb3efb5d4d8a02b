// Package orchestrator wires together the bridge's long-running tasks (C8):
// the GWMP server, the uplink forwarder, and the outbox poller, plus the
// metrics listener, and drives them through an orderly shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/lora-gwmp/bridge/config"
	"github.com/lora-gwmp/bridge/forwarder"
	"github.com/lora-gwmp/bridge/gwserver"
	"github.com/lora-gwmp/bridge/lalog"
	"github.com/lora-gwmp/bridge/metrics"
	"github.com/lora-gwmp/bridge/outbox"
	"github.com/lora-gwmp/bridge/upstream"
)

var logger = lalog.Logger{ComponentName: "orchestrator"}

// DefaultMetricsBind is the listen address for the Prometheus /metrics
// endpoint when the caller does not override it.
const DefaultMetricsBind = "0.0.0.0:2112"

// uplinkChannelCapacity bounds the C3->C5 channel; back-pressure beyond this
// delays the UDP receive loop rather than growing memory unbounded.
const uplinkChannelCapacity = 256

// Run constructs and drives every long-running task described by cfg until
// ctx is cancelled, then shuts them down in order: stop the receive loop
// (which closes the listening socket) and wait for it, close the uplink
// channel so the forwarder drains and exits, wait for the outbox poller and
// the metrics listener (which stop on ctx's cancellation), and disconnect
// the upstream clients. The caller is
// responsible for arranging ctx's cancellation on interrupt (for example via
// signal.NotifyContext in the executable's main).
func Run(ctx context.Context, cfg config.Config, metricsBind string) error {
	if metricsBind == "" {
		metricsBind = DefaultMetricsBind
	}

	var uplinks chan gwserver.LoRaPacket
	if cfg.Upstream != nil {
		uplinks = make(chan gwserver.LoRaPacket, uplinkChannelCapacity)
	}

	server, err := gwserver.New(cfg.UDP.Bind, "bridge", uplinks)
	if err != nil {
		return fmt.Errorf("orchestrator: failed to start GWMP server: %w", err)
	}
	defer server.Close()

	var wg sync.WaitGroup
	var serverWG sync.WaitGroup
	serverCtx, cancelServer := context.WithCancel(ctx)
	serverWG.Add(1)
	go func() {
		defer serverWG.Done()
		if err := server.Run(serverCtx); err != nil {
			logger.Warning("gwserver", err, "receive loop exited with error")
		}
	}()

	var client *upstream.Client
	if cfg.Upstream != nil {
		client, err = upstream.New("bridge", upstream.Config{
			URL:   cfg.Upstream.URL,
			Ship:  cfg.Upstream.Ship,
			Code:  cfg.Upstream.Code,
			Agent: cfg.Upstream.Agent,
		})
		if err != nil {
			cancelServer()
			wg.Wait()
			return fmt.Errorf("orchestrator: failed to build upstream client: %w", err)
		}
		if err := client.ConnectWithRetry(ctx, 5); err != nil {
			logger.Warning("upstream", err, "initial connect failed, will retry in background tasks")
		}

		// Not derived from ctx, so the forwarder keeps poking until the closed
		// uplink channel is drained.
		fwdCtx, cancelForwarder := context.WithCancel(context.Background())
		wg.Add(1)
		go func() {
			defer wg.Done()
			forwarder.Run(fwdCtx, client, cfg.Upstream.Agent, uplinks)
		}()

		outboxClient, err := upstream.New("bridge-outbox", upstream.Config{
			URL:   cfg.Upstream.URL,
			Ship:  cfg.Upstream.Ship,
			Code:  cfg.Upstream.Code,
			Agent: cfg.Upstream.Agent,
		})
		if err != nil {
			cancelServer()
			cancelForwarder()
			wg.Wait()
			return fmt.Errorf("orchestrator: failed to build outbox client: %w", err)
		}
		if err := outboxClient.ConnectWithRetry(ctx, 5); err != nil {
			logger.Warning("outbox", err, "initial connect failed, will retry on tick")
		}
		poller := outbox.New(cfg.Upstream.Agent, outboxClient, server)
		pollerCtx, cancelPoller := context.WithCancel(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := poller.Run(pollerCtx); err != nil && pollerCtx.Err() == nil {
				logger.Warning("outbox", err, "poller exited with error")
			}
		}()

		defer func() {
			cancelForwarder()
			cancelPoller()
			client.Disconnect(context.Background())
			outboxClient.Disconnect(context.Background())
		}()
	}

	metricsCtx, cancelMetrics := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metrics.Serve(metricsCtx, metricsBind); err != nil {
			logger.Warning("metrics", err, "metrics listener exited with error")
		}
	}()
	defer cancelMetrics()

	<-ctx.Done()
	logger.Info("", nil, "interrupt received, shutting down")
	cancelServer()
	serverWG.Wait()
	if uplinks != nil {
		close(uplinks)
	}
	wg.Wait()
	return nil
}
