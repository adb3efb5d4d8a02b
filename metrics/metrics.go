// Package metrics registers the Prometheus collectors shared across the
// bridge's components and exposes them on an HTTP listener for scraping.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lora-gwmp/bridge/lalog"
)

var logger = lalog.Logger{ComponentName: "metrics"}

var (
	UplinksForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "uplinks_forwarded_total",
		Help: "Number of decoded uplinks successfully poked to the upstream host.",
	})
	DownlinksDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "downlinks_dispatched_total",
		Help: "Number of downlinks successfully sent to a tracked gateway.",
	})
	GwmpParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gwmp_parse_errors_total",
		Help: "Number of GWMP datagrams rejected, labelled by reason.",
	}, []string{"reason"})
	OutboxPollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_poll_duration_seconds",
		Help:    "Duration of a single outbox poll-and-dispatch tick.",
		Buckets: prometheus.DefBuckets,
	})
	TrackedGatewayKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracked_gateway_known",
		Help: "1 if the server has a tracked gateway address, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(UplinksForwarded, DownlinksDispatched, GwmpParseErrors, OutboxPollDuration, TrackedGatewayKnown)
}

// Serve starts an HTTP listener exposing /metrics until ctx is cancelled.
func Serve(ctx context.Context, bind string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: bind, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info(bind, nil, "shutting down metrics listener")
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
