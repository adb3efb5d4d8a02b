// Package forwarder implements the uplink forwarder task (C5): it consumes
// decoded packets from the bounded channel fed by the UDP server and delivers
// them to the upstream bridge client.
package forwarder

import (
	"context"

	"github.com/lora-gwmp/bridge/gwserver"
	"github.com/lora-gwmp/bridge/lalog"
	"github.com/lora-gwmp/bridge/metrics"
)

var logger = lalog.Logger{ComponentName: "forwarder"}

// BridgeClient is the subset of upstream.Client's behavior the forwarder
// depends on, kept as an interface so tests can substitute a fake.
type BridgeClient interface {
	Poke(ctx context.Context, app, mark string, data interface{}) error
	IsConnected() bool
	ConnectWithRetry(ctx context.Context, maxAttempts int) error
}

// uplinkMessage is the poke JSON shape for a forwarded uplink.
type uplinkMessage struct {
	Action     string  `json:"action"`
	DevAddr    string  `json:"dev-addr"`
	FCnt       uint16  `json:"fcnt"`
	FPort      *uint8  `json:"f-port,omitempty"`
	Payload    string  `json:"payload"`
	RSSI       float64 `json:"rssi"`
	SNR        float64 `json:"snr"`
	Freq       float64 `json:"freq"`
	DataRate   string  `json:"data-rate"`
	GatewayEUI string  `json:"gateway-eui"`
	ReceivedAt string  `json:"received-at"`
	MType      string  `json:"mtype"`
	Source     string  `json:"source"`
}

// Run consumes packets from uplinks until the channel is closed or ctx is
// cancelled, poking each one to the upstream agent. No packet is retried on
// poke failure — delivery is at-most-once.
func Run(ctx context.Context, client BridgeClient, agent string, uplinks <-chan gwserver.LoRaPacket) {
	for {
		select {
		case pkt, ok := <-uplinks:
			if !ok {
				logger.Info("", nil, "uplink channel closed, shutting down")
				return
			}
			forward(ctx, client, agent, pkt)
		case <-ctx.Done():
			logger.Info("", nil, "context cancelled, shutting down")
			return
		}
	}
}

func forward(ctx context.Context, client BridgeClient, agent string, pkt gwserver.LoRaPacket) {
	msg := uplinkMessage{
		Action:     "uplink",
		DevAddr:    pkt.DevAddr,
		FCnt:       pkt.FCnt,
		FPort:      pkt.FPort,
		Payload:    pkt.FRMPayloadHex,
		RSSI:       pkt.RSSI,
		SNR:        pkt.SNR,
		Freq:       pkt.Freq,
		DataRate:   pkt.DataRate,
		GatewayEUI: pkt.GatewayEUIHex,
		ReceivedAt: pkt.ReceivedAt.Format("2006-01-02T15:04:05Z"),
		MType:      pkt.MType,
		Source:     string(pkt.Source),
	}
	if err := client.Poke(ctx, agent, "json", msg); err != nil {
		logger.Warning(pkt.DevAddr, err, "failed to poke uplink")
		if !client.IsConnected() {
			if rErr := client.ConnectWithRetry(ctx, 3); rErr != nil {
				logger.Warning(pkt.DevAddr, rErr, "reconnect failed")
			}
		}
		return
	}
	metrics.UplinksForwarded.Inc()
}
