// Package outbox implements the outbox poller task (C6): on a fixed period it
// scries the upstream agent's pending downlinks, encodes each into a
// LoRaWAN frame, and hands it to the gateway server for transmission.
package outbox

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lora-gwmp/bridge/gwmp"
	"github.com/lora-gwmp/bridge/lalog"
	"github.com/lora-gwmp/bridge/lorawan"
	"github.com/lora-gwmp/bridge/metrics"
	"github.com/lora-gwmp/bridge/misc"
)

var logger = lalog.Logger{ComponentName: "outbox"}

// PollInterval is the fixed tick period between outbox scries.
const PollInterval = 2 * time.Second

const (
	downlinkFreq = 923.3
	downlinkPowe = 27
	downlinkModu = "LORA"
	downlinkDatr = "SF12BW500"
	downlinkCodr = "4/5"
	downlinkPort = 1
)

// BridgeClient is the subset of upstream.Client's behavior the poller
// depends on.
type BridgeClient interface {
	Scry(ctx context.Context, app, path string) (json.RawMessage, error)
	Poke(ctx context.Context, app, mark string, data interface{}) error
	IsConnected() bool
	ConnectWithRetry(ctx context.Context, maxAttempts int) error
}

// DownlinkSender is the subset of gwserver.Server's behavior the poller
// depends on.
type DownlinkSender interface {
	SendDownlink(txpk gwmp.Txpk) error
}

// OutboundMessage is one entry of the upstream agent's /outbox scry.
type OutboundMessage struct {
	ID        uint64 `json:"id"`
	DestShip  string `json:"dest-ship"`
	DestAddr  string `json:"dest-addr"`
	Payload   string `json:"payload"`
	QueuedAt  string `json:"queued-at"`
	SrcAddr   string `json:"src-addr,omitempty"`
}

// Poller owns a bridge client and a downlink sender, and drives the
// fixed-interval outbox scan.
type Poller struct {
	Agent  string
	client BridgeClient
	sender DownlinkSender

	mu   sync.Mutex
	fcnt uint16
}

// New constructs a Poller for the given agent, bridge client, and downlink
// sender.
func New(agent string, client BridgeClient, sender DownlinkSender) *Poller {
	return &Poller{Agent: agent, client: client, sender: sender}
}

// Run drives the poller until ctx is cancelled, using misc.Periodic as the
// fixed-interval task abstraction shared with the rest of the bridge.
func (p *Poller) Run(ctx context.Context) error {
	task := &misc.Periodic{
		LogActorName:   "outbox.Poller",
		Interval:       PollInterval,
		MaxInt:         1,
		StableInterval: true,
		Func: func(tickCtx context.Context, _ int, _ int) error {
			p.tick(tickCtx)
			return nil
		},
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("outbox: failed to start periodic task: %w", err)
	}
	return task.WaitForErr()
}

func (p *Poller) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.OutboxPollDuration.Observe(time.Since(start).Seconds())
	}()

	if !p.client.IsConnected() {
		if err := p.client.ConnectWithRetry(ctx, 1); err != nil {
			logger.Warning(p.Agent, err, "not connected, reconnect failed")
			return
		}
	}

	messages, err := p.fetchOutbox(ctx)
	if err != nil {
		logger.Warning(p.Agent, err, "failed to scry outbox")
		return
	}
	for _, msg := range messages {
		p.dispatch(ctx, msg)
	}
}

// fetchOutbox scries /outbox and unwraps one level of nesting if present:
// the upstream response envelope is not precisely documented, so a reply
// shaped as [[...]] is flattened to [...].
func (p *Poller) fetchOutbox(ctx context.Context) ([]OutboundMessage, error) {
	raw, err := p.client.Scry(ctx, p.Agent, "/outbox")
	if err != nil {
		return nil, err
	}
	var flat []OutboundMessage
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}
	var nested [][]OutboundMessage
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 0 {
			return nil, nil
		}
		return nested[0], nil
	}
	return nil, fmt.Errorf("outbox: unrecognized /outbox response shape: %s", raw)
}

func (p *Poller) dispatch(ctx context.Context, msg OutboundMessage) {
	txpk, err := p.buildTxpk(msg)
	if err != nil {
		logger.Warning(msg.DestAddr, err, "failed to build downlink frame for message %d", msg.ID)
		p.ackFailure(ctx, msg.ID)
		return
	}
	if err := p.sender.SendDownlink(txpk); err != nil {
		logger.Warning(msg.DestAddr, err, "failed to send downlink for message %d", msg.ID)
		p.ackFailure(ctx, msg.ID)
		return
	}
	p.ackSuccess(ctx, msg.ID)
}

func (p *Poller) buildTxpk(msg OutboundMessage) (gwmp.Txpk, error) {
	addrHex := msg.DestAddr
	if msg.SrcAddr != "" {
		addrHex = msg.SrcAddr
	}
	devAddr64, err := strconv.ParseUint(addrHex, 16, 32)
	if err != nil {
		return gwmp.Txpk{}, fmt.Errorf("outbox: malformed devAddr %q: %w", addrHex, err)
	}
	payload, err := hex.DecodeString(msg.Payload)
	if err != nil {
		return gwmp.Txpk{}, fmt.Errorf("outbox: malformed payload hex: %w", err)
	}

	frame := lorawan.NewDownlink(uint32(devAddr64), p.nextFCnt(), downlinkPort, payload).Build()
	return gwmp.Txpk{
		Imme: true,
		Freq: downlinkFreq,
		Powe: downlinkPowe,
		Modu: downlinkModu,
		Datr: downlinkDatr,
		Codr: downlinkCodr,
		IPol: true,
		NCRC: true,
		Size: uint16(len(frame)),
		Data: base64.StdEncoding.EncodeToString(frame),
	}, nil
}

func (p *Poller) nextFCnt() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	fcnt := p.fcnt
	p.fcnt++
	return fcnt
}

func (p *Poller) ackSuccess(ctx context.Context, id uint64) {
	if err := p.client.Poke(ctx, p.Agent, "json", map[string]interface{}{"action": "tx-ack", "msg-id": id}); err != nil {
		logger.MaybeMinorError(err)
	}
}

func (p *Poller) ackFailure(ctx context.Context, id uint64) {
	if err := p.client.Poke(ctx, p.Agent, "json", map[string]interface{}{"action": "tx-fail", "msg-id": id}); err != nil {
		logger.MaybeMinorError(err)
	}
}
