// Package pair implements the gateway-pair relay engine (C7): two mirrored
// GWMP endpoints that relay uplinks and downlinks between each other so two
// independent upstream hosts can exercise gateway traffic without hardware.
package pair

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/lora-gwmp/bridge/gwmp"
	"github.com/lora-gwmp/bridge/gwserver"
	"github.com/lora-gwmp/bridge/lalog"
)

// Keepalive is the PULL_DATA interval each endpoint sends toward its own
// upstream address.
const Keepalive = 10 * time.Second

// Default bind addresses and gateway identifiers, ported from the reference
// gateway-pair tooling.
var (
	DefaultGWABind      = "0.0.0.0:1700"
	DefaultGWBBind      = "0.0.0.0:1701"
	DefaultBridgeAAddr  = "127.0.0.1:1680"
	DefaultBridgeBAddr  = "127.0.0.1:1681"
	GatewayAID          = [gwmp.GatewayEUILen]byte{0xAA, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	GatewayBID          = [gwmp.GatewayEUILen]byte{0xBB, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// Config names the bind address and default upstream for each side.
type Config struct {
	GWABind     string
	GWBBind     string
	BridgeAAddr string
	BridgeBAddr string
}

// DefaultConfig returns the reference defaults.
func DefaultConfig() Config {
	return Config{
		GWABind:     DefaultGWABind,
		GWBBind:     DefaultGWBBind,
		BridgeAAddr: DefaultBridgeAAddr,
		BridgeBAddr: DefaultBridgeBAddr,
	}
}

type endpoint struct {
	name       string
	conn       *net.UDPConn
	tracker    *gwserver.Tracker
	gatewayID  [gwmp.GatewayEUILen]byte
	defaultUp  *net.UDPAddr
	logger     lalog.Logger
	tokens     *uint32
}

func newEndpoint(name, bind, defaultUpstream string, gatewayID [gwmp.GatewayEUILen]byte, tokens *uint32) (*endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("pair: failed to resolve %s bind address %q: %w", name, bind, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("pair: failed to listen on %s %q: %w", name, bind, err)
	}
	defAddr, err := net.ResolveUDPAddr("udp", defaultUpstream)
	if err != nil {
		return nil, fmt.Errorf("pair: failed to resolve %s default upstream %q: %w", name, defaultUpstream, err)
	}
	return &endpoint{
		name:      name,
		conn:      conn,
		tracker:   gwserver.NewTracker(),
		gatewayID: gatewayID,
		defaultUp: defAddr,
		logger:    lalog.Logger{ComponentName: "pair", ComponentID: []lalog.LoggerIDField{{Key: "Endpoint", Value: name}}},
		tokens:    tokens,
	}, nil
}

func (e *endpoint) upstreamAddr() *net.UDPAddr {
	if addr := e.tracker.Get(); addr != nil {
		return addr
	}
	return e.defaultUp
}

func (e *endpoint) nextToken() uint16 {
	return uint16(atomic.AddUint32(e.tokens, 1))
}

func (e *endpoint) close() error {
	return e.conn.Close()
}

// Engine drives the two-sided relay.
type Engine struct {
	a, b   *endpoint
	tokens uint32
}

// New constructs a Engine with both endpoints bound and ready to run.
func New(cfg Config) (*Engine, error) {
	eng := &Engine{}
	a, err := newEndpoint("A", cfg.GWABind, cfg.BridgeAAddr, GatewayAID, &eng.tokens)
	if err != nil {
		return nil, err
	}
	b, err := newEndpoint("B", cfg.GWBBind, cfg.BridgeBAddr, GatewayBID, &eng.tokens)
	if err != nil {
		a.close()
		return nil, err
	}
	eng.a = a
	eng.b = b
	return eng, nil
}

// Close releases both endpoints' sockets.
func (e *Engine) Close() {
	e.a.close()
	e.b.close()
}

// Run drives both receive loops and both keepalive timers until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		e.a.conn.Close()
		e.b.conn.Close()
		close(done)
	}()

	go e.keepalive(ctx, e.a)
	go e.keepalive(ctx, e.b)
	go e.receiveLoop(ctx, e.a, e.b)
	e.receiveLoop(ctx, e.b, e.a)

	<-done
	return nil
}

func (e *Engine) keepalive(ctx context.Context, ep *endpoint) {
	ticker := time.NewTicker(Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			datagram := gwmp.BuildPullData(ep.nextToken(), ep.gatewayID)
			if _, err := ep.conn.WriteToUDP(datagram, ep.upstreamAddr()); err != nil {
				ep.logger.Warning(ep.name, err, "failed to send keepalive PULL_DATA")
			}
		case <-ctx.Done():
			return
		}
	}
}

// receiveLoop runs on src's socket, relaying PUSH_DATA and PULL_RESP traffic
// to dst.
func (e *Engine) receiveLoop(ctx context.Context, src, dst *endpoint) {
	buf := make([]byte, gwmp.MaxDatagramLen)
	for {
		n, addr, err := src.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		e.handleDatagram(src, dst, datagram, addr)
	}
}

func (e *Engine) handleDatagram(src, dst *endpoint, datagram []byte, addr *net.UDPAddr) {
	pkt, err := gwmp.Parse(datagram)
	if err != nil {
		src.logger.Warning(addr.String(), err, "malformed GWMP datagram, dropping")
		return
	}
	switch pkt.Kind {
	case gwmp.KindPushData:
		src.tracker.Set(addr)
		ack := gwmp.BuildPushAck(pkt.Token)
		if _, err := src.conn.WriteToUDP(ack, addr); err != nil {
			src.logger.Warning(addr.String(), err, "failed to send PUSH_ACK")
		}
		e.relayPushData(src, dst, pkt)
	case gwmp.KindPullData:
		src.tracker.Set(addr)
		ack := gwmp.BuildPullAck(pkt.Token)
		if _, err := src.conn.WriteToUDP(ack, addr); err != nil {
			src.logger.Warning(addr.String(), err, "failed to send PULL_ACK")
		}
	case gwmp.KindPullResp:
		e.relayPullResp(src, dst, pkt, addr)
	case gwmp.KindPushAck, gwmp.KindPullAck, gwmp.KindTxAck:
		// Replies to our own keepalive/relay traffic; nothing further to do.
	default:
		src.logger.Warning(addr.String(), nil, "unknown packet kind, dropping")
	}
}

func (e *Engine) relayPushData(src, dst *endpoint, pkt gwmp.Packet) {
	body := pkt.Body
	if body == nil {
		body = []byte{}
	}
	datagram := gwmp.BuildPushData(dst.nextToken(), dst.gatewayID, body)
	if _, err := dst.conn.WriteToUDP(datagram, dst.upstreamAddr()); err != nil {
		dst.logger.Warning(dst.name, err, "failed to relay PUSH_DATA")
	}
}

// relayPullResp transforms the txpk into an rxpk and forwards it as a
// PUSH_DATA from dst's socket, then acknowledges src with a TX_ACK.
func (e *Engine) relayPullResp(src, dst *endpoint, pkt gwmp.Packet, addr *net.UDPAddr) {
	var body gwmp.PullRespBody
	if err := json.Unmarshal(pkt.Body, &body); err != nil {
		src.logger.Warning(src.name, err, "failed to parse PULL_RESP body")
		return
	}
	lsnr := 8.0
	rxpk := gwmp.Rxpk{
		Freq: body.Txpk.Freq,
		RSSI: -60,
		LSNR: &lsnr,
		Datr: body.Txpk.Datr,
		Codr: body.Txpk.Codr,
		Modu: "LORA",
		Size: body.Txpk.Size,
		Data: body.Txpk.Data,
		Tmst: zeroTmst(),
	}
	pushBody, err := json.Marshal(gwmp.PushDataBody{Rxpk: []gwmp.Rxpk{rxpk}})
	if err != nil {
		src.logger.Warning(src.name, err, "failed to marshal relayed rxpk")
		return
	}
	datagram := gwmp.BuildPushData(dst.nextToken(), dst.gatewayID, pushBody)
	if _, err := dst.conn.WriteToUDP(datagram, dst.upstreamAddr()); err != nil {
		dst.logger.Warning(dst.name, err, "failed to relay transformed downlink")
		return
	}

	ack := gwmp.BuildTxAck(pkt.Token, src.gatewayID, nil)
	if _, err := src.conn.WriteToUDP(ack, addr); err != nil {
		src.logger.Warning(src.name, err, "failed to send TX_ACK")
	}
}

func zeroTmst() *uint32 {
	var z uint32
	return &z
}
