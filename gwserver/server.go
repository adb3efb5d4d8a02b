// Package gwserver implements the GWMP receive loop, ACK discipline, gateway
// address tracking, and downlink dispatch (the bridge's C3 component).
package gwserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/lora-gwmp/bridge/datastruct"
	"github.com/lora-gwmp/bridge/gwmp"
	"github.com/lora-gwmp/bridge/lalog"
	"github.com/lora-gwmp/bridge/lorawan"
	"github.com/lora-gwmp/bridge/metrics"
	"github.com/lora-gwmp/bridge/misc"
)

// dedupCapacity bounds the number of recently-seen (source, token) pairs
// remembered to detect a gateway re-sending PUSH_DATA after an ACK it never
// received.
const dedupCapacity = 512

// recentUplinksCapacity bounds the in-memory diagnostic history of decoded
// uplinks, inspected via RecentUplinks.
const recentUplinksCapacity int64 = 50

// ErrNoGatewayAddress is returned by SendDownlink when no gateway has been
// tracked yet.
var ErrNoGatewayAddress = errors.New("gwserver: no gateway address known")

// Server operates a single GWMP listening socket, dispatching received
// datagrams and exposing a downlink-sender operation shared with the outbox
// poller.
type Server struct {
	AppName string

	conn      *net.UDPConn
	tracker   *Tracker
	logger    lalog.Logger
	rateLimit *misc.RateLimit
	uplinks   chan<- LoRaPacket
	dedup     *datastruct.LeastRecentlyUsedBuffer
	recent    *datastruct.RingBuffer
}

// New binds the listening socket at bind and returns a Server ready to run.
// uplinks may be nil, in which case decoded uplinks are dropped after
// logging (decode-only mode).
func New(bind string, appName string, uplinks chan<- LoRaPacket) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("gwserver: failed to resolve bind address %q: %w", bind, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("gwserver: failed to listen on %q: %w", bind, err)
	}
	logger := lalog.Logger{ComponentName: appName, ComponentID: []lalog.LoggerIDField{{Key: "Bind", Value: bind}}}
	rateLimit := &misc.RateLimit{UnitSecs: 1, MaxCount: 200, Logger: logger}
	rateLimit.Initialise()
	return &Server{
		AppName:   appName,
		conn:      conn,
		tracker:   NewTracker(),
		logger:    logger,
		rateLimit: rateLimit,
		uplinks:   uplinks,
		dedup:     datastruct.NewLeastRecentlyUsedBuffer(dedupCapacity),
		recent:    datastruct.NewRingBuffer(recentUplinksCapacity),
	}, nil
}

// RecentUplinks returns a snapshot of the most recently decoded uplinks, for
// operator inspection. The oldest entries are overwritten first.
func (s *Server) RecentUplinks() []string {
	return s.recent.GetAll()
}

// Tracker returns the server's gateway address tracker.
func (s *Server) Tracker() *Tracker { return s.tracker }

// Close releases the listening socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Run drives the receive loop until ctx is cancelled or the socket is
// closed. It never returns on a per-datagram error.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()
	buf := make([]byte, gwmp.MaxDatagramLen)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || strings.Contains(err.Error(), "closed") {
				return nil
			}
			s.logger.Warning("", err, "failed to read from socket")
			continue
		}
		if n == 0 {
			continue
		}
		if !s.rateLimit.Add(src.IP.String(), true) {
			metrics.GwmpParseErrors.WithLabelValues("rate-limited").Inc()
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.handleDatagram(datagram, src)
	}
}

func (s *Server) handleDatagram(datagram []byte, src *net.UDPAddr) {
	pkt, err := gwmp.Parse(datagram)
	if err != nil {
		s.logger.Warning(src.String(), err, "malformed GWMP datagram")
		metrics.GwmpParseErrors.WithLabelValues("malformed").Inc()
		return
	}
	switch pkt.Kind {
	case gwmp.KindPushData:
		s.handlePushData(pkt, src)
	case gwmp.KindPullData:
		s.handlePullData(pkt, src)
	case gwmp.KindTxAck:
		s.handleTxAck(pkt, src)
	case gwmp.KindPushAck, gwmp.KindPullAck:
		s.logger.Info(src.String(), nil, "observed %v on bridge socket, ignoring", pkt.Kind)
	case gwmp.KindPullResp:
		s.logger.Warning(src.String(), nil, "unexpected PULL_RESP on bridge socket")
	}
}

func (s *Server) handlePushData(pkt gwmp.Packet, src *net.UDPAddr) {
	// ACK immediately, before any further processing, so the gateway is never
	// kept waiting on decode work.
	ack := gwmp.BuildPushAck(pkt.Token)
	if _, err := s.conn.WriteToUDP(ack, src); err != nil {
		s.logger.Warning(src.String(), err, "failed to send PUSH_ACK")
	}
	s.tracker.Set(src)

	dedupKey := fmt.Sprintf("%s:%d", src.String(), pkt.Token)
	if alreadyPresent, _ := s.dedup.Add(dedupKey); alreadyPresent {
		s.logger.Info(src.String(), nil, "ignoring retransmitted PUSH_DATA token %d", pkt.Token)
		return
	}

	if !pkt.HasBody || len(pkt.Body) == 0 {
		return
	}
	var body gwmp.PushDataBody
	if err := json.Unmarshal(pkt.Body, &body); err != nil {
		s.logger.Warning(src.String(), err, "failed to parse PUSH_DATA JSON")
		return
	}
	for _, rxpk := range body.Rxpk {
		s.handleRxpk(pkt.GatewayEUI, rxpk)
	}
}

func (s *Server) handleRxpk(gatewayEUI [gwmp.GatewayEUILen]byte, rxpk gwmp.Rxpk) {
	phy, err := base64.StdEncoding.DecodeString(rxpk.Data)
	if err != nil {
		s.logger.Warning("", err, "failed to base64-decode rxpk data")
		return
	}
	frame, err := lorawan.Decode(phy)
	if err != nil {
		s.logger.Warning("", err, "failed to decode LoRaWAN frame")
		return
	}
	if frame.Kind != lorawan.FrameKindData {
		s.logger.Info("", nil, "dropping non-data frame kind %v", frame.Kind)
		return
	}
	if s.uplinks == nil {
		return
	}
	snr := 0.0
	if rxpk.LSNR != nil {
		snr = *rxpk.LSNR
	}
	packet := LoRaPacket{
		DevAddr:       fmt.Sprintf("%08X", frame.DevAddr),
		FCnt:          frame.FCnt,
		FPort:         frame.FPort,
		FRMPayloadHex: fmt.Sprintf("%x", frame.FRMPayload),
		RSSI:          rxpk.RSSI,
		SNR:           snr,
		Freq:          rxpk.Freq,
		DataRate:      rxpk.Datr,
		GatewayEUIHex: fmt.Sprintf("%x", gatewayEUI[:]),
		ReceivedAt:    time.Now().UTC(),
		MType:         frame.MType.String(),
		Source:        SourceLocal,
	}
	s.recent.Push(fmt.Sprintf("%s dev=%s fcnt=%d fport=%d rssi=%.1f", packet.ReceivedAt.Format(time.RFC3339), packet.DevAddr, packet.FCnt, packet.FPort, packet.RSSI))
	s.uplinks <- packet
}

func (s *Server) handlePullData(pkt gwmp.Packet, src *net.UDPAddr) {
	prev := s.tracker.Get()
	s.tracker.Set(src)
	if prev == nil || prev.String() != src.String() {
		s.logger.Info(src.String(), nil, "tracked gateway address changed")
	}
	ack := gwmp.BuildPullAck(pkt.Token)
	if _, err := s.conn.WriteToUDP(ack, src); err != nil {
		s.logger.Warning(src.String(), err, "failed to send PULL_ACK")
	}
}

func (s *Server) handleTxAck(pkt gwmp.Packet, src *net.UDPAddr) {
	success := true
	if pkt.HasBody && len(pkt.Body) > 0 {
		var body gwmp.TxAckBody
		if err := json.Unmarshal(pkt.Body, &body); err != nil {
			s.logger.Warning(src.String(), err, "failed to parse TX_ACK JSON")
			return
		}
		success = body.Success()
	}
	if success {
		s.logger.Info(src.String(), nil, "transmit succeeded")
	} else {
		s.logger.Warning(src.String(), nil, "transmit failed")
	}
}

// SendDownlink wraps txpk in a PULL_RESP envelope and transmits it to the
// tracked gateway address. It does not await the TX_ACK; correlation is
// informational only.
func (s *Server) SendDownlink(txpk gwmp.Txpk) error {
	addr := s.tracker.Get()
	if addr == nil {
		return ErrNoGatewayAddress
	}
	body, err := json.Marshal(gwmp.PullRespBody{Txpk: txpk})
	if err != nil {
		return fmt.Errorf("gwserver: failed to marshal txpk envelope: %w", err)
	}
	token := uint16(rand.Intn(1 << 16))
	datagram := gwmp.BuildPullResp(token, body)
	if _, err := s.conn.WriteToUDP(datagram, addr); err != nil {
		return fmt.Errorf("gwserver: failed to send downlink: %w", err)
	}
	metrics.DownlinksDispatched.Inc()
	return nil
}
