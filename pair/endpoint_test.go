package pair

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/lora-gwmp/bridge/gwmp"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to reserve a free port: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func newTestEngine(t *testing.T) (*Engine, *net.UDPConn, *net.UDPConn, func()) {
	t.Helper()
	upstreamA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen upstreamA: %v", err)
	}
	upstreamB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen upstreamB: %v", err)
	}
	cfg := Config{
		GWABind:     "127.0.0.1:0",
		GWBBind:     "127.0.0.1:0",
		BridgeAAddr: upstreamA.LocalAddr().String(),
		BridgeBAddr: upstreamB.LocalAddr().String(),
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	cleanup := func() {
		cancel()
		upstreamA.Close()
		upstreamB.Close()
	}
	return eng, upstreamA, upstreamB, cleanup
}

func TestPushDataRelaysFromAToB(t *testing.T) {
	eng, upstreamA, upstreamB, cleanup := newTestEngine(t)
	defer cleanup()

	body := []byte(`{"rxpk":[{"freq":903.9,"data":"SGVsbG8="}]}`)
	datagram := gwmp.BuildPushData(0x0001, GatewayAID, body)
	if _, err := upstreamA.WriteToUDP(datagram, eng.a.conn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write PUSH_DATA to A: %v", err)
	}

	upstreamA.SetReadDeadline(time.Now().Add(2 * time.Second))
	ackBuf := make([]byte, 64)
	if _, err := upstreamA.Read(ackBuf); err != nil {
		t.Fatalf("read PUSH_ACK from A: %v", err)
	}

	upstreamB.SetReadDeadline(time.Now().Add(2 * time.Second))
	relayed := make([]byte, 1024)
	n, err := upstreamB.Read(relayed)
	if err != nil {
		t.Fatalf("read relayed PUSH_DATA at B: %v", err)
	}
	pkt, err := gwmp.Parse(relayed[:n])
	if err != nil {
		t.Fatalf("parse relayed datagram: %v", err)
	}
	if pkt.Kind != gwmp.KindPushData {
		t.Fatalf("expected PUSH_DATA, got %v", pkt.Kind)
	}
	if pkt.GatewayEUI != GatewayBID {
		t.Fatalf("expected relayed datagram to carry B's gateway id, got % x", pkt.GatewayEUI)
	}
	if string(pkt.Body) != string(body) {
		t.Fatalf("relayed body = %s, want %s", pkt.Body, body)
	}
}

func TestPullRespTransformsToRxpkAndAcksSuccess(t *testing.T) {
	eng, upstreamA, upstreamB, cleanup := newTestEngine(t)
	defer cleanup()

	// Prime A's tracker with a PUSH_DATA first; the TX_ACK itself is sent back
	// to the PULL_RESP's source address.
	pushFromA := gwmp.BuildPushData(0x0002, GatewayAID, []byte(`{}`))
	if _, err := upstreamA.WriteToUDP(pushFromA, eng.a.conn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("prime A tracker: %v", err)
	}
	upstreamA.SetReadDeadline(time.Now().Add(2 * time.Second))
	ackBuf := make([]byte, 64)
	if _, err := upstreamA.Read(ackBuf); err != nil {
		t.Fatalf("read initial PUSH_ACK: %v", err)
	}
	// Drain the relayed PUSH_DATA this produces at B.
	upstreamB.SetReadDeadline(time.Now().Add(2 * time.Second))
	drain := make([]byte, 1024)
	if _, err := upstreamB.Read(drain); err != nil {
		t.Fatalf("drain relayed push at B: %v", err)
	}

	txpkBody, err := json.Marshal(gwmp.PullRespBody{Txpk: gwmp.Txpk{
		Freq: 903.9,
		Datr: "SF10BW125",
		Codr: "4/5",
		Size: 5,
		Data: "SGVsbG8=",
	}})
	if err != nil {
		t.Fatalf("marshal txpk: %v", err)
	}
	pullResp := gwmp.BuildPullResp(0x0003, txpkBody)
	if _, err := upstreamA.WriteToUDP(pullResp, eng.a.conn.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write PULL_RESP to A: %v", err)
	}

	upstreamB.SetReadDeadline(time.Now().Add(2 * time.Second))
	relayed := make([]byte, 1024)
	n, err := upstreamB.Read(relayed)
	if err != nil {
		t.Fatalf("read relayed uplink at B: %v", err)
	}
	pkt, err := gwmp.Parse(relayed[:n])
	if err != nil {
		t.Fatalf("parse relayed uplink: %v", err)
	}
	if pkt.Kind != gwmp.KindPushData {
		t.Fatalf("expected PUSH_DATA at B, got %v", pkt.Kind)
	}
	var pushBody gwmp.PushDataBody
	if err := json.Unmarshal(pkt.Body, &pushBody); err != nil {
		t.Fatalf("unmarshal relayed body: %v", err)
	}
	if len(pushBody.Rxpk) != 1 {
		t.Fatalf("expected exactly one rxpk, got %d", len(pushBody.Rxpk))
	}
	rx := pushBody.Rxpk[0]
	if rx.Freq != 903.9 || rx.RSSI != -60 || rx.LSNR == nil || *rx.LSNR != 8.0 || rx.Datr != "SF10BW125" || rx.Codr != "4/5" || rx.Size != 5 || rx.Data != "SGVsbG8=" || rx.Modu != "LORA" {
		t.Fatalf("unexpected transformed rxpk: %+v", rx)
	}
	if rx.Tmst == nil || *rx.Tmst != 0 {
		t.Fatalf("expected tmst 0, got %+v", rx.Tmst)
	}

	upstreamA.SetReadDeadline(time.Now().Add(2 * time.Second))
	txAckBuf := make([]byte, 64)
	n, err = upstreamA.Read(txAckBuf)
	if err != nil {
		t.Fatalf("read TX_ACK at A: %v", err)
	}
	ackPkt, err := gwmp.Parse(txAckBuf[:n])
	if err != nil {
		t.Fatalf("parse TX_ACK: %v", err)
	}
	if ackPkt.Kind != gwmp.KindTxAck {
		t.Fatalf("expected TX_ACK, got %v", ackPkt.Kind)
	}
}
