package gwserver

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/lora-gwmp/bridge/gwmp"
)

func newLoopbackGateway(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to open gateway socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startServer(t *testing.T, uplinks chan<- LoRaPacket) (*Server, func()) {
	t.Helper()
	srv, err := New("127.0.0.1:0", "test", uplinks)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	return srv, cancel
}

func (s *Server) addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func TestPushDataTriggersPushAck(t *testing.T) {
	srv, cancel := startServer(t, nil)
	defer cancel()
	gw := newLoopbackGateway(t)

	eui := [8]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}
	datagram := gwmp.BuildPushData(0x002A, eui, []byte("{}"))
	if _, err := gw.WriteToUDP(datagram, srv.addr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	gw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := gw.Read(buf)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	want := []byte{0x02, 0x00, 0x2A, 0x01}
	if string(buf[:n]) != string(want) {
		t.Fatalf("ack = % x, want % x", buf[:n], want)
	}
}

func TestPullDataUpdatesTrackerAndAcks(t *testing.T) {
	srv, cancel := startServer(t, nil)
	defer cancel()
	gw := newLoopbackGateway(t)

	eui := [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	datagram := gwmp.BuildPullData(0x1234, eui)
	if _, err := gw.WriteToUDP(datagram, srv.addr()); err != nil {
		t.Fatalf("write: %v", err)
	}

	gw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := gw.Read(buf)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if string(buf[:n]) != string([]byte{0x02, 0x12, 0x34, 0x04}) {
		t.Fatalf("unexpected PULL_ACK: % x", buf[:n])
	}

	deadline := time.Now().Add(time.Second)
	for !srv.Tracker().Known() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !srv.Tracker().Known() {
		t.Fatalf("expected tracker to record gateway address after PULL_DATA")
	}
}

func TestSendDownlinkFailsWithoutTrackedGateway(t *testing.T) {
	srv, cancel := startServer(t, nil)
	defer cancel()

	err := srv.SendDownlink(gwmp.Txpk{Data: "AA=="})
	if err != ErrNoGatewayAddress {
		t.Fatalf("got %v, want ErrNoGatewayAddress", err)
	}
}

func TestSendDownlinkSucceedsAfterPullData(t *testing.T) {
	srv, cancel := startServer(t, nil)
	defer cancel()
	gw := newLoopbackGateway(t)

	eui := [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if _, err := gw.WriteToUDP(gwmp.BuildPullData(0x0001, eui), srv.addr()); err != nil {
		t.Fatalf("write PULL_DATA: %v", err)
	}
	// Drain the PULL_ACK.
	gw.SetReadDeadline(time.Now().Add(2 * time.Second))
	ackBuf := make([]byte, 64)
	if _, err := gw.Read(ackBuf); err != nil {
		t.Fatalf("read PULL_ACK: %v", err)
	}

	payload := base64.StdEncoding.EncodeToString([]byte("hello"))
	if err := srv.SendDownlink(gwmp.Txpk{Data: payload}); err != nil {
		t.Fatalf("SendDownlink: %v", err)
	}

	gw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := gw.Read(buf)
	if err != nil {
		t.Fatalf("read downlink: %v", err)
	}
	pkt, err := gwmp.Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse downlink: %v", err)
	}
	if pkt.Kind != gwmp.KindPullResp {
		t.Fatalf("expected PULL_RESP, got %v", pkt.Kind)
	}
}

func TestDuplicatePushDataTokenIsNotReprocessed(t *testing.T) {
	uplinks := make(chan LoRaPacket, 4)
	srv, cancel := startServer(t, uplinks)
	defer cancel()
	gw := newLoopbackGateway(t)

	eui := [8]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}
	phy := []byte{0x40, 0x34, 0x12, 0x0B, 0x26, 0x80, 0x42, 0x00, 0x01, 0x00, 0xE1, 0x78, 0x56, 0x34, 0x12}
	rxpkJSON := []byte(`{"rxpk":[{"freq":902.3,"rssi":-65,"lsnr":7.5,"datr":"SF7BW125","codr":"4/5","size":` +
		"15" + `,"data":"` + base64.StdEncoding.EncodeToString(phy) + `"}]}`)
	datagram := gwmp.BuildPushData(0x0077, eui, rxpkJSON)

	for i := 0; i < 2; i++ {
		if _, err := gw.WriteToUDP(datagram, srv.addr()); err != nil {
			t.Fatalf("write: %v", err)
		}
		gw.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		if _, err := gw.Read(buf); err != nil {
			t.Fatalf("read ack: %v", err)
		}
	}

	select {
	case <-uplinks:
	case <-time.After(time.Second):
		t.Fatalf("expected one decoded uplink")
	}
	select {
	case pkt := <-uplinks:
		t.Fatalf("unexpected second uplink from retransmitted token: %+v", pkt)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRecentUplinksRecordsDecodedPackets(t *testing.T) {
	uplinks := make(chan LoRaPacket, 4)
	srv, cancel := startServer(t, uplinks)
	defer cancel()
	gw := newLoopbackGateway(t)

	eui := [8]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}
	phy := []byte{0x40, 0x34, 0x12, 0x0B, 0x26, 0x80, 0x42, 0x00, 0x01, 0x00, 0xE1, 0x78, 0x56, 0x34, 0x12}
	rxpkJSON := []byte(`{"rxpk":[{"freq":902.3,"rssi":-65,"lsnr":7.5,"datr":"SF7BW125","codr":"4/5","size":` +
		"15" + `,"data":"` + base64.StdEncoding.EncodeToString(phy) + `"}]}`)
	if _, err := gw.WriteToUDP(gwmp.BuildPushData(0x0099, eui, rxpkJSON), srv.addr()); err != nil {
		t.Fatalf("write: %v", err)
	}
	gw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	if _, err := gw.Read(buf); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	select {
	case <-uplinks:
	case <-time.After(time.Second):
		t.Fatalf("expected one decoded uplink")
	}

	deadline := time.Now().Add(time.Second)
	for len(srv.RecentUplinks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	entries := srv.RecentUplinks()
	if len(entries) != 1 {
		t.Fatalf("expected 1 recent uplink entry, got %d: %v", len(entries), entries)
	}
}

func TestPushDataUpdatesTrackerEvenWithoutPullData(t *testing.T) {
	srv, cancel := startServer(t, nil)
	defer cancel()
	gw := newLoopbackGateway(t)

	eui := [8]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}
	if _, err := gw.WriteToUDP(gwmp.BuildPushData(0x0001, eui, []byte("{}")), srv.addr()); err != nil {
		t.Fatalf("write: %v", err)
	}
	gw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	if _, err := gw.Read(buf); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !srv.Tracker().Known() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !srv.Tracker().Known() {
		t.Fatalf("expected PUSH_DATA to also update the tracker")
	}
}
