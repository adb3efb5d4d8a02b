package outbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lora-gwmp/bridge/gwmp"
)

type fakeBridgeClient struct {
	mu        sync.Mutex
	connected bool
	scryBody  string
	scryErr   error
	pokes     []map[string]interface{}
}

func (f *fakeBridgeClient) Scry(ctx context.Context, app, path string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scryErr != nil {
		return nil, f.scryErr
	}
	return json.RawMessage(f.scryBody), nil
}

func (f *fakeBridgeClient) Poke(ctx context.Context, app, mark string, data interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, _ := data.(map[string]interface{})
	f.pokes = append(f.pokes, m)
	return nil
}

func (f *fakeBridgeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBridgeClient) ConnectWithRetry(ctx context.Context, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []gwmp.Txpk
	err   error
}

func (f *fakeSender) SendDownlink(txpk gwmp.Txpk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, txpk)
	return nil
}

func TestDispatchBuildsExactFrameAndAcksSuccess(t *testing.T) {
	client := &fakeBridgeClient{
		connected: true,
		scryBody:  `[{"id":7,"dest-ship":"~bus","dest-addr":"DEADBEEF","payload":"01020304"}]`,
	}
	sender := &fakeSender{}
	p := New("lora-agent", client, sender)

	p.tick(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("expected one downlink sent, got %d", len(sender.sent))
	}
	frame, err := decodeBase64(sender.sent[0].Data)
	if err != nil {
		t.Fatalf("decode txpk data: %v", err)
	}
	want := []byte{0x60, 0xEF, 0xBE, 0xAD, 0xDE, 0x00, 0x00, 0x00, 0x01, 0x01, 0x02, 0x03, 0x04, 0x00, 0x00, 0x00, 0x00}
	if string(frame) != string(want) {
		t.Fatalf("frame = % x, want % x", frame, want)
	}
	if sender.sent[0].Freq != downlinkFreq || sender.sent[0].Datr != downlinkDatr || sender.sent[0].Codr != downlinkCodr {
		t.Fatalf("unexpected txpk radio parameters: %+v", sender.sent[0])
	}

	if len(client.pokes) != 1 || client.pokes[0]["action"] != "tx-ack" || client.pokes[0]["msg-id"] != uint64(7) {
		t.Fatalf("expected tx-ack poke for msg-id 7, got %+v", client.pokes)
	}
}

func TestDispatchPrefersSrcAddrOverDestAddr(t *testing.T) {
	client := &fakeBridgeClient{
		connected: true,
		scryBody:  `[{"id":1,"dest-addr":"DEADBEEF","payload":"AA","src-addr":"00000001"}]`,
	}
	sender := &fakeSender{}
	p := New("lora-agent", client, sender)

	p.tick(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("expected one downlink sent, got %d", len(sender.sent))
	}
	frame, err := decodeBase64(sender.sent[0].Data)
	if err != nil {
		t.Fatalf("decode txpk data: %v", err)
	}
	if frame[1] != 0x01 || frame[2] != 0x00 || frame[3] != 0x00 || frame[4] != 0x00 {
		t.Fatalf("expected devAddr from src-addr (00000001), got % x", frame[1:5])
	}
}

func TestDispatchAcksFailureOnSendError(t *testing.T) {
	client := &fakeBridgeClient{
		connected: true,
		scryBody:  `[{"id":9,"dest-addr":"DEADBEEF","payload":"AA"}]`,
	}
	sender := &fakeSender{err: errors.New("no gateway known")}
	p := New("lora-agent", client, sender)

	p.tick(context.Background())

	if len(client.pokes) != 1 || client.pokes[0]["action"] != "tx-fail" || client.pokes[0]["msg-id"] != uint64(9) {
		t.Fatalf("expected tx-fail poke for msg-id 9, got %+v", client.pokes)
	}
}

func TestDispatchAcksFailureOnMalformedPayload(t *testing.T) {
	client := &fakeBridgeClient{
		connected: true,
		scryBody:  `[{"id":3,"dest-addr":"DEADBEEF","payload":"not-hex"}]`,
	}
	sender := &fakeSender{}
	p := New("lora-agent", client, sender)

	p.tick(context.Background())

	if len(sender.sent) != 0 {
		t.Fatalf("expected no downlink sent for malformed payload, got %d", len(sender.sent))
	}
	if len(client.pokes) != 1 || client.pokes[0]["action"] != "tx-fail" {
		t.Fatalf("expected tx-fail poke, got %+v", client.pokes)
	}
}

func TestFetchOutboxUnwrapsOneLevelOfNesting(t *testing.T) {
	client := &fakeBridgeClient{
		connected: true,
		scryBody:  `[[{"id":1,"dest-addr":"DEADBEEF","payload":"AA"}]]`,
	}
	p := New("lora-agent", client, &fakeSender{})

	msgs, err := p.fetchOutbox(context.Background())
	if err != nil {
		t.Fatalf("fetchOutbox: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 1 {
		t.Fatalf("unexpected unwrapped messages: %+v", msgs)
	}
}

func TestFCntMonotonicAcrossDispatches(t *testing.T) {
	client := &fakeBridgeClient{
		connected: true,
		scryBody:  `[{"id":1,"dest-addr":"DEADBEEF","payload":"AA"},{"id":2,"dest-addr":"DEADBEEF","payload":"BB"}]`,
	}
	sender := &fakeSender{}
	p := New("lora-agent", client, sender)

	p.tick(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("expected two downlinks, got %d", len(sender.sent))
	}
	frame0, _ := decodeBase64(sender.sent[0].Data)
	frame1, _ := decodeBase64(sender.sent[1].Data)
	fcnt0 := uint16(frame0[5]) | uint16(frame0[6])<<8
	fcnt1 := uint16(frame1[5]) | uint16(frame1[6])<<8
	if fcnt0 != 0 || fcnt1 != 1 {
		t.Fatalf("expected fcnt 0 then 1, got %d then %d", fcnt0, fcnt1)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	client := &fakeBridgeClient{connected: true, scryBody: `[]`}
	p := New("lora-agent", client, &fakeSender{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
