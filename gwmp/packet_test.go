package gwmp

import (
	"bytes"
	"testing"
)

func TestParsePushDataAndBuildPushAck(t *testing.T) {
	// Scenario 1 from the bridge's end-to-end test vectors: token 0x002A,
	// gateway id AA..11, body "{}".
	input := []byte{0x02, 0x00, 0x2A, 0x00, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11, 0x7B, 0x7D}
	pkt, err := Parse(input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkt.Kind != KindPushData {
		t.Fatalf("expected PUSH_DATA, got %v", pkt.Kind)
	}
	if pkt.Token != 0x002A {
		t.Fatalf("expected token 0x002A, got 0x%04x", pkt.Token)
	}
	if !pkt.HasGateway || !bytes.Equal(pkt.GatewayEUI[:], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}) {
		t.Fatalf("unexpected gateway EUI: %x", pkt.GatewayEUI)
	}
	if string(pkt.Body) != "{}" {
		t.Fatalf("unexpected body: %q", pkt.Body)
	}

	ack := BuildPushAck(pkt.Token)
	want := []byte{0x02, 0x00, 0x2A, 0x01}
	if !bytes.Equal(ack, want) {
		t.Fatalf("BuildPushAck = % x, want % x", ack, want)
	}
	if len(ack) != 4 {
		t.Fatalf("PUSH_ACK body must be exactly 4 bytes, got %d", len(ack))
	}
}

func TestParseTooShort(t *testing.T) {
	for _, data := range [][]byte{{}, {0x02}, {0x02, 0x00, 0x2A}} {
		if _, err := Parse(data); err != ErrTooShort {
			t.Fatalf("Parse(% x) = %v, want ErrTooShort", data, err)
		}
	}
}

func TestParseBadVersion(t *testing.T) {
	_, err := Parse([]byte{0x01, 0x00, 0x2A, 0x00})
	if err != ErrBadVersion {
		t.Fatalf("got %v, want ErrBadVersion", err)
	}
}

func TestParseUnknownKind(t *testing.T) {
	_, err := Parse([]byte{0x02, 0x00, 0x2A, 0x09})
	if err != ErrUnknownKind {
		t.Fatalf("got %v, want ErrUnknownKind", err)
	}
}

func TestParsePullDataAndAck(t *testing.T) {
	eui := [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	datagram := BuildPullData(0x1234, eui)
	pkt, err := Parse(datagram)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkt.Kind != KindPullData || pkt.Token != 0x1234 {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
	ack := BuildPullAck(pkt.Token)
	if !bytes.Equal(ack, []byte{0x02, 0x12, 0x34, 0x04}) {
		t.Fatalf("unexpected PULL_ACK: % x", ack)
	}
}

func TestParseTxAckSuccessVariants(t *testing.T) {
	eui := [8]byte{0xAA, 0, 0, 0, 0, 0, 0, 1}
	noBody := BuildTxAck(0x01, eui, nil)
	pkt, err := Parse(noBody)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkt.HasBody {
		t.Fatalf("expected no body, got %q", pkt.Body)
	}

	withBody := BuildTxAck(0x02, eui, []byte(`{"txpk_ack":{"error":"NONE"}}`))
	pkt2, err := Parse(withBody)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !pkt2.HasBody {
		t.Fatalf("expected body to be present")
	}
}

func TestOversizeDatagramRejected(t *testing.T) {
	huge := make([]byte, MaxDatagramLen+1)
	if _, err := Parse(huge); err != ErrTooLarge {
		t.Fatalf("got %v, want ErrTooLarge", err)
	}
}

func TestTxAckBodySuccess(t *testing.T) {
	cases := []struct {
		body TxAckBody
		want bool
	}{
		{TxAckBody{}, true},
		{TxAckBody{TxpkAck: TxAckError{Error: "NONE"}}, true},
		{TxAckBody{TxpkAck: TxAckError{Error: "TOO_LATE"}}, false},
	}
	for _, c := range cases {
		if got := c.body.Success(); got != c.want {
			t.Errorf("Success() = %v, want %v for %+v", got, c.want, c.body)
		}
	}
}
