// Command simulator sends a fixed sequence of Semtech packet forwarder
// datagrams to a bridge, so the uplink path can be exercised without gateway
// hardware.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/lora-gwmp/bridge/gwmp"
)

var gatewayEUI = [gwmp.GatewayEUILen]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}

type scenario struct {
	description string
	jsonBody    string
}

func main() {
	serverAddr := "127.0.0.1:1680"
	if len(os.Args) > 1 {
		serverAddr = os.Args[1]
	}
	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid server address %q: %v\n", serverAddr, err)
		os.Exit(1)
	}

	fmt.Println("LoRaWAN bridge gateway simulator")
	fmt.Printf("  target: %s\n", serverAddr)
	fmt.Printf("  gateway eui: %s\n\n", hex.EncodeToString(gatewayEUI[:]))

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open socket: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	scenarios := []scenario{
		{"unconfirmed data up (temperature sensor)", unconfirmedDataUpTemp()},
		{"confirmed data up (door sensor)", confirmedDataUpDoor()},
		{"join request", joinRequest()},
		{"gateway status", gatewayStatus()},
		{"unconfirmed data up (humidity sensor)", unconfirmedDataUpHumidity()},
	}

	var token uint16
	for _, s := range scenarios {
		token++
		packet := gwmp.BuildPushData(token, gatewayEUI, []byte(s.jsonBody))

		fmt.Printf("sending: %s (%d bytes)\n", s.description, len(packet))
		if _, err := conn.Write(packet); err != nil {
			fmt.Fprintf(os.Stderr, "  send error: %v\n", err)
			continue
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		ackBuf := make([]byte, 64)
		n, err := conn.Read(ackBuf)
		switch {
		case err != nil:
			fmt.Println("  no ACK (timeout or error):", err)
		case n >= 4 && ackBuf[3] == byte(gwmp.KindPushAck):
			fmt.Println("  PUSH_ACK received")
		default:
			fmt.Printf("  unexpected response (%d bytes)\n", n)
		}
		fmt.Println()

		time.Sleep(2 * time.Second)
	}

	fmt.Println("simulation complete")
}

// unconfirmedDataUpTemp mimics a temperature sensor: DevAddr 260B1234,
// FCnt 66, FPort 1.
func unconfirmedDataUpTemp() string {
	phy := []byte{0x40, 0x34, 0x12, 0x0B, 0x26, 0x80, 0x42, 0x00, 0x01, 0x00, 0xE1, 0x78, 0x56, 0x34, 0x12}
	return rxpkEnvelope(902.3, -65, 7.5, "SF7BW125", phy)
}

// confirmedDataUpDoor mimics a door sensor: DevAddr 260B5678, FCnt 7, FPort 2.
func confirmedDataUpDoor() string {
	phy := []byte{0x80, 0x78, 0x56, 0x0B, 0x26, 0x00, 0x07, 0x00, 0x02, 0x01, 0xDD, 0xCC, 0xBB, 0xAA}
	return rxpkEnvelope(903.9, -112, -5.0, "SF10BW125", phy)
}

// unconfirmedDataUpHumidity mimics a second uplink from the same device as
// the temperature sensor, at the next frame counter.
func unconfirmedDataUpHumidity() string {
	phy := []byte{0x40, 0x34, 0x12, 0x0B, 0x26, 0x80, 0x43, 0x00, 0x01, 0x41, 0x78, 0x56, 0x34, 0x12}
	return rxpkEnvelope(902.3, -68, 6.8, "SF7BW125", phy)
}

// joinRequest is a 23-byte join-request PHY payload from an unrecognized device.
func joinRequest() string {
	phy := []byte{
		0x00,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0xA8,
		0x42, 0x00,
		0xEF, 0xBE, 0xAD, 0xDE,
	}
	return rxpkEnvelope(902.3, -90, 2.0, "SF8BW125", phy)
}

// gatewayStatus carries no rxpk, only a stat object.
func gatewayStatus() string {
	return `{"stat":{"time":"2026-02-18 17:30:00 UTC","lati":29.7604,"long":-95.3698,"alti":15,"rxnb":47,"rxok":44,"rxfw":44,"ackr":100.0,"dwnb":3,"txnb":3}}`
}

func rxpkEnvelope(freq, rssi, lsnr float64, datr string, phy []byte) string {
	data := base64.StdEncoding.EncodeToString(phy)
	return fmt.Sprintf(
		`{"rxpk":[{"freq":%g,"rssi":%g,"lsnr":%g,"datr":"%s","codr":"4/5","size":%d,"data":"%s"}]}`,
		freq, rssi, lsnr, datr, len(phy), data,
	)
}
