// Package lorawan decodes and encodes LoRaWAN MAC frames (PHY payloads) as
// carried base64-encoded inside GWMP rxpk/txpk JSON objects. Message
// integrity (MIC) is neither verified on decode nor computed on encode; the
// encoder emits a zero placeholder, matching the unauthenticated phase this
// bridge currently operates in.
package lorawan

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MType identifies the LoRaWAN MAC message type, carried in the top three
// bits of the MHDR byte.
type MType byte

const (
	MTypeJoinRequest         MType = 0b000
	MTypeJoinAccept          MType = 0b001
	MTypeUnconfirmedDataUp   MType = 0b010
	MTypeUnconfirmedDataDown MType = 0b011
	MTypeConfirmedDataUp     MType = 0b100
	MTypeConfirmedDataDown   MType = 0b101
	MTypeRejoinRequest       MType = 0b110
	MTypeProprietary         MType = 0b111
)

func (m MType) String() string {
	switch m {
	case MTypeJoinRequest:
		return "JoinRequest"
	case MTypeJoinAccept:
		return "JoinAccept"
	case MTypeUnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case MTypeUnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case MTypeConfirmedDataUp:
		return "ConfirmedDataUp"
	case MTypeConfirmedDataDown:
		return "ConfirmedDataDown"
	case MTypeRejoinRequest:
		return "RejoinRequest"
	case MTypeProprietary:
		return "Proprietary"
	default:
		return fmt.Sprintf("MType(%d)", m)
	}
}

func mtypeFromMHDR(mhdr byte) MType {
	return MType((mhdr >> 5) & 0x07)
}

// FrameKind discriminates the variants of the Frame tagged union.
type FrameKind int

const (
	FrameKindData FrameKind = iota
	FrameKindJoinRequest
	FrameKindJoinAccept
	FrameKindProprietary
)

// FCtrl is the frame control byte of a data frame.
type FCtrl struct {
	ADR       bool
	ADRAckReq bool
	ACK       bool
	ClassB    bool
	FOptsLen  uint8 // 0..15
}

func (c FCtrl) encode() byte {
	var b byte
	if c.ADR {
		b |= 0x80
	}
	if c.ADRAckReq {
		b |= 0x40
	}
	if c.ACK {
		b |= 0x20
	}
	if c.ClassB {
		b |= 0x10
	}
	b |= c.FOptsLen & 0x0F
	return b
}

func decodeFCtrl(b byte) FCtrl {
	return FCtrl{
		ADR:       b&0x80 != 0,
		ADRAckReq: b&0x40 != 0,
		ACK:       b&0x20 != 0,
		ClassB:    b&0x10 != 0,
		FOptsLen:  b & 0x0F,
	}
}

// Frame is a tagged union over the LoRaWAN MAC frame variants this bridge
// understands. Exactly the fields relevant to Kind are populated.
type Frame struct {
	Kind FrameKind

	// Data frame (Kind == FrameKindData)
	MType      MType
	DevAddr    uint32
	FCtrl      FCtrl
	FCnt       uint16
	FOpts      []byte
	FPort      *uint8
	FRMPayload []byte
	MIC        uint32

	// JoinRequest (Kind == FrameKindJoinRequest)
	AppEUI   uint64
	DevEUI   uint64
	DevNonce uint16
	// MIC is shared with the data-frame field above.

	// JoinAccept (Kind == FrameKindJoinAccept)
	EncryptedPayload []byte

	// Proprietary (Kind == FrameKindProprietary)
	Payload []byte
}

var (
	ErrEmptyPayload      = errors.New("lorawan: empty PHY payload")
	ErrDataFrameTooShort = errors.New("lorawan: data frame too short")
	ErrJoinRequestSize   = errors.New("lorawan: join-request must be exactly 23 bytes")
	ErrFOptsOverlapsMIC  = errors.New("lorawan: fOpts length overlaps the integrity field")
	ErrRejoinUnsupported = errors.New("lorawan: rejoin-request is not supported")
)

// Decode parses a raw LoRaWAN PHY payload (the bytes obtained after
// base64-decoding an rxpk.data field).
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyPayload
	}
	mhdr := data[0]
	mtype := mtypeFromMHDR(mhdr)

	switch mtype {
	case MTypeJoinRequest:
		return decodeJoinRequest(data)
	case MTypeJoinAccept:
		return Frame{Kind: FrameKindJoinAccept, EncryptedPayload: append([]byte(nil), data[1:]...)}, nil
	case MTypeUnconfirmedDataUp, MTypeUnconfirmedDataDown, MTypeConfirmedDataUp, MTypeConfirmedDataDown:
		return decodeDataFrame(mtype, data)
	case MTypeProprietary:
		return Frame{Kind: FrameKindProprietary, Payload: append([]byte(nil), data[1:]...)}, nil
	case MTypeRejoinRequest:
		return Frame{}, ErrRejoinUnsupported
	default:
		return Frame{}, fmt.Errorf("lorawan: unrecognised mtype %d", mtype)
	}
}

func decodeJoinRequest(data []byte) (Frame, error) {
	// MHDR(1) + AppEUI(8) + DevEUI(8) + DevNonce(2) + MIC(4) = 23 bytes.
	if len(data) != 23 {
		return Frame{}, ErrJoinRequestSize
	}
	return Frame{
		Kind:     FrameKindJoinRequest,
		AppEUI:   binary.LittleEndian.Uint64(data[1:9]),
		DevEUI:   binary.LittleEndian.Uint64(data[9:17]),
		DevNonce: binary.LittleEndian.Uint16(data[17:19]),
		MIC:      binary.LittleEndian.Uint32(data[19:23]),
	}, nil
}

func decodeDataFrame(mtype MType, data []byte) (Frame, error) {
	// Minimum: MHDR(1) + DevAddr(4) + FCtrl(1) + FCnt(2) + MIC(4) = 12 bytes.
	if len(data) < 12 {
		return Frame{}, ErrDataFrameTooShort
	}
	devAddr := binary.LittleEndian.Uint32(data[1:5])
	fctrl := decodeFCtrl(data[5])
	fcnt := binary.LittleEndian.Uint16(data[6:8])

	fOptsEnd := 8 + int(fctrl.FOptsLen)
	micStart := len(data) - 4
	if fOptsEnd > micStart {
		return Frame{}, ErrFOptsOverlapsMIC
	}
	fOpts := append([]byte(nil), data[8:fOptsEnd]...)

	var fPort *uint8
	var frmPayload []byte
	if fOptsEnd < micStart {
		p := data[fOptsEnd]
		fPort = &p
		frmPayload = append([]byte(nil), data[fOptsEnd+1:micStart]...)
	}
	mic := binary.LittleEndian.Uint32(data[micStart:])

	return Frame{
		Kind:       FrameKindData,
		MType:      mtype,
		DevAddr:    devAddr,
		FCtrl:      fctrl,
		FCnt:       fcnt,
		FOpts:      fOpts,
		FPort:      fPort,
		FRMPayload: frmPayload,
		MIC:        mic,
	}, nil
}
