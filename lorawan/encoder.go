package lorawan

import "encoding/binary"

// FrameBuilder holds the parameters needed to build a downlink data frame.
// The integrity field is always emitted as zero; CMAC-AES128 computation
// belongs to a later, keyed phase.
type FrameBuilder struct {
	MType   MType
	DevAddr uint32
	FCnt    uint16
	FPort   uint8
	Payload []byte
}

// NewDownlink returns a builder for an unconfirmed downlink data frame, the
// shape produced by the outbox poller.
func NewDownlink(devAddr uint32, fcnt uint16, fPort uint8, payload []byte) FrameBuilder {
	return FrameBuilder{
		MType:   MTypeUnconfirmedDataDown,
		DevAddr: devAddr,
		FCnt:    fcnt,
		FPort:   fPort,
		Payload: payload,
	}
}

func mhdrFor(mtype MType) byte {
	switch mtype {
	case MTypeUnconfirmedDataDown:
		return 0x60
	case MTypeConfirmedDataDown:
		return 0xA0
	case MTypeUnconfirmedDataUp:
		return 0x40
	case MTypeConfirmedDataUp:
		return 0x80
	default:
		return 0x60
	}
}

// Build renders the raw PHY payload bytes, ready for base64 encoding into a
// txpk.data field.
func (b FrameBuilder) Build() []byte {
	frame := make([]byte, 0, 12+len(b.Payload))
	frame = append(frame, mhdrFor(b.MType))

	var devAddr [4]byte
	binary.LittleEndian.PutUint32(devAddr[:], b.DevAddr)
	frame = append(frame, devAddr[:]...)

	frame = append(frame, 0x00) // FCtrl: no ADR, no ACK, no FOpts

	var fcnt [2]byte
	binary.LittleEndian.PutUint16(fcnt[:], b.FCnt)
	frame = append(frame, fcnt[:]...)

	if len(b.Payload) > 0 {
		frame = append(frame, b.FPort)
		frame = append(frame, b.Payload...)
	}

	frame = append(frame, 0x00, 0x00, 0x00, 0x00) // MIC placeholder
	return frame
}
