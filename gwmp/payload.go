package gwmp

import "encoding/json"

// Rxpk describes one received radio packet, as carried inside a PUSH_DATA
// JSON body.
type Rxpk struct {
	Freq float64  `json:"freq"`
	RSSI float64  `json:"rssi"`
	LSNR *float64 `json:"lsnr,omitempty"`
	Datr string   `json:"datr"`
	Codr string   `json:"codr"`
	Modu string   `json:"modu"`
	Size uint16   `json:"size"`
	Data string   `json:"data"`
	Tmst *uint32  `json:"tmst,omitempty"`
	Time *string  `json:"time,omitempty"`
}

// Txpk describes one transmit request, as carried inside a PULL_RESP JSON
// body.
type Txpk struct {
	Imme bool    `json:"imme"`
	Tmst *uint32 `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh int     `json:"rfch"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	IPol bool    `json:"ipol"`
	NCRC bool    `json:"ncrc"`
	Size uint16  `json:"size"`
	Data string  `json:"data"`
}

// PushDataBody is the JSON shape carried by a PUSH_DATA packet.
type PushDataBody struct {
	Rxpk []Rxpk          `json:"rxpk,omitempty"`
	Stat json.RawMessage `json:"stat,omitempty"`
}

// PullRespBody is the JSON shape carried by a PULL_RESP packet.
type PullRespBody struct {
	Txpk Txpk `json:"txpk"`
}

// TxAckError is the inner object of a TX_ACK JSON body.
type TxAckError struct {
	Error string `json:"error"`
}

// TxAckBody is the JSON shape carried by a TX_ACK packet.
type TxAckBody struct {
	TxpkAck TxAckError `json:"txpk_ack"`
}

// Success reports whether the TX_ACK body indicates a successful transmit.
// An absent error field or the literal value "NONE" both mean success.
func (b TxAckBody) Success() bool {
	return b.TxpkAck.Error == "" || b.TxpkAck.Error == "NONE"
}
