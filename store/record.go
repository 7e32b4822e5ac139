package store

// Direction distinguishes which way a stored message travelled.
type Direction string

const (
	Inbound  Direction = "Inbound"
	Outbound Direction = "Outbound"
)

// StoredRecord is one journal entry. Seq is the record's MsgSeqNum when one
// is known (inbound records carry the peer's; outbound records carry the one
// assigned at write time, and retransmissions carry none); only Outbound
// records with a Seq get an index entry. Payload is the raw encoded frame,
// never re-encoded on replay.
type StoredRecord struct {
	Session   SessionKey `json:"session"`
	Direction Direction  `json:"direction"`
	Seq       *int       `json:"seq"`
	TSMillis  int64      `json:"ts_millis"`
	Payload   []byte     `json:"-"`
}

// wireRecord is the on-disk JSON schema: payload is base64-encoded text.
type wireRecord struct {
	Session    SessionKey `json:"session"`
	Direction  Direction  `json:"direction"`
	Seq        *int       `json:"seq"`
	TSMillis   int64      `json:"ts_millis"`
	PayloadB64 string     `json:"payload_b64"`
}
