// Package fix implements the FIX 4.4 wire codec: frame extraction, encode,
// and decode, with checksum and body-length validation. It has no notion of
// sessions, sockets, or sequencing; those live in package session.
package fix

import "sort"

// SOH is the FIX field delimiter, ASCII 0x01.
const SOH = 0x01

// BeginString is the only supported FIX version.
const BeginString = "FIX.4.4"

// MsgType is the literal value of tag 35. The well-known admin codes have
// named constants; any other value is carried as-is.
type MsgType string

const (
	MsgTypeLogon         MsgType = "A"
	MsgTypeHeartbeat     MsgType = "0"
	MsgTypeTestRequest   MsgType = "1"
	MsgTypeLogout        MsgType = "5"
	MsgTypeResendRequest MsgType = "2"
	MsgTypeSequenceReset MsgType = "4"
)

// IsAdmin reports whether mt is one of the six session-layer message types
// this engine understands natively.
func (mt MsgType) IsAdmin() bool {
	switch mt {
	case MsgTypeLogon, MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeLogout, MsgTypeResendRequest, MsgTypeSequenceReset:
		return true
	default:
		return false
	}
}

// Header tags excluded from FixMessage.Fields; they are carried as
// dedicated struct members or derived at encode time.
const (
	TagBeginString = 8
	TagBodyLength  = 9
	TagMsgType     = 35
	TagCheckSum    = 10

	TagMsgSeqNum       = 34
	TagSenderCompID    = 49
	TagTargetCompID    = 56
	TagHeartBtInt      = 108
	TagEncryptMethod   = 98
	TagResetSeqNumFlag = 141
	TagTestReqID       = 112
	TagText            = 58
	TagSessionStatus   = 1409
	TagBeginSeqNo      = 7
	TagEndSeqNo        = 16
	TagNewSeqNo        = 36
	TagGapFillFlag     = 123
	TagPossDupFlag     = 43
	TagOrigSendingTime = 122
)

// FixMessage is a parsed FIX message. Fields excludes tags 8, 9, 10, 35;
// those are represented by BeginString, BodyLength, and MsgType, and the
// checksum is never retained since it is recomputed on encode.
type FixMessage struct {
	BeginString string
	BodyLength  int
	MsgType     MsgType
	Fields      map[int]string
}

// NewMessage constructs an empty message of the given type with BeginString
// already set to FIX.4.4.
func NewMessage(mt MsgType) FixMessage {
	return FixMessage{
		BeginString: BeginString,
		MsgType:     mt,
		Fields:      make(map[int]string),
	}
}

// Set stores tag=value. Setting one of the header/trailer tags (8, 9, 10,
// 35) is a no-op since those are never read from Fields on encode.
func (m *FixMessage) Set(tag int, value string) {
	if tag == TagBeginString || tag == TagBodyLength || tag == TagCheckSum || tag == TagMsgType {
		return
	}
	if m.Fields == nil {
		m.Fields = make(map[int]string)
	}
	m.Fields[tag] = value
}

// Get returns the value for tag and whether it was present.
func (m *FixMessage) Get(tag int) (string, bool) {
	v, ok := m.Fields[tag]
	return v, ok
}

// sortedTags returns the application-field tags of m in ascending order,
// skipping the header/trailer tags handled separately by encode.
func (m *FixMessage) sortedTags() []int {
	tags := make([]int, 0, len(m.Fields))
	for t := range m.Fields {
		if t == TagBeginString || t == TagBodyLength || t == TagCheckSum || t == TagMsgType {
			continue
		}
		tags = append(tags, t)
	}
	sort.Ints(tags)
	return tags
}
