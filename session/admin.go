package session

import (
	"strconv"

	"github.com/gurre/fixgo/fix"
)

// AdminKind identifies which of the six session-layer admin messages an
// AdminMessage represents.
type AdminKind int

const (
	KindLogon AdminKind = iota
	KindHeartbeat
	KindTestRequest
	KindLogout
	KindResendRequest
	KindSequenceReset
)

// AdminMessage is the engine's typed representation of an outbound
// session-layer message, built before SenderCompID/TargetCompID/MsgSeqNum
// are known. ToFixMessage fills those in at transmission time.
type AdminMessage struct {
	Kind AdminKind

	// Logon
	HeartBtIntSecs int
	EncryptMethod  string
	ResetSeqNum    bool

	// Heartbeat / TestRequest echo or id
	TestReqID string

	// Logout
	Text          string
	SessionStatus string

	// ResendRequest
	BeginSeqNo int
	EndSeqNo   int

	// SequenceReset
	NewSeqNo int
	GapFill  bool
}

// ToFixMessage builds the wire-ready FixMessage for this admin variant and
// stamps SenderCompID (49), TargetCompID (56), and MsgSeqNum (34) from the
// caller-supplied identity and sequence number. This is the point at which
// monotonicity is enforced: callers pass a seq obtained from
// State.NextOutSeq at write time, never at submission time. BuildResend is
// the one exception: a GapFill re-uses the original seq of the first
// message it covers.
func (a AdminMessage) ToFixMessage(senderCompID, targetCompID string, seq int) fix.FixMessage {
	var m fix.FixMessage
	switch a.Kind {
	case KindLogon:
		m = fix.BuildLogon(a.HeartBtIntSecs, a.EncryptMethod, a.ResetSeqNum)
	case KindHeartbeat:
		m = fix.BuildHeartbeat(a.TestReqID)
	case KindTestRequest:
		m = fix.BuildTestRequest(a.TestReqID)
	case KindLogout:
		m = fix.BuildLogout(a.Text, a.SessionStatus)
	case KindResendRequest:
		m = fix.BuildResendRequest(a.BeginSeqNo, a.EndSeqNo)
	case KindSequenceReset:
		m = fix.BuildSequenceReset(a.NewSeqNo, a.GapFill)
	}
	m.Set(fix.TagSenderCompID, senderCompID)
	m.Set(fix.TagTargetCompID, targetCompID)
	m.Set(fix.TagMsgSeqNum, strconv.Itoa(seq))
	return m
}

// ParseAdmin extracts the typed admin variant from a decoded FixMessage,
// the inverse of ToFixMessage. It returns ok=false for any non-admin
// MsgType; application messages are left to the caller to parse.
func ParseAdmin(msg fix.FixMessage) (AdminMessage, bool) {
	atoi := func(tag int) int {
		s, _ := msg.Get(tag)
		n, _ := strconv.Atoi(s)
		return n
	}
	str := func(tag int) string {
		s, _ := msg.Get(tag)
		return s
	}

	switch msg.MsgType {
	case fix.MsgTypeLogon:
		resetFlag, _ := msg.Get(fix.TagResetSeqNumFlag)
		return AdminMessage{
			Kind:           KindLogon,
			HeartBtIntSecs: atoi(fix.TagHeartBtInt),
			EncryptMethod:  str(fix.TagEncryptMethod),
			ResetSeqNum:    resetFlag == "Y",
		}, true
	case fix.MsgTypeHeartbeat:
		return AdminMessage{Kind: KindHeartbeat, TestReqID: str(fix.TagTestReqID)}, true
	case fix.MsgTypeTestRequest:
		return AdminMessage{Kind: KindTestRequest, TestReqID: str(fix.TagTestReqID)}, true
	case fix.MsgTypeLogout:
		return AdminMessage{
			Kind:          KindLogout,
			Text:          str(fix.TagText),
			SessionStatus: str(fix.TagSessionStatus),
		}, true
	case fix.MsgTypeResendRequest:
		return AdminMessage{
			Kind:       KindResendRequest,
			BeginSeqNo: atoi(fix.TagBeginSeqNo),
			EndSeqNo:   atoi(fix.TagEndSeqNo),
		}, true
	case fix.MsgTypeSequenceReset:
		gapFill, _ := msg.Get(fix.TagGapFillFlag)
		return AdminMessage{
			Kind:     KindSequenceReset,
			NewSeqNo: atoi(fix.TagNewSeqNo),
			GapFill:  gapFill == "Y",
		}, true
	default:
		return AdminMessage{}, false
	}
}
