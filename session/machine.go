package session

import (
	"strconv"

	"github.com/gurre/fixgo/fix"
	"github.com/gurre/fixgo/store"
)

// Machine holds the pure decision logic of the session-layer protocol: it
// never touches a socket or the store directly, which makes it testable
// against hand-built FixMessages without any I/O. Task (task.go) owns the
// socket/store/timers and drives a Machine.
type Machine struct {
	State         *State
	SenderCompID  string
	TargetCompID  string
	IsInitiator   bool
	ValidateLogon func(sender, target string) bool // acceptor-only; nil for initiators
}

// NewMachine constructs a Machine in Handshaking phase. key.SenderCompID is
// this engine's own identity; key.TargetCompID is the peer's.
func NewMachine(key store.SessionKey, hbInterval int64, isInitiator bool, validateLogon func(sender, target string) bool) *Machine {
	return &Machine{
		State:         NewState(key, hbInterval),
		SenderCompID:  key.SenderCompID,
		TargetCompID:  key.TargetCompID,
		IsInitiator:   isInitiator,
		ValidateLogon: validateLogon,
	}
}

// InboundResult is what the Machine decides to do in response to one
// decoded inbound message.
type InboundResult struct {
	// Outbound is transmitted, in order, before any Terminate takes effect.
	Outbound []OutboundPayload
	// Dispatch, if non-nil, is the InboundMessage event to emit to gateway
	// subscribers; every accepted message (including admin) is dispatched.
	Dispatch *Event
	// Terminate, if non-nil, means: after Outbound is written, the task
	// must transition to Closed and emit Disconnected with this reason.
	Terminate *DisconnectReason
}

func adminOutbound(a AdminMessage) OutboundPayload {
	return OutboundPayload{Admin: &a}
}

func reasonPtr(r DisconnectReason) *DisconnectReason { return &r }

// HandleHandshakeLogon processes the single inbound message expected while
// Phase == Handshaking. Both initiator and acceptor expect a Logon; the
// acceptor additionally authenticates it.
func (m *Machine) HandleHandshakeLogon(msg fix.FixMessage) InboundResult {
	if msg.MsgType != fix.MsgTypeLogon {
		return InboundResult{Terminate: reasonPtr(ProtocolError)}
	}

	// The Logon's own MsgSeqNum counts: without this the peer's next
	// message (seq 2 against an in_seq of 0) would read as a gap.
	if seqStr, ok := msg.Get(fix.TagMsgSeqNum); ok {
		if seq, err := strconv.Atoi(seqStr); err == nil && seq > m.State.InSeq {
			m.State.InSeq = seq
		}
	}

	if m.IsInitiator {
		m.State.Phase = Active
		return InboundResult{
			Dispatch: &Event{Kind: EventSessionActive},
		}
	}

	peerSender, _ := msg.Get(fix.TagSenderCompID) // peer's SenderCompID becomes our TargetCompID
	hbStr, _ := msg.Get(fix.TagHeartBtInt)
	hbSecs, _ := strconv.Atoi(hbStr)

	if m.ValidateLogon != nil && !m.ValidateLogon(peerSender, m.SenderCompID) {
		logout := AdminMessage{Kind: KindLogout, Text: "Logon rejected"}
		m.State.Phase = Closing
		return InboundResult{
			Outbound:  []OutboundPayload{adminOutbound(logout)},
			Terminate: reasonPtr(ApplicationRequested),
		}
	}

	m.TargetCompID = peerSender
	m.State.Key.TargetCompID = peerSender // the store identity must track the live peer, not the acceptor's placeholder
	m.State.HBInterval = int64(hbSecs) * 1_000_000_000
	m.State.Phase = Active
	mirrored := AdminMessage{Kind: KindLogon, HeartBtIntSecs: hbSecs}
	return InboundResult{
		Outbound: []OutboundPayload{adminOutbound(mirrored)},
		Dispatch: &Event{Kind: EventSessionActive},
	}
}

// ResendLoader resolves a [begin, end] range to the raw stored outbound
// frames in that range, exactly as store.FileStore.LoadOutboundRange does.
type ResendLoader func(begin, end int) ([][]byte, error)

// HandleActive processes one inbound message while Phase == Active,
// applying the sequence-gap rules before any admin-specific side effects.
// nowMillis is the current time in epoch millis, used to stamp
// 122=OrigSendingTime on resent messages.
func (m *Machine) HandleActive(raw []byte, msg fix.FixMessage, nowMillis int64, loadResend ResendLoader) (InboundResult, error) {
	seqStr, hasSeq := msg.Get(fix.TagMsgSeqNum)
	received := 0
	if hasSeq {
		received, _ = strconv.Atoi(seqStr)
	}

	// SequenceReset is exempt from the generic gap check: it exists
	// specifically to move in_seq across a gap or reset it
	// administratively, so it is handled on its own below.
	if msg.MsgType != fix.MsgTypeSequenceReset {
		expected := m.State.InSeq + 1
		switch {
		case received == expected:
			m.State.InSeq = received
		case received > expected:
			resend := AdminMessage{Kind: KindResendRequest, BeginSeqNo: expected, EndSeqNo: received - 1}
			return InboundResult{Outbound: []OutboundPayload{adminOutbound(resend)}}, nil
		default: // received < expected
			possDup, _ := msg.Get(fix.TagPossDupFlag)
			if possDup == "Y" {
				return InboundResult{}, nil
			}
			logout := AdminMessage{Kind: KindLogout, Text: "MsgSeqNum too low, no PossDupFlag"}
			m.State.Phase = Closing
			return InboundResult{
				Outbound:  []OutboundPayload{adminOutbound(logout)},
				Terminate: reasonPtr(ProtocolError),
			}, nil
		}
	}

	dispatch := &Event{Kind: EventInboundMessage, MsgTypeCode: string(msg.MsgType), RawFrame: raw}

	switch msg.MsgType {
	case fix.MsgTypeHeartbeat:
		if id, ok := msg.Get(fix.TagTestReqID); ok {
			if m.State.TestReqOutstanding != nil && *m.State.TestReqOutstanding == id {
				m.State.TestReqOutstanding = nil
			}
		}
		return InboundResult{Dispatch: dispatch}, nil

	case fix.MsgTypeTestRequest:
		id, _ := msg.Get(fix.TagTestReqID)
		hb := AdminMessage{Kind: KindHeartbeat, TestReqID: id}
		return InboundResult{Outbound: []OutboundPayload{adminOutbound(hb)}, Dispatch: dispatch}, nil

	case fix.MsgTypeResendRequest:
		beginStr, _ := msg.Get(fix.TagBeginSeqNo)
		endStr, _ := msg.Get(fix.TagEndSeqNo)
		begin, _ := strconv.Atoi(beginStr)
		end, _ := strconv.Atoi(endStr)

		frames, err := loadResend(begin, end)
		if err != nil {
			return InboundResult{}, err
		}
		items, err := BuildResend(frames, begin, end, nowMillis, m.SenderCompID, m.TargetCompID)
		if err != nil {
			return InboundResult{}, err
		}
		return InboundResult{Outbound: items, Dispatch: dispatch}, nil

	case fix.MsgTypeSequenceReset:
		newSeqStr, _ := msg.Get(fix.TagNewSeqNo)
		newSeq, _ := strconv.Atoi(newSeqStr)
		gapFillFlag, _ := msg.Get(fix.TagGapFillFlag)

		if gapFillFlag == "Y" {
			if newSeq > m.State.InSeq {
				m.State.InSeq = newSeq - 1
			}
		} else {
			m.State.InSeq = newSeq - 1
		}
		return InboundResult{Dispatch: dispatch}, nil

	case fix.MsgTypeLogout:
		var outbound []OutboundPayload
		if m.State.Phase != Closing {
			outbound = []OutboundPayload{adminOutbound(AdminMessage{Kind: KindLogout})}
		}
		m.State.Phase = Closing
		return InboundResult{
			Outbound:  outbound,
			Dispatch:  dispatch,
			Terminate: reasonPtr(ApplicationRequested),
		}, nil

	default:
		return InboundResult{Dispatch: dispatch}, nil
	}
}

// LivenessAction is what the 1Hz liveness tick decided to do.
type LivenessAction struct {
	Send      *AdminMessage
	Terminate *DisconnectReason
}

// CheckLiveness implements the three heartbeat-interval thresholds:
// Heartbeat at 1x idle, TestRequest at 2x, Timeout at 3x. idleNanos is
// time.Since(last_rx) in nanoseconds.
func (m *Machine) CheckLiveness(idleNanos int64, nextTestReqID string) LivenessAction {
	hb := m.State.HBInterval
	switch {
	case idleNanos >= 3*hb:
		return LivenessAction{Terminate: reasonPtr(Timeout)}
	case idleNanos >= 2*hb:
		if m.State.TestReqOutstanding == nil {
			id := nextTestReqID
			m.State.TestReqOutstanding = &id
			tr := AdminMessage{Kind: KindTestRequest, TestReqID: id}
			return LivenessAction{Send: &tr}
		}
		return LivenessAction{}
	case idleNanos >= hb:
		if m.State.livenessHBSent {
			return LivenessAction{}
		}
		m.State.livenessHBSent = true
		hbMsg := AdminMessage{Kind: KindHeartbeat}
		return LivenessAction{Send: &hbMsg}
	default:
		m.State.livenessHBSent = false
		return LivenessAction{}
	}
}
