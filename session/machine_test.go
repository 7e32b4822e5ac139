package session

import (
	"errors"
	"strconv"
	"testing"

	"github.com/gurre/fixgo/fix"
	"github.com/gurre/fixgo/store"
)

func testKey() store.SessionKey {
	return store.SessionKey{SenderCompID: "ME", TargetCompID: "THEM"}
}

func mustAdmin(t *testing.T, a AdminMessage, sender, target string, seq int) fix.FixMessage {
	t.Helper()
	return a.ToFixMessage(sender, target, seq)
}

func TestHandshakeInitiatorGoesActiveOnLogon(t *testing.T) {
	m := NewMachine(testKey(), int64(30_000_000_000), true, nil)
	peerLogon := mustAdmin(t, AdminMessage{Kind: KindLogon, HeartBtIntSecs: 30}, "THEM", "ME", 1)

	result := m.HandleHandshakeLogon(peerLogon)
	if m.State.Phase != Active {
		t.Fatalf("phase = %v, want Active", m.State.Phase)
	}
	if result.Dispatch == nil || result.Dispatch.Kind != EventSessionActive {
		t.Fatalf("expected SessionActive dispatch, got %+v", result.Dispatch)
	}
	if len(result.Outbound) != 0 {
		t.Fatalf("initiator should not reply to the peer's logon, got %d outbound", len(result.Outbound))
	}
	if m.State.InSeq != 1 {
		t.Fatalf("InSeq = %d, want 1 after consuming the peer's Logon", m.State.InSeq)
	}
}

func TestHandshakeAcceptorValidatesAndMirrorsLogon(t *testing.T) {
	validated := false
	m := NewMachine(testKey(), 0, false, func(sender, target string) bool {
		validated = true
		return sender == "THEM" && target == "ME"
	})
	peerLogon := mustAdmin(t, AdminMessage{Kind: KindLogon, HeartBtIntSecs: 15}, "THEM", "ME", 1)

	result := m.HandleHandshakeLogon(peerLogon)
	if !validated {
		t.Fatal("ValidateLogon was not called")
	}
	if m.State.Phase != Active {
		t.Fatalf("phase = %v, want Active", m.State.Phase)
	}
	if len(result.Outbound) != 1 || result.Outbound[0].Admin == nil || result.Outbound[0].Admin.Kind != KindLogon {
		t.Fatalf("expected a mirrored Logon reply, got %+v", result.Outbound)
	}
	if m.State.HBInterval != 15_000_000_000 {
		t.Fatalf("HBInterval = %d, want 15s in nanos", m.State.HBInterval)
	}
}

// TestHandshakeAcceptorSetsStoreKeyFromRealPeer exercises the actual
// accept-time key gateway.spawnAcceptor constructs (TargetCompID empty
// until the peer's Logon names it) rather than testKey()'s pre-populated
// "THEM", which would mask a machine that forgets to update State.Key.
func TestHandshakeAcceptorSetsStoreKeyFromRealPeer(t *testing.T) {
	key := store.SessionKey{SenderCompID: "ME", TargetCompID: ""}
	m := NewMachine(key, 0, false, func(sender, target string) bool { return true })
	peerLogon := mustAdmin(t, AdminMessage{Kind: KindLogon, HeartBtIntSecs: 15}, "THEM", "ME", 1)

	m.HandleHandshakeLogon(peerLogon)
	if m.State.Key.TargetCompID != "THEM" {
		t.Fatalf("State.Key.TargetCompID = %q, want THEM", m.State.Key.TargetCompID)
	}
	if m.TargetCompID != "THEM" {
		t.Fatalf("TargetCompID = %q, want THEM", m.TargetCompID)
	}
}

func TestHandshakeAcceptorRejectsFailedAuth(t *testing.T) {
	m := NewMachine(testKey(), 0, false, func(sender, target string) bool { return false })
	peerLogon := mustAdmin(t, AdminMessage{Kind: KindLogon, HeartBtIntSecs: 15}, "THEM", "ME", 1)

	result := m.HandleHandshakeLogon(peerLogon)
	if m.State.Phase != Closing {
		t.Fatalf("phase = %v, want Closing", m.State.Phase)
	}
	if result.Terminate == nil || *result.Terminate != ApplicationRequested {
		t.Fatalf("expected ApplicationRequested termination, got %+v", result.Terminate)
	}
	if len(result.Outbound) != 1 || result.Outbound[0].Admin.Kind != KindLogout {
		t.Fatalf("expected a Logout reply, got %+v", result.Outbound)
	}
}

func activeMachine(inSeq int) *Machine {
	m := NewMachine(testKey(), int64(30_000_000_000), true, nil)
	m.State.Phase = Active
	m.State.InSeq = inSeq
	return m
}

func inboundHeartbeat(seq int) (fix.FixMessage, []byte) {
	msg := fix.BuildHeartbeat("")
	msg.Set(fix.TagSenderCompID, "THEM")
	msg.Set(fix.TagTargetCompID, "ME")
	msg.Set(fix.TagMsgSeqNum, strconv.Itoa(seq))
	return msg, fix.Encode(msg)
}

func TestActiveAcceptsInOrderMessage(t *testing.T) {
	m := activeMachine(5)
	msg, raw := inboundHeartbeat(6)

	result, err := m.HandleActive(raw, msg, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State.InSeq != 6 {
		t.Fatalf("InSeq = %d, want 6", m.State.InSeq)
	}
	if result.Dispatch == nil || result.Dispatch.Kind != EventInboundMessage {
		t.Fatalf("expected an InboundMessage dispatch, got %+v", result.Dispatch)
	}
}

func TestActiveGapTriggersResendRequest(t *testing.T) {
	m := activeMachine(5)
	msg, raw := inboundHeartbeat(9)

	result, err := m.HandleActive(raw, msg, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State.InSeq != 5 {
		t.Fatalf("InSeq should not advance on a gap, got %d", m.State.InSeq)
	}
	if result.Dispatch != nil {
		t.Fatalf("a gapped message must not be dispatched, got %+v", result.Dispatch)
	}
	if len(result.Outbound) != 1 || result.Outbound[0].Admin == nil || result.Outbound[0].Admin.Kind != KindResendRequest {
		t.Fatalf("expected a ResendRequest, got %+v", result.Outbound)
	}
	rr := result.Outbound[0].Admin
	if rr.BeginSeqNo != 6 || rr.EndSeqNo != 8 {
		t.Fatalf("ResendRequest range = [%d,%d], want [6,8]", rr.BeginSeqNo, rr.EndSeqNo)
	}
}

func TestActiveLowSeqWithPossDupIsAcceptedIdempotently(t *testing.T) {
	m := activeMachine(5)
	msg, _ := inboundHeartbeat(3)
	msg.Set(fix.TagPossDupFlag, "Y")
	raw := fix.Encode(msg)

	result, err := m.HandleActive(raw, msg, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State.InSeq != 5 {
		t.Fatalf("InSeq must not change on a PossDup replay, got %d", m.State.InSeq)
	}
	if result.Dispatch != nil || len(result.Outbound) != 0 || result.Terminate != nil {
		t.Fatalf("expected a fully suppressed duplicate, got %+v", result)
	}
}

func TestActiveLowSeqWithoutPossDupIsFatal(t *testing.T) {
	m := activeMachine(5)
	msg, raw := inboundHeartbeat(3)

	result, err := m.HandleActive(raw, msg, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State.Phase != Closing {
		t.Fatalf("phase = %v, want Closing", m.State.Phase)
	}
	if result.Terminate == nil || *result.Terminate != ProtocolError {
		t.Fatalf("expected ProtocolError termination, got %+v", result.Terminate)
	}
	if len(result.Outbound) != 1 || result.Outbound[0].Admin.Kind != KindLogout {
		t.Fatalf("expected a Logout reply, got %+v", result.Outbound)
	}
}

func TestActiveTestRequestElicitsHeartbeat(t *testing.T) {
	m := activeMachine(5)
	tr := fix.BuildTestRequest("abc")
	tr.Set(fix.TagMsgSeqNum, "6")
	raw := fix.Encode(tr)

	result, err := m.HandleActive(raw, tr, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Outbound) != 1 || result.Outbound[0].Admin.Kind != KindHeartbeat || result.Outbound[0].Admin.TestReqID != "abc" {
		t.Fatalf("expected a Heartbeat echoing abc, got %+v", result.Outbound)
	}
}

func TestActiveHeartbeatClearsOutstandingTestRequest(t *testing.T) {
	m := activeMachine(5)
	id := "TR-1"
	m.State.TestReqOutstanding = &id

	hb := fix.BuildHeartbeat("TR-1")
	hb.Set(fix.TagMsgSeqNum, "6")
	raw := fix.Encode(hb)

	if _, err := m.HandleActive(raw, hb, 0, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State.TestReqOutstanding != nil {
		t.Fatalf("expected TestReqOutstanding cleared, still %v", *m.State.TestReqOutstanding)
	}
}

func TestActiveSequenceResetGapFillAdvancesInSeq(t *testing.T) {
	m := activeMachine(10)
	sr := fix.BuildSequenceReset(15, true)
	sr.Set(fix.TagMsgSeqNum, "11")
	raw := fix.Encode(sr)

	if _, err := m.HandleActive(raw, sr, 0, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State.InSeq != 14 {
		t.Fatalf("InSeq = %d, want 14", m.State.InSeq)
	}
}

func TestActiveSequenceResetAdminResetIsUnconditional(t *testing.T) {
	m := activeMachine(10)
	sr := fix.BuildSequenceReset(3, false)
	sr.Set(fix.TagMsgSeqNum, "999")
	raw := fix.Encode(sr)

	if _, err := m.HandleActive(raw, sr, 0, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State.InSeq != 2 {
		t.Fatalf("InSeq = %d, want 2", m.State.InSeq)
	}
}

func TestActiveResendRequestReplaysAndGapFills(t *testing.T) {
	m := activeMachine(5)

	stored := [][]byte{}
	hb7 := fix.BuildHeartbeat("")
	hb7.Set(fix.TagMsgSeqNum, "7")
	stored = append(stored, fix.Encode(hb7))

	rr := fix.BuildResendRequest(6, 8)
	rr.Set(fix.TagMsgSeqNum, "6")
	raw := fix.Encode(rr)

	loader := func(begin, end int) ([][]byte, error) { return stored, nil }
	result, err := m.HandleActive(raw, rr, 1000, loader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 6 is missing and 7 is a non-resendable Heartbeat, so the whole [6,8]
	// range collapses into a single GapFill up to 9.
	if len(result.Outbound) != 1 || result.Outbound[0].Raw == nil || !result.Outbound[0].Replay {
		t.Fatalf("expected a single pre-stamped GapFill covering the whole range, got %+v", result.Outbound)
	}
	gap, err := fix.Decode(result.Outbound[0].Raw)
	if err != nil {
		t.Fatalf("decode GapFill: %v", err)
	}
	if gap.MsgType != fix.MsgTypeSequenceReset {
		t.Fatalf("MsgType = %q, want SequenceReset", gap.MsgType)
	}
	if v, _ := gap.Get(fix.TagNewSeqNo); v != "9" {
		t.Fatalf("NewSeqNo = %q, want 9", v)
	}
	if v, _ := gap.Get(fix.TagMsgSeqNum); v != "6" {
		t.Fatalf("GapFill MsgSeqNum = %q, want the gap's own first seq 6", v)
	}
	if v, _ := gap.Get(fix.TagGapFillFlag); v != "Y" {
		t.Fatalf("GapFillFlag = %q, want Y", v)
	}
}

func TestActiveLogoutRepliesAndTerminates(t *testing.T) {
	m := activeMachine(5)
	lo := fix.BuildLogout("bye", "")
	lo.Set(fix.TagMsgSeqNum, "6")
	raw := fix.Encode(lo)

	result, err := m.HandleActive(raw, lo, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State.Phase != Closing {
		t.Fatalf("phase = %v, want Closing", m.State.Phase)
	}
	if result.Terminate == nil || *result.Terminate != ApplicationRequested {
		t.Fatalf("expected ApplicationRequested termination, got %+v", result.Terminate)
	}
	if len(result.Outbound) != 1 || result.Outbound[0].Admin.Kind != KindLogout {
		t.Fatalf("expected a Logout reply, got %+v", result.Outbound)
	}
}

func TestCheckLivenessThresholds(t *testing.T) {
	m := activeMachine(5)
	hb := m.State.HBInterval

	if action := m.CheckLiveness(hb/2, "TR-1"); action.Send != nil || action.Terminate != nil {
		t.Fatalf("below 1x threshold should be a no-op, got %+v", action)
	}

	action := m.CheckLiveness(hb, "TR-1")
	if action.Send == nil || action.Send.Kind != KindHeartbeat {
		t.Fatalf("at 1x threshold expected a Heartbeat, got %+v", action)
	}

	// A second tick still within [hb, 2hb) must not repeat the Heartbeat.
	action = m.CheckLiveness(hb+hb/4, "TR-1b")
	if action.Send != nil {
		t.Fatalf("expected no repeat Heartbeat within the same 1x window, got %+v", action)
	}

	action = m.CheckLiveness(2*hb, "TR-2")
	if action.Send == nil || action.Send.Kind != KindTestRequest || m.State.TestReqOutstanding == nil {
		t.Fatalf("at 2x threshold expected a TestRequest, got %+v", action)
	}

	// A second tick at 2x with one already outstanding must not send another.
	action = m.CheckLiveness(2*hb, "TR-3")
	if action.Send != nil {
		t.Fatalf("expected no repeat TestRequest while one is outstanding, got %+v", action)
	}

	action = m.CheckLiveness(3*hb, "TR-4")
	if action.Terminate == nil || *action.Terminate != Timeout {
		t.Fatalf("at 3x threshold expected Timeout termination, got %+v", action)
	}
}

func TestBuildResendSkipsNonResendableAdminWithGapFill(t *testing.T) {
	logon := fix.BuildLogon(30, "", false)
	logon.Set(fix.TagMsgSeqNum, "2")

	frames := [][]byte{fix.Encode(logon)}
	out, err := BuildResend(frames, 1, 3, 0, "ME", "THEM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Raw == nil {
		t.Fatalf("expected the whole range collapsed into one GapFill, got %+v", out)
	}
	gap, err := fix.Decode(out[0].Raw)
	if err != nil {
		t.Fatalf("decode GapFill: %v", err)
	}
	if gap.MsgType != fix.MsgTypeSequenceReset {
		t.Fatalf("MsgType = %q, want SequenceReset", gap.MsgType)
	}
	if v, _ := gap.Get(fix.TagNewSeqNo); v != "4" {
		t.Fatalf("NewSeqNo = %q, want 4", v)
	}
	if v, _ := gap.Get(fix.TagMsgSeqNum); v != "1" {
		t.Fatalf("GapFill MsgSeqNum = %q, want 1", v)
	}
}

func TestBuildResendSetsPossDupOnReplayedMessage(t *testing.T) {
	app := fix.NewMessage(fix.MsgType("D"))
	app.Set(fix.TagMsgSeqNum, "5")
	app.Set(11, "ORDER1")

	out, err := BuildResend([][]byte{fix.Encode(app)}, 5, 5, 1234, "ME", "THEM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Raw == nil || !out[0].Replay {
		t.Fatalf("expected one raw replay, got %+v", out)
	}
	decoded, err := fix.Decode(out[0].Raw)
	if err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if v, _ := decoded.Get(fix.TagPossDupFlag); v != "Y" {
		t.Fatalf("PossDupFlag = %q, want Y", v)
	}
	if _, ok := decoded.Get(fix.TagOrigSendingTime); !ok {
		t.Fatal("expected OrigSendingTime to be set")
	}
	if v, _ := decoded.Get(11); v != "ORDER1" {
		t.Fatalf("application field 11 = %q, want ORDER1", v)
	}
}

func TestActiveDecodeErrorIsCallerResponsibility(t *testing.T) {
	// HandleActive takes an already-decoded message; malformed frames never
	// reach it (Task filters them at fix.Decode and terminates directly).
	_, err := fix.Decode([]byte("not a fix frame"))
	if !errors.Is(err, fix.ErrNotSohTerminated) {
		t.Fatalf("expected ErrNotSohTerminated, got %v", err)
	}
}
