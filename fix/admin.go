package fix

import "strconv"

// BuildLogon constructs a Logon (35=A) with 108=heartBtIntSecs. Tag 98 is
// optional; pass an empty encryptMethod to omit it. Tag 141 is always set,
// Y or N according to resetSeqNum.
func BuildLogon(heartBtIntSecs int, encryptMethod string, resetSeqNum bool) FixMessage {
	m := NewMessage(MsgTypeLogon)
	m.Set(TagHeartBtInt, strconv.Itoa(heartBtIntSecs))
	if encryptMethod != "" {
		m.Set(TagEncryptMethod, encryptMethod)
	}
	if resetSeqNum {
		m.Set(TagResetSeqNumFlag, "Y")
	} else {
		m.Set(TagResetSeqNumFlag, "N")
	}
	return m
}

// BuildHeartbeat constructs a Heartbeat (35=0), optionally echoing
// testReqID in tag 112.
func BuildHeartbeat(testReqID string) FixMessage {
	m := NewMessage(MsgTypeHeartbeat)
	if testReqID != "" {
		m.Set(TagTestReqID, testReqID)
	}
	return m
}

// BuildTestRequest constructs a TestRequest (35=1) with the required 112.
func BuildTestRequest(testReqID string) FixMessage {
	m := NewMessage(MsgTypeTestRequest)
	m.Set(TagTestReqID, testReqID)
	return m
}

// BuildLogout constructs a Logout (35=5), optionally carrying 58=text and
// 1409=sessionStatus.
func BuildLogout(text string, sessionStatus string) FixMessage {
	m := NewMessage(MsgTypeLogout)
	if text != "" {
		m.Set(TagText, text)
	}
	if sessionStatus != "" {
		m.Set(TagSessionStatus, sessionStatus)
	}
	return m
}

// BuildResendRequest constructs a ResendRequest (35=2) with 7=beginSeqNo,
// 16=endSeqNo.
func BuildResendRequest(beginSeqNo, endSeqNo int) FixMessage {
	m := NewMessage(MsgTypeResendRequest)
	m.Set(TagBeginSeqNo, strconv.Itoa(beginSeqNo))
	m.Set(TagEndSeqNo, strconv.Itoa(endSeqNo))
	return m
}

// BuildSequenceReset constructs a SequenceReset (35=4) with 36=newSeqNo and,
// if gapFill, 123=Y.
func BuildSequenceReset(newSeqNo int, gapFill bool) FixMessage {
	m := NewMessage(MsgTypeSequenceReset)
	m.Set(TagNewSeqNo, strconv.Itoa(newSeqNo))
	if gapFill {
		m.Set(TagGapFillFlag, "Y")
	}
	return m
}
