package session

import (
	"fmt"
	"time"

	"github.com/gurre/fixgo/fix"
)

// BuildResend turns a set of previously stored outbound frames covering
// [begin, end] into the replay sequence to transmit in response to a
// ResendRequest: resendable application messages are re-stamped with
// PossDupFlag=Y and a fresh OrigSendingTime and replayed verbatim (keeping
// their original MsgSeqNum); runs of missing or non-resendable admin
// messages are consolidated into a single SequenceReset GapFill each. A
// GapFill carries the MsgSeqNum of the first message it covers, never a
// fresh one; the whole replay stays inside [begin, end], so every item is
// emitted as a pre-stamped Raw frame with Replay set and the task's own
// out_seq is untouched.
//
// frames must be sorted ascending by the MsgSeqNum each one carries, as
// store.FileStore.LoadOutboundRange returns them.
func BuildResend(frames [][]byte, begin, end int, nowMillis int64, senderCompID, targetCompID string) ([]OutboundPayload, error) {
	bySeq := make(map[int]fix.FixMessage, len(frames))
	for _, raw := range frames {
		msg, err := fix.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("session: decode stored frame for resend: %w", err)
		}
		seqStr, ok := msg.Get(fix.TagMsgSeqNum)
		if !ok {
			continue
		}
		seq := 0
		fmt.Sscanf(seqStr, "%d", &seq)
		bySeq[seq] = msg
	}

	origTime := time.Unix(0, nowMillis*int64(time.Millisecond)).UTC().Format("20060102-15:04:05.000")

	var out []OutboundPayload
	gapStart := 0 // 0 means "no run open"

	flushGap := func(upTo int) {
		if gapStart == 0 {
			return
		}
		reset := AdminMessage{Kind: KindSequenceReset, NewSeqNo: upTo, GapFill: true}
		msg := reset.ToFixMessage(senderCompID, targetCompID, gapStart)
		msg.Set(fix.TagPossDupFlag, "Y")
		msg.Set(fix.TagOrigSendingTime, origTime)
		out = append(out, OutboundPayload{Raw: fix.Encode(msg), Replay: true})
		gapStart = 0
	}

	for seq := begin; seq <= end; seq++ {
		msg, present := bySeq[seq]
		if present && !nonResendableAdmin[msg.MsgType] {
			flushGap(seq)
			msg.Set(fix.TagPossDupFlag, "Y")
			msg.Set(fix.TagOrigSendingTime, origTime)
			out = append(out, OutboundPayload{Raw: fix.Encode(msg), Replay: true})
			continue
		}

		if gapStart == 0 {
			gapStart = seq
		}
	}
	flushGap(end + 1)

	return out, nil
}
