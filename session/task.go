package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gurre/fixgo/fix"
	"github.com/gurre/fixgo/store"
)

// Store is the subset of *store.FileStore a Task needs; declaring it here
// (rather than depending on the concrete type) keeps Task testable with an
// in-memory fake.
type Store interface {
	Append(store.StoredRecord) error
	LoadOutboundRange(session store.SessionKey, begin, end int) ([][]byte, error)
}

const livenessTick = 1 * time.Second

// Task owns one live connection end to end: handshake, the read/write/
// heartbeat select loop, and final teardown. It is the only writer of its
// Machine's State.
type Task struct {
	Machine   *Machine
	Conn      net.Conn
	Store     Store
	SessionID SessionID
	Inbox     <-chan OutboundPayload
	Events    chan<- Event

	// Publish, if set, receives a StateSnapshot after every state change,
	// so observers outside this goroutine never touch the live State.
	Publish func(StateSnapshot)

	testReqCounter int
}

// NewTask wires a Machine to a live connection. Inbox is drained for
// client-submitted outbound payloads; Events carries SessionActive,
// InboundMessage, and Disconnected notifications up to the gateway.
func NewTask(m *Machine, conn net.Conn, st Store, id SessionID, inbox <-chan OutboundPayload, events chan<- Event) *Task {
	return &Task{Machine: m, Conn: conn, Store: st, SessionID: id, Inbox: inbox, Events: events}
}

// Run drives the session to completion: handshake, then the Active loop,
// until a disconnect is decided or the connection fails. It always closes
// Conn and emits exactly one Disconnected event before returning.
func (t *Task) Run() {
	frames := make(chan readResult, 16)
	go readLoop(t.Conn, frames)

	reason, ok := t.runHandshake(frames)
	if ok {
		reason = t.runActive(frames)
	}

	t.Conn.Close()
	// readLoop exits once Conn.Read fails; draining here unblocks it if it
	// was parked on a full channel, and ends when it closes the channel.
	go func() {
		for range frames {
		}
	}()

	t.Machine.State.Phase = Closed
	t.publish()
	t.Events <- Event{Kind: EventDisconnected, SessionID: t.SessionID, Reason: reason}
}

func (t *Task) publish() {
	if t.Publish != nil {
		t.Publish(t.Machine.State.Snapshot())
	}
}

// runHandshake drives Handshaking->Active. The initiator sends
// Logon immediately; the acceptor waits for the peer's Logon first.
func (t *Task) runHandshake(frames <-chan readResult) (DisconnectReason, bool) {
	if t.Machine.IsInitiator {
		seq := t.Machine.State.NextOutSeq()
		logon := AdminMessage{Kind: KindLogon, HeartBtIntSecs: int(t.Machine.State.HBInterval / int64(time.Second))}
		if err := t.writeOutbound(OutboundPayload{Admin: &logon}, seq); err != nil {
			log.Warnf("fixgo: session %d: write initiator logon: %v", t.SessionID, err)
			return UnknownReason, false
		}
	}

	res := <-frames
	if res.err != nil {
		return classifyReadErr(res.err), false
	}
	msg, err := fix.Decode(res.frame)
	if err != nil {
		log.Warnf("fixgo: session %d: handshake decode: %v", t.SessionID, err)
		return ProtocolError, false
	}
	result := t.Machine.HandleHandshakeLogon(msg)
	t.recordInbound(msg, res.frame)
	if err := t.writeResult(result); err != nil {
		log.Warnf("fixgo: session %d: handshake reply: %v", t.SessionID, err)
		return UnknownReason, false
	}
	t.publish()
	if result.Terminate != nil {
		return *result.Terminate, false
	}
	if result.Dispatch != nil {
		t.Events <- t.tagged(*result.Dispatch)
	}
	return PeerClosed, true
}

// runActive drives the select loop for Phase == Active: outbound inbox,
// inbound frames, and the 1Hz liveness tick.
func (t *Task) runActive(frames <-chan readResult) DisconnectReason {
	ticker := time.NewTicker(livenessTick)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-t.Inbox:
			if !ok {
				return ApplicationRequested
			}
			var seq int
			if payload.Admin != nil {
				seq = t.Machine.State.NextOutSeq()
			}
			if err := t.writeOutbound(payload, seq); err != nil {
				log.Warnf("fixgo: session %d: write outbound: %v", t.SessionID, err)
				return UnknownReason
			}
			t.publish()

		case res := <-frames:
			if res.err != nil {
				return classifyReadErr(res.err)
			}
			msg, err := fix.Decode(res.frame)
			if err != nil {
				log.Warnf("fixgo: session %d: decode: %v", t.SessionID, err)
				return ProtocolError
			}

			result, err := t.Machine.HandleActive(res.frame, msg, nowMillis(), t.loadResend)
			if err != nil {
				log.Warnf("fixgo: session %d: handle inbound: %v", t.SessionID, err)
				return ProtocolError
			}
			t.recordInbound(msg, res.frame)
			if err := t.writeResult(result); err != nil {
				log.Warnf("fixgo: session %d: write reply: %v", t.SessionID, err)
				return UnknownReason
			}
			t.publish()
			if result.Dispatch != nil {
				t.Events <- t.tagged(*result.Dispatch)
			}
			if result.Terminate != nil {
				return *result.Terminate
			}

		case <-ticker.C:
			idle := time.Now().UnixNano() - t.Machine.State.LastRxInstantUnix
			action := t.Machine.CheckLiveness(idle, t.nextTestReqID())
			if action.Send != nil {
				seq := t.Machine.State.NextOutSeq()
				if err := t.writeOutbound(OutboundPayload{Admin: action.Send}, seq); err != nil {
					log.Warnf("fixgo: session %d: write liveness message: %v", t.SessionID, err)
					return UnknownReason
				}
			}
			t.publish()
			if action.Terminate != nil {
				return *action.Terminate
			}
		}
	}
}

func (t *Task) nextTestReqID() string {
	t.testReqCounter++
	return "TR-" + strconv.Itoa(t.testReqCounter)
}

func (t *Task) tagged(e Event) Event {
	e.SessionID = t.SessionID
	return e
}

// writeResult transmits every outbound item in result.Outbound in order,
// stamping fresh sequence numbers for Admin items as it goes. Replay items
// already carry their original MsgSeqNum and consume no new seq.
func (t *Task) writeResult(result InboundResult) error {
	for _, item := range result.Outbound {
		var seq int
		if item.Admin != nil {
			seq = t.Machine.State.NextOutSeq()
		}
		if err := t.writeOutbound(item, seq); err != nil {
			return err
		}
	}
	return nil
}

// writeOutbound encodes (if needed), transmits, and journals one payload.
// seq is only consulted for Admin items; Raw items already carry their own
// MsgSeqNum from when they were originally encoded (resend replay) or built
// by a caller that already reserved a seq. Replay items are journaled
// without a seq so the index keeps exactly one entry per outbound seq.
func (t *Task) writeOutbound(item OutboundPayload, seq int) error {
	var raw []byte
	var seqForStore *int

	switch {
	case item.Admin != nil:
		fixMsg := item.Admin.ToFixMessage(t.Machine.SenderCompID, t.Machine.TargetCompID, seq)
		raw = fix.Encode(fixMsg)
		seqForStore = &seq
	case item.Raw != nil:
		raw = item.Raw
		if !item.Replay {
			if decoded, err := fix.Decode(raw); err == nil {
				if s, ok := decoded.Get(fix.TagMsgSeqNum); ok {
					if n, err := strconv.Atoi(s); err == nil {
						seqForStore = &n
					}
				}
			}
		}
	default:
		return nil
	}

	if _, err := t.Conn.Write(raw); err != nil {
		return fmt.Errorf("conn write: %w", err)
	}

	rec := store.StoredRecord{
		Session:   t.Machine.State.Key,
		Direction: store.Outbound,
		Seq:       seqForStore,
		TSMillis:  nowMillis(),
		Payload:   raw,
	}
	if err := t.Store.Append(rec); err != nil {
		log.Warnf("fixgo: session %d: journal outbound: %v", t.SessionID, err)
	}
	return nil
}

func (t *Task) recordInbound(msg fix.FixMessage, raw []byte) {
	t.Machine.State.LastRxInstantUnix = time.Now().UnixNano()
	t.Machine.State.livenessHBSent = false

	var seq *int
	if s, ok := msg.Get(fix.TagMsgSeqNum); ok {
		if n, err := strconv.Atoi(s); err == nil {
			seq = &n
		}
	}
	rec := store.StoredRecord{
		Session:   t.Machine.State.Key,
		Direction: store.Inbound,
		Seq:       seq,
		TSMillis:  nowMillis(),
		Payload:   raw,
	}
	if err := t.Store.Append(rec); err != nil {
		log.Warnf("fixgo: session %d: journal inbound: %v", t.SessionID, err)
	}
}

func (t *Task) loadResend(begin, end int) ([][]byte, error) {
	return t.Store.LoadOutboundRange(t.Machine.State.Key, begin, end)
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

type readResult struct {
	frame []byte
	err   error
}

// readLoop extracts complete frames from conn and publishes them on out; it
// exits (after sending the triggering error and closing out) once conn.Read
// fails.
func readLoop(conn net.Conn, out chan<- readResult) {
	defer close(out)
	buf := make([]byte, 4096)
	var fb fix.FrameBuffer
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			fb.Write(buf[:n])
			for {
				frame, ok := fb.TryExtractOne()
				if !ok {
					break
				}
				out <- readResult{frame: frame}
			}
		}
		if err != nil {
			out <- readResult{err: err}
			return
		}
	}
}

// classifyReadErr maps a read failure onto the disconnect taxonomy: clean
// EOF means the peer hung up, a locally closed socket means our side tore
// the session down, anything else is an I/O failure with no cleaner signal.
func classifyReadErr(err error) DisconnectReason {
	switch {
	case errors.Is(err, io.EOF):
		return PeerClosed
	case errors.Is(err, net.ErrClosed):
		return ApplicationRequested
	default:
		return UnknownReason
	}
}
