// Package session implements the FIX session-layer protocol: phases,
// sequence tracking, gap recovery, and liveness timers, for a single
// connection. It has no knowledge of the accept/dial loop or the
// multi-session table; those live in package gateway.
package session

import (
	"github.com/gurre/fixgo/fix"
	"github.com/gurre/fixgo/store"
)

// Phase is the lifecycle state of a session. The zero value, Connecting, is
// never assigned; NewState constructs sessions already in Handshaking.
type Phase int

const (
	Connecting Phase = iota
	Handshaking
	Active
	Closing
	Closed
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Active:
		return "Active"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// DisconnectReason categorizes why a session was torn down.
type DisconnectReason int

const (
	PeerClosed DisconnectReason = iota
	ProtocolError
	Timeout
	ApplicationRequested
	UnknownReason
)

func (r DisconnectReason) String() string {
	switch r {
	case PeerClosed:
		return "PeerClosed"
	case ProtocolError:
		return "ProtocolError"
	case Timeout:
		return "Timeout"
	case ApplicationRequested:
		return "ApplicationRequested"
	default:
		return "Unknown"
	}
}

// SessionID is a gateway-local monotonically increasing identifier,
// assigned on socket accept or dial.
type SessionID uint64

// OutboundPayload is the tagged variant the client submits and the task
// transmits: Raw bytes are sent verbatim (the caller already encoded and
// sequenced them); Admin messages are stamped with comp ids and the
// session's out_seq at the moment of transmission, not at enqueue time.
// Replay marks a retransmission built by BuildResend: it already carries
// an old MsgSeqNum, so the journal records it without a new index entry.
type OutboundPayload struct {
	Raw    []byte
	Admin  *AdminMessage
	Replay bool
}

// State is the runtime, per-connection protocol state. It is owned
// exclusively by the goroutine driving the session, never shared.
type State struct {
	Key                store.SessionKey
	OutSeq             int
	InSeq              int
	LastRxInstantUnix  int64 // unix nanos; compared against a ticker, never compared across machines
	HBInterval         int64 // nanoseconds
	TestReqOutstanding *string
	Phase              Phase
	livenessHBSent     bool // true once a threshold-1 Heartbeat has been sent for the current idle run
}

// NewState creates a fresh per-connection state with out_seq/in_seq at
// their initial values (out_seq starts at 1, the next MsgSeqNum to
// assign; in_seq at 0, meaning no inbound message observed yet).
func NewState(key store.SessionKey, hbInterval int64) *State {
	return &State{
		Key:        key,
		OutSeq:     1,
		InSeq:      0,
		HBInterval: hbInterval,
		Phase:      Handshaking,
	}
}

// NextOutSeq returns the seq to assign to the next outbound message and
// advances the counter.
func (s *State) NextOutSeq() int {
	seq := s.OutSeq
	s.OutSeq++
	return seq
}

// StateSnapshot is a copy of the observable per-connection state. The live
// State is owned exclusively by the session goroutine; anything outside it
// (the gateway's session table, the introspection surface) reads only
// snapshots the task publishes.
type StateSnapshot struct {
	Key        store.SessionKey
	Phase      Phase
	InSeq      int
	OutSeq     int
	LastRxUnix int64
}

// Snapshot copies the observable fields. Call only from the goroutine that
// owns s.
func (s *State) Snapshot() StateSnapshot {
	return StateSnapshot{
		Key:        s.Key,
		Phase:      s.Phase,
		InSeq:      s.InSeq,
		OutSeq:     s.OutSeq,
		LastRxUnix: s.LastRxInstantUnix,
	}
}

// Admin types that are never retransmitted in response to a ResendRequest:
// these are skipped with a GapFill rather than replayed.
var nonResendableAdmin = map[fix.MsgType]bool{
	fix.MsgTypeHeartbeat:     true,
	fix.MsgTypeTestRequest:   true,
	fix.MsgTypeResendRequest: true,
	fix.MsgTypeLogon:         true,
	fix.MsgTypeLogout:        true,
	fix.MsgTypeSequenceReset: true,
}
