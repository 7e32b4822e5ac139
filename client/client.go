// Package client is the application-facing surface over a Gateway: a
// Handler interface dispatched from a driver loop, and a Session handle for
// submitting outbound traffic.
package client

import (
	"fmt"

	"github.com/gurre/fixgo/config"
	"github.com/gurre/fixgo/fix"
	"github.com/gurre/fixgo/gateway"
	"github.com/gurre/fixgo/session"
)

// InboundMessage is the read-only view of one accepted inbound message
// handed to Handler.OnMessage. Admin is populated whenever the raw frame
// decodes as one of the six session-layer message types; application-layer
// frames carry a nil Admin and are left to the handler to parse.
type InboundMessage struct {
	MsgType string
	Body    []byte
	Admin   *session.AdminMessage
}

// parseInboundAdmin attempts to decode raw as a FixMessage and extract its
// typed admin variant. Decode or parse failure simply yields a nil Admin;
// the raw frame is always delivered regardless.
func parseInboundAdmin(raw []byte) *session.AdminMessage {
	msg, err := fix.Decode(raw)
	if err != nil {
		return nil
	}
	admin, ok := session.ParseAdmin(msg)
	if !ok {
		return nil
	}
	return &admin
}

// Handler receives session lifecycle and message events. Implementations
// do not need to embed anything; methods are called only when relevant,
// and a Client never expects all three to be implemented meaningfully: an
// embedded NopHandler is provided for tests and examples that only care
// about one callback.
type Handler interface {
	OnSessionActive(s *Session)
	OnMessage(s *Session, msg InboundMessage)
	OnDisconnect(s *Session, reason session.DisconnectReason)
}

// NopHandler implements Handler with no-ops; embed it to override only the
// callbacks a particular handler cares about.
type NopHandler struct{}

func (NopHandler) OnSessionActive(*Session)                        {}
func (NopHandler) OnMessage(*Session, InboundMessage)              {}
func (NopHandler) OnDisconnect(*Session, session.DisconnectReason) {}

// Session is a lightweight handle for submitting outbound traffic on one
// gateway-managed session; it holds no state of its own beyond the id and
// a reference to the gateway that owns the connection.
type Session struct {
	id SessionRef
	gw *gateway.Gateway
}

// SessionRef is session.SessionID re-exported under the client package so
// callers of this package never need to import package session directly
// for the common case.
type SessionRef = session.SessionID

// ID returns the gateway-assigned identifier for this session.
func (s *Session) ID() SessionRef { return s.id }

// SendRaw transmits an already-encoded FIX frame on this session.
func (s *Session) SendRaw(frame []byte) error {
	return s.gw.Send(s.id, frame)
}

// SendAdmin submits an admin message for transmission; its MsgSeqNum and
// comp ids are stamped by the owning session task at write time.
func (s *Session) SendAdmin(msg session.AdminMessage) error {
	return s.gw.SendAdmin(s.id, msg)
}

// Client drives one gateway session's events into a Handler. One Client
// corresponds to one initiated or discovered session; a process that
// manages many sessions runs one Client per session.
type Client struct {
	cfg    config.ClientConfig
	gw     *gateway.Gateway
	events <-chan session.Event
	sess   *Session
}

// Connect dials cfg against gw and returns a Client ready to Run. The
// dial/handshake happens synchronously with respect to event delivery: no
// event can be missed between Connect returning and Run being called,
// because the Client already holds its subscriber channel.
func Connect(clientCfg config.ClientConfig, gw *gateway.Gateway, sessCfg config.SessionConfig) (*Client, error) {
	id, events, err := gw.InitiateSession(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return &Client{
		cfg:    clientCfg,
		gw:     gw,
		events: events,
		sess:   &Session{id: id, gw: gw},
	}, nil
}

// Run dispatches events to handler until the session disconnects, then
// returns. It is safe to call exactly once per Client.
func (c *Client) Run(handler Handler) {
	for ev := range c.events {
		switch ev.Kind {
		case session.EventSessionActive:
			handler.OnSessionActive(c.sess)
		case session.EventInboundMessage:
			handler.OnMessage(c.sess, InboundMessage{
				MsgType: ev.MsgTypeCode,
				Body:    ev.RawFrame,
				Admin:   parseInboundAdmin(ev.RawFrame),
			})
		case session.EventDisconnected:
			handler.OnDisconnect(c.sess, ev.Reason)
			return
		}
	}
}

// Session returns the handle for submitting outbound traffic on this
// Client's session; valid immediately after Connect, even before the
// handshake completes (sends simply queue behind the handshake).
func (c *Client) Session() *Session { return c.sess }
