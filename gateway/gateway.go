// Package gateway owns the accept loop, the outbound dial path, and the
// table of live sessions; it is the only package that touches a net.Listener
// or calls net.Dial. Everything session-protocol related is delegated to
// package session.
package gateway

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gurre/fixgo/config"
	"github.com/gurre/fixgo/session"
	"github.com/gurre/fixgo/store"
)

// ErrSessionClosed reports that a session has already disconnected (or the
// gateway is shutting down) by the time Send/SendAdmin reached it.
var ErrSessionClosed = errors.New("gateway: session closed")

// Store is the subset of *store.FileStore a Gateway needs to hand to each
// session.Task it spawns.
type Store interface {
	session.Store
}

// Gateway accepts inbound connections, dials outbound ones, and fans out
// each session's events to every subscriber registered for it.
type Gateway struct {
	cfg       config.GatewayConfig
	store     Store
	auth      config.AuthFunc
	listener  net.Listener
	nextID    atomic.Uint64
	closeOnce sync.Once
	stop      chan struct{}

	mu       sync.RWMutex
	sessions map[session.SessionID]*liveSession

	// clients holds every gateway-wide subscriber registered via
	// RegisterClient. Every liveSession's initial subscriber list is seeded
	// from a snapshot of this slice at start() time, so a client registered
	// before a connection is accepted or dialed can never miss that
	// session's first event.
	clientsMu sync.Mutex
	clients   []chan session.Event
}

type liveSession struct {
	inbox chan session.OutboundPayload
	subs  []chan session.Event
	subMu sync.Mutex

	// snap is the task-published view of the session's state; the live
	// State belongs to the task goroutine alone.
	snapMu sync.Mutex
	snap   session.StateSnapshot

	// inboxMu guards closed and serializes it against concurrent sends, so
	// Shutdown closing inbox can never race a Send/SendAdmin call into a
	// panic on a closed channel.
	inboxMu sync.Mutex
	closed  bool
}

// trySend enqueues payload on the session's inbox, returning false instead
// of panicking if the session has already been closed out from under the
// caller (e.g. a concurrent Shutdown).
func (ls *liveSession) trySend(payload session.OutboundPayload) bool {
	ls.inboxMu.Lock()
	defer ls.inboxMu.Unlock()
	if ls.closed {
		return false
	}
	ls.inbox <- payload
	return true
}

func (ls *liveSession) stateSnap() session.StateSnapshot {
	ls.snapMu.Lock()
	defer ls.snapMu.Unlock()
	return ls.snap
}

// closeInbox closes the outbound inbox exactly once, safe to call
// concurrently with trySend.
func (ls *liveSession) closeInbox() {
	ls.inboxMu.Lock()
	defer ls.inboxMu.Unlock()
	if ls.closed {
		return
	}
	ls.closed = true
	close(ls.inbox)
}

// New constructs a Gateway bound to store and ready to accept or dial.
// auth is consulted for every inbound Logon; pass config.AcceptAll to admit
// any counterparty.
func New(cfg config.GatewayConfig, st Store, auth config.AuthFunc) (*Gateway, error) {
	if auth == nil {
		auth = config.AcceptAll
	}
	g := &Gateway{
		cfg:      cfg,
		store:    st,
		auth:     auth,
		stop:     make(chan struct{}),
		sessions: make(map[session.SessionID]*liveSession),
	}
	return g, nil
}

// Listen binds cfg.BindAddress. Separated from ListenAndAccept so callers
// (and tests) can learn the bound address before the accept loop starts,
// which matters when BindAddress asks for an ephemeral port.
func (g *Gateway) Listen() error {
	ln, err := net.Listen("tcp", g.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", g.cfg.BindAddress, err)
	}
	g.listener = ln
	return nil
}

// ListenAndAccept binds cfg.BindAddress (if Listen was not already called)
// and spawns an acceptor session task for every inbound connection until
// Shutdown is called. It blocks; call it from its own goroutine.
func (g *Gateway) ListenAndAccept(ownCompID string, hbIntervalSecs uint32) error {
	if g.listener == nil {
		if err := g.Listen(); err != nil {
			return err
		}
	}
	log.Infof("fixgo: gateway listening on %s", g.listener.Addr())
	return g.acceptLoop(g.listener, ownCompID, hbIntervalSecs)
}

// Addr returns the listener's bound address once Listen (or
// ListenAndAccept) has bound it, and nil before that.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

func (g *Gateway) acceptLoop(ln net.Listener, ownCompID string, hbIntervalSecs uint32) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-g.stop:
				return nil
			default:
				log.Warnf("fixgo: accept: %v", err)
				continue
			}
		}
		g.spawnAcceptor(conn, ownCompID, hbIntervalSecs)
	}
}

func (g *Gateway) spawnAcceptor(conn net.Conn, ownCompID string, hbIntervalSecs uint32) {
	id := session.SessionID(g.nextID.Add(1))
	key := store.SessionKey{SenderCompID: ownCompID, TargetCompID: ""}
	machine := session.NewMachine(key, int64(hbIntervalSecs)*int64(time.Second), false, g.auth)
	// start() seeds this session's subscriber list from the registered
	// RegisterClient clients before the task goroutine runs, so an accepted
	// session's SessionActive is observed by any caller that registered
	// before this connection arrived, exactly like InitiateSession's presub.
	g.start(id, machine, conn, nil)
}

// InitiateSession dials host:port and starts the initiator handshake,
// returning the new session's id together with its first subscriber
// channel, created before the session task's goroutine starts, so no
// event (including the handshake's own SessionActive) can be emitted
// before this caller is registered to receive it.
func (g *Gateway) InitiateSession(cfg config.SessionConfig) (session.SessionID, <-chan session.Event, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway: dial %s: %w", addr, err)
	}

	id := session.SessionID(g.nextID.Add(1))
	key := store.SessionKey{SenderCompID: cfg.SenderCompID, TargetCompID: cfg.TargetCompID}
	machine := session.NewMachine(key, int64(cfg.HeartbeatIntervalSecs)*int64(time.Second), true, nil)

	firstSub := make(chan session.Event, 64)
	g.start(id, machine, conn, firstSub)
	return id, firstSub, nil
}

// start registers id's liveSession with whatever subscribers the caller
// already holds plus every currently-registered RegisterClient subscriber,
// and only then launches the fan-out and task goroutines, guaranteeing
// those subscribers observe every event the new task emits, including its
// very first one. presub may be nil.
func (g *Gateway) start(id session.SessionID, machine *session.Machine, conn net.Conn, presub chan session.Event) {
	var subs []chan session.Event
	if presub != nil {
		subs = append(subs, presub)
	}
	g.clientsMu.Lock()
	subs = append(subs, g.clients...)
	g.clientsMu.Unlock()

	ls := &liveSession{
		inbox: make(chan session.OutboundPayload, 1024),
		subs:  subs,
		snap:  machine.State.Snapshot(),
	}
	g.mu.Lock()
	g.sessions[id] = ls
	g.mu.Unlock()

	events := make(chan session.Event, 256)
	go g.fanOut(id, events)

	task := session.NewTask(machine, conn, g.store, id, ls.inbox, events)
	task.Publish = func(snap session.StateSnapshot) {
		ls.snapMu.Lock()
		ls.snap = snap
		ls.snapMu.Unlock()
	}
	go task.Run()
}

// fanOut re-broadcasts every event from a session task to every subscriber
// registered for that session. Each send blocks: a slow subscriber applies
// backpressure to the whole session (including its socket reads) rather
// than silently losing events.
func (g *Gateway) fanOut(id session.SessionID, events <-chan session.Event) {
	for ev := range events {
		g.mu.RLock()
		ls := g.sessions[id]
		g.mu.RUnlock()
		if ls == nil {
			continue
		}

		ls.subMu.Lock()
		subs := make([]chan session.Event, len(ls.subs))
		copy(subs, ls.subs)
		ls.subMu.Unlock()

		for _, sub := range subs {
			sub <- ev
		}

		if ev.Kind == session.EventDisconnected {
			g.mu.Lock()
			delete(g.sessions, id)
			g.mu.Unlock()
			ls.closeInbox()
			return
		}
	}
}

// RegisterClient registers a library-wide observer that receives every
// event emitted by any session this gateway starts from here on
// (accepted or dialed) rather than one keyed to an id the caller must
// already know. Register before calling ListenAndAccept (and before any
// InitiateSession the caller wants covered) to guarantee even the
// handshake's own SessionActive is observed; start() snapshots the
// registered client list into each new session before its task goroutine
// runs, so nothing accepted after this call can race past an empty
// subscriber list the way a bare Subscribe(id) would.
func (g *Gateway) RegisterClient() (<-chan session.Event, func()) {
	ch := make(chan session.Event, 256)
	g.clientsMu.Lock()
	g.clients = append(g.clients, ch)
	g.clientsMu.Unlock()

	unregister := func() {
		g.clientsMu.Lock()
		defer g.clientsMu.Unlock()
		for i, c := range g.clients {
			if c == ch {
				g.clients = append(g.clients[:i], g.clients[i+1:]...)
				break
			}
		}
	}
	return ch, unregister
}

// Subscribe registers a new event channel for id, returning it plus an
// unsubscribe func. It is an error to subscribe to an id the gateway has
// never seen.
func (g *Gateway) Subscribe(id session.SessionID) (<-chan session.Event, func(), error) {
	g.mu.RLock()
	ls := g.sessions[id]
	g.mu.RUnlock()
	if ls == nil {
		return nil, nil, fmt.Errorf("gateway: unknown session %d", id)
	}

	ch := make(chan session.Event, 64)
	ls.subMu.Lock()
	ls.subs = append(ls.subs, ch)
	ls.subMu.Unlock()

	unsub := func() {
		ls.subMu.Lock()
		defer ls.subMu.Unlock()
		for i, c := range ls.subs {
			if c == ch {
				ls.subs = append(ls.subs[:i], ls.subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub, nil
}

// Send submits a pre-encoded raw frame for transmission on session id.
func (g *Gateway) Send(id session.SessionID, raw []byte) error {
	g.mu.RLock()
	ls := g.sessions[id]
	g.mu.RUnlock()
	if ls == nil {
		return fmt.Errorf("gateway: unknown session %d", id)
	}
	if !ls.trySend(session.OutboundPayload{Raw: raw}) {
		return ErrSessionClosed
	}
	return nil
}

// SendAdmin submits an admin message for transmission on session id; its
// MsgSeqNum and comp ids are stamped by the session task at write time.
func (g *Gateway) SendAdmin(id session.SessionID, msg session.AdminMessage) error {
	g.mu.RLock()
	ls := g.sessions[id]
	g.mu.RUnlock()
	if ls == nil {
		return fmt.Errorf("gateway: unknown session %d", id)
	}
	if !ls.trySend(session.OutboundPayload{Admin: &msg}) {
		return ErrSessionClosed
	}
	return nil
}

// Sessions returns a snapshot of live session ids and their phase, for the
// introspection surface.
func (g *Gateway) Sessions() map[session.SessionID]session.Phase {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[session.SessionID]session.Phase, len(g.sessions))
	for id, ls := range g.sessions {
		out[id] = ls.stateSnap().Phase
	}
	return out
}

// SessionInfo is the richer per-session view exposed to the introspection
// surface: comp ids and sequence numbers alongside phase.
type SessionInfo struct {
	SenderCompID   string
	TargetCompID   string
	Phase          session.Phase
	InSeq          int
	OutSeq         int
	LastActiveUnix int64
}

// Snapshot returns a detailed view of every live session, for
// introspect.Server's session list endpoint.
func (g *Gateway) Snapshot() map[session.SessionID]SessionInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[session.SessionID]SessionInfo, len(g.sessions))
	for id, ls := range g.sessions {
		snap := ls.stateSnap()
		out[id] = SessionInfo{
			SenderCompID:   snap.Key.SenderCompID,
			TargetCompID:   snap.Key.TargetCompID,
			Phase:          snap.Phase,
			InSeq:          snap.InSeq,
			OutSeq:         snap.OutSeq,
			LastActiveUnix: snap.LastRxUnix,
		}
	}
	return out
}

// Shutdown stops accepting new connections and closes every live session's
// inbox, letting each session task terminate with ApplicationRequested.
func (g *Gateway) Shutdown() {
	g.closeOnce.Do(func() {
		close(g.stop)
		if g.listener != nil {
			g.listener.Close()
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		for _, ls := range g.sessions {
			ls.closeInbox()
		}
	})
}
