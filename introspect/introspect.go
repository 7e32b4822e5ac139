// Package introspect exposes a read-only HTTP surface onto a running
// gateway: a list of live sessions and a per-session SSE stream of the
// events a client would otherwise only see by subscribing in-process.
package introspect

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/gurre/fixgo/gateway"
	"github.com/gurre/fixgo/session"
)

// Server hosts the read-only HTTP surface. It never mutates gateway state;
// every handler either lists or subscribes.
type Server struct {
	addr    string
	gw      *gateway.Gateway
	router  *mux.Router
	httpSrv *http.Server
}

// New builds a Server bound to addr, ready for Run.
func New(addr string, gw *gateway.Gateway) *Server {
	s := &Server{addr: addr, gw: gw, router: mux.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}/events", s.handleSessionEvents).Methods("GET")
}

type sessionInfo struct {
	ID           uint64 `json:"id"`
	SenderCompID string `json:"sender_comp_id"`
	TargetCompID string `json:"target_comp_id"`
	Phase        string `json:"phase"`
	InSeq        int    `json:"in_seq"`
	OutSeq       int    `json:"out_seq"`
	LastActive   int64  `json:"last_active_unix_nanos"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.gw.Snapshot()
	out := make([]sessionInfo, 0, len(sessions))
	for id, info := range sessions {
		out = append(out, sessionInfo{
			ID:           uint64(id),
			SenderCompID: info.SenderCompID,
			TargetCompID: info.TargetCompID,
			Phase:        info.Phase.String(),
			InSeq:        info.InSeq,
			OutSeq:       info.OutSeq,
			LastActive:   info.LastActiveUnix,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Warnf("fixgo: introspect: encode session list: %v", err)
	}
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idNum, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	id := session.SessionID(idNum)

	ch, unsub, err := s.gw.Subscribe(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: %d\n\n", id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
			if ev.Kind == session.EventDisconnected {
				return
			}
		}
	}
}

type wireEvent struct {
	Kind     string `json:"kind"`
	MsgType  string `json:"msg_type,omitempty"`
	FrameB64 string `json:"frame_b64,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func writeEvent(w http.ResponseWriter, ev session.Event) {
	var we wireEvent
	switch ev.Kind {
	case session.EventSessionActive:
		we.Kind = "session_active"
	case session.EventInboundMessage:
		we.Kind = "inbound_message"
		we.MsgType = ev.MsgTypeCode
		we.FrameB64 = base64.StdEncoding.EncodeToString(ev.RawFrame)
	case session.EventDisconnected:
		we.Kind = "disconnected"
		we.Reason = ev.Reason.String()
	}
	data, err := json.Marshal(we)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// Run starts the HTTP server; it blocks until the server stops.
func (s *Server) Run() error {
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.router}
	log.Infof("fixgo: introspection server listening on %s", s.addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
}
