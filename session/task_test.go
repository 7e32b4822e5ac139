package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gurre/fixgo/fix"
	"github.com/gurre/fixgo/store"
)

// fakeStore is an in-memory Store good enough to drive Task without touching
// disk; it is intentionally not concurrency-safe beyond a single mutex since
// each Task only ever calls it from its own goroutine.
type fakeStore struct {
	mu      sync.Mutex
	records []store.StoredRecord
}

func (f *fakeStore) Append(rec store.StoredRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) LoadOutboundRange(session store.SessionKey, begin, end int) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, r := range f.records {
		if r.Direction != store.Outbound || r.Seq == nil {
			continue
		}
		if *r.Seq >= begin && *r.Seq <= end {
			out = append(out, r.Payload)
		}
	}
	return out, nil
}

func TestTaskHandshakeAndHeartbeatExchange(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	key := store.SessionKey{SenderCompID: "SERVER", TargetCompID: "CLIENT"}
	serverMachine := NewMachine(key, int64(time.Hour), false, func(sender, target string) bool { return true })
	serverEvents := make(chan Event, 16)
	serverInbox := make(chan OutboundPayload, 4)
	serverTask := NewTask(serverMachine, serverConn, &fakeStore{}, 1, serverInbox, serverEvents)

	clientKey := store.SessionKey{SenderCompID: "CLIENT", TargetCompID: "SERVER"}
	clientMachine := NewMachine(clientKey, int64(time.Hour), true, nil)
	clientEvents := make(chan Event, 16)
	clientInbox := make(chan OutboundPayload, 4)
	clientTask := NewTask(clientMachine, clientConn, &fakeStore{}, 2, clientInbox, clientEvents)

	go serverTask.Run()
	go clientTask.Run()

	waitForEvent(t, serverEvents, EventSessionActive)
	waitForEvent(t, clientEvents, EventSessionActive)

	if serverMachine.State.Phase != Active {
		t.Fatalf("server phase = %v, want Active", serverMachine.State.Phase)
	}
	if clientMachine.State.Phase != Active {
		t.Fatalf("client phase = %v, want Active", clientMachine.State.Phase)
	}

	testReq := AdminMessage{Kind: KindTestRequest, TestReqID: "ping-1"}
	clientInbox <- OutboundPayload{Admin: &testReq}

	ev := waitForEvent(t, serverEvents, EventInboundMessage)
	if ev.MsgTypeCode != string(fix.MsgTypeTestRequest) {
		t.Fatalf("server saw MsgType %q, want TestRequest", ev.MsgTypeCode)
	}

	waitForEvent(t, clientEvents, EventInboundMessage) // the Heartbeat reply

	close(clientInbox)
	waitForEvent(t, clientEvents, EventDisconnected)
	waitForEvent(t, serverEvents, EventDisconnected)
}

func waitForEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}
