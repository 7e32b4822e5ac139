package store

import (
	"bytes"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func waitForIndex(t *testing.T, s *FileStore, key SessionKey, wantSeq int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		seq, ok, err := s.LastOutboundSeq(key)
		if err != nil {
			t.Fatalf("LastOutboundSeq: %v", err)
		}
		if ok && seq >= wantSeq {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("index never reached seq %d", wantSeq)
}

// TestAppendAndLoadOutboundRange verifies appended outbound records are
// returned byte-identical and in ascending seq order for a requested range.
func TestAppendAndLoadOutboundRange(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, Durability{Mode: DurabilityAlways})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()

	key := SessionKey{SenderCompID: "I", TargetCompID: "A"}
	payloads := map[int][]byte{
		1: []byte("frame-one"),
		2: []byte("frame-two"),
		3: []byte("frame-three"),
		4: []byte("frame-four"),
		5: []byte("frame-five"),
	}
	for seq := 1; seq <= 5; seq++ {
		if err := s.Append(StoredRecord{
			Session:   key,
			Direction: Outbound,
			Seq:       intPtr(seq),
			TSMillis:  int64(seq),
			Payload:   payloads[seq],
		}); err != nil {
			t.Fatalf("Append(%d): %v", seq, err)
		}
	}

	waitForIndex(t, s, key, 5)

	got, err := s.LoadOutboundRange(key, 2, 4)
	if err != nil {
		t.Fatalf("LoadOutboundRange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, seq := range []int{2, 3, 4} {
		if !bytes.Equal(got[i], payloads[seq]) {
			t.Fatalf("record %d = %q, want %q", i, got[i], payloads[seq])
		}
	}
}

// TestLastOutboundSeq verifies that after N outbound appends,
// LastOutboundSeq equals N.
func TestLastOutboundSeq(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, Durability{Mode: DurabilityAlways})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()

	key := SessionKey{SenderCompID: "I", TargetCompID: "A"}
	const n = 7
	for seq := 1; seq <= n; seq++ {
		if err := s.Append(StoredRecord{
			Session:   key,
			Direction: Outbound,
			Seq:       intPtr(seq),
			Payload:   []byte("x"),
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	waitForIndex(t, s, key, n)

	seq, ok, err := s.LastOutboundSeq(key)
	if err != nil {
		t.Fatalf("LastOutboundSeq: %v", err)
	}
	if !ok || seq != n {
		t.Fatalf("LastOutboundSeq = (%d, %v), want (%d, true)", seq, ok, n)
	}
}

func TestLoadOutboundRangeMissingIndexIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, Durability{Mode: DurabilityDisabled})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer s.Close()

	key := SessionKey{SenderCompID: "X", TargetCompID: "Y"}
	got, err := s.LoadOutboundRange(key, 1, 10)
	if err != nil {
		t.Fatalf("expected no error for missing index, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d records", len(got))
	}
}

func TestAppendAfterCloseReturnsChannelClosed(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, Durability{Mode: DurabilityDisabled})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	s.Close()

	err = s.Append(StoredRecord{
		Session:   SessionKey{SenderCompID: "I", TargetCompID: "A"},
		Direction: Outbound,
		Seq:       intPtr(1),
		Payload:   []byte("x"),
	})
	if err != ErrChannelClosed {
		t.Fatalf("Append after close = %v, want ErrChannelClosed", err)
	}
}

func TestFileStemSanitization(t *testing.T) {
	key := SessionKey{SenderCompID: "I.D-1", TargetCompID: "A/B"}
	want := "I_D_1__A_B"
	if got := key.FileStem(); got != want {
		t.Fatalf("FileStem() = %q, want %q", got, want)
	}
}
