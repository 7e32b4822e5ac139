// Package store implements the durable per-session message journal:
// append-only JSON-line data files with a companion seq→offset index,
// drained by a single writer goroutine per store so append order always
// equals on-disk order.
package store

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrChannelClosed reports that the store's writer has shut down; Append
// can no longer enqueue records.
var ErrChannelClosed = errors.New("store: writer channel closed")

// DurabilityMode selects when a flushed batch is fsync'd.
type DurabilityMode int

const (
	// DurabilityAlways syncs both data and index files after every flush.
	DurabilityAlways DurabilityMode = iota
	// DurabilityInterval syncs only if Interval has elapsed since the last sync.
	DurabilityInterval
	// DurabilityDisabled never syncs explicitly; the OS decides when dirty
	// pages reach disk.
	DurabilityDisabled
)

// Durability configures the store's fsync policy.
type Durability struct {
	Mode     DurabilityMode
	Interval time.Duration
}

const (
	defaultBatchThreshold = 64
	defaultFlushTick      = 200 * time.Millisecond
	writerChannelCapacity = 1024
)

// FileStore is a clonable handle onto a single background writer task; its
// interior uses a channel, so concurrent Append callers never contend on
// file I/O directly.
type FileStore struct {
	baseDir    string
	durability Durability
	reqCh      chan StoredRecord
	stop       chan struct{}
	done       chan struct{}
}

// NewFileStore creates the base directory (if needed) and starts the
// writer goroutine.
func NewFileStore(baseDir string, durability Durability) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}

	s := &FileStore{
		baseDir:    baseDir,
		durability: durability,
		reqCh:      make(chan StoredRecord, writerChannelCapacity),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Append enqueues rec for the writer and returns once it is accepted onto
// the channel; it never blocks on disk I/O. reqCh is never closed (only
// the writer's exit is signaled via done), so a send here never panics;
// it simply returns ErrChannelClosed once the writer has exited.
func (s *FileStore) Append(rec StoredRecord) error {
	select {
	case <-s.done:
		return ErrChannelClosed
	default:
	}
	select {
	case s.reqCh <- rec:
		return nil
	case <-s.done:
		return ErrChannelClosed
	}
}

// Close stops accepting new records and waits for the writer to flush and
// exit.
func (s *FileStore) Close() {
	close(s.stop)
	<-s.done
}

type sessionFiles struct {
	data       *os.File
	idx        *os.File
	dataOffset int64
}

func (s *FileStore) run() {
	defer close(s.done)

	files := make(map[string]*sessionFiles)
	defer func() {
		for _, f := range files {
			f.data.Close()
			f.idx.Close()
		}
	}()

	var queue []StoredRecord
	ticker := time.NewTicker(defaultFlushTick)
	defer ticker.Stop()
	lastSync := time.Now()

	flush := func() {
		if len(queue) == 0 {
			return
		}
		for _, rec := range queue {
			if err := s.writeOne(files, rec); err != nil {
				log.Warnf("store: flush failed for %s: %v", rec.Session.FileStem(), err)
			}
		}
		queue = queue[:0]

		switch s.durability.Mode {
		case DurabilityAlways:
			syncAll(files)
			lastSync = time.Now()
		case DurabilityInterval:
			if time.Since(lastSync) >= s.durability.Interval {
				syncAll(files)
				lastSync = time.Now()
			}
		case DurabilityDisabled:
		}
	}

	for {
		select {
		case rec := <-s.reqCh:
			queue = append(queue, rec)
			if len(queue) >= defaultBatchThreshold {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			s.drainRemaining(&queue)
			flush()
			return
		}
	}
}

// drainRemaining pulls any records already sitting in the channel buffer
// at shutdown time so a fast Close doesn't lose a burst of just-enqueued
// appends.
func (s *FileStore) drainRemaining(queue *[]StoredRecord) {
	for {
		select {
		case rec := <-s.reqCh:
			*queue = append(*queue, rec)
		default:
			return
		}
	}
}

func syncAll(files map[string]*sessionFiles) {
	for _, f := range files {
		f.data.Sync()
		f.idx.Sync()
	}
}

func (s *FileStore) openSessionFiles(files map[string]*sessionFiles, session SessionKey) (*sessionFiles, error) {
	stem := session.FileStem()
	if f, ok := files[stem]; ok {
		return f, nil
	}

	dataPath := filepath.Join(s.baseDir, stem+".jsonl")
	idxPath := filepath.Join(s.baseDir, stem+".idx")

	data, err := os.OpenFile(dataPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	idx, err := os.OpenFile(idxPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("open index file: %w", err)
	}

	info, err := data.Stat()
	if err != nil {
		data.Close()
		idx.Close()
		return nil, fmt.Errorf("stat data file: %w", err)
	}

	f := &sessionFiles{data: data, idx: idx, dataOffset: info.Size()}
	files[stem] = f
	return f, nil
}

func (s *FileStore) writeOne(files map[string]*sessionFiles, rec StoredRecord) error {
	f, err := s.openSessionFiles(files, rec.Session)
	if err != nil {
		return err
	}

	wire := wireRecord{
		Session:    rec.Session,
		Direction:  rec.Direction,
		Seq:        rec.Seq,
		TSMillis:   rec.TSMillis,
		PayloadB64: base64.StdEncoding.EncodeToString(rec.Payload),
	}
	line, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	offset := f.dataOffset
	n, err := f.data.Write(append(line, '\n'))
	if err != nil {
		return fmt.Errorf("write data line: %w", err)
	}
	f.dataOffset += int64(n)

	if rec.Direction == Outbound && rec.Seq != nil {
		idxLine := fmt.Sprintf("%d %d\n", *rec.Seq, offset)
		if _, err := f.idx.WriteString(idxLine); err != nil {
			return fmt.Errorf("write index line: %w", err)
		}
	}
	return nil
}

// LoadOutboundRange returns the outbound messages with sequence numbers in
// [begin, end], in ascending sequence order, as the raw byte frames that
// were originally appended, never re-encoded.
func (s *FileStore) LoadOutboundRange(session SessionKey, begin, end int) ([][]byte, error) {
	stem := session.FileStem()
	idxPath := filepath.Join(s.baseDir, stem+".idx")
	dataPath := filepath.Join(s.baseDir, stem+".jsonl")

	entries, err := readIndex(idxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read index: %w", err)
	}

	var selected []indexEntry
	for _, e := range entries {
		if e.seq >= begin && e.seq <= end {
			selected = append(selected, e)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].seq < selected[j].seq })

	if len(selected) == 0 {
		return nil, nil
	}

	df, err := os.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: open data file: %w", err)
	}
	defer df.Close()

	out := make([][]byte, 0, len(selected))
	for _, e := range selected {
		if _, err := df.Seek(e.offset, 0); err != nil {
			return nil, fmt.Errorf("store: seek to offset %d: %w", e.offset, err)
		}
		line, err := bufio.NewReader(df).ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("store: read record at offset %d: %w", e.offset, err)
		}
		var wire wireRecord
		if err := json.Unmarshal([]byte(strings.TrimRight(line, "\n")), &wire); err != nil {
			return nil, fmt.Errorf("store: unmarshal record at offset %d: %w", e.offset, err)
		}
		payload, err := base64.StdEncoding.DecodeString(wire.PayloadB64)
		if err != nil {
			return nil, fmt.Errorf("store: decode payload at offset %d: %w", e.offset, err)
		}
		out = append(out, payload)
	}
	return out, nil
}

// LastOutboundSeq returns the maximum outbound sequence number previously
// recorded for session, or ok=false if none exists yet.
func (s *FileStore) LastOutboundSeq(session SessionKey) (seq int, ok bool, err error) {
	idxPath := filepath.Join(s.baseDir, session.FileStem()+".idx")
	entries, err := readIndex(idxPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: read index: %w", err)
	}
	if len(entries) == 0 {
		return 0, false, nil
	}
	max := entries[0].seq
	for _, e := range entries[1:] {
		if e.seq > max {
			max = e.seq
		}
	}
	return max, true, nil
}

type indexEntry struct {
	seq    int
	offset int64
}

func readIndex(path string) ([]indexEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []indexEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		seq, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		offset, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, indexEntry{seq: seq, offset: offset})
	}
	return entries, scanner.Err()
}
