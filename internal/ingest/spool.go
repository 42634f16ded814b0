package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// spool op codes. The spool is a newline-delimited JSON log of operations;
// replaying it from the top reconstructs the live entry set.
const (
	opPut  = "put"
	opAck  = "ack"
	opDrop = "drop"
)

type spoolRecord struct {
	Op    string     `json:"op"`
	Entry *Entry     `json:"entry,omitempty"`
	ID    *uuid.UUID `json:"id,omitempty"`
	// Retry bookkeeping for nack records.
	Attempts    int    `json:"attempts,omitempty"`
	NextAttempt string `json:"next_attempt,omitempty"`
}

// Spool is the append-only on-disk journal backing the ingestion buffer.
// Every buffer mutation is written here before it is acknowledged, so a
// crash never loses an accepted observation. A corrupt trailing line (torn
// write) is truncated away on open; everything before it is recovered.
type Spool struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	size int64
}

// OpenSpool opens or creates the spool at path and replays it, returning
// the live entries in original enqueue order.
func OpenSpool(path string, logger *zap.Logger) (*Spool, []Entry, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}
	entries, validLen, err := replay(path, logger)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open spool: %w", err)
	}
	if err := f.Truncate(validLen); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to truncate spool: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, nil, err
	}

	s := &Spool{
		path:   path,
		logger: logger,
		file:   f,
		enc:    json.NewEncoder(f),
		size:   validLen,
	}
	return s, entries, nil
}

// replay scans the spool, applying ops in order. It returns the surviving
// entries and the byte offset of the last fully parseable line.
func replay(path string, logger *zap.Logger) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read spool: %w", err)
	}
	defer f.Close()

	live := make(map[uuid.UUID]*Entry)
	var order []uuid.UUID

	var validLen int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		lineNo++

		var rec spoolRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn("RECOVERED: spool truncated at corrupt line",
				zap.String("path", path),
				zap.Int("line", lineNo),
				zap.Int64("offset", validLen),
				zap.Error(err),
			)
			return flatten(live, order), validLen, nil
		}
		validLen += int64(len(line)) + 1

		switch rec.Op {
		case opPut:
			if rec.Entry != nil {
				e := *rec.Entry
				if _, seen := live[e.ID]; !seen {
					order = append(order, e.ID)
				}
				live[e.ID] = &e
			}
		case opAck, opDrop:
			if rec.ID != nil {
				delete(live, *rec.ID)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// An unterminated oversized line is treated like corruption.
		logger.Warn("RECOVERED: spool truncated at unreadable tail",
			zap.String("path", path),
			zap.Int64("offset", validLen),
			zap.Error(err),
		)
		return flatten(live, order), validLen, nil
	}
	return flatten(live, order), validLen, nil
}

func flatten(live map[uuid.UUID]*Entry, order []uuid.UUID) []Entry {
	out := make([]Entry, 0, len(live))
	for _, id := range order {
		if e, ok := live[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Put journals an entry insertion. The write is synced before returning.
func (s *Spool) Put(e Entry) error {
	return s.append(spoolRecord{Op: opPut, Entry: &e})
}

// Ack journals a successful delivery.
func (s *Spool) Ack(id uuid.UUID) error {
	return s.append(spoolRecord{Op: opAck, ID: &id})
}

// Drop journals a removal that is not a delivery (eviction, DLQ promotion).
func (s *Spool) Drop(id uuid.UUID) error {
	return s.append(spoolRecord{Op: opDrop, ID: &id})
}

// Update journals new retry state by re-putting the entry. Replay keeps the
// latest put per id, so the updated attempts survive a restart.
func (s *Spool) Update(e Entry) error {
	return s.append(spoolRecord{Op: opPut, Entry: &e})
}

func (s *Spool) append(rec spoolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("spool %s is closed", s.path)
	}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to append to spool: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync spool: %w", err)
	}
	st, err := s.file.Stat()
	if err == nil {
		s.size = st.Size()
	}
	return nil
}

// Size returns the spool file size in bytes.
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Compact rewrites the spool to contain only the given live entries,
// reclaiming space from acked and dropped records. Safe to call while the
// buffer is quiesced (it takes the spool lock for the duration).
func (s *Spool) Compact(live []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".compact"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}
	enc := json.NewEncoder(f)
	for i := range live {
		if err := enc.Encode(spoolRecord{Op: opPut, Entry: &live[i]}); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write compaction file: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to swap compacted spool: %w", err)
	}

	nf, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen compacted spool: %w", err)
	}
	st, err := nf.Stat()
	if err != nil {
		nf.Close()
		return err
	}
	s.file = nf
	s.enc = json.NewEncoder(nf)
	s.size = st.Size()

	s.logger.Info("Spool compacted",
		zap.String("path", s.path),
		zap.Int("live_entries", len(live)),
		zap.Int64("bytes", s.size),
	)
	return nil
}

// Close syncs and closes the spool file.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}
