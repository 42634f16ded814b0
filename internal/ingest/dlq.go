package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/metrics"
)

// DLQRecord is one dead-lettered entry plus the reason it was abandoned.
type DLQRecord struct {
	Entry     Entry     `json:"entry"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failed_at"`
	LastError string    `json:"last_error,omitempty"`
}

// DLQ is the dead letter file beside the spool. Entries land here after
// exhausting their delivery attempts and never block the buffer again;
// operators inspect and replay them out of band.
type DLQ struct {
	path   string
	logger *zap.Logger

	// OnPromote, when set, is called (outside the lock) after each record
	// lands in the file. Set it before the flusher starts.
	OnPromote func(DLQRecord)

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	n    int
}

// OpenDLQ opens or creates the dead letter file at path.
func OpenDLQ(path string, logger *zap.Logger) (*DLQ, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter file: %w", err)
	}

	n, err := countLines(path)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &DLQ{
		path:   path,
		logger: logger,
		file:   f,
		enc:    json.NewEncoder(f),
		n:      n,
	}, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}

// Promote appends the entry to the dead letter file.
func (d *DLQ) Promote(e Entry, reason string, lastErr error) error {
	rec := DLQRecord{
		Entry:    e,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	}
	if lastErr != nil {
		rec.LastError = lastErr.Error()
	}

	d.mu.Lock()
	if err := d.enc.Encode(rec); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to append to dead letter file: %w", err)
	}
	if err := d.file.Sync(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to sync dead letter file: %w", err)
	}
	d.n++
	d.mu.Unlock()

	if d.OnPromote != nil {
		d.OnPromote(rec)
	}

	metrics.DLQPromotions.Inc()
	d.logger.Warn("Entry promoted to dead letter queue",
		zap.String("id", e.ID.String()),
		zap.String("kind", e.Kind),
		zap.Int("attempts", e.Attempts),
		zap.String("reason", reason),
	)
	return nil
}

// List reads every dead-lettered record. Corrupt lines are skipped.
func (d *DLQ) List() ([]DLQRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.Open(d.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []DLQRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec DLQRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			d.logger.Warn("Skipping corrupt dead letter record", zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// Len returns the number of dead-lettered records.
func (d *DLQ) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// Close closes the dead letter file.
func (d *DLQ) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
