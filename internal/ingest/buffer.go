package ingest

import (
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/metrics"
)

// Buffer defaults. Both caps apply at once; whichever is hit first triggers
// oldest-first eviction.
const (
	DefaultMaxBytes   = 64 << 20 // 64 MiB
	DefaultMaxEntries = 10000
)

var errUnknownEntry = errors.New("entry not in buffer")

// BufferConfig bounds the ingestion buffer.
type BufferConfig struct {
	MaxBytes   int64
	MaxEntries int
}

// Buffer holds accepted observations until the flusher delivers them.
// Every mutation is journaled in the spool before the in-memory view
// changes, so an acknowledged Put survives a crash. When a cap is exceeded
// the oldest entries are evicted first; the optional OnEvict hook lets the
// runtime raise a capacity warning event.
type Buffer struct {
	logger *zap.Logger
	spool  *Spool
	config BufferConfig

	// OnEvict, when set, is called (outside the buffer lock) with each
	// evicted entry.
	OnEvict func(Entry)

	mu    sync.Mutex
	order *list.List // of Entry, oldest at front
	index map[uuid.UUID]*list.Element
	bytes int64
}

// NewBuffer builds a buffer over an opened spool, seeding it with the
// entries the spool replayed.
func NewBuffer(spool *Spool, recovered []Entry, config BufferConfig, logger *zap.Logger) *Buffer {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}

	b := &Buffer{
		logger: logger,
		spool:  spool,
		config: config,
		order:  list.New(),
		index:  make(map[uuid.UUID]*list.Element),
	}
	for _, e := range recovered {
		el := b.order.PushBack(e)
		b.index[e.ID] = el
		b.bytes += e.Size()
	}
	if len(recovered) > 0 {
		logger.Info("Ingestion buffer recovered from spool",
			zap.Int("entries", len(recovered)),
			zap.Int64("bytes", b.bytes),
		)
	}
	b.publishGauges()
	return b
}

// Put journals and buffers an entry. When Put returns nil the entry is
// durable. Eviction to stay under the caps happens after the insert, so the
// newest entry is never the one evicted.
func (b *Buffer) Put(e Entry) error {
	e.State = StateBuffered
	if err := b.spool.Put(e); err != nil {
		return fmt.Errorf("failed to journal entry: %w", err)
	}

	b.mu.Lock()
	el := b.order.PushBack(e)
	b.index[e.ID] = el
	b.bytes += e.Size()
	evicted := b.evictLocked()
	b.mu.Unlock()

	b.publishGauges()
	b.notifyEvicted(evicted)
	return nil
}

// evictLocked removes oldest entries until both caps hold. Journal failures
// during eviction are logged, not fatal: the entry is gone from memory and
// replay will re-drop it through the caps on next start.
func (b *Buffer) evictLocked() []Entry {
	var evicted []Entry
	for (b.bytes > b.config.MaxBytes || b.order.Len() > b.config.MaxEntries) && b.order.Len() > 0 {
		front := b.order.Front()
		e := front.Value.(Entry)
		b.removeLocked(front, e)
		if err := b.spool.Drop(e.ID); err != nil {
			b.logger.Error("Failed to journal eviction", zap.String("id", e.ID.String()), zap.Error(err))
		}
		evicted = append(evicted, e)
		metrics.BufferEvictions.Inc()
	}
	return evicted
}

func (b *Buffer) notifyEvicted(evicted []Entry) {
	if len(evicted) == 0 {
		return
	}
	b.logger.Warn("Evicted oldest entries to stay under buffer caps",
		zap.Int("evicted", len(evicted)),
	)
	if b.OnEvict != nil {
		for _, e := range evicted {
			b.OnEvict(e)
		}
	}
}

func (b *Buffer) removeLocked(el *list.Element, e Entry) {
	b.order.Remove(el)
	delete(b.index, e.ID)
	b.bytes -= e.Size()
}

// Ack journals a successful delivery and removes the entry.
func (b *Buffer) Ack(id uuid.UUID) error {
	b.mu.Lock()
	el, ok := b.index[id]
	if !ok {
		b.mu.Unlock()
		return errUnknownEntry
	}
	e := el.Value.(Entry)
	b.removeLocked(el, e)
	b.mu.Unlock()

	if err := b.spool.Ack(id); err != nil {
		return fmt.Errorf("failed to journal ack: %w", err)
	}
	b.publishGauges()
	return nil
}

// Nack records a failed delivery attempt: attempts increments and the entry
// becomes due again at nextAttempt. Position in the buffer is unchanged.
func (b *Buffer) Nack(id uuid.UUID, nextAttempt time.Time) (Entry, error) {
	b.mu.Lock()
	el, ok := b.index[id]
	if !ok {
		b.mu.Unlock()
		return Entry{}, errUnknownEntry
	}
	e := el.Value.(Entry)
	b.bytes -= e.Size()
	e.Attempts++
	e.NextAttempt = nextAttempt
	e.State = StateFailed
	e.LastAttemptAt = time.Now().UTC()
	el.Value = e
	b.bytes += e.Size()
	b.mu.Unlock()

	if err := b.spool.Update(e); err != nil {
		return e, fmt.Errorf("failed to journal retry state: %w", err)
	}
	b.publishGauges()
	return e, nil
}

// Remove drops the entry without delivering it (DLQ promotion path).
func (b *Buffer) Remove(id uuid.UUID) error {
	b.mu.Lock()
	el, ok := b.index[id]
	if !ok {
		b.mu.Unlock()
		return errUnknownEntry
	}
	e := el.Value.(Entry)
	b.removeLocked(el, e)
	b.mu.Unlock()

	if err := b.spool.Drop(id); err != nil {
		return fmt.Errorf("failed to journal removal: %w", err)
	}
	b.publishGauges()
	return nil
}

// PeekDue returns up to n entries eligible for delivery at now, oldest
// first. Entries still waiting out their backoff are skipped but block
// nothing behind them.
func (b *Buffer) PeekDue(n int, now time.Time) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0, n)
	for el := b.order.Front(); el != nil && len(out) < n; el = el.Next() {
		e := el.Value.(Entry)
		if e.Due(now) {
			out = append(out, e)
		}
	}
	return out
}

// All returns every buffered entry oldest first, regardless of due time.
func (b *Buffer) All() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	return out
}

// Export writes every buffered entry to w as newline-delimited JSON. It is
// a read-only snapshot: entries stay buffered and their delivery state is
// untouched.
func (b *Buffer) Export(w io.Writer) (int, error) {
	entries := b.All()
	enc := json.NewEncoder(w)
	for i, e := range entries {
		if err := enc.Encode(e); err != nil {
			return i, fmt.Errorf("failed to export entry %s: %w", e.ID, err)
		}
	}
	return len(entries), nil
}

// Caps returns the configured byte and entry limits.
func (b *Buffer) Caps() (maxBytes int64, maxEntries int) {
	return b.config.MaxBytes, b.config.MaxEntries
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// Bytes returns the buffered payload size.
func (b *Buffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Compact rewrites the spool down to the live entries.
func (b *Buffer) Compact() error {
	return b.spool.Compact(b.All())
}

// Close compacts and closes the spool.
func (b *Buffer) Close() error {
	if err := b.Compact(); err != nil {
		b.logger.Warn("Spool compaction on close failed", zap.Error(err))
	}
	return b.spool.Close()
}

func (b *Buffer) publishGauges() {
	b.mu.Lock()
	entries := b.order.Len()
	bytes := b.bytes
	b.mu.Unlock()
	metrics.UpdateBufferGauges(entries, bytes)
}
