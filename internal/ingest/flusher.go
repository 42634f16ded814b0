package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/metrics"
	"github.com/pondworks/heron/internal/tracing"
)

// Flusher pacing and retry defaults.
const (
	DefaultBatchSize      = 32
	DefaultMaxAttempts    = 5
	DefaultBackoffBase    = 1 * time.Second
	maxBackoffExponent    = 6
	probeWhileUnreachable = 1 * time.Second
	probeWhileHealthy     = 30 * time.Second
)

// FlusherConfig tunes the delivery loop.
type FlusherConfig struct {
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
}

// Flusher drains the buffer into the sink. It probes sink health on a
// 1s cadence while the sink is unreachable and 30s while healthy, delivers
// due entries in batches, backs failed entries off exponentially with
// jitter, and promotes entries to the DLQ once their attempts run out.
type Flusher struct {
	logger *zap.Logger
	buffer *Buffer
	sink   Sink
	dlq    *DLQ
	config FlusherConfig

	mu            sync.Mutex
	healthy       bool
	lastProbe     time.Time
	lastErr       error
	lastSuccessAt time.Time
	lastErrorAt   time.Time
	errorCount    int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewFlusher wires the delivery loop. Call Start to begin flushing.
func NewFlusher(buffer *Buffer, sink Sink, dlq *DLQ, config FlusherConfig, logger *zap.Logger) *Flusher {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultBackoffBase
	}
	return &Flusher{
		logger: logger,
		buffer: buffer,
		sink:   sink,
		dlq:    dlq,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the flush loop.
func (f *Flusher) Start(ctx context.Context) {
	go f.run(ctx)
}

// Stop halts the loop and waits for the in-flight round to finish.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.doneCh
}

// Healthy reports the result of the last sink probe.
func (f *Flusher) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

// LastError returns the most recent probe or delivery error.
func (f *Flusher) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// SinkStats is the delivery-path snapshot surfaced on the status endpoint.
type SinkStats struct {
	Connected     bool      `json:"connected"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	LastErrorAt   time.Time `json:"lastErrorAt,omitempty"`
	ErrorCount    int64     `json:"errorCount"`
}

// Stats returns the current sink statistics.
func (f *Flusher) Stats() SinkStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return SinkStats{
		Connected:     f.healthy,
		LastSuccessAt: f.lastSuccessAt,
		LastErrorAt:   f.lastErrorAt,
		ErrorCount:    f.errorCount,
	}
}

func (f *Flusher) noteSuccess() {
	f.mu.Lock()
	f.lastSuccessAt = time.Now()
	f.mu.Unlock()
}

func (f *Flusher) noteError(err error) {
	f.mu.Lock()
	f.lastErrorAt = time.Now()
	f.errorCount++
	f.lastErr = err
	f.mu.Unlock()
}

func (f *Flusher) run(ctx context.Context) {
	defer close(f.doneCh)

	// First probe happens immediately.
	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-time.After(wait):
		}

		if !f.probe(ctx) {
			wait = probeWhileUnreachable
			continue
		}

		flushed := f.flushRound(ctx)
		if !f.Healthy() {
			// Delivery failed mid-round, fall back to the tight probe cadence.
			wait = probeWhileUnreachable
			continue
		}
		if flushed > 0 {
			// Keep draining while there is due work.
			wait = 0
			continue
		}
		wait = f.nextWait()
	}
}

// nextWait sleeps until the earliest backoff expiry, capped by the healthy
// probe interval.
func (f *Flusher) nextWait() time.Duration {
	now := time.Now()
	wait := probeWhileHealthy
	for _, e := range f.buffer.All() {
		if e.NextAttempt.IsZero() {
			continue
		}
		if d := e.NextAttempt.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	return wait
}

func (f *Flusher) probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := f.sink.Ping(pctx)
	cancel()

	f.mu.Lock()
	wasHealthy := f.healthy
	f.healthy = err == nil
	f.lastProbe = time.Now()
	f.lastErr = err
	if err != nil {
		f.lastErrorAt = f.lastProbe
		f.errorCount++
	}
	f.mu.Unlock()

	if err != nil {
		if wasHealthy {
			f.logger.Warn("Sink became unreachable", zap.String("sink", f.sink.Name()), zap.Error(err))
		}
		return false
	}
	if !wasHealthy {
		f.logger.Info("Sink reachable, resuming flush", zap.String("sink", f.sink.Name()))
	}
	return true
}

// flushRound delivers one batch of due entries and returns how many went
// out. When a whole batch fails, the entries are retried one at a time so a
// single poison entry cannot accrue attempts against its batchmates.
func (f *Flusher) flushRound(ctx context.Context) int {
	batch := f.buffer.PeekDue(f.config.BatchSize, time.Now())
	if len(batch) == 0 {
		return 0
	}

	ctx, span := tracing.StartSpan(ctx, "flush round")
	defer span.End()

	for i := range batch {
		batch[i].State = StateSending
	}

	err := f.sink.Deliver(ctx, batch)
	metrics.RecordFlush(err == nil)
	if err == nil {
		f.noteSuccess()
		f.ackAll(batch)
		return len(batch)
	}

	if len(batch) == 1 {
		f.noteError(err)
		f.failEntry(batch[0], err)
		f.markUnhealthy(err)
		return 0
	}

	f.logger.Warn("Batch delivery failed, retrying entries individually",
		zap.Int("entries", len(batch)),
		zap.Error(err),
	)
	sent := 0
	for _, e := range batch {
		oneErr := f.sink.Deliver(ctx, []Entry{e})
		metrics.RecordFlush(oneErr == nil)
		if oneErr == nil {
			f.noteSuccess()
			f.ackAll([]Entry{e})
			sent++
			continue
		}
		f.noteError(oneErr)
		f.failEntry(e, oneErr)
		err = oneErr
	}
	if sent == 0 {
		// Nothing got through individually either: the sink itself is down.
		f.markUnhealthy(err)
	}
	return sent
}

func (f *Flusher) ackAll(batch []Entry) {
	for _, e := range batch {
		if ackErr := f.buffer.Ack(e.ID); ackErr != nil {
			f.logger.Error("Failed to ack delivered entry",
				zap.String("id", e.ID.String()), zap.Error(ackErr))
		}
	}
}

func (f *Flusher) markUnhealthy(err error) {
	f.mu.Lock()
	f.healthy = false
	f.lastErr = err
	f.mu.Unlock()
}

// failEntry backs the entry off or, once it has already burned through
// MaxAttempts retries, dead-letters it. The attempt that just failed counts.
func (f *Flusher) failEntry(e Entry, err error) {
	if e.Attempts >= f.config.MaxAttempts {
		if remErr := f.buffer.Remove(e.ID); remErr != nil {
			f.logger.Error("Failed to remove exhausted entry",
				zap.String("id", e.ID.String()), zap.Error(remErr))
			return
		}
		e.Attempts++
		e.State = StateFailed
		e.LastAttemptAt = time.Now().UTC()
		if dlqErr := f.dlq.Promote(e, "max delivery attempts exhausted", err); dlqErr != nil {
			f.logger.Error("Failed to dead-letter entry",
				zap.String("id", e.ID.String()), zap.Error(dlqErr))
		}
		return
	}
	if _, nackErr := f.buffer.Nack(e.ID, time.Now().Add(f.backoff(e.Attempts))); nackErr != nil {
		f.logger.Error("Failed to back off entry",
			zap.String("id", e.ID.String()), zap.Error(nackErr))
	}
}

// backoff returns base*2^min(attempts,6) with ±10% jitter, so the first
// retry waits about the base.
func (f *Flusher) backoff(attempts int) time.Duration {
	exp := attempts
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	d := f.config.BackoffBase * (1 << exp)
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(d) * jitter)
}

// ForceFlush delivers every buffered entry immediately, ignoring due times
// and the probe cadence. Shutdown uses it as a final drain; the read-only
// export surface is Buffer.Export.
func (f *Flusher) ForceFlush(ctx context.Context) error {
	for {
		all := f.buffer.All()
		if len(all) == 0 {
			return nil
		}
		if len(all) > f.config.BatchSize {
			all = all[:f.config.BatchSize]
		}

		err := f.sink.Deliver(ctx, all)
		metrics.RecordFlush(err == nil)
		if err != nil {
			f.noteError(err)
			return fmt.Errorf("force flush failed with %d entries remaining: %w", f.buffer.Len(), err)
		}
		f.noteSuccess()
		for _, e := range all {
			if ackErr := f.buffer.Ack(e.ID); ackErr != nil {
				return ackErr
			}
		}
	}
}

// SendResult summarizes one on-demand send round.
type SendResult struct {
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Buffered int `json:"buffered"`
}

// Send delivers buffered entries on demand. With force set it ignores due
// times and sends everything; otherwise only entries whose backoff has
// expired go out. Entries that fail stay buffered with their attempt counts
// untouched; the periodic flush loop retries them on its own schedule.
func (f *Flusher) Send(ctx context.Context, force bool) SendResult {
	var result SendResult
	for {
		var batch []Entry
		if force {
			batch = f.buffer.All()
			if len(batch) > f.config.BatchSize {
				batch = batch[:f.config.BatchSize]
			}
		} else {
			batch = f.buffer.PeekDue(f.config.BatchSize, time.Now())
		}
		if len(batch) == 0 {
			result.Buffered = f.buffer.Len()
			return result
		}

		err := f.sink.Deliver(ctx, batch)
		metrics.RecordFlush(err == nil)
		if err != nil {
			f.noteError(err)
			result.Failed = len(batch)
			result.Buffered = f.buffer.Len()
			return result
		}
		f.noteSuccess()
		for _, e := range batch {
			if ackErr := f.buffer.Ack(e.ID); ackErr != nil {
				f.logger.Error("Failed to ack delivered entry",
					zap.String("id", e.ID.String()), zap.Error(ackErr))
				continue
			}
			result.Sent++
		}
	}
}
