package health

import (
	"context"
	"fmt"
	"time"

	"github.com/pondworks/heron/internal/ingest"
	"github.com/pondworks/heron/internal/queue"
	"github.com/pondworks/heron/internal/source"
	"github.com/pondworks/heron/internal/storage"
)

// StorageChecker probes the backing database. It is critical: without
// storage the runtime cannot commit state or persist anything.
type StorageChecker struct {
	client *storage.Client
}

func NewStorageChecker(client *storage.Client) *StorageChecker {
	return &StorageChecker{client: client}
}

func (c *StorageChecker) Name() string           { return "storage" }
func (c *StorageChecker) IsCritical() bool       { return true }
func (c *StorageChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *StorageChecker) Check(ctx context.Context) CheckResult {
	if c.client.IsCircuitBreakerOpen() {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "storage circuit breaker is open",
		}
	}
	if err := c.client.Ping(ctx); err != nil {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}
	return CheckResult{Status: StatusHealthy}
}

// FlusherChecker reflects delivery-path health. An unreachable sink makes
// the service unhealthy: entries keep buffering, but nothing reaches the
// pond until it recovers.
type FlusherChecker struct {
	flusher *ingest.Flusher
}

func NewFlusherChecker(f *ingest.Flusher) *FlusherChecker {
	return &FlusherChecker{flusher: f}
}

func (c *FlusherChecker) Name() string           { return "flusher" }
func (c *FlusherChecker) IsCritical() bool       { return true }
func (c *FlusherChecker) Timeout() time.Duration { return time.Second }

func (c *FlusherChecker) Check(ctx context.Context) CheckResult {
	if c.flusher.Healthy() {
		return CheckResult{Status: StatusHealthy}
	}
	result := CheckResult{
		Status:  StatusUnhealthy,
		Message: "sink unreachable, entries are buffering",
	}
	if err := c.flusher.LastError(); err != nil {
		result.Error = err.Error()
	}
	return result
}

// BufferChecker degrades when the ingestion buffer nears its caps, the
// point where further input starts evicting the oldest entries.
type BufferChecker struct {
	buffer *ingest.Buffer
}

func NewBufferChecker(b *ingest.Buffer) *BufferChecker {
	return &BufferChecker{buffer: b}
}

func (c *BufferChecker) Name() string           { return "buffer" }
func (c *BufferChecker) IsCritical() bool       { return false }
func (c *BufferChecker) Timeout() time.Duration { return time.Second }

func (c *BufferChecker) Check(ctx context.Context) CheckResult {
	entries := c.buffer.Len()
	bytes := c.buffer.Bytes()
	maxBytes, maxEntries := c.buffer.Caps()

	details := map[string]interface{}{
		"entries":     entries,
		"bytes":       bytes,
		"max_entries": maxEntries,
		"max_bytes":   maxBytes,
	}
	if float64(entries) >= 0.9*float64(maxEntries) || float64(bytes) >= 0.9*float64(maxBytes) {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "buffer above 90% of capacity, eviction imminent",
			Details: details,
		}
	}
	return CheckResult{Status: StatusHealthy, Details: details}
}

// SourcesChecker degrades when some enabled sources have no running
// adapter, and turns unhealthy when none of them do: with every source
// down the runtime is blind.
type SourcesChecker struct {
	manager *source.Manager
}

func NewSourcesChecker(m *source.Manager) *SourcesChecker {
	return &SourcesChecker{manager: m}
}

func (c *SourcesChecker) Name() string           { return "sources" }
func (c *SourcesChecker) IsCritical() bool       { return true }
func (c *SourcesChecker) Timeout() time.Duration { return time.Second }

func (c *SourcesChecker) Check(ctx context.Context) CheckResult {
	var enabled, running int
	var stalled []string
	for _, d := range c.manager.List() {
		if !d.Enabled {
			continue
		}
		enabled++
		if c.manager.Running(d.ID) {
			running++
		} else {
			stalled = append(stalled, d.Name)
		}
	}
	details := map[string]interface{}{
		"enabled": enabled,
		"running": running,
	}
	if len(stalled) > 0 {
		details["stalled"] = stalled
		status := StatusDegraded
		if running == 0 {
			status = StatusUnhealthy
		}
		return CheckResult{
			Status:  status,
			Message: fmt.Sprintf("%d enabled source(s) not running", len(stalled)),
			Details: details,
		}
	}
	return CheckResult{Status: StatusHealthy, Details: details}
}

// QueueChecker reports activation backlog; a deep queue degrades.
type QueueChecker struct {
	queue     *queue.Queue
	threshold int
}

func NewQueueChecker(q *queue.Queue, threshold int) *QueueChecker {
	if threshold <= 0 {
		threshold = 1000
	}
	return &QueueChecker{queue: q, threshold: threshold}
}

func (c *QueueChecker) Name() string           { return "queue" }
func (c *QueueChecker) IsCritical() bool       { return false }
func (c *QueueChecker) Timeout() time.Duration { return time.Second }

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	depth := c.queue.Len()
	details := map[string]interface{}{"depth": depth}
	if depth >= c.threshold {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("queue depth %d at or above threshold %d", depth, c.threshold),
			Details: details,
		}
	}
	return CheckResult{Status: StatusHealthy, Details: details}
}
