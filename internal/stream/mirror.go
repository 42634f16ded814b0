package stream

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamKey is the Redis Stream every published event is mirrored to.
const StreamKey = "heron:events"

// mirrorQueueDepth bounds the events waiting on the mirror goroutine.
const mirrorQueueDepth = 1024

// RedisMirror appends published events to a capped Redis Stream so outside
// consumers can tail the runtime without holding a websocket open. Appends
// are queued and written by a background goroutine; the publisher never
// waits on Redis.
type RedisMirror struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64

	queue    chan Event
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRedisMirror builds a mirror over the client and starts its writer.
// maxLen caps the stream with approximate trimming; 0 applies a 10000 entry
// default. Call Close to stop the writer.
func NewRedisMirror(client *redis.Client, maxLen int64, logger *zap.Logger) *RedisMirror {
	if maxLen <= 0 {
		maxLen = 10000
	}
	m := &RedisMirror{
		client: client,
		logger: logger,
		maxLen: maxLen,
		queue:  make(chan Event, mirrorQueueDepth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.drain()
	return m
}

// Append queues one event for mirroring. It never blocks: when the queue is
// full the event is dropped, since the local feed is the source of truth.
func (m *RedisMirror) Append(ev Event) {
	select {
	case m.queue <- ev:
	default:
		m.logger.Warn("Mirror queue full, dropping event",
			zap.String("type", ev.Type),
			zap.Uint64("seq", ev.Seq),
		)
	}
}

// Close stops the writer goroutine. Queued events still waiting are dropped.
func (m *RedisMirror) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *RedisMirror) drain() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case ev := <-m.queue:
			m.write(ev)
		}
	}
}

// write mirrors one event. Failures are logged and dropped.
func (m *RedisMirror) write(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"topic":    ev.Topic,
			"type":     ev.Type,
			"workflow": ev.Workflow,
			"message":  ev.Message,
			"seq":      ev.Seq,
			"ts":       ev.Timestamp.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		m.logger.Warn("Failed to mirror event to Redis Stream",
			zap.String("type", ev.Type),
			zap.Error(err),
		)
	}
}
