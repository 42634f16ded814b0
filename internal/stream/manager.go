package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Run lifecycle event types published on the live feed.
const (
	TypeRunStarted     = "RUN_STARTED"
	TypeRunCompleted   = "RUN_COMPLETED"
	TypeRunFailed      = "RUN_FAILED"
	TypeStateCommitted = "STATE_COMMITTED"
	TypeEventEnqueued  = "EVENT_ENQUEUED"
)

// Ingestion diagnostics published on the "ingest" topic.
const (
	TypeBufferEvicted   = "BUFFER_EVICTED"
	TypeBufferRecovered = "BUFFER_RECOVERED"
	TypeDLQEntry        = "DLQ_ENTRY"
)

// TopicIngest carries buffer eviction, recovery, and dead-letter events.
const TopicIngest = "ingest"

// Event is one entry on the live feed: something the runtime did, suitable
// for dashboards and the websocket surface.
type Event struct {
	Topic     string    `json:"topic"`
	Type      string    `json:"type"`
	Workflow  string    `json:"workflow,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns the event as JSON for websocket frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// DefaultCapacity is the per-topic replay ring size.
const DefaultCapacity = 256

// Manager is in-memory pub/sub with per-topic replay rings. Publishing
// never blocks; slow subscribers drop events. An optional mirror receives
// every published event.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	mirror      Mirror
}

// Mirror receives a copy of every published event (e.g. a Redis Stream).
// Implementations must not block.
type Mirror interface {
	Append(ev Event)
}

// NewManager creates a manager with the given replay capacity per topic.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// SetMirror attaches a mirror. Call before publishing begins.
func (m *Manager) SetMirror(mirror Mirror) {
	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
}

// Subscribe adds a subscriber channel for a topic; the caller must drain it
// and call Unsubscribe when done.
func (m *Manager) Subscribe(topic string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[topic]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[topic] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(topic string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subscribers[topic]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(m.subscribers, topic)
			}
		}
	}
}

// Publish assigns a sequence number, records the event in the topic's
// replay ring, and fans it out without blocking.
func (m *Manager) Publish(topic string, ev Event) {
	ev.Topic = topic
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[topic]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[topic] = rg
	}
	ev.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(ev)
	subs := m.subscribers[topic]
	mirror := m.mirror
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber, drop.
		}
	}
	if mirror != nil {
		mirror.Append(ev)
	}
}

// ReplaySince returns topic events with Seq > since, best effort within the
// ring capacity.
func (m *Manager) ReplaySince(topic string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[topic]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity replay buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
