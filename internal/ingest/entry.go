package ingest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entry lifecycle states. An entry is QUEUED when created, BUFFERED once it
// is journaled, SENDING while a delivery attempt is in flight, and FAILED
// after a failed attempt until the next one. Delivered entries leave the
// buffer; exported snapshots of them carry SENT.
const (
	StateQueued   = "QUEUED"
	StateBuffered = "BUFFERED"
	StateSending  = "SENDING"
	StateSent     = "SENT"
	StateFailed   = "FAILED"
)

// Entry is one buffered observation awaiting delivery to the pond. Entries
// are durable from the moment Put returns; Attempts, NextAttempt, State and
// LastAttemptAt track delivery progress across restarts.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	Kind          string          `json:"kind"`
	Source        string          `json:"source,omitempty"`
	Body          json.RawMessage `json:"body"`
	State         string          `json:"state,omitempty"`
	Attempts      int             `json:"attempts"`
	NextAttempt   time.Time       `json:"next_attempt,omitempty"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// NewEntry builds an entry with a fresh id and enqueue time.
func NewEntry(kind, source string, body json.RawMessage) Entry {
	return Entry{
		ID:         uuid.New(),
		Kind:       kind,
		Source:     source,
		Body:       body,
		State:      StateQueued,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Size is the entry's contribution to the buffer byte cap: the encoded
// length of its spool record.
func (e Entry) Size() int64 {
	b, err := json.Marshal(e)
	if err != nil {
		return int64(len(e.Body))
	}
	return int64(len(b))
}

// Due reports whether the entry is eligible for a delivery attempt at now.
func (e Entry) Due(now time.Time) bool {
	return e.NextAttempt.IsZero() || !e.NextAttempt.After(now)
}
