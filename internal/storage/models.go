package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Attrs represents a JSON attribute column. SQLite stores it as TEXT,
// PostgreSQL as jsonb; both round-trip through the same codec.
type Attrs map[string]interface{}

// Value implements the driver.Valuer interface
func (a Attrs) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan implements the sql.Scanner interface
func (a *Attrs) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("cannot scan %T into Attrs", value)
	}
}

// Issue statuses. Workflows move issues through this lifecycle; the set is
// not enforced by the schema so custom workflows may extend it.
const (
	IssueStatusOpen       = "open"
	IssueStatusInProgress = "in_progress"
	IssueStatusBlocked    = "blocked"
	IssueStatusDone       = "done"
)

// Issue is an actionable unit of work tracked by the runtime.
type Issue struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Title     string     `db:"title" json:"title"`
	Body      string     `db:"body" json:"body"`
	Status    string     `db:"status" json:"status"`
	Priority  int        `db:"priority" json:"priority"`
	Attrs     Attrs      `db:"attrs" json:"attrs,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	ClosedAt  *time.Time `db:"closed_at" json:"closed_at,omitempty"`
}

// Knowledge is a durable fact or conclusion a workflow distilled from data.
type Knowledge struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Topic     string    `db:"topic" json:"topic"`
	Body      string    `db:"body" json:"body"`
	Source    string    `db:"source" json:"source,omitempty"`
	Attrs     Attrs     `db:"attrs" json:"attrs,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Flow is a recorded multi-step procedure workflows can consult or replay.
type Flow struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Body      string    `db:"body" json:"body"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	Attrs     Attrs     `db:"attrs" json:"attrs,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PondEntry is one raw observation in the append-only pond. The pond is the
// landing zone for everything the ingestion pipeline delivers, including
// workflow run records.
type PondEntry struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Kind      string    `db:"kind" json:"kind"`
	Source    string    `db:"source" json:"source,omitempty"`
	Body      string    `db:"body" json:"body"`
	Attrs     Attrs     `db:"attrs" json:"attrs,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Query narrows List operations. Zero values mean "no filter"; Limit 0
// applies the collection default.
type Query struct {
	Text   string
	Status string
	Limit  int
}

// DefaultListLimit caps unbounded list queries.
const DefaultListLimit = 100
