package recorder

import (
	"sync"
	"time"
)

// RecordType tags a trace entry. The set is closed; workflows pick the tag
// that best matches the step they are recording.
type RecordType string

const (
	TypeInfo    RecordType = "INFO"
	TypeDBQuery RecordType = "DB_QUERY"
	TypeAICall  RecordType = "AI_CALL"
	TypeError   RecordType = "ERROR"
	TypeDebug   RecordType = "DEBUG"
	TypeWarn    RecordType = "WARN"
	TypeInput   RecordType = "INPUT"
	TypeOutput  RecordType = "OUTPUT"
)

// Record is one trace entry of a single workflow run.
type Record struct {
	Type      RecordType             `json:"type"`
	Workflow  string                 `json:"workflow"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Recorder accumulates the typed, timestamped trace of one workflow run.
// One recorder is constructed per execution; sharing a recorder across
// concurrent executions is a caller error. The mutex only guards against a
// workflow recording from short-lived helper goroutines of its own run.
type Recorder struct {
	workflow string
	mu       sync.Mutex
	buf      []Record
	lastTS   time.Time
}

// New creates a recorder scoped to a single run of the named workflow.
func New(workflow string) *Recorder {
	return &Recorder{workflow: workflow}
}

// Workflow returns the owning workflow's name.
func (r *Recorder) Workflow() string { return r.workflow }

// Record appends one entry. Timestamps are assigned at record time and are
// strictly monotonic within the run, so ordering stays consistent even
// across equal wall-clock instants.
func (r *Recorder) Record(t RecordType, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := time.Now()
	if !ts.After(r.lastTS) {
		ts = r.lastTS.Add(time.Nanosecond)
	}
	r.lastTS = ts

	r.buf = append(r.buf, Record{
		Type:      t,
		Workflow:  r.workflow,
		Timestamp: ts,
		Payload:   payload,
	})
}

// Buffer returns a snapshot of the recorded entries in record order.
func (r *Recorder) Buffer() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(r.buf))
	copy(out, r.buf)
	return out
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Clear empties the buffer.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}
