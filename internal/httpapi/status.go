package httpapi

import (
	"net/http"
	"time"

	"github.com/pondworks/heron/internal/ingest"
	"github.com/pondworks/heron/internal/registry"
	"github.com/pondworks/heron/internal/source"
)

func workflowNames(reg *registry.Registry) []string {
	defs := reg.List()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

// bufferStatus is the buffer block of the status snapshot.
type bufferStatus struct {
	BytesUsed  int64 `json:"bytesUsed"`
	BytesMax   int64 `json:"bytesMax"`
	EventCount int   `json:"eventCount"`
	EntryMax   int   `json:"entryMax"`
	DLQCount   int   `json:"dlqCount"`
}

type sourceStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	source.Status
}

type runtimeStatus struct {
	QueueDepth   int       `json:"queueDepth"`
	Workflows    []string  `json:"workflows"`
	StateVersion uint64    `json:"stateVersion"`
	StateUpdated time.Time `json:"stateUpdatedAt,omitempty"`
}

type statusSnapshot struct {
	Sink      ingest.SinkStats `json:"sink"`
	Buffer    bufferStatus     `json:"buffer"`
	Sources   []sourceStatus   `json:"sources"`
	Runtime   *runtimeStatus   `json:"runtime,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, CodeBadRequest, "method not allowed", nil)
		return
	}

	maxBytes, maxEntries := s.deps.Buffer.Caps()
	snapshot := statusSnapshot{
		Sink: s.deps.Flusher.Stats(),
		Buffer: bufferStatus{
			BytesUsed:  s.deps.Buffer.Bytes(),
			BytesMax:   maxBytes,
			EventCount: s.deps.Buffer.Len(),
			EntryMax:   maxEntries,
			DLQCount:   s.deps.DLQ.Len(),
		},
		Sources:   []sourceStatus{},
		Timestamp: time.Now().UTC(),
	}

	for _, d := range s.deps.Sources.List() {
		snapshot.Sources = append(snapshot.Sources, sourceStatus{
			ID:      d.ID.String(),
			Name:    d.Name,
			Kind:    string(d.Kind),
			Enabled: d.Enabled,
			Running: s.deps.Sources.Running(d.ID),
			Status:  s.deps.Sources.Status(d.ID),
		})
	}

	if s.deps.Queue != nil && s.deps.Registry != nil {
		snapshot.Runtime = &runtimeStatus{
			QueueDepth:   s.deps.Queue.Len(),
			Workflows:    workflowNames(s.deps.Registry),
			StateVersion: s.stateVersion(),
		}
		if s.deps.State != nil {
			snapshot.Runtime.StateUpdated = s.deps.State.UpdatedAt()
		}
	}

	writeJSON(w, http.StatusOK, snapshot)
}
