package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/event"
	"github.com/pondworks/heron/internal/ingest"
)

const maxEventBody = 10 << 20

// reportedEvent is the ingestion payload sources post. A single object or
// an array of them is accepted.
type reportedEvent struct {
	Type     string          `json:"type"`
	SourceID string          `json:"sourceId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (e *reportedEvent) validate() map[string]string {
	problems := map[string]string{}
	if e.Type == "" {
		problems["type"] = "required"
	}
	if e.SourceID == "" {
		problems["sourceId"] = "required"
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		problems["payload"] = "not valid JSON"
	}
	return problems
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createEvents(w, r)
	case http.MethodGet:
		s.listEvents(w, r)
	default:
		writeError(w, CodeBadRequest, "method not allowed", nil)
	}
}

func (s *Server) createEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventBody)
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		writeError(w, CodeBadRequest, "invalid body", nil)
		return
	}

	// Accept a single object or an array.
	var batch []reportedEvent
	var single reportedEvent
	if err := json.Unmarshal(body, &single); err == nil && (single.Type != "" || single.SourceID != "") {
		batch = []reportedEvent{single}
	} else if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, CodeBadRequest, "invalid JSON", nil)
		return
	}
	if len(batch) == 0 {
		writeError(w, CodeValidationError, "no events in body", nil)
		return
	}

	for i := range batch {
		if problems := batch[i].validate(); len(problems) > 0 {
			writeError(w, CodeValidationError, "invalid event", problems)
			return
		}
	}

	entries := make([]ingest.Entry, 0, len(batch))
	for _, re := range batch {
		payload := re.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		entry := ingest.NewEntry(re.Type, re.SourceID, payload)
		if err := s.deps.Buffer.Put(entry); err != nil {
			s.logger.Error("Failed to buffer reported event",
				zap.String("type", re.Type), zap.Error(err))
			writeError(w, CodeServiceUnavailable, "failed to buffer event", nil)
			return
		}
		entries = append(entries, entry)

		if s.deps.Emitter != nil {
			var p event.Payload
			_ = json.Unmarshal(payload, &p)
			ev, evErr := event.New(re.Type, p)
			if evErr == nil {
				s.deps.Emitter.Emit(ev, "api:"+re.SourceID)
			}
		}
	}

	if len(entries) == 1 {
		writeJSON(w, http.StatusCreated, entries[0])
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"entries": entries})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, CodeBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	status := r.URL.Query().Get("status")
	now := time.Now()
	all := s.deps.Buffer.All()

	out := make([]ingest.Entry, 0, limit)
	for _, e := range all {
		switch status {
		case "", "buffered":
		case "pending":
			if !e.Due(now) {
				continue
			}
		case "retrying":
			if e.Attempts == 0 {
				continue
			}
		default:
			writeError(w, CodeBadRequest, "unknown status filter", map[string]string{"status": status})
			return
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": out,
		"total":   s.deps.Buffer.Len(),
	})
}

type sendRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, CodeBadRequest, "method not allowed", nil)
		return
	}

	var req sendRequest
	if r.Body != nil {
		// An empty body means a plain non-forced send.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result := s.deps.Flusher.Send(r.Context(), req.Force)
	s.logger.Info("On-demand send finished",
		zap.Bool("force", req.Force),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("buffered", result.Buffered),
	)
	writeJSON(w, http.StatusOK, result)
}

// handleExport streams the buffered entries as newline-delimited JSON
// without attempting delivery; the buffer is left untouched. Operators use
// it to inspect or hand-carry a backlog while the sink is down.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, CodeBadRequest, "method not allowed", nil)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	n, err := s.deps.Buffer.Export(w)
	if err != nil {
		// Headers are already out; all we can do is log.
		s.logger.Error("Buffer export aborted",
			zap.Int("exported", n), zap.Error(err))
		return
	}
	s.logger.Info("Buffer exported", zap.Int("entries", n))
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, CodeBadRequest, "method not allowed", nil)
		return
	}
	records, err := s.deps.DLQ.List()
	if err != nil {
		writeError(w, CodeInternalError, "failed to read dead letters", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}
