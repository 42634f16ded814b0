package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/auth"
	"github.com/pondworks/heron/internal/source"
)

// sourceView decorates a descriptor with its adapter and connection state.
type sourceView struct {
	*source.Descriptor
	Running bool `json:"running"`
	source.Status
}

func (s *Server) sourceView(d *source.Descriptor) sourceView {
	return sourceView{
		Descriptor: d,
		Running:    s.deps.Sources.Running(d.ID),
		Status:     s.deps.Sources.Status(d.ID),
	}
}

func (s *Server) requireSourceAdmin(w http.ResponseWriter, r *http.Request) bool {
	p, ok := auth.GetPrincipal(r.Context())
	if !ok || !p.CanManageSources() {
		writeError(w, CodeBadRequest, "source management requires the admin role", nil)
		return false
	}
	return true
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.deps.Sources.List()
		views := make([]sourceView, 0, len(list))
		for _, d := range list {
			views = append(views, s.sourceView(d))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sources": views})

	case http.MethodPost:
		if !s.requireSourceAdmin(w, r) {
			return
		}
		var d source.Descriptor
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeError(w, CodeBadRequest, "invalid JSON", nil)
			return
		}
		if err := s.deps.Sources.Add(&d); err != nil {
			s.writeSourceError(w, err)
			return
		}
		s.logger.Info("Source created",
			zap.String("name", d.Name), zap.String("kind", string(d.Kind)))
		writeJSON(w, http.StatusCreated, s.sourceView(&d))

	default:
		writeError(w, CodeBadRequest, "method not allowed", nil)
	}
}

// handleSourceByID serves /api/v1/sources/{id} and the enable/disable
// sub-resources.
func (s *Server) handleSourceByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sources/")
	parts := strings.SplitN(rest, "/", 2)

	id, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, CodeBadRequest, "invalid source id", nil)
		return
	}

	if len(parts) == 2 {
		s.handleSourceToggle(w, r, id, parts[1])
		return
	}

	switch r.Method {
	case http.MethodGet:
		d, ok := s.deps.Sources.Get(id)
		if !ok {
			writeError(w, CodeNotFound, "source not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, s.sourceView(d))

	case http.MethodPut:
		if !s.requireSourceAdmin(w, r) {
			return
		}
		var d source.Descriptor
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeError(w, CodeBadRequest, "invalid JSON", nil)
			return
		}
		d.ID = id
		if err := s.deps.Sources.Update(&d); err != nil {
			s.writeSourceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.sourceView(&d))

	case http.MethodDelete:
		if !s.requireSourceAdmin(w, r) {
			return
		}
		if err := s.deps.Sources.Remove(id); err != nil {
			s.writeSourceError(w, err)
			return
		}
		s.logger.Info("Source removed", zap.String("id", id.String()))
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, CodeBadRequest, "method not allowed", nil)
	}
}

func (s *Server) handleSourceToggle(w http.ResponseWriter, r *http.Request, id uuid.UUID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, CodeBadRequest, "method not allowed", nil)
		return
	}
	if !s.requireSourceAdmin(w, r) {
		return
	}

	var err error
	switch action {
	case "enable":
		err = s.deps.Sources.Enable(id)
	case "disable":
		err = s.deps.Sources.Disable(id)
	default:
		writeError(w, CodeNotFound, "unknown action", map[string]string{"action": action})
		return
	}
	if err != nil {
		s.writeSourceError(w, err)
		return
	}

	d, _ := s.deps.Sources.Get(id)
	writeJSON(w, http.StatusOK, s.sourceView(d))
}

func (s *Server) writeSourceError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		writeError(w, CodeNotFound, msg, nil)
	case strings.Contains(msg, "already"):
		writeError(w, CodeConflict, msg, nil)
	case strings.Contains(msg, "failed to start"):
		writeError(w, CodeInternalError, msg, nil)
	default:
		writeError(w, CodeValidationError, msg, nil)
	}
}
