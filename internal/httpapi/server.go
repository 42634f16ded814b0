package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/auth"
	"github.com/pondworks/heron/internal/event"
	"github.com/pondworks/heron/internal/health"
	"github.com/pondworks/heron/internal/ingest"
	"github.com/pondworks/heron/internal/metrics"
	"github.com/pondworks/heron/internal/queue"
	"github.com/pondworks/heron/internal/registry"
	"github.com/pondworks/heron/internal/source"
	"github.com/pondworks/heron/internal/state"
	"github.com/pondworks/heron/internal/stream"
)

// Emitter routes an event into the agent loop. The standalone reporter
// binary runs without one; events are then buffered only.
type Emitter interface {
	Emit(ev event.Event, origin string)
}

// Deps are the runtime pieces the API surfaces. Buffer, DLQ, Flusher and
// Sources are required; the rest are optional and the matching endpoints
// degrade gracefully when absent.
type Deps struct {
	Emitter  Emitter
	Buffer   *ingest.Buffer
	DLQ      *ingest.DLQ
	Flusher  *ingest.Flusher
	Sources  *source.Manager
	Streams  *stream.Manager
	Queue    *queue.Queue
	Registry *registry.Registry
	State    *state.DocumentManager
	Health   *health.HTTPHandler
	Auth     *auth.Middleware
}

// Server is the reporter HTTP surface under /api/v1.
type Server struct {
	logger *zap.Logger
	deps   Deps
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	return &Server{logger: logger, deps: deps}
}

// Handler builds the full route tree: authenticated /api/v1 endpoints,
// unauthenticated webhook ingress (per-source HMAC applies instead),
// health, and metrics.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/v1/events", s.handleEvents)
	api.HandleFunc("/api/v1/events/send", s.handleSend)
	api.HandleFunc("/api/v1/events/export", s.handleExport)
	api.HandleFunc("/api/v1/events/dead", s.handleDeadLetters)
	api.HandleFunc("/api/v1/sources", s.handleSources)
	api.HandleFunc("/api/v1/sources/", s.handleSourceByID)
	api.HandleFunc("/api/v1/status", s.handleStatus)
	if s.deps.Streams != nil {
		api.HandleFunc("/api/v1/runs/ws", s.handleRunsWS)
	}

	var protected http.Handler = api
	if s.deps.Auth != nil {
		protected = s.deps.Auth.HTTPMiddleware(api)
	}

	root := http.NewServeMux()
	root.Handle("/api/v1/", protected)
	if s.deps.Sources != nil {
		root.Handle("/webhooks/", http.StripPrefix("/webhooks", s.deps.Sources.WebhookHandler()))
	}
	if s.deps.Health != nil {
		s.deps.Health.RegisterRoutes(root)
	}
	root.Handle("/metrics", promhttp.Handler())

	return s.withMetrics(root)
}

// statusWriter captures the response code for the request metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade hijacks the connection; wrapping the
		// writer would break it.
		if r.URL.Path == "/api/v1/runs/ws" {
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(sw, r)

		metrics.HTTPRequests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(sw.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(started).Seconds())
	})
}

// stateVersion reports the committed state document version, 0 when the
// server runs without a state manager.
func (s *Server) stateVersion() uint64 {
	if s.deps.State == nil {
		return 0
	}
	return s.deps.State.Version()
}
