package source

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pondworks/heron/internal/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, with an
// optional "sha256=" prefix for GitHub-style senders.
const SignatureHeader = "X-Heron-Signature"

const maxWebhookBody = 4 << 20 // 4 MiB

// WebhookAdapter is a push source: an HTTP handler that verifies, rate
// limits, and accepts observations. The manager mounts Handler under the
// descriptor's path; Start/Stop only gate whether requests are accepted.
type WebhookAdapter struct {
	name    string
	config  WebhookConfig
	accept  Accept
	logger  *zap.Logger
	limiter *rate.Limiter

	mu      sync.RWMutex
	running bool
}

// NewWebhookAdapter builds a webhook adapter from its descriptor config.
func NewWebhookAdapter(name string, config WebhookConfig, accept Accept, logger *zap.Logger) *WebhookAdapter {
	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = int(config.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return &WebhookAdapter{
		name:    name,
		config:  config,
		accept:  accept,
		logger:  logger,
		limiter: limiter,
	}
}

func (w *WebhookAdapter) Name() string { return w.name }
func (w *WebhookAdapter) Kind() Kind   { return KindWebhook }

func (w *WebhookAdapter) Start(ctx context.Context) error {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	return nil
}

func (w *WebhookAdapter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Path returns the mount path from the descriptor.
func (w *WebhookAdapter) Path() string { return w.config.Path }

// ServeHTTP accepts POSTed observations.
func (w *WebhookAdapter) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()
	if !running {
		http.Error(rw, "source disabled", http.StatusServiceUnavailable)
		return
	}

	if w.limiter != nil && !w.limiter.Allow() {
		metrics.SourceErrors.WithLabelValues(w.name, "rate_limited").Inc()
		http.Error(rw, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		http.Error(rw, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBody {
		http.Error(rw, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if w.config.Secret != "" && !w.verify(r.Header.Get(SignatureHeader), body) {
		metrics.SourceErrors.WithLabelValues(w.name, "bad_signature").Inc()
		w.logger.Warn("Rejected webhook with bad signature", zap.String("source", w.name))
		http.Error(rw, "invalid signature", http.StatusUnauthorized)
		return
	}

	if !json.Valid(body) {
		http.Error(rw, "body must be JSON", http.StatusBadRequest)
		return
	}

	if err := w.accept(r.Context(), w.name, body); err != nil {
		metrics.SourceErrors.WithLabelValues(w.name, "accept_failed").Inc()
		w.logger.Error("Failed to accept webhook observation",
			zap.String("source", w.name), zap.Error(err))
		http.Error(rw, "failed to accept observation", http.StatusServiceUnavailable)
		return
	}

	metrics.SourceEvents.WithLabelValues(w.name, string(KindWebhook)).Inc()
	rw.WriteHeader(http.StatusAccepted)
}

func (w *WebhookAdapter) verify(signature string, body []byte) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.config.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature header value for body under secret. Exposed
// for senders and tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
