package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/circuitbreaker"
	"github.com/pondworks/heron/internal/storage"
	"github.com/pondworks/heron/internal/tracing"
)

// Sink is the delivery target of the ingestion buffer: the pond. Ping is
// the cheap health probe the flusher uses to pace itself; Deliver must be
// atomic per entry (an error means none of the batch can be assumed
// delivered).
type Sink interface {
	Name() string
	Ping(ctx context.Context) error
	Deliver(ctx context.Context, entries []Entry) error
}

// StorageSink delivers entries straight into the local storage pond.
type StorageSink struct {
	client *storage.Client
	pond   storage.PondStore
	logger *zap.Logger
}

// NewStorageSink builds a sink over the storage client.
func NewStorageSink(client *storage.Client, logger *zap.Logger) *StorageSink {
	return &StorageSink{
		client: client,
		pond:   client.Handle().Pond(),
		logger: logger,
	}
}

func (s *StorageSink) Name() string { return "storage-pond" }

func (s *StorageSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *StorageSink) Deliver(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		pe := &storage.PondEntry{
			Kind:   e.Kind,
			Source: e.Source,
			Body:   string(e.Body),
			Attrs: storage.Attrs{
				"ingest_id":   e.ID.String(),
				"enqueued_at": e.EnqueuedAt.Format(time.RFC3339Nano),
			},
		}
		if err := s.pond.Append(ctx, pe); err != nil {
			return fmt.Errorf("failed to append entry %s to pond: %w", e.ID, err)
		}
	}
	return nil
}

// HTTPSink delivers entries as an NDJSON batch to a remote pond endpoint.
// Deliveries run through a circuit breaker so a dead endpoint fails fast.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	breaker  *circuitbreaker.SinkWrapper
	logger   *zap.Logger
}

// NewHTTPSink builds a sink posting to endpoint. The health probe hits
// endpoint + "/health".
func NewHTTPSink(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPSink {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.NewSinkWrapper("pond-http", logger),
		logger:   logger,
	}
}

func (s *HTTPSink) Name() string { return "pond-http" }

func (s *HTTPSink) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pond endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("pond endpoint unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Deliver(ctx context.Context, entries []Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", e.ID, err)
		}
	}

	return s.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/entries", &buf)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-ndjson")
		tracing.InjectTraceparent(ctx, req)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("delivery failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("delivery rejected: status %d", resp.StatusCode)
		}
		return nil
	})
}
