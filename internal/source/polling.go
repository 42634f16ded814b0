package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/metrics"
)

const maxPollBody = 16 << 20 // 16 MiB

// PollingAdapter is a pull source: it fetches the configured URL on a fixed
// cadence and accepts each successful response body as one observation.
// Consecutive failures double the cadence up to ten times the configured
// interval; the first success snaps it back.
type PollingAdapter struct {
	name   string
	config PollingConfig
	accept Accept
	client *http.Client
	logger *zap.Logger

	// OnError, when set, is told about each failed poll. Set it before Start.
	OnError func(error)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPollingAdapter builds a polling adapter from its descriptor config.
func NewPollingAdapter(name string, config PollingConfig, accept Accept, logger *zap.Logger) *PollingAdapter {
	if config.Interval < MinPollInterval {
		config.Interval = MinPollInterval
	}
	return &PollingAdapter{
		name:   name,
		config: config,
		accept: accept,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (p *PollingAdapter) Name() string { return p.name }
func (p *PollingAdapter) Kind() Kind   { return KindPolling }

func (p *PollingAdapter) Start(ctx context.Context) error {
	go p.run(ctx)
	return nil
}

func (p *PollingAdapter) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *PollingAdapter) run(ctx context.Context) {
	defer close(p.doneCh)

	interval := p.config.Interval
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-time.After(interval):
		}

		if err := p.poll(ctx); err != nil {
			failures++
			metrics.SourceErrors.WithLabelValues(p.name, "poll_failed").Inc()
			if p.OnError != nil {
				p.OnError(err)
			}
			p.logger.Warn("Poll failed",
				zap.String("source", p.name),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			interval = pollBackoff(p.config.Interval, failures)
			continue
		}
		failures = 0
		interval = p.config.Interval
		metrics.SourceEvents.WithLabelValues(p.name, string(KindPolling)).Inc()
	}
}

// pollBackoff doubles the interval per consecutive failure, capped at ten
// times the base.
func pollBackoff(base time.Duration, failures int) time.Duration {
	interval := base
	for i := 0; i < failures; i++ {
		interval *= 2
		if interval >= 10*base {
			return 10 * base
		}
	}
	return interval
}

func (p *PollingAdapter) poll(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, p.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return err
	}
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return fmt.Errorf("failed to read poll response: %w", err)
	}
	if !json.Valid(body) {
		// Wrap non-JSON payloads so the pond always holds valid JSON.
		wrapped, werr := json.Marshal(map[string]string{"raw": string(body)})
		if werr != nil {
			return werr
		}
		body = wrapped
	}

	return p.accept(ctx, p.name, body)
}
