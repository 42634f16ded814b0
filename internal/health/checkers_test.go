package health

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pondworks/heron/internal/ingest"
	"github.com/pondworks/heron/internal/source"
)

type deadSink struct{}

func (deadSink) Name() string                                      { return "dead" }
func (deadSink) Ping(ctx context.Context) error                    { return errors.New("connection refused") }
func (deadSink) Deliver(ctx context.Context, _ []ingest.Entry) error { return errors.New("connection refused") }

func TestFlusherCheckerUnhealthyWhenSinkUnreachable(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	spool, recovered, err := ingest.OpenSpool(filepath.Join(dir, "spool.ndjson"), logger)
	require.NoError(t, err)
	buffer := ingest.NewBuffer(spool, recovered, ingest.BufferConfig{}, logger)
	t.Cleanup(func() { buffer.Close() })
	dlq, err := ingest.OpenDLQ(filepath.Join(dir, "dlq.ndjson"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { dlq.Close() })

	flusher := ingest.NewFlusher(buffer, deadSink{}, dlq, ingest.FlusherConfig{}, logger)
	checker := NewFlusherChecker(flusher)
	assert.True(t, checker.IsCritical())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flusher.Start(ctx)
	defer flusher.Stop()

	require.Eventually(t, func() bool { return !flusher.Healthy() }, 2*time.Second, 10*time.Millisecond)

	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "connection refused")
}

func sourcesFixture(t *testing.T) (*source.Store, *source.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := source.OpenStore(filepath.Join(t.TempDir(), "sources.yaml"), logger)
	require.NoError(t, err)
	accept := func(ctx context.Context, name string, body json.RawMessage) error { return nil }
	return store, source.NewManager(store, accept, logger)
}

func TestSourcesCheckerEscalation(t *testing.T) {
	store, m := sourcesFixture(t)
	checker := NewSourcesChecker(m)
	assert.True(t, checker.IsCritical())

	// Every enabled source down: unhealthy, the runtime is blind.
	require.NoError(t, store.Save(&source.Descriptor{
		ID:      uuid.New(),
		Name:    "gh",
		Kind:    source.KindWebhook,
		Enabled: true,
		Webhook: &source.WebhookConfig{Path: "/gh"},
	}))
	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)

	// One of two running: degraded.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.NoError(t, store.Save(&source.Descriptor{
		ID:      uuid.New(),
		Name:    "stalled",
		Kind:    source.KindWebhook,
		Enabled: true,
		Webhook: &source.WebhookConfig{Path: "/stalled"},
	}))
	result = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
}

func TestSourcesCheckerHealthyWhenAllRunning(t *testing.T) {
	_, m := sourcesFixture(t)
	checker := NewSourcesChecker(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.NoError(t, m.Add(&source.Descriptor{
		Name:    "gh",
		Kind:    source.KindWebhook,
		Enabled: true,
		Webhook: &source.WebhookConfig{Path: "/gh"},
	}))

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}
