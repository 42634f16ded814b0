package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeSink scripts ping and delivery outcomes.
type fakeSink struct {
	mu        sync.Mutex
	pingErr   error
	deliver   func(entries []Entry) error
	delivered []Entry
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSink) Deliver(ctx context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliver != nil {
		if err := f.deliver(entries); err != nil {
			return err
		}
	}
	f.delivered = append(f.delivered, entries...)
	return nil
}

func (f *fakeSink) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func (f *fakeSink) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func newFlusherFixture(t *testing.T, sink Sink, config FlusherConfig) (*Buffer, *DLQ, *Flusher) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	spool, recovered, err := OpenSpool(filepath.Join(dir, "spool.ndjson"), logger)
	require.NoError(t, err)
	buffer := NewBuffer(spool, recovered, BufferConfig{}, logger)
	t.Cleanup(func() { buffer.Close() })

	dlq, err := OpenDLQ(filepath.Join(dir, "dlq.ndjson"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { dlq.Close() })

	return buffer, dlq, NewFlusher(buffer, sink, dlq, config, logger)
}

func TestFlusherDeliversWhenHealthy(t *testing.T) {
	sink := &fakeSink{}
	buffer, _, flusher := newFlusherFixture(t, sink, FlusherConfig{})

	for i := 0; i < 3; i++ {
		require.NoError(t, buffer.Put(NewEntry("observation", "", json.RawMessage(`{}`))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flusher.Start(ctx)
	defer flusher.Stop()

	require.Eventually(t, func() bool { return buffer.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, sink.deliveredCount())
	assert.True(t, flusher.Healthy())
}

func TestFlusherHoldsWhileSinkUnreachable(t *testing.T) {
	sink := &fakeSink{pingErr: errors.New("connection refused")}
	buffer, _, flusher := newFlusherFixture(t, sink, FlusherConfig{})

	require.NoError(t, buffer.Put(NewEntry("observation", "", json.RawMessage(`{}`))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flusher.Start(ctx)
	defer flusher.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, buffer.Len())
	assert.False(t, flusher.Healthy())

	// Recovery: probe succeeds within the 1s unreachable cadence and the
	// buffered entry drains.
	sink.setPingErr(nil)
	require.Eventually(t, func() bool { return buffer.Len() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestFlusherBacksOffAndDeadLetters(t *testing.T) {
	boom := errors.New("pond rejected batch")
	sink := &fakeSink{deliver: func(entries []Entry) error { return boom }}
	buffer, dlq, flusher := newFlusherFixture(t, sink, FlusherConfig{
		MaxAttempts: 2,
		BackoffBase: 10 * time.Millisecond,
	})

	e := NewEntry("observation", "", json.RawMessage(`{}`))
	require.NoError(t, buffer.Put(e))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flusher.Start(ctx)
	defer flusher.Stop()

	// Attempts 1 and 2 back off; the third failure has burned through both
	// retries and promotes to the DLQ.
	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 10*time.Second, 20*time.Millisecond)
	assert.Zero(t, buffer.Len())

	recs, err := dlq.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, e.ID, recs[0].Entry.ID)
	assert.Equal(t, 3, recs[0].Entry.Attempts)
	assert.Contains(t, recs[0].LastError, "pond rejected batch")
}

func TestDeadLetterDoesNotBlockSuccessors(t *testing.T) {
	var poison Entry
	sink := &fakeSink{}
	sink.deliver = func(entries []Entry) error {
		for _, e := range entries {
			if e.ID == poison.ID {
				return errors.New("poison entry")
			}
		}
		return nil
	}

	buffer, dlq, flusher := newFlusherFixture(t, sink, FlusherConfig{
		BatchSize:   1,
		MaxAttempts: 1, // one retry, then the DLQ
		BackoffBase: 10 * time.Millisecond,
	})

	poison = NewEntry("observation", "", json.RawMessage(`{"poison":true}`))
	good := NewEntry("observation", "", json.RawMessage(`{"poison":false}`))
	require.NoError(t, buffer.Put(poison))
	require.NoError(t, buffer.Put(good))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flusher.Start(ctx)
	defer flusher.Stop()

	require.Eventually(t, func() bool {
		return dlq.Len() == 1 && buffer.Len() == 0
	}, 10*time.Second, 20*time.Millisecond)

	require.Equal(t, 1, sink.deliveredCount())
	assert.Equal(t, good.ID, sink.delivered[0].ID)
}

func TestBatchFailureIsolatesPoisonEntry(t *testing.T) {
	var poison Entry
	sink := &fakeSink{}
	sink.deliver = func(entries []Entry) error {
		for _, e := range entries {
			if e.ID == poison.ID {
				return errors.New("poison entry")
			}
		}
		return nil
	}

	buffer, dlq, flusher := newFlusherFixture(t, sink, FlusherConfig{
		BatchSize:   3,
		MaxAttempts: 1,
		BackoffBase: 10 * time.Millisecond,
	})

	goodA := NewEntry("observation", "", json.RawMessage(`{"n":1}`))
	poison = NewEntry("observation", "", json.RawMessage(`{"poison":true}`))
	goodB := NewEntry("observation", "", json.RawMessage(`{"n":2}`))
	require.NoError(t, buffer.Put(goodA))
	require.NoError(t, buffer.Put(poison))
	require.NoError(t, buffer.Put(goodB))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	flusher.Start(ctx)
	defer flusher.Stop()

	// The batch fails as a whole, but only the poison entry accrues
	// attempts; its batchmates deliver on the individual retry.
	require.Eventually(t, func() bool {
		return dlq.Len() == 1 && buffer.Len() == 0
	}, 10*time.Second, 20*time.Millisecond)

	require.Equal(t, 2, sink.deliveredCount())
	delivered := map[string]bool{}
	sink.mu.Lock()
	for _, e := range sink.delivered {
		delivered[e.ID.String()] = true
	}
	sink.mu.Unlock()
	assert.True(t, delivered[goodA.ID.String()])
	assert.True(t, delivered[goodB.ID.String()])

	recs, err := dlq.List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, poison.ID, recs[0].Entry.ID)
}

func TestForceFlushIgnoresBackoff(t *testing.T) {
	sink := &fakeSink{}
	buffer, _, flusher := newFlusherFixture(t, sink, FlusherConfig{})

	e := NewEntry("observation", "", json.RawMessage(`{}`))
	require.NoError(t, buffer.Put(e))
	// Entry is deep in backoff; a normal round would skip it.
	_, err := buffer.Nack(e.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, flusher.ForceFlush(context.Background()))
	assert.Zero(t, buffer.Len())
	assert.Equal(t, 1, sink.deliveredCount())
}

func TestForceFlushSurfacesDeliveryError(t *testing.T) {
	boom := errors.New("sink down")
	sink := &fakeSink{deliver: func(entries []Entry) error { return boom }}
	buffer, _, flusher := newFlusherFixture(t, sink, FlusherConfig{})

	require.NoError(t, buffer.Put(NewEntry("observation", "", json.RawMessage(`{}`))))

	err := flusher.ForceFlush(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, buffer.Len())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	_, _, flusher := newFlusherFixture(t, &fakeSink{}, FlusherConfig{BackoffBase: time.Second})

	// The first retry waits about the base.
	first := flusher.backoff(0)
	assert.InDelta(t, float64(time.Second), float64(first), float64(time.Second)*0.11)

	prev := time.Duration(0)
	for attempts := 1; attempts <= 6; attempts++ {
		d := flusher.backoff(attempts)
		assert.Greater(t, d, prev, "backoff must grow with attempts")
		prev = d
	}

	// Exponent caps at 6: 64s nominal, within ±10% jitter.
	capped := flusher.backoff(50)
	assert.InDelta(t, float64(64*time.Second), float64(capped), float64(64*time.Second)*0.11)
}
