package state

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pondworks/heron/internal/storage"
)

func newHandle(t *testing.T) storage.Handle {
	t.Helper()
	client, err := storage.NewClient(&storage.Config{Driver: "sqlite3", Path: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client.Handle()
}

func TestLoadMissingDocumentDefaultsEmpty(t *testing.T) {
	m := NewDocumentManager(newHandle(t), zaptest.NewLogger(t))
	require.NoError(t, m.Load(context.Background()))
	assert.Empty(t, m.Current())
	assert.Zero(t, m.Version())
}

func TestCommitPersistsAndSurvivesReload(t *testing.T) {
	h := newHandle(t)
	ctx := context.Background()

	m := NewDocumentManager(h, zaptest.NewLogger(t))
	require.NoError(t, m.Load(ctx))
	require.NoError(t, m.Commit(ctx, "## Focus\ningest backlog"))
	assert.Equal(t, uint64(1), m.Version())

	// A fresh manager over the same storage sees the committed document.
	m2 := NewDocumentManager(h, zaptest.NewLogger(t))
	require.NoError(t, m2.Load(ctx))
	assert.Equal(t, "## Focus\ningest backlog", m2.Current())
}

func TestCommitUnchangedBodyIsNoOp(t *testing.T) {
	m := NewDocumentManager(newHandle(t), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	require.NoError(t, m.Commit(ctx, "same"))
	require.NoError(t, m.Commit(ctx, "same"))
	assert.Equal(t, uint64(1), m.Version())
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	m := NewDocumentManager(newHandle(t), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.Load(ctx))

	var wg sync.WaitGroup
	bodies := []string{"a", "b", "c", "d", "e"}
	for _, b := range bodies {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			require.NoError(t, m.Commit(ctx, body))
		}(b)
	}
	wg.Wait()

	// Whatever won, the in-memory view matches what storage holds.
	final := m.Current()
	assert.Contains(t, bodies, final)

	persisted := NewDocumentManager(m.storage, zaptest.NewLogger(t))
	require.NoError(t, persisted.Load(ctx))
	assert.Equal(t, final, persisted.Current())
}
