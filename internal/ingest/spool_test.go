package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSpoolReplayReconstructsLiveSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.ndjson")
	logger := zaptest.NewLogger(t)

	s, recovered, err := OpenSpool(path, logger)
	require.NoError(t, err)
	assert.Empty(t, recovered)

	a := NewEntry("observation", "webhook-1", json.RawMessage(`{"n":1}`))
	b := NewEntry("observation", "webhook-1", json.RawMessage(`{"n":2}`))
	c := NewEntry("run_record", "", json.RawMessage(`{"n":3}`))

	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))
	require.NoError(t, s.Put(c))
	require.NoError(t, s.Ack(a.ID))
	require.NoError(t, s.Drop(b.ID))
	require.NoError(t, s.Close())

	_, recovered, err = OpenSpool(path, logger)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, c.ID, recovered[0].ID)
	assert.Equal(t, "run_record", recovered[0].Kind)
}

func TestSpoolUpdateKeepsLatestRetryState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.ndjson")
	logger := zaptest.NewLogger(t)

	s, _, err := OpenSpool(path, logger)
	require.NoError(t, err)

	e := NewEntry("observation", "polling-1", json.RawMessage(`{}`))
	require.NoError(t, s.Put(e))

	e.Attempts = 3
	e.NextAttempt = time.Now().Add(8 * time.Second).UTC()
	require.NoError(t, s.Update(e))
	require.NoError(t, s.Close())

	_, recovered, err := OpenSpool(path, logger)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, 3, recovered[0].Attempts)
	assert.False(t, recovered[0].NextAttempt.IsZero())
}

func TestSpoolTruncatesCorruptTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.ndjson")
	logger := zaptest.NewLogger(t)

	s, _, err := OpenSpool(path, logger)
	require.NoError(t, err)
	e := NewEntry("observation", "", json.RawMessage(`{"ok":true}`))
	require.NoError(t, s.Put(e))
	require.NoError(t, s.Close())

	// Simulate a torn write: append half a record.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"put","entry":{"id":"beef`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, recovered, err := OpenSpool(path, logger)
	require.NoError(t, err)
	defer s2.Close()

	// The good entry survives; the torn line is gone from the file.
	require.Len(t, recovered, 1)
	assert.Equal(t, e.ID, recovered[0].ID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "beef")

	// The reopened spool appends cleanly after truncation.
	require.NoError(t, s2.Put(NewEntry("observation", "", json.RawMessage(`{}`))))
}

func TestSpoolCompactDropsDeadRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.ndjson")
	logger := zaptest.NewLogger(t)

	s, _, err := OpenSpool(path, logger)
	require.NoError(t, err)

	var live []Entry
	for i := 0; i < 10; i++ {
		e := NewEntry("observation", "", json.RawMessage(`{"i":0}`))
		require.NoError(t, s.Put(e))
		if i%2 == 0 {
			require.NoError(t, s.Ack(e.ID))
		} else {
			live = append(live, e)
		}
	}

	before := s.Size()
	require.NoError(t, s.Compact(live))
	assert.Less(t, s.Size(), before)
	require.NoError(t, s.Close())

	_, recovered, err := OpenSpool(path, logger)
	require.NoError(t, err)
	assert.Len(t, recovered, len(live))
}
