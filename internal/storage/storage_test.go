package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pondworks/heron/internal/circuitbreaker"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(&Config{Driver: "sqlite3", Path: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIssueLifecycle(t *testing.T) {
	h := newTestClient(t).Handle()
	ctx := context.Background()

	issue := &Issue{Title: "flaky ingestion retries", Body: "see run 42", Priority: 3}
	require.NoError(t, h.Issues().Create(ctx, issue))
	require.NotEqual(t, uuid.Nil, issue.ID)
	assert.Equal(t, IssueStatusOpen, issue.Status)

	got, err := h.Issues().Get(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "flaky ingestion retries", got.Title)

	got.Status = IssueStatusDone
	require.NoError(t, h.Issues().Update(ctx, got))

	updated, err := h.Issues().Get(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, IssueStatusDone, updated.Status)

	require.NoError(t, h.Issues().Delete(ctx, issue.ID))
	_, err = h.Issues().Get(ctx, issue.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueValidation(t *testing.T) {
	h := newTestClient(t).Handle()
	ctx := context.Background()

	err := h.Issues().Create(ctx, &Issue{})
	assert.ErrorIs(t, err, ErrInvalid)

	err = h.Issues().Update(ctx, &Issue{ID: uuid.New(), Title: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIssueListFilters(t *testing.T) {
	h := newTestClient(t).Handle()
	ctx := context.Background()

	require.NoError(t, h.Issues().Create(ctx, &Issue{Title: "alpha outage", Priority: 5}))
	require.NoError(t, h.Issues().Create(ctx, &Issue{Title: "beta cleanup", Status: IssueStatusDone}))
	require.NoError(t, h.Issues().Create(ctx, &Issue{Title: "alpha followup", Priority: 1}))

	open, err := h.Issues().List(ctx, Query{Status: IssueStatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 2)
	// Higher priority first.
	assert.Equal(t, "alpha outage", open[0].Title)

	alphas, err := h.Issues().List(ctx, Query{Text: "alpha"})
	require.NoError(t, err)
	assert.Len(t, alphas, 2)

	limited, err := h.Issues().List(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestKnowledgeAndFlows(t *testing.T) {
	h := newTestClient(t).Handle()
	ctx := context.Background()

	k := &Knowledge{Topic: "pond schema", Body: "entries are append-only", Source: "triage"}
	require.NoError(t, h.Knowledge().Create(ctx, k))

	found, err := h.Knowledge().List(ctx, Query{Text: "append-only"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "pond schema", found[0].Topic)

	f := &Flow{Name: "escalate", Body: "1. page on-call", Enabled: true}
	require.NoError(t, h.Flows().Create(ctx, f))

	byName, err := h.Flows().GetByName(ctx, "escalate")
	require.NoError(t, err)
	assert.True(t, byName.Enabled)

	dup := &Flow{Name: "escalate"}
	err = h.Flows().Create(ctx, dup)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPondAppendAndList(t *testing.T) {
	h := newTestClient(t).Handle()
	ctx := context.Background()

	require.NoError(t, h.Pond().Append(ctx, &PondEntry{Kind: "observation", Source: "webhook-1", Body: "{}"}))
	require.NoError(t, h.Pond().Append(ctx, &PondEntry{Kind: "run_record", Body: "{}"}))

	err := h.Pond().Append(ctx, &PondEntry{})
	assert.ErrorIs(t, err, ErrInvalid)

	runs, err := h.Pond().List(ctx, Query{Status: "run_record"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStateDocumentRoundTrip(t *testing.T) {
	h := newTestClient(t).Handle()
	ctx := context.Background()

	// Missing document reads as empty, not as an error.
	body, err := h.LoadStateDocument(ctx)
	require.NoError(t, err)
	assert.Empty(t, body)

	require.NoError(t, h.SaveStateDocument(ctx, "# Notes\nfirst"))
	require.NoError(t, h.SaveStateDocument(ctx, "# Notes\nsecond"))

	body, err = h.LoadStateDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, "# Notes\nsecond", body)
}

func TestBackendErrorMapping(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mockDB.Close()

	logger := zaptest.NewLogger(t)
	client := &Client{
		db:     circuitbreaker.NewDatabaseWrapper(sqlx.NewDb(mockDB, "sqlmock"), "sqlite3", logger),
		driver: "sqlite3",
		logger: logger,
	}
	h := client.Handle()
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO issues").
		WillReturnError(errors.New("UNIQUE constraint failed: issues.id"))
	err = h.Issues().Create(ctx, &Issue{Title: "dup"})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, mock.ExpectationsWereMet())
}
