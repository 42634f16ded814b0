package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Handle is the storage surface handed to workflow executors. All methods
// are safe for concurrent use; writes are durable once the call returns.
type Handle interface {
	Issues() IssueStore
	Knowledge() KnowledgeStore
	Flows() FlowStore
	Pond() PondStore

	LoadStateDocument(ctx context.Context) (string, error)
	SaveStateDocument(ctx context.Context, body string) error
}

// IssueStore manages the issues collection.
type IssueStore interface {
	Create(ctx context.Context, issue *Issue) error
	Get(ctx context.Context, id uuid.UUID) (*Issue, error)
	Update(ctx context.Context, issue *Issue) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, q Query) ([]Issue, error)
}

// KnowledgeStore manages the knowledge collection.
type KnowledgeStore interface {
	Create(ctx context.Context, k *Knowledge) error
	Get(ctx context.Context, id uuid.UUID) (*Knowledge, error)
	Update(ctx context.Context, k *Knowledge) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, q Query) ([]Knowledge, error)
}

// FlowStore manages the flows collection.
type FlowStore interface {
	Create(ctx context.Context, f *Flow) error
	Get(ctx context.Context, id uuid.UUID) (*Flow, error)
	GetByName(ctx context.Context, name string) (*Flow, error)
	Update(ctx context.Context, f *Flow) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, q Query) ([]Flow, error)
}

// PondStore manages the append-only pond collection.
type PondStore interface {
	Append(ctx context.Context, e *PondEntry) error
	List(ctx context.Context, q Query) ([]PondEntry, error)
}

// Handle returns the workflow-facing storage surface backed by this client.
func (c *Client) Handle() Handle { return &handle{c} }

type handle struct{ c *Client }

func (h *handle) Issues() IssueStore       { return (*issueStore)(h) }
func (h *handle) Knowledge() KnowledgeStore { return (*knowledgeStore)(h) }
func (h *handle) Flows() FlowStore          { return (*flowStore)(h) }
func (h *handle) Pond() PondStore           { return (*pondStore)(h) }

func (h *handle) LoadStateDocument(ctx context.Context) (string, error) {
	var body string
	err := h.c.db.GetContext(ctx, &body,
		h.c.rebind(`SELECT body FROM state_document WHERE id = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapBackendErr(err)
	}
	return body, nil
}

func (h *handle) SaveStateDocument(ctx context.Context, body string) error {
	now := time.Now().UTC()
	var stmt string
	if h.c.driver == "postgres" {
		stmt = `INSERT INTO state_document (id, body, updated_at) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`
	} else {
		stmt = `INSERT INTO state_document (id, body, updated_at) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	}
	if _, err := h.c.db.ExecContext(ctx, h.c.rebind(stmt), body, now); err != nil {
		return wrapBackendErr(err)
	}
	return nil
}

func wrapBackendErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "circuit breaker") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// --- issues ---

type issueStore handle

func (s *issueStore) Create(ctx context.Context, issue *Issue) error {
	if issue.Title == "" {
		return fmt.Errorf("%w: issue title is required", ErrInvalid)
	}
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	if issue.Status == "" {
		issue.Status = IssueStatusOpen
	}
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now

	_, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`INSERT INTO issues (id, title, body, status, priority, attrs, created_at, updated_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		issue.ID.String(), issue.Title, issue.Body, issue.Status, issue.Priority,
		issue.Attrs, issue.CreatedAt, issue.UpdatedAt, issue.ClosedAt,
	)
	return wrapBackendErr(err)
}

func (s *issueStore) Get(ctx context.Context, id uuid.UUID) (*Issue, error) {
	var issue Issue
	err := s.c.db.GetContext(ctx, &issue, s.c.rebind(
		`SELECT * FROM issues WHERE id = ?`), id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapBackendErr(err)
	}
	return &issue, nil
}

func (s *issueStore) Update(ctx context.Context, issue *Issue) error {
	if issue.ID == uuid.Nil {
		return fmt.Errorf("%w: issue id is required", ErrInvalid)
	}
	issue.UpdatedAt = time.Now().UTC()

	res, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`UPDATE issues SET title = ?, body = ?, status = ?, priority = ?, attrs = ?, updated_at = ?, closed_at = ?
		 WHERE id = ?`),
		issue.Title, issue.Body, issue.Status, issue.Priority, issue.Attrs,
		issue.UpdatedAt, issue.ClosedAt, issue.ID.String(),
	)
	if err != nil {
		return wrapBackendErr(err)
	}
	return requireRow(res)
}

func (s *issueStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`DELETE FROM issues WHERE id = ?`), id.String())
	if err != nil {
		return wrapBackendErr(err)
	}
	return requireRow(res)
}

func (s *issueStore) List(ctx context.Context, q Query) ([]Issue, error) {
	query := `SELECT * FROM issues WHERE 1=1`
	var args []interface{}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	if q.Text != "" {
		query += ` AND (title LIKE ? OR body LIKE ?)`
		pat := "%" + q.Text + "%"
		args = append(args, pat, pat)
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT ?`
	args = append(args, limitOrDefault(q.Limit))

	issues := []Issue{}
	if err := s.c.db.SelectContext(ctx, &issues, s.c.rebind(query), args...); err != nil {
		return nil, wrapBackendErr(err)
	}
	return issues, nil
}

// --- knowledge ---

type knowledgeStore handle

func (s *knowledgeStore) Create(ctx context.Context, k *Knowledge) error {
	if k.Topic == "" {
		return fmt.Errorf("%w: knowledge topic is required", ErrInvalid)
	}
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	now := time.Now().UTC()
	k.CreatedAt = now
	k.UpdatedAt = now

	_, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`INSERT INTO knowledge (id, topic, body, source, attrs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		k.ID.String(), k.Topic, k.Body, k.Source, k.Attrs, k.CreatedAt, k.UpdatedAt,
	)
	return wrapBackendErr(err)
}

func (s *knowledgeStore) Get(ctx context.Context, id uuid.UUID) (*Knowledge, error) {
	var k Knowledge
	err := s.c.db.GetContext(ctx, &k, s.c.rebind(
		`SELECT * FROM knowledge WHERE id = ?`), id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapBackendErr(err)
	}
	return &k, nil
}

func (s *knowledgeStore) Update(ctx context.Context, k *Knowledge) error {
	if k.ID == uuid.Nil {
		return fmt.Errorf("%w: knowledge id is required", ErrInvalid)
	}
	k.UpdatedAt = time.Now().UTC()

	res, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`UPDATE knowledge SET topic = ?, body = ?, source = ?, attrs = ?, updated_at = ? WHERE id = ?`),
		k.Topic, k.Body, k.Source, k.Attrs, k.UpdatedAt, k.ID.String(),
	)
	if err != nil {
		return wrapBackendErr(err)
	}
	return requireRow(res)
}

func (s *knowledgeStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`DELETE FROM knowledge WHERE id = ?`), id.String())
	if err != nil {
		return wrapBackendErr(err)
	}
	return requireRow(res)
}

func (s *knowledgeStore) List(ctx context.Context, q Query) ([]Knowledge, error) {
	query := `SELECT * FROM knowledge WHERE 1=1`
	var args []interface{}
	if q.Text != "" {
		query += ` AND (topic LIKE ? OR body LIKE ?)`
		pat := "%" + q.Text + "%"
		args = append(args, pat, pat)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limitOrDefault(q.Limit))

	out := []Knowledge{}
	if err := s.c.db.SelectContext(ctx, &out, s.c.rebind(query), args...); err != nil {
		return nil, wrapBackendErr(err)
	}
	return out, nil
}

// --- flows ---

type flowStore handle

func (s *flowStore) Create(ctx context.Context, f *Flow) error {
	if f.Name == "" {
		return fmt.Errorf("%w: flow name is required", ErrInvalid)
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`INSERT INTO flows (id, name, body, enabled, attrs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		f.ID.String(), f.Name, f.Body, f.Enabled, f.Attrs, f.CreatedAt, f.UpdatedAt,
	)
	return wrapBackendErr(err)
}

func (s *flowStore) Get(ctx context.Context, id uuid.UUID) (*Flow, error) {
	var f Flow
	err := s.c.db.GetContext(ctx, &f, s.c.rebind(
		`SELECT * FROM flows WHERE id = ?`), id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapBackendErr(err)
	}
	return &f, nil
}

func (s *flowStore) GetByName(ctx context.Context, name string) (*Flow, error) {
	var f Flow
	err := s.c.db.GetContext(ctx, &f, s.c.rebind(
		`SELECT * FROM flows WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapBackendErr(err)
	}
	return &f, nil
}

func (s *flowStore) Update(ctx context.Context, f *Flow) error {
	if f.ID == uuid.Nil {
		return fmt.Errorf("%w: flow id is required", ErrInvalid)
	}
	f.UpdatedAt = time.Now().UTC()

	res, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`UPDATE flows SET name = ?, body = ?, enabled = ?, attrs = ?, updated_at = ? WHERE id = ?`),
		f.Name, f.Body, f.Enabled, f.Attrs, f.UpdatedAt, f.ID.String(),
	)
	if err != nil {
		return wrapBackendErr(err)
	}
	return requireRow(res)
}

func (s *flowStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`DELETE FROM flows WHERE id = ?`), id.String())
	if err != nil {
		return wrapBackendErr(err)
	}
	return requireRow(res)
}

func (s *flowStore) List(ctx context.Context, q Query) ([]Flow, error) {
	query := `SELECT * FROM flows WHERE 1=1`
	var args []interface{}
	if q.Text != "" {
		query += ` AND (name LIKE ? OR body LIKE ?)`
		pat := "%" + q.Text + "%"
		args = append(args, pat, pat)
	}
	query += ` ORDER BY name ASC LIMIT ?`
	args = append(args, limitOrDefault(q.Limit))

	out := []Flow{}
	if err := s.c.db.SelectContext(ctx, &out, s.c.rebind(query), args...); err != nil {
		return nil, wrapBackendErr(err)
	}
	return out, nil
}

// --- pond ---

type pondStore handle

func (s *pondStore) Append(ctx context.Context, e *PondEntry) error {
	if e.Kind == "" {
		return fmt.Errorf("%w: pond entry kind is required", ErrInvalid)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.c.db.ExecContext(ctx, s.c.rebind(
		`INSERT INTO pond (id, kind, source, body, attrs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID.String(), e.Kind, e.Source, e.Body, e.Attrs, e.CreatedAt,
	)
	return wrapBackendErr(err)
}

func (s *pondStore) List(ctx context.Context, q Query) ([]PondEntry, error) {
	query := `SELECT * FROM pond WHERE 1=1`
	var args []interface{}
	if q.Status != "" {
		// Status filters pond entries by kind.
		query += ` AND kind = ?`
		args = append(args, q.Status)
	}
	if q.Text != "" {
		query += ` AND body LIKE ?`
		args = append(args, "%"+q.Text+"%")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(q.Limit))

	out := []PondEntry{}
	if err := s.c.db.SelectContext(ctx, &out, s.c.rebind(query), args...); err != nil {
		return nil, wrapBackendErr(err)
	}
	return out, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
