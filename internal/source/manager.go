package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is the runtime connection view of one source: when it last
// produced an observation, when and how it last failed.
type Status struct {
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	LastErrorAt   time.Time `json:"lastErrorAt,omitempty"`
	ErrorCount    int64     `json:"errorCount"`
	LastError     string    `json:"lastErrorMessage,omitempty"`
}

// Manager owns the configured sources: the durable descriptor store and
// the running adapters. Adapters are isolated; a failing one is logged and
// the rest keep running.
type Manager struct {
	store  *Store
	accept Accept
	logger *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	running  map[uuid.UUID]Adapter
	webhooks map[string]*WebhookAdapter // by path
	status   map[uuid.UUID]*Status
	started  bool
}

// NewManager builds a manager over the store. Observations flow through
// accept.
func NewManager(store *Store, accept Accept, logger *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		accept:   accept,
		logger:   logger,
		running:  make(map[uuid.UUID]Adapter),
		webhooks: make(map[string]*WebhookAdapter),
		status:   make(map[uuid.UUID]*Status),
	}
}

// Start launches adapters for every enabled descriptor. Individual adapter
// failures are logged, not fatal.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.started = true
	descriptors := m.store.List()
	m.mu.Unlock()

	for _, d := range descriptors {
		if !d.Enabled {
			continue
		}
		if err := m.startAdapter(d); err != nil {
			m.logger.Error("Failed to start source",
				zap.String("source", d.Name), zap.Error(err))
		}
	}
}

// Stop halts every running adapter.
func (m *Manager) Stop() {
	m.mu.Lock()
	adapters := make([]Adapter, 0, len(m.running))
	for _, a := range m.running {
		adapters = append(adapters, a)
	}
	m.running = make(map[uuid.UUID]Adapter)
	m.webhooks = make(map[string]*WebhookAdapter)
	m.started = false
	m.mu.Unlock()

	for _, a := range adapters {
		m.stopAdapter(a)
	}
}

func (m *Manager) stopAdapter(a Adapter) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Source adapter panicked during stop",
				zap.String("source", a.Name()), zap.Any("panic", r))
		}
	}()
	a.Stop()
}

// Add validates, persists, and (if enabled) starts a new source.
func (m *Manager) Add(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	for _, existing := range m.store.List() {
		if existing.Name == d.Name && existing.ID != d.ID {
			return fmt.Errorf("source name %q already in use", d.Name)
		}
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	if err := m.store.Save(d); err != nil {
		return err
	}
	if d.Enabled {
		return m.startAdapter(d)
	}
	return nil
}

// Update replaces a source's configuration, restarting its adapter if
// running.
func (m *Manager) Update(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	prev, ok := m.store.Get(d.ID)
	if !ok {
		return fmt.Errorf("source %s not found", d.ID)
	}
	d.CreatedAt = prev.CreatedAt
	d.UpdatedAt = time.Now().UTC()

	m.stopByID(d.ID)
	if err := m.store.Save(d); err != nil {
		return err
	}
	if d.Enabled {
		return m.startAdapter(d)
	}
	return nil
}

// Remove stops and deletes a source.
func (m *Manager) Remove(id uuid.UUID) error {
	if _, ok := m.store.Get(id); !ok {
		return fmt.Errorf("source %s not found", id)
	}
	m.stopByID(id)
	m.mu.Lock()
	delete(m.status, id)
	m.mu.Unlock()
	return m.store.Delete(id)
}

// Enable marks the source enabled and starts its adapter.
func (m *Manager) Enable(id uuid.UUID) error {
	return m.setEnabled(id, true)
}

// Disable stops the adapter and marks the source disabled. Buffered
// observations it already produced are unaffected.
func (m *Manager) Disable(id uuid.UUID) error {
	return m.setEnabled(id, false)
}

func (m *Manager) setEnabled(id uuid.UUID, enabled bool) error {
	d, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("source %s not found", id)
	}
	if d.Enabled == enabled {
		return nil
	}
	d.Enabled = enabled
	d.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(d); err != nil {
		return err
	}
	if enabled {
		return m.startAdapter(d)
	}
	m.stopByID(id)
	return nil
}

// Reload re-reads the descriptor file and reconciles running adapters:
// removed, disabled, or changed sources are stopped, and enabled ones not
// yet running are started. Unchanged sources keep running untouched.
func (m *Manager) Reload() error {
	prev := make(map[uuid.UUID]*Descriptor)
	for _, d := range m.store.List() {
		prev[d.ID] = d
	}

	if err := m.store.Reload(); err != nil {
		return err
	}

	m.mu.Lock()
	started := m.started
	runningIDs := make([]uuid.UUID, 0, len(m.running))
	for id := range m.running {
		runningIDs = append(runningIDs, id)
	}
	m.mu.Unlock()
	if !started {
		return nil
	}

	next := make(map[uuid.UUID]*Descriptor)
	for _, d := range m.store.List() {
		next[d.ID] = d
	}

	for _, id := range runningIDs {
		d, ok := next[id]
		if ok && d.Enabled && reflect.DeepEqual(prev[id], d) {
			continue
		}
		m.stopByID(id)
	}
	for _, d := range next {
		if !d.Enabled || m.Running(d.ID) {
			continue
		}
		if err := m.startAdapter(d); err != nil {
			m.logger.Error("Failed to start source after reload",
				zap.String("source", d.Name), zap.Error(err))
		}
	}
	return nil
}

// Get returns the descriptor with the given id.
func (m *Manager) Get(id uuid.UUID) (*Descriptor, bool) {
	return m.store.Get(id)
}

// List returns all descriptors.
func (m *Manager) List() []*Descriptor {
	return m.store.List()
}

// Running reports whether the source's adapter is currently running.
func (m *Manager) Running(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Status returns the source's connection status. A source that has never
// produced or failed reports the zero status.
func (m *Manager) Status(id uuid.UUID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.status[id]; ok {
		return *s
	}
	return Status{}
}

func (m *Manager) statusFor(id uuid.UUID) *Status {
	if s, ok := m.status[id]; ok {
		return s
	}
	s := &Status{}
	m.status[id] = s
	return s
}

func (m *Manager) noteSuccess(id uuid.UUID) {
	m.mu.Lock()
	m.statusFor(id).LastSuccessAt = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Manager) noteError(id uuid.UUID, err error) {
	m.mu.Lock()
	s := m.statusFor(id)
	s.LastErrorAt = time.Now().UTC()
	s.ErrorCount++
	s.LastError = err.Error()
	m.mu.Unlock()
}

func (m *Manager) startAdapter(d *Descriptor) error {
	m.mu.Lock()
	if !m.started {
		// Manager not started yet; Start will pick the descriptor up.
		m.mu.Unlock()
		return nil
	}
	if _, exists := m.running[d.ID]; exists {
		m.mu.Unlock()
		return nil
	}
	ctx := m.ctx
	m.mu.Unlock()

	adapter, err := m.build(d)
	if err != nil {
		return err
	}
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source %q: %w", d.Name, err)
	}

	m.mu.Lock()
	m.running[d.ID] = adapter
	if wh, ok := adapter.(*WebhookAdapter); ok {
		m.webhooks[normalizePath(wh.Path())] = wh
	}
	m.mu.Unlock()

	m.logger.Info("Source started",
		zap.String("source", d.Name),
		zap.String("kind", string(d.Kind)),
	)
	return nil
}

func (m *Manager) stopByID(id uuid.UUID) {
	m.mu.Lock()
	adapter, ok := m.running[id]
	if ok {
		delete(m.running, id)
		if wh, isWebhook := adapter.(*WebhookAdapter); isWebhook {
			delete(m.webhooks, normalizePath(wh.Path()))
		}
	}
	m.mu.Unlock()

	if ok {
		m.stopAdapter(adapter)
		m.logger.Info("Source stopped", zap.String("source", adapter.Name()))
	}
}

func (m *Manager) build(d *Descriptor) (Adapter, error) {
	// accept is wrapped so one panicking adapter cannot take down the loop.
	guarded := m.guardAccept(d)
	switch d.Kind {
	case KindWebhook:
		return NewWebhookAdapter(d.Name, *d.Webhook, guarded, m.logger), nil
	case KindPolling:
		a := NewPollingAdapter(d.Name, *d.Polling, guarded, m.logger)
		a.OnError = func(err error) { m.noteError(d.ID, err) }
		return a, nil
	case KindStream:
		a := NewStreamAdapter(d.Name, *d.Stream, guarded, m.logger)
		a.OnError = func(err error) { m.noteError(d.ID, err) }
		return a, nil
	default:
		return nil, fmt.Errorf("source %q has unknown kind %q", d.Name, d.Kind)
	}
}

// guardAccept wraps accept with panic containment and per-source status
// bookkeeping.
func (m *Manager) guardAccept(d *Descriptor) Accept {
	id, name := d.ID, d.Name
	return func(ctx context.Context, sourceName string, body json.RawMessage) (err error) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Accept panicked",
					zap.String("source", name), zap.Any("panic", r))
				err = fmt.Errorf("accept panicked: %v", r)
			}
			if err != nil {
				m.noteError(id, err)
			} else {
				m.noteSuccess(id)
			}
		}()
		return m.accept(ctx, sourceName, body)
	}
}

// WebhookHandler dispatches inbound webhook requests to the adapter mounted
// at the request path (relative to the ingest prefix).
func (m *Manager) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := normalizePath(r.URL.Path)

		m.mu.Lock()
		adapter, ok := m.webhooks[path]
		m.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		adapter.ServeHTTP(w, r)
	})
}

func normalizePath(p string) string {
	p = strings.TrimSuffix(p, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
