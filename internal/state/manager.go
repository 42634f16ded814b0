package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/storage"
)

// DocumentManager owns the agent's single state document: free-form text
// the workflows read at activation and may replace on success. Commits are
// serialized; readers always see the last committed version.
type DocumentManager struct {
	logger  *zap.Logger
	storage storage.Handle

	mu        sync.RWMutex
	body      string
	version   uint64
	updatedAt time.Time
}

// NewDocumentManager creates a manager backed by the storage handle.
func NewDocumentManager(storage storage.Handle, logger *zap.Logger) *DocumentManager {
	return &DocumentManager{
		logger:  logger,
		storage: storage,
	}
}

// Load pulls the persisted document into memory. A missing document loads
// as the empty string. Call once at startup before serving workflows.
func (m *DocumentManager) Load(ctx context.Context) error {
	body, err := m.storage.LoadStateDocument(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state document: %w", err)
	}

	m.mu.Lock()
	m.body = body
	m.version = 0
	m.updatedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("State document loaded", zap.Int("bytes", len(body)))
	return nil
}

// Current returns the last committed document.
func (m *DocumentManager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.body
}

// Version returns the in-process commit counter. It resets on restart; it
// exists for status reporting, not for persistence.
func (m *DocumentManager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// UpdatedAt returns when the document last changed in this process.
func (m *DocumentManager) UpdatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updatedAt
}

// Commit persists body and makes it the current document. Persistence
// happens before the in-memory swap, so a storage failure leaves the
// previous version visible.
func (m *DocumentManager) Commit(ctx context.Context, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if body == m.body {
		return nil
	}

	if err := m.storage.SaveStateDocument(ctx, body); err != nil {
		return fmt.Errorf("failed to persist state document: %w", err)
	}

	m.body = body
	m.version++
	m.updatedAt = time.Now()

	m.logger.Debug("State document committed",
		zap.Uint64("version", m.version),
		zap.Int("bytes", len(body)),
	)
	return nil
}
