package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers on demand and derives the service's
// overall state: any failing critical checker makes it unhealthy, any
// degraded or failing non-critical checker degrades it.
type Manager struct {
	logger *zap.Logger

	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
}

// NewManager creates an empty health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:      logger,
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker

	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
	)
	return nil
}

// UnregisterChecker removes a health check
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	return nil
}

// GetOverallHealth runs all checks and returns the aggregate verdict.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	return m.GetDetailedHealth(ctx).Overall
}

// GetDetailedHealth runs all checks and returns per-component results.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	started := time.Now()
	components := make(map[string]CheckResult, len(checkers))
	var summary Summary

	for name, checker := range checkers {
		result := m.runCheck(ctx, checker)
		components[name] = result

		summary.Total++
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return DetailedHealth{
		Overall:    m.aggregate(components, summary, started),
		Components: components,
		Summary:    summary,
		Timestamp:  started,
	}
}

// IsReady reports whether the service can serve requests.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports whether the process should be kept alive.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

func (m *Manager) runCheck(ctx context.Context, checker Checker) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	started := time.Now()
	result := checker.Check(cctx)
	result.Component = checker.Name()
	result.Critical = checker.IsCritical()
	result.Duration = time.Since(started)
	result.Timestamp = started
	return result
}

func (m *Manager) aggregate(components map[string]CheckResult, summary Summary, started time.Time) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{
			Status:    StatusUnknown,
			Message:   "no health checks registered",
			Timestamp: started,
			Ready:     false,
			Live:      true,
		}
	}

	criticalFailures := 0
	softFailures := 0
	for _, r := range components {
		switch {
		case r.Status == StatusUnhealthy && r.Critical:
			criticalFailures++
		case r.Status == StatusUnhealthy || r.Status == StatusDegraded:
			softFailures++
		}
	}

	overall := OverallHealth{
		Timestamp: started,
		Duration:  time.Since(started),
		Live:      true,
	}
	switch {
	case criticalFailures > 0:
		overall.Status = StatusUnhealthy
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		overall.Ready = false
	case softFailures > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", softFailures)
		overall.Degraded = true
		overall.Ready = true
	default:
		overall.Status = StatusHealthy
		overall.Ready = true
	}
	return overall
}
