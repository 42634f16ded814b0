package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/workflow"
)

// ErrNoDriver is returned when no registered driver satisfies the required
// capabilities.
var ErrNoDriver = errors.New("no driver satisfies required capabilities")

// Builder constructs a driver instance on first use. Construction may dial
// an endpoint, so it takes a context.
type Builder func(ctx context.Context) (workflow.Driver, error)

type registration struct {
	name         string
	capabilities map[string]struct{}
	capList      []string
	build        Builder
	reusable     bool
	order        int

	once     sync.Once
	instance workflow.Driver
	buildErr error
}

// Factory resolves drivers by capability. Instances are disposable by
// default: each acquisition gets a fresh one. A registration declared
// reusable is built once and shared across acquisitions.
type Factory struct {
	logger *zap.Logger

	mu   sync.RWMutex
	regs []*registration
}

// NewFactory creates an empty driver factory.
func NewFactory(logger *zap.Logger) *Factory {
	return &Factory{logger: logger}
}

// Register adds a driver under name with its capability set. A reusable
// driver is built once and shared; otherwise every Acquire builds a fresh
// instance.
func (f *Factory) Register(name string, capabilities []string, reusable bool, build Builder) error {
	if name == "" {
		return errors.New("driver name is required")
	}
	if build == nil {
		return fmt.Errorf("driver %q has no builder", name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, reg := range f.regs {
		if reg.name == name {
			return fmt.Errorf("driver %q already registered", name)
		}
	}

	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	f.regs = append(f.regs, &registration{
		name:         name,
		capabilities: caps,
		capList:      append([]string(nil), capabilities...),
		build:        build,
		reusable:     reusable,
		order:        len(f.regs),
	})

	f.logger.Info("Driver registered",
		zap.String("driver", name),
		zap.Strings("capabilities", capabilities),
		zap.Bool("reusable", reusable),
	)
	return nil
}

// Acquire returns a driver providing every required capability, preferring
// the one covering the most preferred capabilities. Ties go to the earlier
// registration.
func (f *Factory) Acquire(ctx context.Context, required, preferred []string) (workflow.Driver, error) {
	f.mu.RLock()
	var best *registration
	bestScore := -1
	for _, reg := range f.regs {
		if !reg.has(required) {
			continue
		}
		score := reg.count(preferred)
		if score > bestScore {
			best = reg
			bestScore = score
		}
	}
	f.mu.RUnlock()

	if best == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDriver, required)
	}

	if !best.reusable {
		d, err := best.build(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build driver %q: %w", best.name, err)
		}
		return d, nil
	}

	best.once.Do(func() {
		best.instance, best.buildErr = best.build(ctx)
		if best.buildErr == nil {
			f.logger.Info("Driver instance built", zap.String("driver", best.name))
		}
	})
	if best.buildErr != nil {
		return nil, fmt.Errorf("failed to build driver %q: %w", best.name, best.buildErr)
	}
	return best.instance, nil
}

// Names returns the registered driver names in registration order.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, len(f.regs))
	for i, reg := range f.regs {
		out[i] = reg.name
	}
	return out
}

func (r *registration) has(required []string) bool {
	for _, c := range required {
		if _, ok := r.capabilities[c]; !ok {
			return false
		}
	}
	return true
}

func (r *registration) count(preferred []string) int {
	n := 0
	for _, c := range preferred {
		if _, ok := r.capabilities[c]; ok {
			n++
		}
	}
	return n
}

// Static is a fixed-response driver for wiring tests and offline runs.
type Static struct {
	name     string
	caps     []string
	response string
}

// NewStatic creates a driver that answers every completion with response.
func NewStatic(name string, capabilities []string, response string) *Static {
	return &Static{name: name, caps: capabilities, response: response}
}

func (s *Static) Name() string           { return s.name }
func (s *Static) Capabilities() []string { return s.caps }

func (s *Static) Complete(ctx context.Context, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return s.response, nil
	}
}
