package circuitbreaker

import (
	"context"

	"go.uber.org/zap"
)

// SinkWrapper guards ingestion sink deliveries with a circuit breaker so a
// dead pond endpoint fails fast instead of stalling every flush round.
type SinkWrapper struct {
	cb     *CircuitBreaker
	name   string
	logger *zap.Logger
}

// NewSinkWrapper creates a breaker-guarded wrapper for the named sink.
func NewSinkWrapper(name string, logger *zap.Logger) *SinkWrapper {
	config := GetSinkConfig().ToConfig()
	cb := NewCircuitBreaker(name, config, logger)

	GlobalMetricsCollector.RegisterCircuitBreaker(name, "ingest-sink", cb)

	return &SinkWrapper{
		cb:     cb,
		name:   name,
		logger: logger,
	}
}

// Execute runs the delivery through the breaker and records the outcome.
func (sw *SinkWrapper) Execute(ctx context.Context, fn func() error) error {
	var err error
	cbErr := sw.cb.Execute(ctx, func() error {
		err = fn()
		return err
	})

	state := sw.cb.State()
	GlobalMetricsCollector.RecordRequest(sw.name, "ingest-sink", state, cbErr == nil && err == nil)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// IsOpen reports whether the sink breaker currently rejects deliveries.
func (sw *SinkWrapper) IsOpen() bool {
	return sw.cb.State() == StateOpen
}

// Counts returns the breaker counts for health reporting.
func (sw *SinkWrapper) Counts() Counts {
	return sw.cb.Counts()
}
