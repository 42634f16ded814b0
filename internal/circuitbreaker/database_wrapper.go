package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps database operations with circuit breaker
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	driver string
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, driver string, logger *zap.Logger) *DatabaseWrapper {
	config := GetDatabaseConfig().ToConfig()
	cb := NewCircuitBreaker(driver, config, logger)

	GlobalMetricsCollector.RegisterCircuitBreaker(driver, "storage-client", cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		driver: driver,
		logger: logger,
	}
}

func (dw *DatabaseWrapper) recordRequest(cbErr, err error) {
	state := dw.cb.State()
	GlobalMetricsCollector.RecordRequest(dw.driver, "storage-client", state, cbErr == nil && err == nil)
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.PingContext(ctx)
		return err
	})
	dw.recordRequest(cbErr, err)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	dw.recordRequest(cbErr, err)

	if cbErr != nil {
		return nil, cbErr
	}
	return result, err
}

// GetContext wraps sqlx.GetContext with circuit breaker
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.GetContext(ctx, dest, query, args...)
		// Empty result sets are application-level outcomes, not dependency failures.
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	dw.recordRequest(cbErr, err)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// SelectContext wraps sqlx.SelectContext with circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.SelectContext(ctx, dest, query, args...)
		return err
	})
	dw.recordRequest(cbErr, err)

	if cbErr != nil {
		return cbErr
	}
	return err
}

// BeginTxx wraps transaction begin with circuit breaker
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	var tx *sqlx.Tx
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		tx, err = dw.db.BeginTxx(ctx, opts)
		return err
	})
	dw.recordRequest(cbErr, err)

	if cbErr != nil {
		return nil, cbErr
	}
	return tx, err
}

// IsCircuitBreakerOpen reports whether the breaker currently rejects requests.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}

// Stats returns the breaker counts for health reporting.
func (dw *DatabaseWrapper) Stats() Counts {
	return dw.cb.Counts()
}

// DB exposes the underlying handle for operations that need raw sqlx access.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Close closes the underlying database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}
