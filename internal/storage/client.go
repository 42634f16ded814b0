package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/pondworks/heron/internal/circuitbreaker"
)

// Config holds storage configuration. SQLite is the default backend; set
// Driver to "postgres" and the connection fields to use PostgreSQL.
type Config struct {
	Driver string // "sqlite3" or "postgres"
	Path   string // sqlite database file, ":memory:" for tests

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Client manages the storage backend connection and schema.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	driver string
	logger *zap.Logger
}

// NewClient opens the backend, bootstraps the schema, and verifies
// connectivity.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.Driver == "" {
		config.Driver = "sqlite3"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}

	dsn, err := config.dsn()
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.Driver == "sqlite3" {
		// SQLite serializes writes; extra connections only add lock contention.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxConnections)
		db.SetMaxIdleConns(config.IdleConnections)
		db.SetConnMaxLifetime(config.MaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{
		db:     circuitbreaker.NewDatabaseWrapper(db, config.Driver, logger),
		driver: config.Driver,
		logger: logger,
	}

	if err := client.bootstrap(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	logger.Info("Storage client connected",
		zap.String("driver", config.Driver),
	)
	return client, nil
}

func (c *Config) dsn() (string, error) {
	switch c.Driver {
	case "sqlite3":
		path := c.Path
		if path == "" {
			path = "heron.db"
		}
		return path, nil
	case "postgres":
		sslmode := c.SSLMode
		if sslmode == "" {
			sslmode = "require"
		}
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, sslmode,
		), nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", c.Driver)
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER NOT NULL DEFAULT 0,
		attrs TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status)`,
	`CREATE TABLE IF NOT EXISTS knowledge (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		attrs TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_topic ON knowledge(topic)`,
	`CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		body TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		attrs TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pond (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		attrs TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pond_kind ON pond(kind)`,
	`CREATE TABLE IF NOT EXISTS state_document (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		body TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,
}

func (c *Client) bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if c.driver == "postgres" {
			stmt = strings.ReplaceAll(stmt, "enabled INTEGER", "enabled BOOLEAN")
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders for the active driver.
func (c *Client) rebind(query string) string {
	if c.driver == "postgres" {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

// Ping verifies backend connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsCircuitBreakerOpen reports whether the storage breaker rejects requests.
func (c *Client) IsCircuitBreakerOpen() bool {
	return c.db.IsCircuitBreakerOpen()
}

// Close shuts down the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}
