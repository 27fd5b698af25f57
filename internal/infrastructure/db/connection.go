// Package db manages the shared PostgreSQL connection pool backing the
// Durable Topic Engine and every persistence indexer, following the same
// sqlx.Open + pool tuning + ping-on-startup pattern as the teacher's
// original connection manager.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/evochora/pipeline/internal/config"
)

// Manager owns the pooled *sqlx.DB connection shared by the topic engine
// and the concrete persistence indexers, plus the pool-stat reporting that
// feeds the HTTP health and metrics surfaces.
type Manager struct {
	db  *sqlx.DB
	cfg config.DatabaseConfig
}

// Open establishes the pooled connection described by cfg and verifies
// connectivity with a bounded ping before returning.
func Open(cfg config.DatabaseConfig) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db: dsn is required")
	}

	conn, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	return &Manager{db: conn, cfg: cfg}, nil
}

// DB returns the shared connection pool for constructing the topic engine
// and persistence indexers.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Close releases the pool.
func (m *Manager) Close() error { return m.db.Close() }

// Ping verifies connectivity within timeout, used by the HTTP health check.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.db.PingContext(ctx)
}

// PoolStats exposes the stdlib sql.DBStats fields the metrics surface
// reports as gauges.
func (m *Manager) PoolStats() map[string]int64 {
	s := m.db.Stats()
	return map[string]int64{
		"max_open_connections": int64(s.MaxOpenConnections),
		"open_connections":     int64(s.OpenConnections),
		"in_use":               int64(s.InUse),
		"idle":                 int64(s.Idle),
		"wait_count":           s.WaitCount,
		"wait_duration_ms":     s.WaitDuration.Milliseconds(),
	}
}
