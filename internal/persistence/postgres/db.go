// Package postgres implements the persistence interfaces on PostgreSQL
// via sqlx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nadia-hitl/nadia/internal/persistence"
)

//go:embed schema.sql
var schemaSQL string

const defaultTimeout = 5 * time.Second

// Connect opens a pooled connection and verifies it.
func Connect(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema applies the embedded schema. Idempotent.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// NewRepository wires the postgres implementations into the aggregate.
func NewRepository(db *sqlx.DB) persistence.Repository {
	return persistence.Repository{
		Interactions: NewInteractionRepo(db, defaultTimeout),
		Cursors:      NewCursorRepo(db, defaultTimeout),
	}
}

type health struct {
	db *sqlx.DB
}

// NewHealth exposes pool health for the health endpoint.
func NewHealth(db *sqlx.DB) persistence.RepositoryHealth {
	return &health{db: db}
}

func (h *health) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return h.db.PingContext(ctx)
}

func (h *health) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()
	check := persistence.HealthCheck{
		Healthy:   true,
		LastCheck: start,
	}
	if err := h.Ping(ctx); err != nil {
		check.Healthy = false
		check.Errors = append(check.Errors, err.Error())
	}
	stats := h.db.Stats()
	check.ConnectionPool = map[string]int{
		"open":    stats.OpenConnections,
		"in_use":  stats.InUse,
		"idle":    stats.Idle,
		"max":     stats.MaxOpenConnections,
		"waiting": int(stats.WaitCount),
	}
	check.ResponseTimeMS = time.Since(start).Milliseconds()
	return check
}
