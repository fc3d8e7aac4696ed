package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nadia-hitl/nadia/internal/models"
	"github.com/nadia-hitl/nadia/internal/persistence"
)

// cursorRepo implements CursorRepo for PostgreSQL.
type cursorRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCursorRepo creates a PostgreSQL cursor repository.
func NewCursorRepo(db *sqlx.DB, timeout time.Duration) persistence.CursorRepo {
	return &cursorRepo{db: db, timeout: timeout}
}

// Get returns the last processed message id for a user, 0 when unknown.
func (r *cursorRepo) Get(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var id int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT last_message_id FROM user_cursors WHERE user_id = $1`, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor for %s: %w", userID, err)
	}
	return id, nil
}

// Advance raises the cursor monotonically; a lower id is a no-op.
func (r *cursorRepo) Advance(ctx context.Context, userID string, messageID int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO user_cursors (user_id, last_message_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET last_message_id = GREATEST(user_cursors.last_message_id, EXCLUDED.last_message_id)`

	if _, err := r.db.ExecContext(ctx, query, userID, messageID); err != nil {
		return fmt.Errorf("advance cursor for %s: %w", userID, err)
	}
	return nil
}

// All returns every stored cursor.
func (r *cursorRepo) All(ctx context.Context) ([]models.Cursor, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT user_id, last_message_id FROM user_cursors ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []models.Cursor
	for rows.Next() {
		var c models.Cursor
		if err := rows.Scan(&c.UserID, &c.LastMessageID); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return cursors, nil
}
