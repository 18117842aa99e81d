package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
)

// ContextTokenRepo defines the interface for recovery context-token storage.
// Tokens are durable (guardians act asynchronously, possibly against another
// instance) and strictly single-use.
type ContextTokenRepo interface {
	Create(ctx context.Context, t model.ContextToken) error
	// GetActiveByHash returns the token if it is unconsumed and unexpired
	GetActiveByHash(ctx context.Context, tokenHash string, now time.Time) (model.ContextToken, error)
	// Consume marks the token consumed; reports whether this call consumed it
	Consume(ctx context.Context, tokenHash string, at time.Time) (uuid.UUID, bool, error)
	// DeleteExpired sweeps rows past their expiry (on-read sweep, no background job)
	DeleteExpired(ctx context.Context, now time.Time) error
}

type contextTokenRepo struct {
	db *sql.DB
}

// NewContextTokenRepo creates a new ContextTokenRepo instance
func NewContextTokenRepo(db *sql.DB) ContextTokenRepo {
	return &contextTokenRepo{db: db}
}

// Create inserts a new context token row
func (r *contextTokenRepo) Create(ctx context.Context, t model.ContextToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recovery_context_tokens (id, user_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, t.ID, t.UserID, t.TokenHash, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert context token: %w", err)
	}
	return nil
}

// GetActiveByHash returns the token if unconsumed and unexpired
func (r *contextTokenRepo) GetActiveByHash(ctx context.Context, tokenHash string, now time.Time) (model.ContextToken, error) {
	var t model.ContextToken
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, consumed_at, created_at
		FROM recovery_context_tokens
		WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > $2
	`, tokenHash, now).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.ConsumedAt, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.ContextToken{}, fmt.Errorf("context token: %w", ErrNotFound)
		}
		return model.ContextToken{}, fmt.Errorf("query context token: %w", err)
	}
	return t, nil
}

// Consume marks the token consumed exactly once
func (r *contextTokenRepo) Consume(ctx context.Context, tokenHash string, at time.Time) (uuid.UUID, bool, error) {
	var userID uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		UPDATE recovery_context_tokens
		SET consumed_at = $2
		WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING user_id
	`, tokenHash, at).Scan(&userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("consume context token: %w", err)
	}
	return userID, true, nil
}

// DeleteExpired removes rows whose expiry has passed
func (r *contextTokenRepo) DeleteExpired(ctx context.Context, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM recovery_context_tokens WHERE expires_at <= $1
	`, now)
	if err != nil {
		return fmt.Errorf("delete expired context tokens: %w", err)
	}
	return nil
}
