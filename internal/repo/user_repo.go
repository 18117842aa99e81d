package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
)

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	return r.get(ctx, `SELECT id, email, created_at FROM users WHERE id = $1`, id)
}

// GetByEmail retrieves a user by email (stored normalized: trimmed, lowercase)
func (r *userRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	return r.get(ctx, `SELECT id, email, created_at FROM users WHERE email = $1`, email)
}

func (r *userRepo) get(ctx context.Context, query string, arg interface{}) (model.User, error) {
	var user model.User
	var idStr string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&idStr,
		&user.Email,
		&user.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.User{}, fmt.Errorf("user: %w", ErrNotFound)
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.User{}, fmt.Errorf("parse user ID: %w", err)
	}
	return user, nil
}
