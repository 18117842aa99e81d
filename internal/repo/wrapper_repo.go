package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
)

// SecretRepo defines the interface for protected-secret lookups
type SecretRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Secret, error)
}

type secretRepo struct {
	db *sql.DB
}

// NewSecretRepo creates a new SecretRepo instance
func NewSecretRepo(db *sql.DB) SecretRepo {
	return &secretRepo{db: db}
}

// GetByID retrieves a secret by ID
func (r *secretRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Secret, error) {
	var s model.Secret
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, created_at FROM secrets WHERE id = $1
	`, id).Scan(&s.ID, &s.UserID, &s.Name, &s.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Secret{}, fmt.Errorf("secret: %w", ErrNotFound)
		}
		return model.Secret{}, fmt.Errorf("query secret: %w", err)
	}
	return s, nil
}

// WrapperRepo defines the interface for recovery escrow wrappers and the live
// per-credential secret wrappers
type WrapperRepo interface {
	UpsertRecoveryWrapper(ctx context.Context, w model.RecoverySecretWrapper) error
	// ListRecoveryWrappersByUser returns the escrow wrappers for every secret
	// the user owns that opted into recovery.
	ListRecoveryWrappersByUser(ctx context.Context, userID uuid.UUID) ([]model.RecoverySecretWrapper, error)
	UpsertSecretWrapper(ctx context.Context, w model.SecretWrapper) error
	GetSecretWrapper(ctx context.Context, secretID uuid.UUID) (model.SecretWrapper, error)
}

type wrapperRepo struct {
	db *sql.DB
}

// NewWrapperRepo creates a new WrapperRepo instance
func NewWrapperRepo(db *sql.DB) WrapperRepo {
	return &wrapperRepo{db: db}
}

// UpsertRecoveryWrapper stores or replaces the recovery escrow for a secret
func (r *wrapperRepo) UpsertRecoveryWrapper(ctx context.Context, w model.RecoverySecretWrapper) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recovery_secret_wrappers (secret_id, wrapped_dek, key_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (secret_id) DO UPDATE
		SET wrapped_dek = EXCLUDED.wrapped_dek, key_id = EXCLUDED.key_id, updated_at = now()
	`, w.SecretID, w.WrappedDEK, w.KeyID)
	if err != nil {
		return fmt.Errorf("upsert recovery wrapper: %w", err)
	}
	return nil
}

// ListRecoveryWrappersByUser joins escrow wrappers against secret ownership
func (r *wrapperRepo) ListRecoveryWrappersByUser(ctx context.Context, userID uuid.UUID) ([]model.RecoverySecretWrapper, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT w.secret_id, w.wrapped_dek, w.key_id, w.created_at, w.updated_at
		FROM recovery_secret_wrappers w
		JOIN secrets s ON s.id = w.secret_id
		WHERE s.user_id = $1
		ORDER BY w.secret_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list recovery wrappers: %w", err)
	}
	defer rows.Close()

	var wrappers []model.RecoverySecretWrapper
	for rows.Next() {
		var w model.RecoverySecretWrapper
		if err := rows.Scan(&w.SecretID, &w.WrappedDEK, &w.KeyID, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recovery wrapper: %w", err)
		}
		wrappers = append(wrappers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recovery wrappers: %w", err)
	}
	return wrappers, nil
}

// UpsertSecretWrapper stores or replaces the live wrapper for a secret
func (r *wrapperRepo) UpsertSecretWrapper(ctx context.Context, w model.SecretWrapper) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO secret_wrappers (secret_id, user_id, credential_id, wrapped_dek, prf_salt, kek_version, kek_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (secret_id) DO UPDATE
		SET credential_id = EXCLUDED.credential_id,
		    wrapped_dek = EXCLUDED.wrapped_dek,
		    prf_salt = EXCLUDED.prf_salt,
		    kek_version = EXCLUDED.kek_version,
		    kek_source = EXCLUDED.kek_source,
		    updated_at = now()
	`, w.SecretID, w.UserID, w.CredentialID, w.WrappedDEK, w.PRFSalt, w.KekVersion, w.KekSource)
	if err != nil {
		return fmt.Errorf("upsert secret wrapper: %w", err)
	}
	return nil
}

// GetSecretWrapper retrieves the live wrapper for a secret
func (r *wrapperRepo) GetSecretWrapper(ctx context.Context, secretID uuid.UUID) (model.SecretWrapper, error) {
	var w model.SecretWrapper
	err := r.db.QueryRowContext(ctx, `
		SELECT secret_id, user_id, credential_id, wrapped_dek, prf_salt, kek_version, kek_source, updated_at
		FROM secret_wrappers
		WHERE secret_id = $1
	`, secretID).Scan(&w.SecretID, &w.UserID, &w.CredentialID, &w.WrappedDEK, &w.PRFSalt, &w.KekVersion, &w.KekSource, &w.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.SecretWrapper{}, fmt.Errorf("secret wrapper: %w", ErrNotFound)
		}
		return model.SecretWrapper{}, fmt.Errorf("query secret wrapper: %w", err)
	}
	return w, nil
}
