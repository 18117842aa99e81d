package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
)

// RecoveryRepo defines the interface for recovery configuration, guardian and
// recovery-identifier storage
type RecoveryRepo interface {
	GetConfigByUserID(ctx context.Context, userID uuid.UUID) (model.RecoveryConfig, error)
	GetConfigByID(ctx context.Context, id uuid.UUID) (model.RecoveryConfig, error)
	// CreateConfig inserts the config unless one already exists for the user,
	// in which case the existing row is returned with created=false.
	CreateConfig(ctx context.Context, cfg model.RecoveryConfig) (model.RecoveryConfig, bool, error)

	ListGuardians(ctx context.Context, configID uuid.UUID) ([]model.RecoveryGuardian, error)
	GetGuardian(ctx context.Context, id uuid.UUID) (model.RecoveryGuardian, error)
	AddGuardian(ctx context.Context, g model.RecoveryGuardian) (model.RecoveryGuardian, error)
	// DeleteGuardian removes the guardian only if it belongs to configID
	DeleteGuardian(ctx context.Context, id, configID uuid.UUID) error

	GetUserByRecoveryID(ctx context.Context, recoveryID string) (uuid.UUID, error)
	// EnsureIdentifier returns the user's recovery identifier, generating and
	// persisting one on first call.
	EnsureIdentifier(ctx context.Context, userID uuid.UUID, recoveryID string) (model.RecoveryIdentifier, error)
}

type recoveryRepo struct {
	db *sql.DB
}

// NewRecoveryRepo creates a new RecoveryRepo instance
func NewRecoveryRepo(db *sql.DB) RecoveryRepo {
	return &recoveryRepo{db: db}
}

const configColumns = `id, user_id, threshold, total_guardians, group_public_key, public_key_package, ciphersuite, status, created_at`

func scanConfig(row *sql.Row) (model.RecoveryConfig, error) {
	var cfg model.RecoveryConfig
	err := row.Scan(
		&cfg.ID,
		&cfg.UserID,
		&cfg.Threshold,
		&cfg.TotalGuardians,
		&cfg.GroupPublicKey,
		&cfg.PublicKeyPackage,
		&cfg.Ciphersuite,
		&cfg.Status,
		&cfg.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.RecoveryConfig{}, fmt.Errorf("recovery config: %w", ErrNotFound)
		}
		return model.RecoveryConfig{}, fmt.Errorf("query recovery config: %w", err)
	}
	return cfg, nil
}

// GetConfigByUserID retrieves a user's recovery config
func (r *recoveryRepo) GetConfigByUserID(ctx context.Context, userID uuid.UUID) (model.RecoveryConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM recovery_configs WHERE user_id = $1`, userID)
	return scanConfig(row)
}

// GetConfigByID retrieves a recovery config by ID
func (r *recoveryRepo) GetConfigByID(ctx context.Context, id uuid.UUID) (model.RecoveryConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM recovery_configs WHERE id = $1`, id)
	return scanConfig(row)
}

// CreateConfig inserts the config; a concurrent or earlier creation for the
// same user wins and is returned unchanged (unique index on user_id).
func (r *recoveryRepo) CreateConfig(ctx context.Context, cfg model.RecoveryConfig) (model.RecoveryConfig, bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO recovery_configs (id, user_id, threshold, total_guardians, group_public_key, public_key_package, ciphersuite, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO NOTHING
	`, cfg.ID, cfg.UserID, cfg.Threshold, cfg.TotalGuardians, cfg.GroupPublicKey, cfg.PublicKeyPackage, cfg.Ciphersuite, cfg.Status)
	if err != nil {
		return model.RecoveryConfig{}, false, fmt.Errorf("insert recovery config: %w", err)
	}
	n, _ := result.RowsAffected()
	created, err := r.GetConfigByUserID(ctx, cfg.UserID)
	if err != nil {
		return model.RecoveryConfig{}, false, err
	}
	return created, n > 0, nil
}

// ListGuardians returns the config's guardians ordered by participant index
func (r *recoveryRepo) ListGuardians(ctx context.Context, configID uuid.UUID) ([]model.RecoveryGuardian, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, config_id, guardian_type, identity, participant_index, status, created_at
		FROM recovery_guardians
		WHERE config_id = $1
		ORDER BY participant_index
	`, configID)
	if err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}
	defer rows.Close()

	var guardians []model.RecoveryGuardian
	for rows.Next() {
		var g model.RecoveryGuardian
		if err := rows.Scan(&g.ID, &g.ConfigID, &g.GuardianType, &g.Identity, &g.ParticipantIndex, &g.Status, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan guardian: %w", err)
		}
		guardians = append(guardians, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list guardians: %w", err)
	}
	return guardians, nil
}

// GetGuardian retrieves a guardian by ID
func (r *recoveryRepo) GetGuardian(ctx context.Context, id uuid.UUID) (model.RecoveryGuardian, error) {
	var g model.RecoveryGuardian
	err := r.db.QueryRowContext(ctx, `
		SELECT id, config_id, guardian_type, identity, participant_index, status, created_at
		FROM recovery_guardians
		WHERE id = $1
	`, id).Scan(&g.ID, &g.ConfigID, &g.GuardianType, &g.Identity, &g.ParticipantIndex, &g.Status, &g.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.RecoveryGuardian{}, fmt.Errorf("guardian: %w", ErrNotFound)
		}
		return model.RecoveryGuardian{}, fmt.Errorf("query guardian: %w", err)
	}
	return g, nil
}

// AddGuardian inserts a guardian. The unique index on (config_id,
// participant_index) rejects slot collisions from concurrent enrollment.
func (r *recoveryRepo) AddGuardian(ctx context.Context, g model.RecoveryGuardian) (model.RecoveryGuardian, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO recovery_guardians (id, config_id, guardian_type, identity, participant_index, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, g.ID, g.ConfigID, g.GuardianType, g.Identity, g.ParticipantIndex, g.Status).Scan(&g.CreatedAt)
	if err != nil {
		return model.RecoveryGuardian{}, fmt.Errorf("insert guardian: %w", err)
	}
	return g, nil
}

// DeleteGuardian deletes the guardian if it belongs to the given config
func (r *recoveryRepo) DeleteGuardian(ctx context.Context, id, configID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM recovery_guardians WHERE id = $1 AND config_id = $2
	`, id, configID)
	if err != nil {
		return fmt.Errorf("delete guardian: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("guardian: %w", ErrNotFound)
	}
	return nil
}

// GetUserByRecoveryID resolves an opaque recovery identifier to a user ID
func (r *recoveryRepo) GetUserByRecoveryID(ctx context.Context, recoveryID string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id FROM recovery_identifiers WHERE recovery_id = $1
	`, recoveryID).Scan(&userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return uuid.Nil, fmt.Errorf("recovery identifier: %w", ErrNotFound)
		}
		return uuid.Nil, fmt.Errorf("query recovery identifier: %w", err)
	}
	return userID, nil
}

// EnsureIdentifier inserts the identifier for the user unless one exists; the
// stored row wins either way (lazy 1:1 generation).
func (r *recoveryRepo) EnsureIdentifier(ctx context.Context, userID uuid.UUID, recoveryID string) (model.RecoveryIdentifier, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recovery_identifiers (user_id, recovery_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, recoveryID)
	if err != nil {
		return model.RecoveryIdentifier{}, fmt.Errorf("insert recovery identifier: %w", err)
	}

	var ident model.RecoveryIdentifier
	err = r.db.QueryRowContext(ctx, `
		SELECT user_id, recovery_id, created_at FROM recovery_identifiers WHERE user_id = $1
	`, userID).Scan(&ident.UserID, &ident.RecoveryID, &ident.CreatedAt)
	if err != nil {
		return model.RecoveryIdentifier{}, fmt.Errorf("query recovery identifier: %w", err)
	}
	return ident, nil
}
