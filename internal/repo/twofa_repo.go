package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
)

// SecondFactorRepo defines the interface for second-factor enrollment storage
type SecondFactorRepo interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (model.SecondFactor, error)
	// ReplaceBackupCodes overwrites the stored backup-code hash list. Used to
	// persist the reduced list after a one-time code is consumed.
	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, hashes []string) error
}

type secondFactorRepo struct {
	db *sql.DB
}

// NewSecondFactorRepo creates a new SecondFactorRepo instance
func NewSecondFactorRepo(db *sql.DB) SecondFactorRepo {
	return &secondFactorRepo{db: db}
}

// GetByUserID retrieves a user's second-factor enrollment
func (r *secondFactorRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (model.SecondFactor, error) {
	var sf model.SecondFactor
	var codesJSON []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, totp_secret, backup_code_hashes, enabled, created_at
		FROM user_second_factor
		WHERE user_id = $1
	`, userID).Scan(
		&sf.UserID,
		&sf.TOTPSecret,
		&codesJSON,
		&sf.Enabled,
		&sf.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.SecondFactor{}, fmt.Errorf("second factor: %w", ErrNotFound)
		}
		return model.SecondFactor{}, fmt.Errorf("query second factor: %w", err)
	}
	if err := json.Unmarshal(codesJSON, &sf.BackupCodeHashes); err != nil {
		return model.SecondFactor{}, fmt.Errorf("decode backup codes: %w", err)
	}
	return sf, nil
}

// ReplaceBackupCodes persists the new backup-code hash list for the user
func (r *secondFactorRepo) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, hashes []string) error {
	if hashes == nil {
		hashes = []string{}
	}
	codesJSON, err := json.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("encode backup codes: %w", err)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE user_second_factor SET backup_code_hashes = $2 WHERE user_id = $1
	`, userID, codesJSON)
	if err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("second factor: %w", ErrNotFound)
	}
	return nil
}
