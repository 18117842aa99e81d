package twofa

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/recovery"
	"github.com/keyfold/server/internal/repo"
)

// Verifier validates second-factor codes against a user's enrollment: TOTP
// first, then the one-time backup codes. A matched backup code is removed and
// the reduced list persisted before the success is reported.
type Verifier struct {
	enrollments repo.SecondFactorRepo
	now         func() time.Time
}

// NewVerifier creates a second-factor verifier
func NewVerifier(enrollments repo.SecondFactorRepo) *Verifier {
	return &Verifier{
		enrollments: enrollments,
		now:         time.Now,
	}
}

// WithClock overrides the TOTP clock (tests)
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Enabled reports whether the user has an active second-factor enrollment
func (v *Verifier) Enabled(ctx context.Context, userID uuid.UUID) (bool, error) {
	sf, err := v.enrollments.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return sf.Enabled, nil
}

// Verify checks the code. Returns nil (no error) when nothing matched.
func (v *Verifier) Verify(ctx context.Context, userID uuid.UUID, code string) (*recovery.SecondFactorResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}

	sf, err := v.enrollments.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !sf.Enabled {
		return nil, nil
	}

	if totpMatches(sf.TOTPSecret, code, v.now()) {
		return &recovery.SecondFactorResult{Method: recovery.SecondFactorTotp}, nil
	}

	codeHash := HashBackupCode(code)
	for i, stored := range sf.BackupCodeHashes {
		if !hmac.Equal([]byte(stored), []byte(codeHash)) {
			continue
		}
		remaining := make([]string, 0, len(sf.BackupCodeHashes)-1)
		remaining = append(remaining, sf.BackupCodeHashes[:i]...)
		remaining = append(remaining, sf.BackupCodeHashes[i+1:]...)
		// Persist before reporting success so the code can never be replayed.
		if err := v.enrollments.ReplaceBackupCodes(ctx, userID, remaining); err != nil {
			return nil, fmt.Errorf("consume backup code: %w", err)
		}
		return &recovery.SecondFactorResult{Method: recovery.SecondFactorBackup}, nil
	}

	return nil, nil
}

// HashBackupCode returns SHA256 hex of a backup code (the stored form)
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}
