package recovery

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/repo"
)

// ResolvedAccount is an account located by a public recovery identifier,
// together with its recovery config.
type ResolvedAccount struct {
	User   model.User
	Config model.RecoveryConfig
}

// Resolve maps a user-chosen identifier to a recoverable account: an email if
// it contains '@', otherwise an opaque recovery ID. A missing account and an
// account without a recovery config are surfaced identically so callers
// cannot enumerate which accounts have guardians.
func (s *Service) Resolve(ctx context.Context, identifier string) (ResolvedAccount, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ResolvedAccount{}, fmt.Errorf("identifier is required: %w", ErrBadRequest)
	}

	var user model.User
	var err error
	if strings.Contains(identifier, "@") {
		user, err = s.users.GetByEmail(ctx, strings.ToLower(identifier))
	} else {
		var userID uuid.UUID
		userID, err = s.configs.GetUserByRecoveryID(ctx, identifier)
		if err == nil {
			user, err = s.users.GetByID(ctx, userID)
		}
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ResolvedAccount{}, fmt.Errorf("account is not recoverable: %w", ErrNotFound)
		}
		return ResolvedAccount{}, err
	}

	cfg, err := s.configs.GetConfigByUserID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Deliberately indistinguishable from an unknown identifier.
			return ResolvedAccount{}, fmt.Errorf("account is not recoverable: %w", ErrNotFound)
		}
		return ResolvedAccount{}, err
	}

	return ResolvedAccount{User: user, Config: cfg}, nil
}

// EnsureRecoveryID returns the user's opaque recovery identifier, generating
// one lazily on first request.
func (s *Service) EnsureRecoveryID(ctx context.Context, userID uuid.UUID) (model.RecoveryIdentifier, error) {
	recoveryID, err := generateRecoveryID()
	if err != nil {
		return model.RecoveryIdentifier{}, err
	}
	return s.configs.EnsureIdentifier(ctx, userID, recoveryID)
}

// generateRecoveryID returns an opaque handle. Base32 keeps it case-insensitive
// and free of '@', which Resolve uses to tell identifiers from emails.
func generateRecoveryID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate recovery id: %w", err)
	}
	return "kr-" + strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)), nil
}
