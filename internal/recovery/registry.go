package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/repo"
)

// SetupResult is the outcome of Setup. Created is false when the user already
// had a config; the existing row is returned unchanged.
type SetupResult struct {
	Config  model.RecoveryConfig
	Created bool
}

// Setup creates the user's recovery configuration, running threshold key
// generation once. Idempotent: re-creation returns the existing config.
// Parameters clamp into [2,5] with threshold <= totalGuardians.
func (s *Service) Setup(ctx context.Context, userID uuid.UUID, threshold, totalGuardians int, ciphersuite string) (SetupResult, error) {
	if existing, err := s.configs.GetConfigByUserID(ctx, userID); err == nil {
		return SetupResult{Config: existing, Created: false}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return SetupResult{}, err
	}

	totalGuardians = clampGuardianParam(totalGuardians, 3)
	threshold = clampGuardianParam(threshold, minThreshold)
	if threshold > totalGuardians {
		threshold = totalGuardians
	}
	if ciphersuite == "" {
		ciphersuite = DefaultCiphersuite
	}

	keys, err := s.keygen.Generate(ctx, threshold, totalGuardians, ciphersuite)
	if err != nil {
		return SetupResult{}, fmt.Errorf("threshold key generation: %w", err)
	}

	cfg, created, err := s.configs.CreateConfig(ctx, model.RecoveryConfig{
		ID:               uuid.New(),
		UserID:           userID,
		Threshold:        threshold,
		TotalGuardians:   totalGuardians,
		GroupPublicKey:   keys.GroupPublicKey,
		PublicKeyPackage: keys.PublicKeyPackage,
		Ciphersuite:      keys.Ciphersuite,
		Status:           "active",
	})
	if err != nil {
		return SetupResult{}, err
	}
	return SetupResult{Config: cfg, Created: created}, nil
}

// GuardianResult is the outcome of a guardian enrollment. Created is false
// when the guardian already existed (idempotent by identity/type).
type GuardianResult struct {
	Guardian model.RecoveryGuardian
	Created  bool
}

// AddGuardianEmail enrolls an email guardian into the next free participant slot
func (s *Service) AddGuardianEmail(ctx context.Context, userID uuid.UUID, email string) (GuardianResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return GuardianResult{}, fmt.Errorf("guardian email is invalid: %w", ErrBadRequest)
	}

	cfg, err := s.requireConfig(ctx, userID)
	if err != nil {
		return GuardianResult{}, err
	}

	guardians, err := s.configs.ListGuardians(ctx, cfg.ID)
	if err != nil {
		return GuardianResult{}, err
	}
	for _, g := range guardians {
		if g.GuardianType == model.GuardianTypeEmail && g.Identity == email {
			return GuardianResult{Guardian: g, Created: false}, nil
		}
	}

	return s.addGuardian(ctx, cfg, guardians, model.GuardianTypeEmail, email)
}

// AddGuardianTwoFactor enrolls the account's second factor as a guardian. At
// most one second-factor guardian exists per config, and the account must
// already have 2FA enabled: a guardian that could never approve is useless.
func (s *Service) AddGuardianTwoFactor(ctx context.Context, userID uuid.UUID) (GuardianResult, error) {
	cfg, err := s.requireConfig(ctx, userID)
	if err != nil {
		return GuardianResult{}, err
	}

	enabled, err := s.secondFactor.Enabled(ctx, userID)
	if err != nil {
		return GuardianResult{}, err
	}
	if !enabled {
		return GuardianResult{}, fmt.Errorf("second-factor authentication is not enabled: %w", ErrPreconditionFailed)
	}

	guardians, err := s.configs.ListGuardians(ctx, cfg.ID)
	if err != nil {
		return GuardianResult{}, err
	}
	for _, g := range guardians {
		if g.GuardianType == model.GuardianTypeTwoFactor {
			return GuardianResult{Guardian: g, Created: false}, nil
		}
	}

	return s.addGuardian(ctx, cfg, guardians, model.GuardianTypeTwoFactor, model.TwoFactorIdentity)
}

// RemoveGuardian deletes a guardian from the caller's config. Outstanding
// challenges are untouched; the removed guardian's issued token fails later
// validation on its own.
func (s *Service) RemoveGuardian(ctx context.Context, userID, guardianID uuid.UUID) error {
	cfg, err := s.configs.GetConfigByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("guardian: %w", ErrNotFound)
		}
		return err
	}
	if err := s.configs.DeleteGuardian(ctx, guardianID, cfg.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("guardian: %w", ErrNotFound)
		}
		return err
	}
	return nil
}

// StoreSecretWrapper registers (or refreshes) the recovery escrow for one of
// the caller's secrets. Returns stored=false when no recovery config exists
// yet; opting a secret in before setup is a silent no-op.
func (s *Service) StoreSecretWrapper(ctx context.Context, userID, secretID uuid.UUID, wrappedDEK []byte, keyID string) (bool, error) {
	secret, err := s.secrets.GetByID(ctx, secretID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, fmt.Errorf("secret: %w", ErrNotFound)
		}
		return false, err
	}
	if secret.UserID != userID {
		return false, fmt.Errorf("secret: %w", ErrNotFound)
	}

	if _, err := s.configs.GetConfigByUserID(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	err = s.wrappers.UpsertRecoveryWrapper(ctx, model.RecoverySecretWrapper{
		SecretID:   secretID,
		WrappedDEK: wrappedDEK,
		KeyID:      keyID,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) requireConfig(ctx context.Context, userID uuid.UUID) (model.RecoveryConfig, error) {
	cfg, err := s.configs.GetConfigByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.RecoveryConfig{}, fmt.Errorf("recovery is not configured: %w", ErrPreconditionFailed)
		}
		return model.RecoveryConfig{}, err
	}
	return cfg, nil
}

func (s *Service) addGuardian(ctx context.Context, cfg model.RecoveryConfig, existing []model.RecoveryGuardian, kind model.GuardianType, identity string) (GuardianResult, error) {
	if len(existing) >= cfg.TotalGuardians {
		return GuardianResult{}, fmt.Errorf("all guardian slots are filled: %w", ErrBadRequest)
	}

	index, ok := smallestFreeIndex(existing, cfg.TotalGuardians)
	if !ok {
		return GuardianResult{}, fmt.Errorf("no free participant slot: %w", ErrBadRequest)
	}

	guardian, err := s.configs.AddGuardian(ctx, model.RecoveryGuardian{
		ID:               uuid.New(),
		ConfigID:         cfg.ID,
		GuardianType:     kind,
		Identity:         identity,
		ParticipantIndex: index,
		Status:           model.GuardianActive,
	})
	if err != nil {
		return GuardianResult{}, err
	}
	return GuardianResult{Guardian: guardian, Created: true}, nil
}

// smallestFreeIndex finds the lowest unused participant slot in [1, total]
func smallestFreeIndex(existing []model.RecoveryGuardian, total int) (int, bool) {
	used := make(map[int]bool, len(existing))
	for _, g := range existing {
		used[g.ParticipantIndex] = true
	}
	for i := 1; i <= total; i++ {
		if !used[i] {
			return i, true
		}
	}
	return 0, false
}
