package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/repo"
	"go.uber.org/multierr"
)

// PasskeyCredential re-keys the account under a new passkey: the WebAuthn PRF
// output becomes the KEK input, and PRFSalt is stored so later logins can
// reproduce it.
type PasskeyCredential struct {
	CredentialID string
	PRFSalt      []byte
	PRFOutput    []byte
}

// OpaqueCredential re-keys the account under a new OPAQUE password via its
// export key.
type OpaqueCredential struct {
	ExportKey []byte
}

// Credential is the tagged union of new-credential kinds. Exactly one arm must
// be set; validated at the boundary rather than by optional-field probing.
type Credential struct {
	Passkey *PasskeyCredential
	Opaque  *OpaqueCredential
}

func (c Credential) validate() error {
	switch {
	case c.Passkey != nil && c.Opaque != nil:
		return fmt.Errorf("credential must be passkey or opaque, not both: %w", ErrBadRequest)
	case c.Passkey != nil:
		if c.Passkey.CredentialID == "" || len(c.Passkey.PRFSalt) == 0 || len(c.Passkey.PRFOutput) == 0 {
			return fmt.Errorf("passkey credential is incomplete: %w", ErrBadRequest)
		}
	case c.Opaque != nil:
		if len(c.Opaque.ExportKey) == 0 {
			return fmt.Errorf("opaque credential is incomplete: %w", ErrBadRequest)
		}
	default:
		return fmt.Errorf("credential is required: %w", ErrBadRequest)
	}
	return nil
}

// FinalizeResult reports the re-wrap outcome. FailedSecretIDs lists secrets
// whose re-wrap failed; those escrow wrappers remain untouched.
type FinalizeResult struct {
	RewrappedCount  int
	FailedSecretIDs []uuid.UUID
}

// Finalize migrates every opted-in secret from the recovery escrow to the new
// credential, then marks the challenge applied and consumes the context token.
//
// Secrets are processed independently: one failed re-wrap does not abort the
// rest, the successes commit, and the challenge is still applied. The failed
// secrets keep their escrow wrappers and are reported to the caller.
func (s *Service) Finalize(ctx context.Context, challengeID uuid.UUID, contextToken string, cred Credential) (FinalizeResult, error) {
	if err := cred.validate(); err != nil {
		return FinalizeResult{}, err
	}

	challenge, err := s.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return FinalizeResult{}, fmt.Errorf("challenge: %w", ErrNotFound)
		}
		return FinalizeResult{}, err
	}

	// Covers both "not yet signed" and "already applied".
	if challenge.Status != model.ChallengeCompleted {
		return FinalizeResult{}, fmt.Errorf("challenge is %s, not completed: %w", challenge.Status, ErrPreconditionFailed)
	}
	if !s.now().UTC().Before(challenge.ExpiresAt) {
		return FinalizeResult{}, fmt.Errorf("challenge expired: %w", ErrTimeout)
	}

	// Non-consuming pre-check: an attacker who merely observed the completed
	// signature never held this token.
	boundUser, ok, err := s.binder.Peek(ctx, contextToken)
	if err != nil {
		return FinalizeResult{}, err
	}
	if !ok || boundUser != challenge.UserID {
		return FinalizeResult{}, fmt.Errorf("context token does not match this recovery: %w", ErrUnauthorized)
	}

	wrappers, err := s.wrappers.ListRecoveryWrappersByUser(ctx, challenge.UserID)
	if err != nil {
		return FinalizeResult{}, err
	}

	var result FinalizeResult
	var rewrapErrs error
	for _, w := range wrappers {
		if err := s.rewrapSecret(ctx, challenge.UserID, w, cred); err != nil {
			rewrapErrs = multierr.Append(rewrapErrs, fmt.Errorf("secret %s: %w", w.SecretID, err))
			result.FailedSecretIDs = append(result.FailedSecretIDs, w.SecretID)
			continue
		}
		result.RewrappedCount++
	}
	if rewrapErrs != nil {
		log.Printf("recovery finalize %s: %d of %d secrets rewrapped: %v",
			challengeID, result.RewrappedCount, len(wrappers), rewrapErrs)
	}

	if _, err := s.challenges.ApplyCompleted(ctx, challengeID); err != nil {
		return FinalizeResult{}, err
	}
	if _, _, err := s.binder.Consume(ctx, contextToken); err != nil {
		return FinalizeResult{}, err
	}

	return result, nil
}

// rewrapSecret moves one secret's DEK from the recovery key to the new
// credential's KEK
func (s *Service) rewrapSecret(ctx context.Context, userID uuid.UUID, escrow model.RecoverySecretWrapper, cred Credential) error {
	dek, err := s.keywrap.UnwrapWithRecoveryKey(ctx, escrow.WrappedDEK, escrow.KeyID)
	if err != nil {
		return fmt.Errorf("unwrap with recovery key %q: %w", escrow.KeyID, err)
	}

	wrapper := model.SecretWrapper{
		SecretID:   escrow.SecretID,
		UserID:     userID,
		KekVersion: 1,
	}
	if cred.Passkey != nil {
		wrapped, err := s.keywrap.WrapWithPRF(ctx, escrow.SecretID, cred.Passkey.CredentialID, dek, cred.Passkey.PRFOutput)
		if err != nil {
			return fmt.Errorf("wrap with PRF: %w", err)
		}
		wrapper.CredentialID = cred.Passkey.CredentialID
		wrapper.WrappedDEK = wrapped
		wrapper.PRFSalt = cred.Passkey.PRFSalt
		wrapper.KekSource = model.KekSourcePrf
	} else {
		wrapped, err := s.keywrap.WrapWithOpaqueExport(ctx, escrow.SecretID, userID, dek, cred.Opaque.ExportKey)
		if err != nil {
			return fmt.Errorf("wrap with OPAQUE export: %w", err)
		}
		wrapper.WrappedDEK = wrapped
		wrapper.KekSource = model.KekSourceOpaque
	}

	return s.wrappers.UpsertSecretWrapper(ctx, wrapper)
}
