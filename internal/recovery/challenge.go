package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/session"
)

// signedMessage is the canonical payload the guardian set jointly signs
func signedMessage(challengeID uuid.UUID, nonce string) string {
	return fmt.Sprintf("recovery:%s:%s", challengeID, nonce)
}

// StartApproval describes one guardian's approval slot to the initiating
// device. Token is only populated for the second-factor guardian: that
// approval happens on the user's own device, while email guardians receive
// their tokens out of band.
type StartApproval struct {
	GuardianID  uuid.UUID
	Type        model.GuardianType
	MaskedEmail string
	Token       string
}

// StartResult is the outcome of Start
type StartResult struct {
	ChallengeID    uuid.UUID
	ContextToken   string
	ExpiresAt      time.Time
	Threshold      int
	Approvals      []StartApproval
	DeliveredCount int
}

// Start resolves the account, creates a pending challenge with one single-use
// approval token per guardian, delivers the email guardians' tokens, and
// issues the context token binding the flow to this device.
func (s *Service) Start(ctx context.Context, identifier string) (StartResult, error) {
	account, err := s.Resolve(ctx, identifier)
	if err != nil {
		return StartResult{}, err
	}
	cfg := account.Config

	guardians, err := s.configs.ListGuardians(ctx, cfg.ID)
	if err != nil {
		return StartResult{}, err
	}
	if len(guardians) < cfg.Threshold {
		return StartResult{}, fmt.Errorf("not enough guardians enrolled (%d of %d required): %w",
			len(guardians), cfg.Threshold, ErrPreconditionFailed)
	}
	for _, g := range guardians {
		if g.GuardianType != model.GuardianTypeTwoFactor {
			continue
		}
		// A recovery that can never collect its mandatory 2FA approval must
		// not be created.
		enabled, err := s.secondFactor.Enabled(ctx, account.User.ID)
		if err != nil {
			return StartResult{}, err
		}
		if !enabled {
			return StartResult{}, fmt.Errorf("second-factor guardian enrolled but 2FA is disabled: %w", ErrPreconditionFailed)
		}
	}

	nonce, err := session.GenerateNonce()
	if err != nil {
		return StartResult{}, err
	}

	now := s.now().UTC()
	challenge := model.RecoveryChallenge{
		ID:        uuid.New(),
		UserID:    account.User.ID,
		ConfigID:  cfg.ID,
		Nonce:     nonce,
		Status:    model.ChallengePending,
		ExpiresAt: now.Add(ChallengeTTL),
	}

	tokens := make([]model.GuardianApprovalToken, 0, len(guardians))
	var invites []GuardianInvite
	approvals := make([]StartApproval, 0, len(guardians))
	for _, g := range guardians {
		raw, hash, err := session.GenerateToken()
		if err != nil {
			return StartResult{}, fmt.Errorf("mint approval token: %w", err)
		}
		tokens = append(tokens, model.GuardianApprovalToken{
			ID:             uuid.New(),
			ChallengeID:    challenge.ID,
			GuardianID:     g.ID,
			TokenHash:      hash,
			TokenExpiresAt: challenge.ExpiresAt,
		})

		approval := StartApproval{GuardianID: g.ID, Type: g.GuardianType}
		switch g.GuardianType {
		case model.GuardianTypeEmail:
			approval.MaskedEmail = MaskEmail(g.Identity)
			invites = append(invites, GuardianInvite{Email: g.Identity, Token: raw})
		case model.GuardianTypeTwoFactor:
			approval.Token = raw
		}
		approvals = append(approvals, approval)
	}

	if err := s.challenges.CreateChallenge(ctx, challenge, tokens); err != nil {
		return StartResult{}, err
	}

	delivered := 0
	if len(invites) > 0 {
		result, err := s.mailer.Send(ctx, account.User.Email, invites)
		if err != nil {
			// The challenge already exists; surface the delivery failure
			// rather than leaving the caller guessing why nobody approves.
			return StartResult{}, fmt.Errorf("deliver guardian invites: %w", err)
		}
		delivered = result.Delivered
	}

	contextToken, _, err := s.binder.Issue(ctx, account.User.ID, account.User.Email)
	if err != nil {
		return StartResult{}, err
	}

	log.Printf("recovery challenge %s started for %s (%d guardians, threshold %d)",
		challenge.ID, MaskEmail(account.User.Email), len(guardians), cfg.Threshold)

	return StartResult{
		ChallengeID:    challenge.ID,
		ContextToken:   contextToken,
		ExpiresAt:      challenge.ExpiresAt,
		Threshold:      cfg.Threshold,
		Approvals:      approvals,
		DeliveredCount: delivered,
	}, nil
}

// ApproveResult is the outcome of ApproveGuardian
type ApproveResult struct {
	Status              model.ChallengeStatus
	ApprovalsCount      int
	Threshold           int
	SignaturesCollected *int
}

// ApproveGuardian records one guardian's approval and, when approvals first
// reach the threshold, triggers threshold signing exactly once. Approvals are
// idempotent: a second call on an already-approved token short-circuits the
// 2FA check, so no extra backup code is consumed.
func (s *Service) ApproveGuardian(ctx context.Context, token, code string) (ApproveResult, error) {
	approval, err := s.challenges.GetApprovalByTokenHash(ctx, session.HashToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ApproveResult{}, fmt.Errorf("approval token: %w", ErrNotFound)
		}
		return ApproveResult{}, err
	}

	now := s.now().UTC()
	if !now.Before(approval.TokenExpiresAt) {
		return ApproveResult{}, fmt.Errorf("approval token expired: %w", ErrTimeout)
	}

	guardian, err := s.configs.GetGuardian(ctx, approval.GuardianID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Guardian removed after the challenge was started.
			return ApproveResult{}, fmt.Errorf("guardian: %w", ErrNotFound)
		}
		return ApproveResult{}, err
	}
	if guardian.Status != model.GuardianActive {
		return ApproveResult{}, fmt.Errorf("guardian is not active: %w", ErrPreconditionFailed)
	}

	challenge, err := s.challenges.GetChallenge(ctx, approval.ChallengeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ApproveResult{}, fmt.Errorf("challenge: %w", ErrNotFound)
		}
		return ApproveResult{}, err
	}
	if !now.Before(challenge.ExpiresAt) {
		return ApproveResult{}, fmt.Errorf("challenge expired: %w", ErrTimeout)
	}

	cfg, err := s.configs.GetConfigByID(ctx, challenge.ConfigID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ApproveResult{}, fmt.Errorf("recovery config: %w", ErrNotFound)
		}
		return ApproveResult{}, err
	}

	if guardian.GuardianType == model.GuardianTypeTwoFactor && !approval.IsApproved() {
		code = strings.TrimSpace(code)
		if code == "" {
			return ApproveResult{}, fmt.Errorf("second-factor code is required: %w", ErrBadRequest)
		}
		result, err := s.secondFactor.Verify(ctx, challenge.UserID, code)
		if err != nil {
			return ApproveResult{}, err
		}
		if result == nil {
			return ApproveResult{}, fmt.Errorf("second-factor verification failed: %w", ErrUnauthorized)
		}
	}

	if !approval.IsApproved() {
		if err := s.challenges.MarkApproved(ctx, approval.ID, now); err != nil {
			return ApproveResult{}, err
		}
	}

	guardians, err := s.configs.ListGuardians(ctx, cfg.ID)
	if err != nil {
		return ApproveResult{}, err
	}
	indexByGuardian := make(map[uuid.UUID]int, len(guardians))
	for _, g := range guardians {
		indexByGuardian[g.ID] = g.ParticipantIndex
	}

	// Serialized pending -> completed transition; the signer runs at most
	// once per challenge no matter how approvals interleave.
	updated, count, err := s.challenges.CompleteIfThreshold(ctx, challenge.ID, cfg.Threshold,
		func(earliest []model.GuardianApprovalToken) (string, int, error) {
			indices := make([]int, 0, len(earliest))
			for _, a := range earliest {
				idx, ok := indexByGuardian[a.GuardianID]
				if !ok {
					return "", 0, fmt.Errorf("approving guardian %s has no participant slot: %w", a.GuardianID, ErrUnauthorized)
				}
				indices = append(indices, idx)
			}
			signed, err := s.signer.Sign(ctx, SignRequest{
				GroupPublicKey:     cfg.GroupPublicKey,
				Ciphersuite:        cfg.Ciphersuite,
				Threshold:          cfg.Threshold,
				Message:            signedMessage(challenge.ID, challenge.Nonce),
				ParticipantIndices: indices,
				TotalParticipants:  cfg.TotalGuardians,
			})
			if err != nil {
				return "", 0, err
			}
			return signed.Signature, signed.SignaturesCollected, nil
		})
	if err != nil {
		return ApproveResult{}, err
	}

	return ApproveResult{
		Status:              updated.Status,
		ApprovalsCount:      count,
		Threshold:           cfg.Threshold,
		SignaturesCollected: updated.SignaturesCollected,
	}, nil
}

// GuardianApprovalStatus is one guardian's approval state in a status report
type GuardianApprovalStatus struct {
	GuardianID uuid.UUID
	Type       model.GuardianType
	ApprovedAt *time.Time
}

// StatusResult is a point-in-time view of a challenge for polling clients
type StatusResult struct {
	ChallengeID uuid.UUID
	Status      model.ChallengeStatus
	Threshold   int
	ExpiresAt   time.Time
	CompletedAt *time.Time
	Approvals   []GuardianApprovalStatus
}

// Status reports the challenge state. Read-only; the initiating device polls
// this while guardians approve out of band.
func (s *Service) Status(ctx context.Context, challengeID uuid.UUID) (StatusResult, error) {
	challenge, err := s.challenges.GetChallenge(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return StatusResult{}, fmt.Errorf("challenge: %w", ErrNotFound)
		}
		return StatusResult{}, err
	}

	cfg, err := s.configs.GetConfigByID(ctx, challenge.ConfigID)
	if err != nil {
		return StatusResult{}, err
	}

	approvals, err := s.challenges.ListApprovals(ctx, challengeID)
	if err != nil {
		return StatusResult{}, err
	}

	statuses := make([]GuardianApprovalStatus, 0, len(approvals))
	for _, a := range approvals {
		status := GuardianApprovalStatus{GuardianID: a.GuardianID, ApprovedAt: a.ApprovedAt}
		if g, err := s.configs.GetGuardian(ctx, a.GuardianID); err == nil {
			status.Type = g.GuardianType
		}
		statuses = append(statuses, status)
	}

	return StatusResult{
		ChallengeID: challenge.ID,
		Status:      challenge.Status,
		Threshold:   cfg.Threshold,
		ExpiresAt:   challenge.ExpiresAt,
		CompletedAt: challenge.CompletedAt,
		Approvals:   statuses,
	}, nil
}

// MaskEmail masks an email address for logs and status payloads (e.g. jo****@example.com)
func MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "****"
	}
	local := email[:at]
	if len(local) <= 2 {
		return "**" + email[at:]
	}
	return local[:2] + strings.Repeat("*", len(local)-2) + email[at:]
}
