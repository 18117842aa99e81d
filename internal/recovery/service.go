package recovery

import (
	"time"

	"github.com/keyfold/server/internal/repo"
)

const (
	// ChallengeTTL bounds every recovery attempt: challenge, approval tokens
	// and context token all expire together.
	ChallengeTTL = 15 * time.Minute

	minThreshold = 2
	maxGuardians = 5

	// DefaultCiphersuite is used when setup does not name one
	DefaultCiphersuite = "FROST-ED25519-SHA512-v1"
)

// Service is the guardian threshold-recovery core: guardian registry,
// challenge/approval state machine and secret re-wrap engine.
type Service struct {
	users      repo.UserRepo
	secrets    repo.SecretRepo
	configs    repo.RecoveryRepo
	challenges repo.ChallengeRepo
	wrappers   repo.WrapperRepo

	keygen       ThresholdKeyGenerator
	signer       ThresholdSigner
	secondFactor SecondFactorVerifier
	mailer       GuardianMailer
	binder       SessionBinder
	keywrap      KeyWrapper

	now func() time.Time
}

// NewService creates the recovery service
func NewService(
	users repo.UserRepo,
	secrets repo.SecretRepo,
	configs repo.RecoveryRepo,
	challenges repo.ChallengeRepo,
	wrappers repo.WrapperRepo,
	keygen ThresholdKeyGenerator,
	signer ThresholdSigner,
	secondFactor SecondFactorVerifier,
	mailer GuardianMailer,
	binder SessionBinder,
	keywrap KeyWrapper,
) *Service {
	return &Service{
		users:        users,
		secrets:      secrets,
		configs:      configs,
		challenges:   challenges,
		wrappers:     wrappers,
		keygen:       keygen,
		signer:       signer,
		secondFactor: secondFactor,
		mailer:       mailer,
		binder:       binder,
		keywrap:      keywrap,
		now:          time.Now,
	}
}

// WithClock overrides the service clock. Expiry is wall-clock checked on every
// state-changing operation, so tests inject a fixed or stepped clock here.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// clampGuardianParam clamps setup parameters into [2, 5]
func clampGuardianParam(v, fallback int) int {
	if v == 0 {
		v = fallback
	}
	if v < minThreshold {
		return minThreshold
	}
	if v > maxGuardians {
		return maxGuardians
	}
	return v
}
