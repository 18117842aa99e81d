package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account holder
type User struct {
	ID        uuid.UUID
	Email     string
	CreatedAt time.Time
}

// SecondFactor holds a user's TOTP enrollment and remaining backup codes
type SecondFactor struct {
	UserID           uuid.UUID
	TOTPSecret       string
	BackupCodeHashes []string
	Enabled          bool
	CreatedAt        time.Time
}

// Secret is a protected account secret. The ciphertext itself lives elsewhere;
// this core only tracks ownership and key wrapping.
type Secret struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	CreatedAt time.Time
}

// GuardianType identifies how a recovery guardian approves
type GuardianType string

const (
	GuardianTypeEmail     GuardianType = "email"
	GuardianTypeTwoFactor GuardianType = "second_factor"
)

// TwoFactorIdentity is the fixed identity value for the second-factor guardian slot
const TwoFactorIdentity = "second-factor"

// GuardianStatus is the enrollment status of a guardian
type GuardianStatus string

const (
	GuardianActive GuardianStatus = "active"
)

// RecoveryConfig is the per-user threshold-recovery configuration (one per user)
type RecoveryConfig struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Threshold        int
	TotalGuardians   int
	GroupPublicKey   string
	PublicKeyPackage string
	Ciphersuite      string
	Status           string
	CreatedAt        time.Time
}

// RecoveryGuardian is one enrolled guardian holding a fixed participant slot
type RecoveryGuardian struct {
	ID               uuid.UUID
	ConfigID         uuid.UUID
	GuardianType     GuardianType
	Identity         string
	ParticipantIndex int
	Status           GuardianStatus
	CreatedAt        time.Time
}

// RecoveryIdentifier maps an opaque, login-free lookup handle to a user (1:1)
type RecoveryIdentifier struct {
	UserID     uuid.UUID
	RecoveryID string
	CreatedAt  time.Time
}

// ChallengeStatus is the closed recovery-challenge state set.
// Legal transitions are pending -> completed -> applied; the repo layer only
// exposes status-guarded updates, so no other path exists.
type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeApplied   ChallengeStatus = "applied"
)

// RecoveryChallenge is one recovery attempt
type RecoveryChallenge struct {
	ID                  uuid.UUID
	UserID              uuid.UUID
	ConfigID            uuid.UUID
	Nonce               string
	Status              ChallengeStatus
	ExpiresAt           time.Time
	Signature           *string
	SignaturesCollected *int
	CompletedAt         *time.Time
	CreatedAt           time.Time
}

// GuardianApprovalToken is a single-use per-guardian approval slot for one
// challenge. Only the token hash is stored.
type GuardianApprovalToken struct {
	ID             uuid.UUID
	ChallengeID    uuid.UUID
	GuardianID     uuid.UUID
	TokenHash      string
	TokenExpiresAt time.Time
	ApprovedAt     *time.Time
	CreatedAt      time.Time
}

// IsApproved reports whether the guardian has already approved
func (t *GuardianApprovalToken) IsApproved() bool {
	return t.ApprovedAt != nil
}

// RecoverySecretWrapper is the pre-registered recovery escrow for one secret:
// its DEK wrapped under the recovery key identified by KeyID. Written at
// opt-in time, only read during finalize.
type RecoverySecretWrapper struct {
	SecretID   uuid.UUID
	WrappedDEK []byte
	KeyID      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// KekSource identifies which credential primitive derived a wrapper's KEK
type KekSource string

const (
	KekSourcePrf      KekSource = "prf"
	KekSourceOpaque   KekSource = "opaque"
	KekSourceRecovery KekSource = "recovery"
)

// SecretWrapper is the live key wrapping the account uses going forward.
// Finalize upserts one row per recovered secret under the new credential.
type SecretWrapper struct {
	SecretID     uuid.UUID
	UserID       uuid.UUID
	CredentialID string
	WrappedDEK   []byte
	PRFSalt      []byte
	KekVersion   int
	KekSource    KekSource
	UpdatedAt    time.Time
}

// ContextToken is the durable half of a recovery session-binder token: the
// hash of an issued token plus its single-use consumption state.
type ContextToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}
