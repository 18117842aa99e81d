package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// External collaborators of the recovery core. The threshold crypto, KEK
// primitives, second-factor verification, token binding and mail delivery all
// live behind these interfaces; this package only sequences them.

// KeyGenResult is the group key material produced by threshold key generation
type KeyGenResult struct {
	GroupPublicKey   string
	PublicKeyPackage string
	Ciphersuite      string
	Threshold        int
	TotalGuardians   int
}

// ThresholdKeyGenerator runs distributed key generation for a new guardian set
type ThresholdKeyGenerator interface {
	Generate(ctx context.Context, threshold, totalGuardians int, ciphersuite string) (KeyGenResult, error)
}

// SignRequest asks for one joint signature over Message from the given
// participant slots
type SignRequest struct {
	GroupPublicKey     string
	Ciphersuite        string
	Threshold          int
	Message            string
	ParticipantIndices []int
	TotalParticipants  int
}

// SignResult is a joint threshold signature
type SignResult struct {
	Signature           string
	SignaturesCollected int
}

// ThresholdSigner produces one joint signature from >= threshold participant
// shares. Must fail if fewer than threshold valid indices are supplied.
type ThresholdSigner interface {
	Sign(ctx context.Context, req SignRequest) (SignResult, error)
}

// SecondFactorMethod reports which mechanism satisfied a 2FA check
type SecondFactorMethod string

const (
	SecondFactorTotp   SecondFactorMethod = "totp"
	SecondFactorBackup SecondFactorMethod = "backup"
)

// SecondFactorResult is a successful verification
type SecondFactorResult struct {
	Method SecondFactorMethod
}

// SecondFactorVerifier validates TOTP codes and consumes one-time backup
// codes. Verify tries TOTP first, then backup codes; a consumed backup code is
// persisted before returning. A nil result with nil error means the code did
// not match anything.
type SecondFactorVerifier interface {
	Enabled(ctx context.Context, userID uuid.UUID) (bool, error)
	Verify(ctx context.Context, userID uuid.UUID, code string) (*SecondFactorResult, error)
}

// GuardianInvite is one guardian's approval token addressed to its email.
// Each invite is delivered separately; no guardian sees another's token.
type GuardianInvite struct {
	Email string
	Token string
}

// DeliveryResult reports how many invites went out and through which transport
type DeliveryResult struct {
	Mode      string
	Delivered int
}

// GuardianMailer delivers approval tokens to email guardians
type GuardianMailer interface {
	Send(ctx context.Context, accountEmail string, invites []GuardianInvite) (DeliveryResult, error)
}

// SessionBinder pins the recovery flow to the device that started it,
// independent of any login session. Peek is non-consuming (finalize's
// pre-check); Consume is single-use.
type SessionBinder interface {
	Issue(ctx context.Context, userID uuid.UUID, email string) (token string, expiresAt time.Time, err error)
	Peek(ctx context.Context, token string) (userID uuid.UUID, ok bool, err error)
	Consume(ctx context.Context, token string) (userID uuid.UUID, ok bool, err error)
}

// KeyWrapper holds the KEK derivation and DEK wrap/unwrap primitives
type KeyWrapper interface {
	UnwrapWithRecoveryKey(ctx context.Context, wrappedDEK []byte, keyID string) ([]byte, error)
	WrapWithPRF(ctx context.Context, secretID uuid.UUID, credentialID string, dek, prfOutput []byte) ([]byte, error)
	WrapWithOpaqueExport(ctx context.Context, secretID, userID uuid.UUID, dek, exportKey []byte) ([]byte, error)
}
