package frost

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/keyfold/server/internal/recovery"
)

// Stub is a single-party stand-in for a FROST coordinator, in the same spirit
// as a dev-mode OTP provider: it generates one ed25519 key per group and signs
// with it, while enforcing the participant rules a real threshold engine
// would. Key material lives only in process memory, so it is for development
// and tests, never for production deployments.
type Stub struct {
	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey
}

// NewStub creates a dev threshold engine
func NewStub() *Stub {
	return &Stub{keys: make(map[string]ed25519.PrivateKey)}
}

type keyPackage struct {
	Ciphersuite    string `json:"ciphersuite"`
	Threshold      int    `json:"threshold"`
	TotalGuardians int    `json:"total_guardians"`
	GroupPublicKey string `json:"group_public_key"`
}

// Generate produces group key material for a new guardian set
func (s *Stub) Generate(_ context.Context, threshold, totalGuardians int, ciphersuite string) (recovery.KeyGenResult, error) {
	if threshold < 2 || threshold > totalGuardians {
		return recovery.KeyGenResult{}, fmt.Errorf("invalid threshold %d of %d", threshold, totalGuardians)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return recovery.KeyGenResult{}, fmt.Errorf("generate group key: %w", err)
	}
	groupKey := hex.EncodeToString(pub)

	pkg, err := json.Marshal(keyPackage{
		Ciphersuite:    ciphersuite,
		Threshold:      threshold,
		TotalGuardians: totalGuardians,
		GroupPublicKey: groupKey,
	})
	if err != nil {
		return recovery.KeyGenResult{}, fmt.Errorf("encode key package: %w", err)
	}

	s.mu.Lock()
	s.keys[groupKey] = priv
	s.mu.Unlock()

	return recovery.KeyGenResult{
		GroupPublicKey:   groupKey,
		PublicKeyPackage: string(pkg),
		Ciphersuite:      ciphersuite,
		Threshold:        threshold,
		TotalGuardians:   totalGuardians,
	}, nil
}

// Sign produces the joint signature, enforcing that at least threshold valid,
// distinct participant indices are supplied.
func (s *Stub) Sign(_ context.Context, req recovery.SignRequest) (recovery.SignResult, error) {
	seen := make(map[int]bool, len(req.ParticipantIndices))
	for _, idx := range req.ParticipantIndices {
		if idx < 1 || idx > req.TotalParticipants {
			return recovery.SignResult{}, fmt.Errorf("participant index %d outside [1, %d]", idx, req.TotalParticipants)
		}
		if seen[idx] {
			return recovery.SignResult{}, fmt.Errorf("duplicate participant index %d", idx)
		}
		seen[idx] = true
	}
	if len(seen) < req.Threshold {
		return recovery.SignResult{}, fmt.Errorf("%d participants supplied, threshold is %d", len(seen), req.Threshold)
	}

	s.mu.Lock()
	priv, ok := s.keys[req.GroupPublicKey]
	s.mu.Unlock()
	if !ok {
		return recovery.SignResult{}, fmt.Errorf("unknown group public key")
	}

	sig := ed25519.Sign(priv, []byte(req.Message))
	return recovery.SignResult{
		Signature:           hex.EncodeToString(sig),
		SignaturesCollected: len(seen),
	}, nil
}
