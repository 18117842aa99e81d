package recovery_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/recovery"
	"github.com/keyfold/server/internal/repo"
)

// memStore is an in-memory implementation of every repository interface the
// recovery service consumes. CompleteIfThreshold serializes on its own mutex,
// mirroring the per-challenge advisory lock of the Postgres implementation.
type memStore struct {
	mu         sync.Mutex
	completeMu sync.Mutex

	users         map[uuid.UUID]model.User
	secondFactors map[uuid.UUID]model.SecondFactor
	secrets       map[uuid.UUID]model.Secret
	configs       map[uuid.UUID]model.RecoveryConfig
	guardians     map[uuid.UUID]model.RecoveryGuardian
	identifiers   map[uuid.UUID]model.RecoveryIdentifier
	challenges    map[uuid.UUID]model.RecoveryChallenge
	approvals     map[uuid.UUID]model.GuardianApprovalToken
	escrow        map[uuid.UUID]model.RecoverySecretWrapper
	wrappers      map[uuid.UUID]model.SecretWrapper
	contextTokens map[string]model.ContextToken
}

func newMemStore() *memStore {
	return &memStore{
		users:         make(map[uuid.UUID]model.User),
		secondFactors: make(map[uuid.UUID]model.SecondFactor),
		secrets:       make(map[uuid.UUID]model.Secret),
		configs:       make(map[uuid.UUID]model.RecoveryConfig),
		guardians:     make(map[uuid.UUID]model.RecoveryGuardian),
		identifiers:   make(map[uuid.UUID]model.RecoveryIdentifier),
		challenges:    make(map[uuid.UUID]model.RecoveryChallenge),
		approvals:     make(map[uuid.UUID]model.GuardianApprovalToken),
		escrow:        make(map[uuid.UUID]model.RecoverySecretWrapper),
		wrappers:      make(map[uuid.UUID]model.SecretWrapper),
		contextTokens: make(map[string]model.ContextToken),
	}
}

// --- seeding helpers ---

func (m *memStore) addUser(email string) model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := model.User{ID: uuid.New(), Email: email, CreatedAt: time.Now()}
	m.users[u.ID] = u
	return u
}

func (m *memStore) addSecret(userID uuid.UUID, name string) model.Secret {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Secret{ID: uuid.New(), UserID: userID, Name: name, CreatedAt: time.Now()}
	m.secrets[s.ID] = s
	return s
}

func (m *memStore) setSecondFactor(userID uuid.UUID, totpSecret string, backupHashes []string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secondFactors[userID] = model.SecondFactor{
		UserID:           userID,
		TOTPSecret:       totpSecret,
		BackupCodeHashes: backupHashes,
		Enabled:          enabled,
	}
}

// --- repo.UserRepo ---

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user: %w", repo.ErrNotFound)
	}
	return u, nil
}

func (m *memStore) GetByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, fmt.Errorf("user: %w", repo.ErrNotFound)
}

// --- repo.SecretRepo (separate type so GetByID signatures don't collide) ---

type memSecretRepo struct{ store *memStore }

func (r memSecretRepo) GetByID(_ context.Context, id uuid.UUID) (model.Secret, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.secrets[id]
	if !ok {
		return model.Secret{}, fmt.Errorf("secret: %w", repo.ErrNotFound)
	}
	return s, nil
}

// --- repo.SecondFactorRepo ---

type memSecondFactorRepo struct{ store *memStore }

func (r memSecondFactorRepo) GetByUserID(_ context.Context, userID uuid.UUID) (model.SecondFactor, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	sf, ok := r.store.secondFactors[userID]
	if !ok {
		return model.SecondFactor{}, fmt.Errorf("second factor: %w", repo.ErrNotFound)
	}
	return sf, nil
}

func (r memSecondFactorRepo) ReplaceBackupCodes(_ context.Context, userID uuid.UUID, hashes []string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	sf, ok := r.store.secondFactors[userID]
	if !ok {
		return fmt.Errorf("second factor: %w", repo.ErrNotFound)
	}
	sf.BackupCodeHashes = hashes
	r.store.secondFactors[userID] = sf
	return nil
}

// --- repo.RecoveryRepo ---

func (m *memStore) GetConfigByUserID(_ context.Context, userID uuid.UUID) (model.RecoveryConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if cfg.UserID == userID {
			return cfg, nil
		}
	}
	return model.RecoveryConfig{}, fmt.Errorf("recovery config: %w", repo.ErrNotFound)
}

func (m *memStore) GetConfigByID(_ context.Context, id uuid.UUID) (model.RecoveryConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return model.RecoveryConfig{}, fmt.Errorf("recovery config: %w", repo.ErrNotFound)
	}
	return cfg, nil
}

func (m *memStore) CreateConfig(_ context.Context, cfg model.RecoveryConfig) (model.RecoveryConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.configs {
		if existing.UserID == cfg.UserID {
			return existing, false, nil
		}
	}
	cfg.CreatedAt = time.Now()
	m.configs[cfg.ID] = cfg
	return cfg, true, nil
}

func (m *memStore) ListGuardians(_ context.Context, configID uuid.UUID) ([]model.RecoveryGuardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RecoveryGuardian
	for _, g := range m.guardians {
		if g.ConfigID == configID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantIndex < out[j].ParticipantIndex })
	return out, nil
}

func (m *memStore) GetGuardian(_ context.Context, id uuid.UUID) (model.RecoveryGuardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guardians[id]
	if !ok {
		return model.RecoveryGuardian{}, fmt.Errorf("guardian: %w", repo.ErrNotFound)
	}
	return g, nil
}

func (m *memStore) AddGuardian(_ context.Context, g model.RecoveryGuardian) (model.RecoveryGuardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.guardians {
		if existing.ConfigID == g.ConfigID && existing.ParticipantIndex == g.ParticipantIndex {
			return model.RecoveryGuardian{}, fmt.Errorf("participant index %d already taken", g.ParticipantIndex)
		}
	}
	g.CreatedAt = time.Now()
	m.guardians[g.ID] = g
	return g, nil
}

func (m *memStore) DeleteGuardian(_ context.Context, id, configID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guardians[id]
	if !ok || g.ConfigID != configID {
		return fmt.Errorf("guardian: %w", repo.ErrNotFound)
	}
	delete(m.guardians, id)
	return nil
}

func (m *memStore) GetUserByRecoveryID(_ context.Context, recoveryID string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ident := range m.identifiers {
		if ident.RecoveryID == recoveryID {
			return ident.UserID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("recovery identifier: %w", repo.ErrNotFound)
}

func (m *memStore) EnsureIdentifier(_ context.Context, userID uuid.UUID, recoveryID string) (model.RecoveryIdentifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.identifiers[userID]; ok {
		return existing, nil
	}
	ident := model.RecoveryIdentifier{UserID: userID, RecoveryID: recoveryID, CreatedAt: time.Now()}
	m.identifiers[userID] = ident
	return ident, nil
}

// --- repo.ChallengeRepo ---

func (m *memStore) CreateChallenge(_ context.Context, ch model.RecoveryChallenge, tokens []model.GuardianApprovalToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch.CreatedAt = time.Now()
	m.challenges[ch.ID] = ch
	for i, t := range tokens {
		t.CreatedAt = time.Now().Add(time.Duration(i) * time.Microsecond)
		m.approvals[t.ID] = t
	}
	return nil
}

func (m *memStore) GetChallenge(_ context.Context, id uuid.UUID) (model.RecoveryChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[id]
	if !ok {
		return model.RecoveryChallenge{}, fmt.Errorf("challenge: %w", repo.ErrNotFound)
	}
	return ch, nil
}

func (m *memStore) GetApprovalByTokenHash(_ context.Context, tokenHash string) (model.GuardianApprovalToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.approvals {
		if t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return model.GuardianApprovalToken{}, fmt.Errorf("approval token: %w", repo.ErrNotFound)
}

func (m *memStore) ListApprovals(_ context.Context, challengeID uuid.UUID) ([]model.GuardianApprovalToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listApprovalsLocked(challengeID), nil
}

func (m *memStore) listApprovalsLocked(challengeID uuid.UUID) []model.GuardianApprovalToken {
	var out []model.GuardianApprovalToken
	for _, t := range m.approvals {
		if t.ChallengeID == challengeID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memStore) MarkApproved(_ context.Context, approvalID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.approvals[approvalID]
	if !ok {
		return fmt.Errorf("approval token: %w", repo.ErrNotFound)
	}
	if t.ApprovedAt == nil {
		t.ApprovedAt = &at
		m.approvals[approvalID] = t
	}
	return nil
}

func (m *memStore) CompleteIfThreshold(_ context.Context, challengeID uuid.UUID, threshold int, sign repo.SignFunc) (model.RecoveryChallenge, int, error) {
	m.completeMu.Lock()
	defer m.completeMu.Unlock()

	m.mu.Lock()
	ch, ok := m.challenges[challengeID]
	if !ok {
		m.mu.Unlock()
		return model.RecoveryChallenge{}, 0, fmt.Errorf("challenge: %w", repo.ErrNotFound)
	}
	var approved []model.GuardianApprovalToken
	for _, t := range m.listApprovalsLocked(challengeID) {
		if t.IsApproved() {
			approved = append(approved, t)
		}
	}
	m.mu.Unlock()

	if ch.Status != model.ChallengePending || len(approved) < threshold {
		return ch, len(approved), nil
	}

	sort.Slice(approved, func(i, j int) bool { return approved[i].ApprovedAt.Before(*approved[j].ApprovedAt) })
	signature, collected, err := sign(approved[:threshold])
	if err != nil {
		return model.RecoveryChallenge{}, 0, fmt.Errorf("threshold sign: %w", err)
	}

	completedAt := time.Now().UTC()
	m.mu.Lock()
	ch = m.challenges[challengeID]
	ch.Status = model.ChallengeCompleted
	ch.Signature = &signature
	ch.SignaturesCollected = &collected
	ch.CompletedAt = &completedAt
	m.challenges[challengeID] = ch
	m.mu.Unlock()

	return ch, len(approved), nil
}

func (m *memStore) ApplyCompleted(_ context.Context, challengeID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.challenges[challengeID]
	if !ok || ch.Status != model.ChallengeCompleted {
		return false, nil
	}
	ch.Status = model.ChallengeApplied
	m.challenges[challengeID] = ch
	return true, nil
}

// --- repo.WrapperRepo ---

type memWrapperRepo struct{ store *memStore }

func (r memWrapperRepo) UpsertRecoveryWrapper(_ context.Context, w model.RecoverySecretWrapper) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.escrow[w.SecretID] = w
	return nil
}

func (r memWrapperRepo) ListRecoveryWrappersByUser(_ context.Context, userID uuid.UUID) ([]model.RecoverySecretWrapper, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []model.RecoverySecretWrapper
	for secretID, w := range r.store.escrow {
		if s, ok := r.store.secrets[secretID]; ok && s.UserID == userID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SecretID.String() < out[j].SecretID.String() })
	return out, nil
}

func (r memWrapperRepo) UpsertSecretWrapper(_ context.Context, w model.SecretWrapper) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.wrappers[w.SecretID] = w
	return nil
}

func (r memWrapperRepo) GetSecretWrapper(_ context.Context, secretID uuid.UUID) (model.SecretWrapper, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	w, ok := r.store.wrappers[secretID]
	if !ok {
		return model.SecretWrapper{}, fmt.Errorf("secret wrapper: %w", repo.ErrNotFound)
	}
	return w, nil
}

// --- repo.ContextTokenRepo ---

type memContextRepo struct{ store *memStore }

func (r memContextRepo) Create(_ context.Context, t model.ContextToken) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.contextTokens[t.TokenHash] = t
	return nil
}

func (r memContextRepo) GetActiveByHash(_ context.Context, tokenHash string, now time.Time) (model.ContextToken, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.contextTokens[tokenHash]
	if !ok || t.ConsumedAt != nil || !now.Before(t.ExpiresAt) {
		return model.ContextToken{}, fmt.Errorf("context token: %w", repo.ErrNotFound)
	}
	return t, nil
}

func (r memContextRepo) Consume(_ context.Context, tokenHash string, at time.Time) (uuid.UUID, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	t, ok := r.store.contextTokens[tokenHash]
	if !ok || t.ConsumedAt != nil || !at.Before(t.ExpiresAt) {
		return uuid.Nil, false, nil
	}
	t.ConsumedAt = &at
	r.store.contextTokens[tokenHash] = t
	return t.UserID, true, nil
}

func (r memContextRepo) DeleteExpired(_ context.Context, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for hash, t := range r.store.contextTokens {
		if !now.Before(t.ExpiresAt) {
			delete(r.store.contextTokens, hash)
		}
	}
	return nil
}

// --- collaborator fakes ---

// countingSigner wraps a real signer and records invocations
type countingSigner struct {
	mu    sync.Mutex
	inner recovery.ThresholdSigner
	calls int
	fail  bool
}

func (s *countingSigner) Sign(ctx context.Context, req recovery.SignRequest) (recovery.SignResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return recovery.SignResult{}, fmt.Errorf("signer unavailable")
	}
	return s.inner.Sign(ctx, req)
}

func (s *countingSigner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// captureMailer records invites instead of delivering them, handing tests the
// raw approval tokens email guardians would have received.
type captureMailer struct {
	mu      sync.Mutex
	invites map[string]string // guardian email -> latest token
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{invites: make(map[string]string)}
}

func (m *captureMailer) Send(_ context.Context, _ string, invites []recovery.GuardianInvite) (recovery.DeliveryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range invites {
		m.invites[inv.Email] = inv.Token
	}
	return recovery.DeliveryResult{Mode: "capture", Delivered: len(invites)}, nil
}

func (m *captureMailer) tokenFor(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invites[email]
}
