package recovery_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/server/internal/frost"
	"github.com/keyfold/server/internal/keywrap"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/recovery"
	"github.com/keyfold/server/internal/session"
	"github.com/keyfold/server/internal/twofa"
)

const testRecoveryKeyID = "v1"

// fakeClock is a steppable clock shared by the service, the session binder and
// the second-factor verifier.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// The base is real time because the JWT layer validates exp against the wall
// clock; tests only step the clock forward from here.
func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testEnv wires a full recovery service over the in-memory store with the real
// second-factor verifier, session binder, keyring and signing engine.
type testEnv struct {
	store   *memStore
	svc     *recovery.Service
	signer  *countingSigner
	mailer  *captureMailer
	binder  *session.Binder
	keyring *keywrap.Keyring
	clock   *fakeClock
	user    model.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	store := newMemStore()

	jwtService := session.NewJWTService("test-signing-secret")
	binder := session.NewBinder(jwtService, memContextRepo{store}).WithClock(clock.Now)
	verifier := twofa.NewVerifier(memSecondFactorRepo{store}).WithClock(clock.Now)

	keyring, err := keywrap.NewKeyring(map[string][]byte{
		testRecoveryKeyID: bytes.Repeat([]byte{0x42}, 32),
	})
	require.NoError(t, err)

	engine := frost.NewStub()
	signer := &countingSigner{inner: engine}
	mailer := newCaptureMailer()

	svc := recovery.NewService(
		store,
		memSecretRepo{store},
		store,
		store,
		memWrapperRepo{store},
		engine,
		signer,
		verifier,
		mailer,
		binder,
		keyring,
	).WithClock(clock.Now)

	return &testEnv{
		store:   store,
		svc:     svc,
		signer:  signer,
		mailer:  mailer,
		binder:  binder,
		keyring: keyring,
		clock:   clock,
		user:    store.addUser("user@example.com"),
	}
}

// setupConfig creates the user's config and enrolls email guardians
func (e *testEnv) setupConfig(t *testing.T, threshold, total int, guardianEmails ...string) model.RecoveryConfig {
	t.Helper()
	ctx := context.Background()

	setup, err := e.svc.Setup(ctx, e.user.ID, threshold, total, "")
	require.NoError(t, err)

	for _, email := range guardianEmails {
		_, err := e.svc.AddGuardianEmail(ctx, e.user.ID, email)
		require.NoError(t, err)
	}
	return setup.Config
}

// enableTwoFactor enrolls 2FA for the user with the given backup codes
func (e *testEnv) enableTwoFactor(backupCodes ...string) {
	hashes := make([]string, 0, len(backupCodes))
	for _, code := range backupCodes {
		hashes = append(hashes, twofa.HashBackupCode(code))
	}
	e.store.setSecondFactor(e.user.ID, "JBSWY3DPEHPK3PXP", hashes, true)
}

// addEscrowSecret creates a secret with its DEK wrapped under the recovery key
func (e *testEnv) addEscrowSecret(t *testing.T, name string, dek []byte) model.Secret {
	t.Helper()
	ctx := context.Background()

	secret := e.store.addSecret(e.user.ID, name)
	wrapped, err := e.keyring.WrapWithRecoveryKey(ctx, dek, testRecoveryKeyID)
	require.NoError(t, err)

	stored, err := e.svc.StoreSecretWrapper(ctx, e.user.ID, secret.ID, wrapped, testRecoveryKeyID)
	require.NoError(t, err)
	require.True(t, stored)
	return secret
}

// startChallenge starts a recovery and returns the result plus each email
// guardian's delivered token.
func (e *testEnv) startChallenge(t *testing.T) recovery.StartResult {
	t.Helper()
	result, err := e.svc.Start(context.Background(), e.user.Email)
	require.NoError(t, err)
	return result
}

// approveEmailGuardian approves with the token delivered to the given address
func (e *testEnv) approveEmailGuardian(t *testing.T, email string) (recovery.ApproveResult, error) {
	t.Helper()
	token := e.mailer.tokenFor(email)
	require.NotEmpty(t, token, "no invite delivered to %s", email)
	return e.svc.ApproveGuardian(context.Background(), token, "")
}

// challengeStatus reads the raw stored challenge
func (e *testEnv) challengeStatus(t *testing.T, challengeID uuid.UUID) model.ChallengeStatus {
	t.Helper()
	ch, err := e.store.GetChallenge(context.Background(), challengeID)
	require.NoError(t, err)
	return ch.Status
}
