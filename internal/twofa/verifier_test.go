package twofa

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/recovery"
	"github.com/keyfold/server/internal/repo"
)

// rfcSecret is "12345678901234567890" in base32, the RFC 6238 test secret
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

type fakeEnrollments struct {
	byUser map[uuid.UUID]model.SecondFactor
}

func newFakeEnrollments() *fakeEnrollments {
	return &fakeEnrollments{byUser: make(map[uuid.UUID]model.SecondFactor)}
}

func (f *fakeEnrollments) GetByUserID(_ context.Context, userID uuid.UUID) (model.SecondFactor, error) {
	sf, ok := f.byUser[userID]
	if !ok {
		return model.SecondFactor{}, fmt.Errorf("second factor: %w", repo.ErrNotFound)
	}
	return sf, nil
}

func (f *fakeEnrollments) ReplaceBackupCodes(_ context.Context, userID uuid.UUID, hashes []string) error {
	sf, ok := f.byUser[userID]
	if !ok {
		return repo.ErrNotFound
	}
	sf.BackupCodeHashes = hashes
	f.byUser[userID] = sf
	return nil
}

func TestTotpCodeVectors(t *testing.T) {
	// RFC 6238 appendix B, truncated to six digits.
	tests := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, tt := range tests {
		counter := uint64(tt.unix) / 30
		code, err := totpCode(rfcSecret, counter)
		require.NoError(t, err)
		assert.Equal(t, tt.want, code, "unix %d", tt.unix)
	}
}

func TestTotpCodeBadSecret(t *testing.T) {
	_, err := totpCode("not!base32", 1)
	assert.Error(t, err)
}

func TestTotpMatchesSkewWindow(t *testing.T) {
	now := time.Unix(1111111109, 0)
	code, err := totpCode(rfcSecret, uint64(now.Unix())/30)
	require.NoError(t, err)

	assert.True(t, totpMatches(rfcSecret, code, now))
	assert.True(t, totpMatches(rfcSecret, code, now.Add(30*time.Second)), "one period late")
	assert.True(t, totpMatches(rfcSecret, code, now.Add(-30*time.Second)), "one period early")
	assert.False(t, totpMatches(rfcSecret, code, now.Add(90*time.Second)), "outside the skew window")
	assert.False(t, totpMatches(rfcSecret, "000000", now))
}

func TestVerifyTotp(t *testing.T) {
	enrollments := newFakeEnrollments()
	userID := uuid.New()
	enrollments.byUser[userID] = model.SecondFactor{
		UserID: userID, TOTPSecret: rfcSecret, Enabled: true,
	}

	now := time.Unix(59, 0)
	v := NewVerifier(enrollments).WithClock(func() time.Time { return now })

	result, err := v.Verify(context.Background(), userID, "287082")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, recovery.SecondFactorTotp, result.Method)

	result, err = v.Verify(context.Background(), userID, "999999")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestVerifyBackupCodeConsumed(t *testing.T) {
	enrollments := newFakeEnrollments()
	userID := uuid.New()
	enrollments.byUser[userID] = model.SecondFactor{
		UserID:     userID,
		TOTPSecret: rfcSecret,
		Enabled:    true,
		BackupCodeHashes: []string{
			HashBackupCode("alpha-code"),
			HashBackupCode("beta-code"),
		},
	}

	v := NewVerifier(enrollments).WithClock(func() time.Time { return time.Unix(59, 0) })
	ctx := context.Background()

	result, err := v.Verify(ctx, userID, "beta-code")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, recovery.SecondFactorBackup, result.Method)

	// The matched code was removed, the other remains.
	remaining := enrollments.byUser[userID].BackupCodeHashes
	require.Len(t, remaining, 1)
	assert.Equal(t, HashBackupCode("alpha-code"), remaining[0])

	// Replay of the consumed code fails.
	result, err = v.Verify(ctx, userID, "beta-code")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestVerifyDisabledOrMissingEnrollment(t *testing.T) {
	enrollments := newFakeEnrollments()
	disabled := uuid.New()
	enrollments.byUser[disabled] = model.SecondFactor{
		UserID:           disabled,
		TOTPSecret:       rfcSecret,
		Enabled:          false,
		BackupCodeHashes: []string{HashBackupCode("alpha-code")},
	}

	v := NewVerifier(enrollments)
	ctx := context.Background()

	result, err := v.Verify(ctx, disabled, "alpha-code")
	require.NoError(t, err)
	assert.Nil(t, result, "disabled enrollment never verifies")

	result, err = v.Verify(ctx, uuid.New(), "alpha-code")
	require.NoError(t, err)
	assert.Nil(t, result, "unknown user never verifies")

	result, err = v.Verify(ctx, disabled, "   ")
	require.NoError(t, err)
	assert.Nil(t, result, "blank code never verifies")
}

func TestEnabled(t *testing.T) {
	enrollments := newFakeEnrollments()
	userID := uuid.New()
	enrollments.byUser[userID] = model.SecondFactor{UserID: userID, Enabled: true}

	v := NewVerifier(enrollments)
	ctx := context.Background()

	enabled, err := v.Enabled(ctx, userID)
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = v.Enabled(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestHashBackupCodeNormalizesWhitespace(t *testing.T) {
	assert.Equal(t, HashBackupCode("alpha-code"), HashBackupCode("  alpha-code \n"))
	assert.NotEqual(t, HashBackupCode("alpha-code"), HashBackupCode("beta-code"))
}
