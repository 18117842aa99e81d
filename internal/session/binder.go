package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
	"github.com/keyfold/server/internal/repo"
)

// contextTokenTTL matches the recovery-challenge TTL: the context token is
// only useful while its challenge can still be finalized.
const contextTokenTTL = 15 * time.Minute

// Binder issues and redeems the short-lived tokens that pin a recovery flow to
// the device that started it. The token is a signed JWT whose jti is persisted
// (hashed) so consumption is single-use even across instances.
type Binder struct {
	jwt    *JWTService
	tokens repo.ContextTokenRepo
	now    func() time.Time
}

// NewBinder creates a new context-token binder
func NewBinder(jwt *JWTService, tokens repo.ContextTokenRepo) *Binder {
	return &Binder{
		jwt:    jwt,
		tokens: tokens,
		now:    time.Now,
	}
}

// WithClock overrides the binder clock (tests)
func (b *Binder) WithClock(now func() time.Time) *Binder {
	b.now = now
	return b
}

// Issue mints a context token bound to the user and stores its hash
func (b *Binder) Issue(ctx context.Context, userID uuid.UUID, email string) (string, time.Time, error) {
	now := b.now().UTC()

	// Opportunistic sweep; there is no background job for this table.
	if err := b.tokens.DeleteExpired(ctx, now); err != nil {
		return "", time.Time{}, err
	}

	jti := uuid.New()
	expiresAt := now.Add(contextTokenTTL)
	token, err := b.jwt.signContextToken(userID, email, jti, now, expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}

	err = b.tokens.Create(ctx, model.ContextToken{
		ID:        jti,
		UserID:    userID,
		TokenHash: HashToken(token),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Peek resolves the token to its bound user without consuming it
func (b *Binder) Peek(ctx context.Context, token string) (uuid.UUID, bool, error) {
	if _, err := b.jwt.verify(token, kindContext); err != nil {
		return uuid.Nil, false, nil
	}
	row, err := b.tokens.GetActiveByHash(ctx, HashToken(token), b.now().UTC())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("peek context token: %w", err)
	}
	return row.UserID, true, nil
}

// Consume resolves and invalidates the token in one step
func (b *Binder) Consume(ctx context.Context, token string) (uuid.UUID, bool, error) {
	if _, err := b.jwt.verify(token, kindContext); err != nil {
		return uuid.Nil, false, nil
	}
	userID, ok, err := b.tokens.Consume(ctx, HashToken(token), b.now().UTC())
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("consume context token: %w", err)
	}
	return userID, ok, nil
}
