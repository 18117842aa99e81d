package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/keyfold/server/internal/model"
)

// SignFunc produces the threshold signature for a challenge given the
// chronologically earliest `threshold` approvals. It is invoked exactly once
// per challenge, inside the repo's serialization boundary.
type SignFunc func(earliest []model.GuardianApprovalToken) (signature string, collected int, err error)

// ChallengeRepo defines the interface for recovery challenges and their
// per-guardian approval tokens
type ChallengeRepo interface {
	// CreateChallenge inserts the challenge and all approval tokens atomically
	CreateChallenge(ctx context.Context, ch model.RecoveryChallenge, tokens []model.GuardianApprovalToken) error
	GetChallenge(ctx context.Context, id uuid.UUID) (model.RecoveryChallenge, error)

	GetApprovalByTokenHash(ctx context.Context, tokenHash string) (model.GuardianApprovalToken, error)
	ListApprovals(ctx context.Context, challengeID uuid.UUID) ([]model.GuardianApprovalToken, error)
	// MarkApproved stamps approved_at once; a second call is a no-op
	MarkApproved(ctx context.Context, approvalID uuid.UUID, at time.Time) error

	// CompleteIfThreshold serializes the pending -> completed transition.
	// Under a per-challenge lock it re-reads status and approvals; if the
	// challenge is still pending and approvals have reached the threshold it
	// invokes sign with the earliest approvals and persists the result. A
	// signing error rolls back, leaving the challenge pending. Returns the
	// challenge as of the end of the critical section plus the approval count.
	CompleteIfThreshold(ctx context.Context, challengeID uuid.UUID, threshold int, sign SignFunc) (model.RecoveryChallenge, int, error)

	// ApplyCompleted transitions completed -> applied; reports whether this
	// call performed the transition.
	ApplyCompleted(ctx context.Context, challengeID uuid.UUID) (bool, error)
}

type challengeRepo struct {
	db *sql.DB
}

// NewChallengeRepo creates a new ChallengeRepo instance
func NewChallengeRepo(db *sql.DB) ChallengeRepo {
	return &challengeRepo{db: db}
}

const challengeColumns = `id, user_id, config_id, nonce, status, expires_at, signature, signatures_collected, completed_at, created_at`

func scanChallenge(scan func(...interface{}) error) (model.RecoveryChallenge, error) {
	var ch model.RecoveryChallenge
	err := scan(
		&ch.ID,
		&ch.UserID,
		&ch.ConfigID,
		&ch.Nonce,
		&ch.Status,
		&ch.ExpiresAt,
		&ch.Signature,
		&ch.SignaturesCollected,
		&ch.CompletedAt,
		&ch.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.RecoveryChallenge{}, fmt.Errorf("challenge: %w", ErrNotFound)
		}
		return model.RecoveryChallenge{}, fmt.Errorf("query challenge: %w", err)
	}
	return ch, nil
}

// CreateChallenge inserts the challenge and its approval tokens in one transaction
func (r *challengeRepo) CreateChallenge(ctx context.Context, ch model.RecoveryChallenge, tokens []model.GuardianApprovalToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recovery_challenges (id, user_id, config_id, nonce, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ch.ID, ch.UserID, ch.ConfigID, ch.Nonce, ch.Status, ch.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}

	for _, t := range tokens {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO guardian_approval_tokens (id, challenge_id, guardian_id, token_hash, token_expires_at)
			VALUES ($1, $2, $3, $4, $5)
		`, t.ID, t.ChallengeID, t.GuardianID, t.TokenHash, t.TokenExpiresAt)
		if err != nil {
			return fmt.Errorf("insert approval token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetChallenge retrieves a challenge by ID
func (r *challengeRepo) GetChallenge(ctx context.Context, id uuid.UUID) (model.RecoveryChallenge, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM recovery_challenges WHERE id = $1`, id)
	return scanChallenge(row.Scan)
}

// GetApprovalByTokenHash looks up an approval slot by the hash of its token
func (r *challengeRepo) GetApprovalByTokenHash(ctx context.Context, tokenHash string) (model.GuardianApprovalToken, error) {
	var t model.GuardianApprovalToken
	err := r.db.QueryRowContext(ctx, `
		SELECT id, challenge_id, guardian_id, token_hash, token_expires_at, approved_at, created_at
		FROM guardian_approval_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.ChallengeID, &t.GuardianID, &t.TokenHash, &t.TokenExpiresAt, &t.ApprovedAt, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.GuardianApprovalToken{}, fmt.Errorf("approval token: %w", ErrNotFound)
		}
		return model.GuardianApprovalToken{}, fmt.Errorf("query approval token: %w", err)
	}
	return t, nil
}

// ListApprovals returns all approval slots for the challenge
func (r *challengeRepo) ListApprovals(ctx context.Context, challengeID uuid.UUID) ([]model.GuardianApprovalToken, error) {
	return listApprovals(ctx, r.db, challengeID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func listApprovals(ctx context.Context, q querier, challengeID uuid.UUID) ([]model.GuardianApprovalToken, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, challenge_id, guardian_id, token_hash, token_expires_at, approved_at, created_at
		FROM guardian_approval_tokens
		WHERE challenge_id = $1
		ORDER BY created_at
	`, challengeID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []model.GuardianApprovalToken
	for rows.Next() {
		var t model.GuardianApprovalToken
		if err := rows.Scan(&t.ID, &t.ChallengeID, &t.GuardianID, &t.TokenHash, &t.TokenExpiresAt, &t.ApprovedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return approvals, nil
}

// MarkApproved stamps approved_at if not already set
func (r *challengeRepo) MarkApproved(ctx context.Context, approvalID uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE guardian_approval_tokens
		SET approved_at = $2
		WHERE id = $1 AND approved_at IS NULL
	`, approvalID, at)
	if err != nil {
		return fmt.Errorf("mark approved: %w", err)
	}
	return nil
}

// CompleteIfThreshold serializes the threshold check and the signing trigger.
// Advisory lock per challenge: two guardians approving at the same instant
// cannot both observe status=pending with count >= threshold.
func (r *challengeRepo) CompleteIfThreshold(ctx context.Context, challengeID uuid.UUID, threshold int, sign SignFunc) (model.RecoveryChallenge, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RecoveryChallenge{}, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Blocks until we hold the lock; released on COMMIT/ROLLBACK.
	_, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, challengeID.String())
	if err != nil {
		return model.RecoveryChallenge{}, 0, fmt.Errorf("advisory lock: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+challengeColumns+` FROM recovery_challenges WHERE id = $1`, challengeID)
	ch, err := scanChallenge(row.Scan)
	if err != nil {
		return model.RecoveryChallenge{}, 0, err
	}

	all, err := listApprovals(ctx, tx, challengeID)
	if err != nil {
		return model.RecoveryChallenge{}, 0, err
	}
	approved := approvedOnly(all)

	if ch.Status != model.ChallengePending || len(approved) < threshold {
		if err := tx.Commit(); err != nil {
			return model.RecoveryChallenge{}, 0, fmt.Errorf("commit: %w", err)
		}
		return ch, len(approved), nil
	}

	signature, collected, err := sign(earliestApprovals(approved, threshold))
	if err != nil {
		// Rollback: the challenge stays pending so a later approval retries.
		return model.RecoveryChallenge{}, 0, fmt.Errorf("threshold sign: %w", err)
	}

	completedAt := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE recovery_challenges
		SET status = $2, signature = $3, signatures_collected = $4, completed_at = $5
		WHERE id = $1 AND status = $6
	`, challengeID, model.ChallengeCompleted, signature, collected, completedAt, model.ChallengePending)
	if err != nil {
		return model.RecoveryChallenge{}, 0, fmt.Errorf("complete challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.RecoveryChallenge{}, 0, fmt.Errorf("commit: %w", err)
	}

	ch.Status = model.ChallengeCompleted
	ch.Signature = &signature
	ch.SignaturesCollected = &collected
	ch.CompletedAt = &completedAt
	return ch, len(approved), nil
}

// ApplyCompleted transitions completed -> applied (status-guarded)
func (r *challengeRepo) ApplyCompleted(ctx context.Context, challengeID uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE recovery_challenges
		SET status = $2
		WHERE id = $1 AND status = $3
	`, challengeID, model.ChallengeApplied, model.ChallengeCompleted)
	if err != nil {
		return false, fmt.Errorf("apply challenge: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// approvedOnly filters to slots whose guardian has approved
func approvedOnly(all []model.GuardianApprovalToken) []model.GuardianApprovalToken {
	var approved []model.GuardianApprovalToken
	for _, t := range all {
		if t.IsApproved() {
			approved = append(approved, t)
		}
	}
	return approved
}

// earliestApprovals sorts by approved_at ascending and takes the first n.
// These are the guardians whose shares participate in the signature.
func earliestApprovals(approved []model.GuardianApprovalToken, n int) []model.GuardianApprovalToken {
	sorted := make([]model.GuardianApprovalToken, len(approved))
	copy(sorted, approved)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ApprovedAt.Equal(*sorted[j].ApprovedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ApprovedAt.Before(*sorted[j].ApprovedAt)
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}
