package recovery

import "errors"

// Error taxonomy for the recovery core. Every failure wraps exactly one of
// these sentinels; callers match with errors.Is and the HTTP layer maps them
// to status codes.
var (
	// ErrNotFound: challenge/config/guardian/account absent. Also returned
	// when an account exists but has no recovery config, so callers cannot
	// probe which accounts have guardians.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed: recovery not enabled, guardian capacity or
	// threshold not met, 2FA guardian present but account has no 2FA.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrBadRequest: malformed credential union, no free guardian slot,
	// missing required code.
	ErrBadRequest = errors.New("bad request")
	// ErrTimeout: token or challenge past expiry.
	ErrTimeout = errors.New("expired")
	// ErrUnauthorized: wrong 2FA/backup code, finalize context mismatch,
	// threshold not actually met at signing time.
	ErrUnauthorized = errors.New("unauthorized")
)
