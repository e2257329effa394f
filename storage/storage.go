package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Services map these onto
// the request-boundary error taxonomy.
var (
	// ErrNotFound indicates the requested record does not exist (or, for
	// ConsumeToken, no token matched in its expected prior state).
	ErrNotFound = errors.New("storage: not found")

	// ErrRateLimited indicates a conditional token insert was rejected
	// because the issuance window count already reached the limit.
	ErrRateLimited = errors.New("storage: issuance limit reached")

	// ErrNonceMismatch indicates a conditional nonce consume matched no row,
	// i.e. the nonce was never issued or was already consumed.
	ErrNonceMismatch = errors.New("storage: nonce mismatch")
)

// TokenState is the lifecycle state of a login token.
type TokenState string

const (
	// TokenPending is the initial state of an issued token.
	TokenPending TokenState = "pending"

	// TokenValidated is the terminal state of a successfully redeemed token.
	TokenValidated TokenState = "validated"

	// TokenDisabled is the terminal state of a superseded or invalidated token.
	TokenDisabled TokenState = "disabled"
)

// User is an account identified by its email address.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// LoginToken is a single-use passwordless login token. The secret itself is
// never persisted; only its SHA-256 digest is stored for lookup.
type LoginToken struct {
	ID         string
	UserID     string
	SecretHash string
	State      TokenState
	ExpiresAt  time.Time
	UsedAt     time.Time // zero until the token is consumed
	IP         string
	UserAgent  string
	CreatedAt  time.Time
}

// Expired reports whether the token is past its expiry at the given instant.
// Expiry is computed at read time; it is not a stored state.
func (t *LoginToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// LinkedAccount ties a user to an identity on an external game platform.
// While a link attempt is in flight the row carries the anti-forgery nonce;
// completion sets ExternalID and clears the nonce. AccessToken holds the
// provider token captured during linking (encrypted at rest when the store
// has an encryptor) so the catalog fetcher can call the platform API.
type LinkedAccount struct {
	UserID      string
	Provider    string
	ExternalID  string
	Nonce       string
	AccessToken string
	LinkedAt    time.Time
}

// UserStore persists users.
// All methods accept context.Context for tracing and cancellation.
type UserStore interface {
	// GetOrCreateUser returns the user with candidate.Email if one exists,
	// otherwise inserts candidate and returns it.
	GetOrCreateUser(ctx context.Context, candidate *User) (*User, error)

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserByEmail retrieves a user by email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// TokenStore persists login tokens. The token table doubles as the issuance
// event log for rate limiting; no separate counter state exists.
type TokenStore interface {
	// CreateTokenIfUnderLimit inserts the token only if fewer than limit
	// tokens were created within the window for either the owning user's
	// email or the requesting IP. Check and insert are a single atomic
	// operation so concurrent issuance cannot bypass the limit.
	// Returns ErrRateLimited when the count already reached the limit.
	CreateTokenIfUnderLimit(ctx context.Context, token *LoginToken, email string, window time.Duration, limit int) error

	// CountRecentTokens counts issuance events within the window keyed by
	// email or IP.
	CountRecentTokens(ctx context.Context, email, ip string, window time.Duration) (int, error)

	// ConsumeToken atomically transitions the pending, unexpired, unused
	// token matching secretHash to validated, and in the same logical
	// operation disables every other pending token for the same user.
	// Returns ErrNotFound when no token matched, including replays.
	ConsumeToken(ctx context.Context, secretHash string, now time.Time) (*LoginToken, error)

	// DeleteExpiredTokens removes tokens whose expiry is before the cutoff.
	// Used by background maintenance; returns the number removed.
	DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int, error)
}

// AccountStore persists linked platform accounts, unique per (user, provider).
type AccountStore interface {
	// UpsertLinkNonce stores a fresh anti-forgery nonce for an in-flight
	// link attempt, creating the row if needed. Idempotent.
	UpsertLinkNonce(ctx context.Context, userID, provider, nonce string) error

	// ConsumeLinkNonce clears the stored nonce only if it still equals the
	// presented value. A miss (never issued, or already consumed) returns
	// ErrNonceMismatch. Atomic: concurrent callbacks cannot both succeed.
	ConsumeLinkNonce(ctx context.Context, userID, provider, nonce string) error

	// UpsertLinkedAccount records the completed link, setting the external
	// ID and access token and clearing any in-flight nonce. Idempotent:
	// re-linking the same identity is a no-op success.
	UpsertLinkedAccount(ctx context.Context, account *LinkedAccount) error

	// GetLinkedAccount retrieves the link row for (userID, provider).
	// Returns ErrNotFound when the platform was never linked.
	GetLinkedAccount(ctx context.Context, userID, provider string) (*LinkedAccount, error)

	// ListLinkedAccounts lists all platform links for a user.
	ListLinkedAccounts(ctx context.Context, userID string) ([]*LinkedAccount, error)
}

// Store combines all persistence interfaces backed by one datastore.
type Store interface {
	UserStore
	TokenStore
	AccountStore

	// Close releases the underlying resources.
	Close() error
}
