// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flaregames/flare/security"
	"github.com/flaregames/flare/storage"
)

// accountKey identifies a linked account row, unique per (user, provider).
type accountKey struct {
	userID   string
	provider string
}

// Store is an in-memory implementation of storage.Store. All conditional
// operations run under a single mutex hold, which gives them the same
// atomicity the SQLite backend gets from transactions.
type Store struct {
	mu sync.RWMutex

	users        map[string]*storage.User // user ID -> user
	usersByEmail map[string]string        // email -> user ID

	tokens        map[string]*storage.LoginToken // token ID -> token
	tokensByHash  map[string]string              // secret hash -> token ID
	tokensByUserID map[string][]string           // user ID -> token IDs

	accounts map[accountKey]*storage.LinkedAccount

	// Provider access tokens are encrypted at rest when set (optional).
	encryptor *security.Encryptor

	cleanupInterval time.Duration
	tokenRetention  time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// defaultTokenRetention covers the default one-hour rate-limit window with
// headroom. The token table doubles as the issuance event log, so cleanup
// must never remove events a sliding-window count could still see.
const defaultTokenRetention = 2 * time.Hour

// Compile-time interface checks
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store with a custom cleanup interval
// for expired login tokens. A non-positive interval disables cleanup.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		users:          make(map[string]*storage.User),
		usersByEmail:   make(map[string]string),
		tokens:         make(map[string]*storage.LoginToken),
		tokensByHash:   make(map[string]string),
		tokensByUserID: make(map[string][]string),
		accounts:       make(map[accountKey]*storage.LinkedAccount),
		cleanupInterval: cleanupInterval,
		tokenRetention: defaultTokenRetention,
		stopCleanup:    make(chan struct{}),
		logger:         slog.Default(),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}

	return s
}

// SetLogger sets the logger for the store
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor enables provider token encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
}

// SetTokenRetention sets how long expired tokens are kept for the issuance
// event log. Must be at least the configured rate-limit window, or cleanup
// would remove events a sliding-window count still needs.
func (s *Store) SetTokenRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.tokenRetention = d
	s.mu.Unlock()
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// GetOrCreateUser returns the user owning candidate.Email, inserting the
// candidate when the email is unseen.
func (s *Store) GetOrCreateUser(_ context.Context, candidate *storage.User) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usersByEmail[candidate.Email]; ok {
		return cloneUser(s.users[id]), nil
	}

	u := cloneUser(candidate)
	s.users[u.ID] = u
	s.usersByEmail[u.Email] = u.ID
	return cloneUser(u), nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(_ context.Context, id string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneUser(u), nil
}

// GetUserByEmail retrieves a user by email
func (s *Store) GetUserByEmail(_ context.Context, email string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

// CreateTokenIfUnderLimit counts issuance events in the window and inserts
// the token, all under one lock hold so concurrent issues cannot slip past
// the limit between check and insert.
func (s *Store) CreateTokenIfUnderLimit(_ context.Context, token *storage.LoginToken, email string, window time.Duration, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countRecentLocked(email, token.IP, window) >= limit {
		return storage.ErrRateLimited
	}

	t := cloneToken(token)
	s.tokens[t.ID] = t
	s.tokensByHash[t.SecretHash] = t.ID
	s.tokensByUserID[t.UserID] = append(s.tokensByUserID[t.UserID], t.ID)
	return nil
}

// CountRecentTokens counts issuance events within the window keyed by email or IP
func (s *Store) CountRecentTokens(_ context.Context, email, ip string, window time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countRecentLocked(email, ip, window), nil
}

// countRecentLocked counts tokens created within the window for either the
// email's user or the IP. Caller holds the mutex.
func (s *Store) countRecentLocked(email, ip string, window time.Duration) int {
	windowStart := time.Now().Add(-window)
	userID := s.usersByEmail[email]

	count := 0
	for _, t := range s.tokens {
		if !t.CreatedAt.After(windowStart) {
			continue
		}
		if (userID != "" && t.UserID == userID) || (ip != "" && t.IP == ip) {
			count++
		}
	}
	return count
}

// ConsumeToken atomically validates the matching pending token and disables
// all sibling pending tokens for the same user.
func (s *Store) ConsumeToken(_ context.Context, secretHash string, now time.Time) (*storage.LoginToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokensByHash[secretHash]
	if !ok {
		return nil, storage.ErrNotFound
	}

	t := s.tokens[id]
	if t.State != storage.TokenPending || !t.UsedAt.IsZero() || t.Expired(now) {
		return nil, storage.ErrNotFound
	}

	t.State = storage.TokenValidated
	t.UsedAt = now

	for _, siblingID := range s.tokensByUserID[t.UserID] {
		if siblingID == id {
			continue
		}
		if sib := s.tokens[siblingID]; sib.State == storage.TokenPending {
			sib.State = storage.TokenDisabled
			sib.UsedAt = now
		}
	}

	return cloneToken(t), nil
}

// DeleteExpiredTokens removes tokens whose expiry is before the cutoff
func (s *Store) DeleteExpiredTokens(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tokens {
		if t.ExpiresAt.Before(cutoff) {
			s.removeTokenLocked(id, t)
			removed++
		}
	}
	return removed, nil
}

// removeTokenLocked removes a token from all indexes. Caller holds the mutex.
func (s *Store) removeTokenLocked(id string, t *storage.LoginToken) {
	delete(s.tokens, id)
	delete(s.tokensByHash, t.SecretHash)

	ids := s.tokensByUserID[t.UserID]
	for i, tid := range ids {
		if tid == id {
			s.tokensByUserID[t.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// UpsertLinkNonce stores a fresh anti-forgery nonce for an in-flight link
func (s *Store) UpsertLinkNonce(_ context.Context, userID, provider, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey{userID: userID, provider: provider}
	if acct, ok := s.accounts[key]; ok {
		acct.Nonce = nonce
		return nil
	}

	s.accounts[key] = &storage.LinkedAccount{
		UserID:   userID,
		Provider: provider,
		Nonce:    nonce,
	}
	return nil
}

// ConsumeLinkNonce clears the stored nonce only if it still equals the
// presented value. Consumption is exactly-once.
func (s *Store) ConsumeLinkNonce(_ context.Context, userID, provider, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey{userID: userID, provider: provider}]
	if !ok || nonce == "" || acct.Nonce != nonce {
		return storage.ErrNonceMismatch
	}

	acct.Nonce = ""
	return nil
}

// UpsertLinkedAccount records a completed link, clearing any in-flight nonce
func (s *Store) UpsertLinkedAccount(_ context.Context, account *storage.LinkedAccount) error {
	accessToken, err := s.encryptAccessToken(account.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey{userID: account.UserID, provider: account.Provider}
	stored := &storage.LinkedAccount{
		UserID:      account.UserID,
		Provider:    account.Provider,
		ExternalID:  account.ExternalID,
		AccessToken: accessToken,
		LinkedAt:    account.LinkedAt,
	}
	s.accounts[key] = stored
	return nil
}

// GetLinkedAccount retrieves the link row for (userID, provider)
func (s *Store) GetLinkedAccount(_ context.Context, userID, provider string) (*storage.LinkedAccount, error) {
	s.mu.RLock()
	acct, ok := s.accounts[accountKey{userID: userID, provider: provider}]
	s.mu.RUnlock()

	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.decryptAccount(acct)
}

// ListLinkedAccounts lists all platform links for a user
func (s *Store) ListLinkedAccounts(_ context.Context, userID string) ([]*storage.LinkedAccount, error) {
	s.mu.RLock()
	var matched []*storage.LinkedAccount
	for key, acct := range s.accounts {
		if key.userID == userID {
			matched = append(matched, acct)
		}
	}
	s.mu.RUnlock()

	accounts := make([]*storage.LinkedAccount, 0, len(matched))
	for _, acct := range matched {
		decrypted, err := s.decryptAccount(acct)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, decrypted)
	}
	return accounts, nil
}

func (s *Store) encryptAccessToken(token string) (string, error) {
	if token == "" || s.encryptor == nil {
		return token, nil
	}
	return s.encryptor.Encrypt(token)
}

func (s *Store) decryptAccount(acct *storage.LinkedAccount) (*storage.LinkedAccount, error) {
	out := *acct
	if out.AccessToken != "" && s.encryptor != nil {
		decrypted, err := s.encryptor.Decrypt(out.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		out.AccessToken = decrypted
	}
	return &out, nil
}

// cleanupLoop periodically removes expired tokens so the issuance event log
// does not grow without bound.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Keep a full retention period of history; older events can no
			// longer affect a sliding-window count.
			s.mu.RLock()
			retention := s.tokenRetention
			s.mu.RUnlock()
			cutoff := time.Now().Add(-retention)
			if removed, _ := s.DeleteExpiredTokens(context.Background(), cutoff); removed > 0 {
				s.logger.Debug("Expired login tokens removed", "count", removed)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// UserCount reports the number of stored users, for the storage size gauges.
func (s *Store) UserCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users))
}

// TokenCount reports the number of stored login tokens.
func (s *Store) TokenCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tokens))
}

// AccountCount reports the number of stored linked accounts.
func (s *Store) AccountCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.accounts))
}

func cloneUser(u *storage.User) *storage.User {
	out := *u
	return &out
}

func cloneToken(t *storage.LoginToken) *storage.LoginToken {
	out := *t
	return &out
}
