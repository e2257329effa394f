// Package sqlite implements the storage interfaces over a SQLite database
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flaregames/flare/security"
	"github.com/flaregames/flare/storage"
)

// schema is applied idempotently at open. A single file backs all identity
// state so the token consume and sibling disable share one transaction.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS user_tokens (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	token_hash TEXT NOT NULL UNIQUE,
	state      TEXT NOT NULL DEFAULT 'pending',
	expires_at INTEGER NOT NULL,
	used_at    INTEGER,
	ip_address TEXT NOT NULL,
	user_agent TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id, state);
CREATE INDEX IF NOT EXISTS idx_user_tokens_created ON user_tokens(created_at);

CREATE TABLE IF NOT EXISTS user_accounts (
	user_id      TEXT NOT NULL REFERENCES users(id),
	ext_system   TEXT NOT NULL,
	ext_id       TEXT,
	nonce        TEXT,
	access_token TEXT,
	linked_at    INTEGER,
	UNIQUE(user_id, ext_system)
);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements storage.Store over SQLite.
type Store struct {
	sqlDB     *sql.DB
	encryptor *security.Encryptor
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)

// Open opens (creating if necessary) a SQLite store and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// SetEncryptor enables provider token encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetOrCreateUser resolves the user owning candidate.Email, inserting the
// candidate when the email is unseen. The insert tolerates a concurrent
// winner by re-reading on unique-constraint conflict.
func (s *Store) GetOrCreateUser(ctx context.Context, candidate *storage.User) (*storage.User, error) {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		candidate.ID, candidate.Email, toMillis(candidate.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUserByEmail(ctx, candidate.Email)
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	return s.scanUser(s.sqlDB.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE id = ?`, id))
}

// GetUserByEmail retrieves a user by email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	return s.scanUser(s.sqlDB.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM users WHERE email = ?`, email))
}

func (s *Store) scanUser(row *sql.Row) (*storage.User, error) {
	var u storage.User
	var createdAt int64
	if err := row.Scan(&u.ID, &u.Email, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

// CreateTokenIfUnderLimit counts issuance events and inserts the token in
// one immediate transaction, so a concurrent issue cannot bypass the limit
// between check and insert.
func (s *Store) CreateTokenIfUnderLimit(ctx context.Context, token *storage.LoginToken, email string, window time.Duration, limit int) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	windowStart := toMillis(time.Now().Add(-window))
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_tokens
		 WHERE (ip_address = ? OR user_id IN (SELECT id FROM users WHERE email = ?))
		 AND created_at > ?`,
		token.IP, email, windowStart).Scan(&count)
	if err != nil {
		return fmt.Errorf("count issuance events: %w", err)
	}
	if count >= limit {
		return storage.ErrRateLimited
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_tokens (id, user_id, token_hash, state, expires_at, ip_address, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.UserID, token.SecretHash, string(token.State),
		toMillis(token.ExpiresAt), token.IP, token.UserAgent, toMillis(token.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CountRecentTokens counts issuance events within the window keyed by email or IP
func (s *Store) CountRecentTokens(ctx context.Context, email, ip string, window time.Duration) (int, error) {
	var count int
	windowStart := toMillis(time.Now().Add(-window))
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_tokens
		 WHERE (ip_address = ? OR user_id IN (SELECT id FROM users WHERE email = ?))
		 AND created_at > ?`,
		ip, email, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count issuance events: %w", err)
	}
	return count, nil
}

// ConsumeToken validates the matching pending token and disables its sibling
// pending tokens inside one transaction. The decisive write is the
// conditional UPDATE; zero rows affected means the token was never issued,
// already consumed, or expired, without distinguishing which.
func (s *Store) ConsumeToken(ctx context.Context, secretHash string, now time.Time) (*storage.LoginToken, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := toMillis(now)
	res, err := tx.ExecContext(ctx,
		`UPDATE user_tokens SET state = 'validated', used_at = ?
		 WHERE token_hash = ? AND state = 'pending' AND used_at IS NULL AND expires_at > ?`,
		nowMs, secretHash, nowMs)
	if err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, storage.ErrNotFound
	}

	token, err := scanToken(tx.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, state, expires_at, used_at, ip_address, user_agent, created_at
		 FROM user_tokens WHERE token_hash = ?`, secretHash))
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE user_tokens SET state = 'disabled', used_at = ?
		 WHERE user_id = ? AND id != ? AND state = 'pending'`,
		nowMs, token.UserID, token.ID)
	if err != nil {
		return nil, fmt.Errorf("disable sibling tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return token, nil
}

// DeleteExpiredTokens removes tokens whose expiry is before the cutoff
func (s *Store) DeleteExpiredTokens(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM user_tokens WHERE expires_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(affected), nil
}

// UserCount reports the number of stored users, for the storage size gauges.
// Gauge callbacks have no error channel, so failures read as zero.
func (s *Store) UserCount() int64 {
	return s.tableCount("users")
}

// TokenCount reports the number of stored login tokens.
func (s *Store) TokenCount() int64 {
	return s.tableCount("user_tokens")
}

// AccountCount reports the number of stored linked accounts.
func (s *Store) AccountCount() int64 {
	return s.tableCount("user_accounts")
}

func (s *Store) tableCount(table string) int64 {
	var count int64
	if err := s.sqlDB.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
		return 0
	}
	return count
}

func scanToken(row *sql.Row) (*storage.LoginToken, error) {
	var t storage.LoginToken
	var state string
	var expiresAt, createdAt int64
	var usedAt sql.NullInt64
	err := row.Scan(&t.ID, &t.UserID, &t.SecretHash, &state, &expiresAt, &usedAt, &t.IP, &t.UserAgent, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scan token: %w", err)
	}
	t.State = storage.TokenState(state)
	t.ExpiresAt = fromMillis(expiresAt)
	t.CreatedAt = fromMillis(createdAt)
	if usedAt.Valid {
		t.UsedAt = fromMillis(usedAt.Int64)
	}
	return &t, nil
}

// UpsertLinkNonce stores a fresh anti-forgery nonce for an in-flight link
func (s *Store) UpsertLinkNonce(ctx context.Context, userID, provider, nonce string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO user_accounts (user_id, ext_system, nonce) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, ext_system) DO UPDATE SET nonce = excluded.nonce`,
		userID, provider, nonce)
	if err != nil {
		return fmt.Errorf("upsert link nonce: %w", err)
	}
	return nil
}

// ConsumeLinkNonce clears the nonce only if it still equals the presented
// value. Zero rows affected reports the mismatch; concurrent callbacks
// cannot both consume the same nonce.
func (s *Store) ConsumeLinkNonce(ctx context.Context, userID, provider, nonce string) error {
	if nonce == "" {
		return storage.ErrNonceMismatch
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE user_accounts SET nonce = NULL
		 WHERE user_id = ? AND ext_system = ? AND nonce = ?`,
		userID, provider, nonce)
	if err != nil {
		return fmt.Errorf("consume link nonce: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNonceMismatch
	}
	return nil
}

// UpsertLinkedAccount records a completed link, clearing any in-flight nonce
func (s *Store) UpsertLinkedAccount(ctx context.Context, account *storage.LinkedAccount) error {
	accessToken := account.AccessToken
	if accessToken != "" && s.encryptor != nil {
		encrypted, err := s.encryptor.Encrypt(accessToken)
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		accessToken = encrypted
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO user_accounts (user_id, ext_system, ext_id, nonce, access_token, linked_at)
		 VALUES (?, ?, ?, NULL, ?, ?)
		 ON CONFLICT(user_id, ext_system) DO UPDATE SET
		 ext_id = excluded.ext_id, nonce = NULL,
		 access_token = excluded.access_token, linked_at = excluded.linked_at`,
		account.UserID, account.Provider, account.ExternalID, accessToken, toMillis(account.LinkedAt))
	if err != nil {
		return fmt.Errorf("upsert linked account: %w", err)
	}
	return nil
}

// GetLinkedAccount retrieves the link row for (userID, provider)
func (s *Store) GetLinkedAccount(ctx context.Context, userID, provider string) (*storage.LinkedAccount, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT user_id, ext_system, ext_id, nonce, access_token, linked_at
		 FROM user_accounts WHERE user_id = ? AND ext_system = ?`,
		userID, provider)
	return s.scanAccount(row)
}

// ListLinkedAccounts lists all platform links for a user
func (s *Store) ListLinkedAccounts(ctx context.Context, userID string) ([]*storage.LinkedAccount, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, ext_system, ext_id, nonce, access_token, linked_at
		 FROM user_accounts WHERE user_id = ? ORDER BY ext_system`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*storage.LinkedAccount
	for rows.Next() {
		acct, err := s.scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate linked accounts: %w", err)
	}
	return accounts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row *sql.Row) (*storage.LinkedAccount, error) {
	acct, err := s.scanAccountFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return acct, nil
}

func (s *Store) scanAccountRow(rows *sql.Rows) (*storage.LinkedAccount, error) {
	return s.scanAccountFrom(rows)
}

func (s *Store) scanAccountFrom(row rowScanner) (*storage.LinkedAccount, error) {
	var acct storage.LinkedAccount
	var extID, nonce, accessToken sql.NullString
	var linkedAt sql.NullInt64
	if err := row.Scan(&acct.UserID, &acct.Provider, &extID, &nonce, &accessToken, &linkedAt); err != nil {
		return nil, err
	}
	acct.ExternalID = extID.String
	acct.Nonce = nonce.String
	if linkedAt.Valid {
		acct.LinkedAt = fromMillis(linkedAt.Int64)
	}
	if accessToken.Valid && accessToken.String != "" && s.encryptor != nil {
		decrypted, err := s.encryptor.Decrypt(accessToken.String)
		if err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		acct.AccessToken = decrypted
	} else {
		acct.AccessToken = accessToken.String
	}
	return &acct, nil
}
