// Package auth implements the passwordless login token lifecycle: issuance
// gated by a sliding-window rate limit, single-use validation, and the
// session bridge used by polling clients.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/flaregames/flare/instrumentation"
	"github.com/flaregames/flare/security"
	"github.com/flaregames/flare/storage"
)

// TokenTTL is how long an issued login token stays redeemable.
const TokenTTL = 15 * time.Minute

// secretBytes yields a 36-character hex secret.
const secretBytes = 18

// Service errors mapped onto the request-boundary taxonomy by the handler.
var (
	// ErrInvalidEmail indicates the email failed syntactic validation.
	ErrInvalidEmail = errors.New("auth: invalid email address")

	// ErrRateLimited indicates the issuance window count reached the limit.
	ErrRateLimited = errors.New("auth: rate limit exceeded")

	// ErrInvalidToken indicates the presented secret matched no pending,
	// unexpired, unused token. Consumed and expired tokens are
	// indistinguishable from unknown ones.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// Notifier delivers the redemption secret to the user out of band. Injected
// so tests can capture dispatches deterministically.
type Notifier interface {
	// SendLoginToken delivers the login secret to the address.
	SendLoginToken(ctx context.Context, email, secret string) error
}

// Service coordinates the login token lifecycle.
type Service struct {
	users    storage.UserStore
	tokens   storage.TokenStore
	limiter  *RateLimiter
	notifier Notifier
	sessions *Sessions
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	logger   *slog.Logger
	tokenTTL time.Duration

	// validateFailures, when set, counts failed validate attempts per IP.
	// Extension hook only: exceeding it does not reject, it logs.
	validateFailures *security.RateLimiter
}

// NewService creates the token lifecycle service.
func NewService(users storage.UserStore, tokens storage.TokenStore, limiter *RateLimiter, notifier Notifier, sessions *Sessions, logger *slog.Logger) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("sessions is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		users:    users,
		tokens:   tokens,
		limiter:  limiter,
		notifier: notifier,
		sessions: sessions,
		logger:   logger,
		tokenTTL: TokenTTL,
	}, nil
}

// SetAuditor enables security audit logging
func (s *Service) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// SetMetrics enables metric recording for token lifecycle outcomes.
func (s *Service) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// SetTokenTTL overrides the login token lifetime.
func (s *Service) SetTokenTTL(d time.Duration) {
	if d > 0 {
		s.tokenTTL = d
	}
}

// SetValidateFailureLimiter installs the optional per-IP failed-validate
// counter.
func (s *Service) SetValidateFailureLimiter(rl *security.RateLimiter) {
	s.validateFailures = rl
}

// Sessions exposes the session minting component.
func (s *Service) Sessions() *Sessions {
	return s.sessions
}

// Issue validates the email, enforces the issuance rate limit, resolves or
// creates the user, persists a fresh pending token, and dispatches the
// redemption secret through the notifier. Returns the user ID.
//
// The decisive rate-limit enforcement is the conditional insert; the
// up-front limiter check exists so limited requests fail before a user row
// is created.
func (s *Service) Issue(ctx context.Context, email, ip, userAgent string) (string, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}

	if err := s.limiter.Check(ctx, email, ip); err != nil {
		s.recordRateLimited(ctx, email, ip)
		return "", err
	}

	now := time.Now().UTC()
	user, err := s.users.GetOrCreateUser(ctx, &storage.User{
		ID:        uuid.NewString(),
		Email:     email,
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}

	secret, err := generateSecret()
	if err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}

	token := &storage.LoginToken{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		SecretHash: hashSecret(secret),
		State:      storage.TokenPending,
		ExpiresAt:  now.Add(s.tokenTTL),
		IP:         ip,
		UserAgent:  userAgent,
		CreatedAt:  now,
	}

	insertStart := time.Now()
	err = s.tokens.CreateTokenIfUnderLimit(ctx, token, email, s.limiter.Window(), s.limiter.Limit())
	s.recordStorageOp(ctx, "create_token", err, insertStart)
	if err != nil {
		if errors.Is(err, storage.ErrRateLimited) {
			s.recordRateLimited(ctx, email, ip)
			return "", ErrRateLimited
		}
		return "", fmt.Errorf("persist token: %w", err)
	}

	if err := s.notifier.SendLoginToken(ctx, email, secret); err != nil {
		return "", fmt.Errorf("dispatch login token: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogTokenIssued(user.ID, email, ip)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(ctx)
	}
	s.logger.Info("Login token issued",
		"user_id", user.ID,
		"expires_at", token.ExpiresAt)

	return user.ID, nil
}

// Validate redeems a login secret. The matching pending token transitions to
// validated and every sibling pending token for the same user transitions to
// disabled in the same logical operation. A second call with the same secret
// always fails: consumption is idempotent, success is not.
func (s *Service) Validate(ctx context.Context, secret, ip, userAgent string) (*storage.User, error) {
	consumeStart := time.Now()
	token, err := s.tokens.ConsumeToken(ctx, hashSecret(secret), time.Now().UTC())
	s.recordStorageOp(ctx, "consume_token", err, consumeStart)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.recordValidateFailure(ip)
			if s.auditor != nil {
				s.auditor.LogTokenRejected(ip, "no matching pending token")
			}
			if s.metrics != nil {
				s.metrics.RecordTokenRejected(ctx, "no_matching_token")
			}
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("consume token: %w", err)
	}

	user, err := s.users.GetUser(ctx, token.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogTokenValidated(user.ID, ip, 0)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenValidated(ctx, 0)
	}
	s.logger.Info("Login token validated",
		"user_id", user.ID,
		"user_agent", userAgent)

	return user, nil
}

// Poll reports whether the session token identifies an authenticated user.
// It is a pure read against the session; token state is never mutated. An
// invalid or expired session is not an error, just unauthenticated.
func (s *Service) Poll(ctx context.Context, sessionToken string) (*storage.User, error) {
	if sessionToken == "" {
		return nil, nil
	}

	userID, err := s.sessions.Verify(sessionToken)
	if err != nil {
		return nil, nil
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// recordValidateFailure feeds the optional failed-validate counter. This is
// the validation-path rate-limiting hook; it observes but does not reject.
func (s *Service) recordValidateFailure(ip string) {
	if s.validateFailures == nil {
		return
	}
	if !s.validateFailures.Allow(ip) {
		s.logger.Warn("Repeated failed validate attempts", "ip", ip)
	}
}

// recordRateLimited feeds the audit log and the rate-limit counter.
func (s *Service) recordRateLimited(ctx context.Context, email, ip string) {
	if s.auditor != nil {
		s.auditor.LogRateLimitExceeded(email, ip)
	}
	if s.metrics != nil {
		s.metrics.RecordRateLimitExceeded(ctx, "issuance")
	}
}

// recordStorageOp records the outcome and latency of a store call.
func (s *Service) recordStorageOp(ctx context.Context, operation string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordStorageOperation(ctx, operation, result, time.Since(start).Seconds()*1000)
}

// generateSecret returns a high-entropy hex secret.
func generateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashSecret computes the stored digest of a login secret. Secrets are high
// entropy, so an unsalted SHA-256 is sufficient and keeps lookup by value
// possible.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
