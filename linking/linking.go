// Package linking drives the two-step account-link handshake between a
// signed-in user and an external game platform. Begin issues the provider
// redirect (binding a nonce or state to the attempt where the shape calls
// for one); Complete verifies the callback, resolves the external identity,
// and persists the link.
package linking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/flaregames/flare/instrumentation"
	"github.com/flaregames/flare/internal/util"
	"github.com/flaregames/flare/providers"
	"github.com/flaregames/flare/security"
	"github.com/flaregames/flare/storage"
)

// DefaultUpstreamTimeout bounds each outbound provider call during Complete.
const DefaultUpstreamTimeout = 30 * time.Second

// nonceBytes yields a 32-character hex nonce.
const nonceBytes = 16

// maxLoggedErrorLen caps upstream error strings in logs, which can carry
// entire provider response bodies.
const maxLoggedErrorLen = 256

// Linker errors mapped onto the request-boundary taxonomy by the handler.
var (
	// ErrUnsupportedProvider indicates a platform with no linking support,
	// or one that is not recognized at all.
	ErrUnsupportedProvider = errors.New("linking: unsupported provider")

	// ErrInvalidNonce indicates the callback nonce did not match the one
	// bound to the attempt, or the attempt was already completed.
	ErrInvalidNonce = errors.New("linking: invalid nonce")

	// ErrInvalidState indicates the echoed state did not match.
	ErrInvalidState = errors.New("linking: invalid state")

	// ErrMissingParameter indicates the callback lacked a required field.
	ErrMissingParameter = errors.New("linking: missing callback parameter")

	// ErrMissingIdentity indicates the callback carried no verifiable
	// identity claim. No upstream call is involved; this is a client-side
	// callback defect.
	ErrMissingIdentity = errors.New("linking: missing identity claim")

	// ErrUpstreamExchange indicates the provider rejected the exchange or
	// identity call. Upstream detail stays in the logs, never in the error.
	ErrUpstreamExchange = errors.New("linking: upstream exchange failed")
)

// Linker orchestrates link attempts across the registered handshake shapes.
type Linker struct {
	registry        *providers.Registry
	accounts        storage.AccountStore
	auditor         *security.Auditor
	logger          *slog.Logger
	metrics         *instrumentation.Metrics
	upstreamTimeout time.Duration
}

// NewLinker creates the account linker.
func NewLinker(registry *providers.Registry, accounts storage.AccountStore, logger *slog.Logger) (*Linker, error) {
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if accounts == nil {
		return nil, fmt.Errorf("account store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{
		registry:        registry,
		accounts:        accounts,
		logger:          logger,
		upstreamTimeout: DefaultUpstreamTimeout,
	}, nil
}

// SetAuditor enables security audit logging
func (l *Linker) SetAuditor(aud *security.Auditor) {
	l.auditor = aud
}

// SetMetrics enables metric recording for link flow outcomes.
func (l *Linker) SetMetrics(m *instrumentation.Metrics) {
	l.metrics = m
}

// SetUpstreamTimeout overrides the outbound provider call timeout.
func (l *Linker) SetUpstreamTimeout(d time.Duration) {
	if d > 0 {
		l.upstreamTimeout = d
	}
}

// Begin starts a link attempt and returns the provider redirect URL.
//
// Starting a new attempt replaces any nonce from a previous unfinished
// attempt for the same (user, provider): only the latest attempt can
// complete.
func (l *Linker) Begin(ctx context.Context, userID, provider, ip string) (string, error) {
	switch {
	case isClaimed(l.registry, provider):
		p, _ := l.registry.ClaimedIdentity(provider)
		nonce, err := generateNonce()
		if err != nil {
			return "", fmt.Errorf("generate nonce: %w", err)
		}
		if err := l.accounts.UpsertLinkNonce(ctx, userID, provider, nonce); err != nil {
			return "", fmt.Errorf("store nonce: %w", err)
		}
		l.linkStarted(ctx, userID, provider, ip)
		return p.AuthorizationURL(nonce), nil

	case isAuthCode(l.registry, provider):
		p, _ := l.registry.AuthorizationCode(provider)
		l.linkStarted(ctx, userID, provider, ip)
		return p.AuthorizationURL(), nil

	case isBearer(l.registry, provider):
		p, _ := l.registry.BearerToken(provider)
		state, err := generateNonce()
		if err != nil {
			return "", fmt.Errorf("generate state: %w", err)
		}
		if err := l.accounts.UpsertLinkNonce(ctx, userID, provider, state); err != nil {
			return "", fmt.Errorf("store state: %w", err)
		}
		l.linkStarted(ctx, userID, provider, ip)
		return p.AuthorizationURL(state), nil
	}

	if reason, ok := l.registry.UnsupportedReason(provider); ok {
		return "", fmt.Errorf("%w: %s: %s", ErrUnsupportedProvider, provider, reason)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
}

// Complete finishes a link attempt from provider callback parameters. On
// success the link row holds the external account ID and, where the shape
// yields one, the provider access token; the attempt nonce is cleared in the
// same write. Completing the same callback twice is rejected for
// nonce-carrying shapes because the first completion consumed the nonce.
func (l *Linker) Complete(ctx context.Context, userID, provider, ip string, params url.Values) (*storage.LinkedAccount, error) {
	switch {
	case isClaimed(l.registry, provider):
		return l.completeClaimed(ctx, userID, provider, ip, params)
	case isAuthCode(l.registry, provider):
		return l.completeAuthCode(ctx, userID, provider, ip, params)
	case isBearer(l.registry, provider):
		return l.completeBearer(ctx, userID, provider, ip, params)
	}

	if reason, ok := l.registry.UnsupportedReason(provider); ok {
		return nil, fmt.Errorf("%w: %s: %s", ErrUnsupportedProvider, provider, reason)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
}

// completeClaimed handles the claimed-identity callback: consume the nonce
// bound to the attempt, then verify the claimed identifier.
func (l *Linker) completeClaimed(ctx context.Context, userID, provider, ip string, params url.Values) (*storage.LinkedAccount, error) {
	nonce := params.Get("nonce")
	if nonce == "" {
		return nil, fmt.Errorf("%w: nonce", ErrMissingParameter)
	}

	if err := l.accounts.ConsumeLinkNonce(ctx, userID, provider, nonce); err != nil {
		if errors.Is(err, storage.ErrNonceMismatch) {
			l.rejectLink(ctx, userID, provider, ip, "nonce mismatch")
			return nil, ErrInvalidNonce
		}
		return nil, fmt.Errorf("consume nonce: %w", err)
	}

	p, _ := l.registry.ClaimedIdentity(provider)
	externalID, err := p.ExtractIdentity(params)
	if err != nil {
		l.rejectLink(ctx, userID, provider, ip, "identity extraction failed")
		l.logger.Warn("Claimed identity rejected",
			"provider", provider,
			"error", util.SafeTruncate(err.Error(), maxLoggedErrorLen))
		return nil, fmt.Errorf("%w: %s", ErrMissingIdentity, provider)
	}

	return l.persistLink(ctx, userID, provider, externalID, "", ip)
}

// completeAuthCode handles the authorization-code callback: trade the code
// for an access token at the provider's token endpoint.
func (l *Linker) completeAuthCode(ctx context.Context, userID, provider, ip string, params url.Values) (*storage.LinkedAccount, error) {
	code := params.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: code", ErrMissingParameter)
	}

	p, _ := l.registry.AuthorizationCode(provider)
	callCtx, cancel := context.WithTimeout(ctx, l.upstreamTimeout)
	defer cancel()

	externalID, accessToken, err := p.Exchange(callCtx, code)
	if err != nil {
		l.rejectLink(ctx, userID, provider, ip, "code exchange failed")
		l.logger.Warn("Authorization code exchange failed",
			"provider", provider,
			"error", util.SafeTruncate(err.Error(), maxLoggedErrorLen))
		return nil, fmt.Errorf("%w: %s", ErrUpstreamExchange, provider)
	}

	return l.persistLink(ctx, userID, provider, externalID, accessToken, ip)
}

// completeBearer handles the bearer-token callback: verify the state echo,
// then resolve the identity behind the token.
func (l *Linker) completeBearer(ctx context.Context, userID, provider, ip string, params url.Values) (*storage.LinkedAccount, error) {
	accessToken := params.Get("access_token")
	if accessToken == "" {
		return nil, fmt.Errorf("%w: access_token", ErrMissingParameter)
	}
	state := params.Get("state")
	if state == "" {
		return nil, fmt.Errorf("%w: state", ErrMissingParameter)
	}

	if err := l.accounts.ConsumeLinkNonce(ctx, userID, provider, state); err != nil {
		if errors.Is(err, storage.ErrNonceMismatch) {
			l.rejectLink(ctx, userID, provider, ip, "state mismatch")
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}

	p, _ := l.registry.BearerToken(provider)
	callCtx, cancel := context.WithTimeout(ctx, l.upstreamTimeout)
	defer cancel()

	externalID, err := p.Identity(callCtx, accessToken)
	if err != nil {
		l.rejectLink(ctx, userID, provider, ip, "identity lookup failed")
		l.logger.Warn("Bearer identity lookup failed",
			"provider", provider,
			"error", util.SafeTruncate(err.Error(), maxLoggedErrorLen))
		return nil, fmt.Errorf("%w: %s", ErrUpstreamExchange, provider)
	}

	return l.persistLink(ctx, userID, provider, externalID, accessToken, ip)
}

// persistLink writes the completed link. The upsert clears any leftover
// nonce, so re-linking the same platform converges on the new identity.
func (l *Linker) persistLink(ctx context.Context, userID, provider, externalID, accessToken, ip string) (*storage.LinkedAccount, error) {
	account := &storage.LinkedAccount{
		UserID:      userID,
		Provider:    provider,
		ExternalID:  externalID,
		AccessToken: accessToken,
		LinkedAt:    time.Now().UTC(),
	}
	upsertStart := time.Now()
	err := l.accounts.UpsertLinkedAccount(ctx, account)
	if l.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		l.metrics.RecordStorageOperation(ctx, "upsert_linked_account", result,
			time.Since(upsertStart).Seconds()*1000)
	}
	if err != nil {
		return nil, fmt.Errorf("persist link: %w", err)
	}

	l.audit(func(a *security.Auditor) { a.LogLinkCompleted(userID, provider, ip) })
	if l.metrics != nil {
		l.metrics.RecordLinkCompleted(ctx, provider)
	}
	l.logger.Info("Platform account linked",
		"user_id", userID,
		"provider", provider)
	return account, nil
}

// Accounts lists the user's platform links.
func (l *Linker) Accounts(ctx context.Context, userID string) ([]*storage.LinkedAccount, error) {
	return l.accounts.ListLinkedAccounts(ctx, userID)
}

func (l *Linker) audit(fn func(*security.Auditor)) {
	if l.auditor != nil {
		fn(l.auditor)
	}
}

func (l *Linker) rejectLink(ctx context.Context, userID, provider, ip, reason string) {
	l.audit(func(a *security.Auditor) { a.LogLinkRejected(userID, provider, ip, reason) })
	if l.metrics != nil {
		l.metrics.RecordLinkRejected(ctx, provider, reason)
	}
}

func (l *Linker) linkStarted(ctx context.Context, userID, provider, ip string) {
	l.audit(func(a *security.Auditor) { a.LogLinkStarted(userID, provider, ip) })
	if l.metrics != nil {
		l.metrics.RecordLinkStarted(ctx, provider)
	}
}

func isClaimed(r *providers.Registry, name string) bool {
	_, ok := r.ClaimedIdentity(name)
	return ok
}

func isAuthCode(r *providers.Registry, name string) bool {
	_, ok := r.AuthorizationCode(name)
	return ok
}

func isBearer(r *providers.Registry, name string) bool {
	_, ok := r.BearerToken(name)
	return ok
}

func generateNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
