// Package mock provides configurable provider implementations for tests.
package mock

import (
	"context"
	"net/url"

	"github.com/flaregames/flare/providers"
)

// Compile-time interface checks
var (
	_ providers.ClaimedIdentityProvider   = (*Provider)(nil)
	_ providers.BearerTokenProvider       = (*Provider)(nil)
	_ providers.CatalogClient             = (*Provider)(nil)
	_ providers.AuthorizationCodeProvider = (*CodeProvider)(nil)
	_ providers.CatalogClient             = (*CodeProvider)(nil)
)

// Provider is a test double implementing the claimed-identity and
// bearer-token handshake shapes plus the catalog client. Unset funcs fall
// back to benign defaults. The authorization-code shape has a different
// AuthorizationURL signature and lives in CodeProvider.
type Provider struct {
	NameValue string

	AuthorizationURLFunc func(value string) string
	ExtractIdentityFunc  func(params url.Values) (string, error)
	IdentityFunc         func(ctx context.Context, accessToken string) (string, error)
	FetchGamesFunc       func(ctx context.Context, externalID, accessToken string) (providers.Games, error)

	// Calls records handshake invocations for assertions.
	Calls []string
}

// Name returns the configured provider name, defaulting to "mock".
func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// AuthorizationURL records the call and returns a canned redirect. The value
// is the nonce (claimed shape) or state (bearer shape).
func (p *Provider) AuthorizationURL(value string) string {
	p.Calls = append(p.Calls, "AuthorizationURL")
	if p.AuthorizationURLFunc != nil {
		return p.AuthorizationURLFunc(value)
	}
	return "https://provider.example/authorize?value=" + url.QueryEscape(value)
}

// ExtractIdentity implements the claimed-identity complete step.
func (p *Provider) ExtractIdentity(params url.Values) (string, error) {
	p.Calls = append(p.Calls, "ExtractIdentity")
	if p.ExtractIdentityFunc != nil {
		return p.ExtractIdentityFunc(params)
	}
	if id := params.Get("mock_id"); id != "" {
		return id, nil
	}
	return "", providers.ErrNoIdentity
}

// Identity implements the bearer-token complete step.
func (p *Provider) Identity(ctx context.Context, accessToken string) (string, error) {
	p.Calls = append(p.Calls, "Identity")
	if p.IdentityFunc != nil {
		return p.IdentityFunc(ctx, accessToken)
	}
	return "mock-account", nil
}

// FetchGames implements the catalog client.
func (p *Provider) FetchGames(ctx context.Context, externalID, accessToken string) (providers.Games, error) {
	p.Calls = append(p.Calls, "FetchGames")
	if p.FetchGamesFunc != nil {
		return p.FetchGamesFunc(ctx, externalID, accessToken)
	}
	return providers.Games(`[{"id":"mock-game"}]`), nil
}

// CodeProvider is a test double for the authorization-code handshake shape.
type CodeProvider struct {
	NameValue string

	AuthorizationURLValue string
	ExchangeFunc          func(ctx context.Context, code string) (string, string, error)
	FetchGamesFunc        func(ctx context.Context, externalID, accessToken string) (providers.Games, error)

	// Calls records handshake invocations for assertions.
	Calls []string
}

// Name returns the configured provider name, defaulting to "mockcode".
func (p *CodeProvider) Name() string {
	if p.NameValue == "" {
		return "mockcode"
	}
	return p.NameValue
}

// AuthorizationURL returns the canned redirect.
func (p *CodeProvider) AuthorizationURL() string {
	p.Calls = append(p.Calls, "AuthorizationURL")
	if p.AuthorizationURLValue != "" {
		return p.AuthorizationURLValue
	}
	return "https://provider.example/authorize"
}

// Exchange implements the authorization-code complete step.
func (p *CodeProvider) Exchange(ctx context.Context, code string) (string, string, error) {
	p.Calls = append(p.Calls, "Exchange")
	if p.ExchangeFunc != nil {
		return p.ExchangeFunc(ctx, code)
	}
	return "mock-account", "mock-access-token", nil
}

// FetchGames implements the catalog client.
func (p *CodeProvider) FetchGames(ctx context.Context, externalID, accessToken string) (providers.Games, error) {
	p.Calls = append(p.Calls, "FetchGames")
	if p.FetchGamesFunc != nil {
		return p.FetchGamesFunc(ctx, externalID, accessToken)
	}
	return providers.Games(`[{"id":"mock-game"}]`), nil
}
