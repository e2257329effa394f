// Package epic implements the Epic Games authorization-code handshake and
// the entitlements catalog fetch.
package epic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/flaregames/flare/providers"
)

// Compile-time checks that Provider implements the expected interfaces.
var (
	_ providers.AuthorizationCodeProvider = (*Provider)(nil)
	_ providers.CatalogClient             = (*Provider)(nil)
)

// providerName is the name returned by Provider.Name().
const providerName = "epic"

// Default Epic endpoints
const (
	defaultAuthURL    = "https://www.epicgames.com/id/authorize"
	defaultTokenURL   = "https://www.epicgames.com/id/api/epic/token"
	defaultAPIBaseURL = "https://api.epicgames.com"
)

// defaultScopes are requested during linking.
var defaultScopes = []string{"basicProfile", "account", "entitlements"}

// Provider implements the authorization-code handshake for Epic.
type Provider struct {
	config     *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

// Config holds Epic provider configuration.
type Config struct {
	// ClientID is the Epic OAuth client ID.
	ClientID string

	// ClientSecret is the Epic OAuth client secret.
	ClientSecret string

	// RedirectURL is the linking callback URL (the complete step).
	RedirectURL string

	// AuthURL and TokenURL override the OAuth endpoints (tests only).
	AuthURL  string
	TokenURL string

	// APIBaseURL overrides the entitlements endpoint (tests only).
	APIBaseURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for Epic API calls (default: 30s).
	RequestTimeout time.Duration
}

// NewProvider creates a new Epic provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = defaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	apiBaseURL := cfg.APIBaseURL
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       defaultScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL builds the provider redirect with client ID, redirect URI
// and scope. Epic's linking flow carries no state parameter; the callback is
// bound to the authenticated session instead.
func (p *Provider) AuthorizationURL() string {
	return p.config.AuthCodeURL("")
}

// Exchange trades the authorization code for an access token at the token
// endpoint and reads the Epic account ID out of the token response.
func (p *Provider) Exchange(ctx context.Context, code string) (string, string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return "", "", fmt.Errorf("failed to exchange code: %w", err)
	}

	accountID, _ := token.Extra("account_id").(string)
	if accountID == "" {
		return "", "", providers.ErrNoIdentity
	}
	return accountID, token.AccessToken, nil
}

// entitlementsResponse is the subset of the products payload we read.
type entitlementsResponse struct {
	Data []json.RawMessage `json:"data"`
}

// entitlementStatus peeks at the per-item status field.
type entitlementStatus struct {
	Status string `json:"status"`
}

// FetchGames returns the fulfilled entitlements for an Epic account. Records
// pass through untouched beyond the fulfillment filter.
func (p *Provider) FetchGames(ctx context.Context, externalID, accessToken string) (providers.Games, error) {
	endpoint := fmt.Sprintf("%s/account/api/epic/v1/account/%s/products?entitlementType=product", p.apiBaseURL, externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build entitlements request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch entitlements: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read entitlements response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("entitlements request returned status %d", resp.StatusCode)
	}

	var parsed entitlementsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode entitlements response: %w", err)
	}

	fulfilled := make([]json.RawMessage, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		var st entitlementStatus
		if err := json.Unmarshal(item, &st); err != nil {
			continue
		}
		if st.Status == "FULFILLED" {
			fulfilled = append(fulfilled, item)
		}
	}

	out, err := json.Marshal(fulfilled)
	if err != nil {
		return nil, fmt.Errorf("encode games list: %w", err)
	}
	return providers.Games(out), nil
}
