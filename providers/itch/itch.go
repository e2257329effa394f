// Package itch implements the itch.io bearer-token handshake and the
// my-games catalog fetch.
package itch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/flaregames/flare/providers"
)

// Compile-time checks that Provider implements the expected interfaces.
var (
	_ providers.BearerTokenProvider = (*Provider)(nil)
	_ providers.CatalogClient       = (*Provider)(nil)
)

// providerName is the name returned by Provider.Name().
const providerName = "itch"

// defaultBaseURL is the itch.io site and API host.
const defaultBaseURL = "https://itch.io"

// Provider implements the bearer-token handshake for itch.io. itch returns
// the access token directly in the callback fragment together with the state
// echo; there is no code exchange step.
type Provider struct {
	clientID    string
	redirectURL string
	baseURL     string
	httpClient  *http.Client
}

// Config holds itch.io provider configuration.
type Config struct {
	// ClientID is the itch.io OAuth application client ID.
	ClientID string

	// RedirectURL is the linking callback URL (the complete step).
	RedirectURL string

	// BaseURL overrides the itch.io host (tests only).
	BaseURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for itch.io API calls (default: 30s).
	RequestTimeout time.Duration
}

// NewProvider creates a new itch.io provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
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
		clientID:    cfg.ClientID,
		redirectURL: cfg.RedirectURL,
		baseURL:     baseURL,
		httpClient:  httpClient,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL builds the provider redirect carrying the per-session
// state value.
func (p *Provider) AuthorizationURL(state string) string {
	q := url.Values{}
	q.Set("client_id", p.clientID)
	q.Set("scope", "profile:me")
	q.Set("redirect_uri", p.redirectURL)
	q.Set("state", state)

	return p.baseURL + "/user/oauth?" + q.Encode()
}

// meResponse is the subset of the /me payload we read.
type meResponse struct {
	User struct {
		ID json.Number `json:"id"`
	} `json:"user"`
}

// Identity resolves the account behind a bearer token via the /me endpoint.
func (p *Provider) Identity(ctx context.Context, accessToken string) (string, error) {
	endpoint := p.baseURL + "/api/1/bearer/" + url.PathEscape(accessToken) + "/me"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch identity: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read identity response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity request returned status %d", resp.StatusCode)
	}

	var parsed meResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode identity response: %w", err)
	}
	if parsed.User.ID.String() == "" {
		return "", providers.ErrNoIdentity
	}
	return parsed.User.ID.String(), nil
}

// myGamesResponse is the subset of the my-games payload we read.
type myGamesResponse struct {
	Games json.RawMessage `json:"games"`
}

// FetchGames returns the raw games list for the account behind the stored
// bearer token. The external ID is unused; itch scopes the call to the
// token's owner.
func (p *Provider) FetchGames(ctx context.Context, _, accessToken string) (providers.Games, error) {
	endpoint := p.baseURL + "/api/1/bearer/" + url.PathEscape(accessToken) + "/my-games"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build my-games request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch my-games: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read my-games response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("my-games request returned status %d", resp.StatusCode)
	}

	var parsed myGamesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode my-games response: %w", err)
	}
	if parsed.Games == nil {
		return providers.Games(`[]`), nil
	}
	return providers.Games(parsed.Games), nil
}
