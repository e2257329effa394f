// Package steam implements the Steam OpenID claimed-identity handshake and
// the owned-games catalog fetch.
package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/flaregames/flare/providers"
)

// Compile-time checks that Provider implements the expected interfaces.
var (
	_ providers.ClaimedIdentityProvider = (*Provider)(nil)
	_ providers.CatalogClient           = (*Provider)(nil)
)

// providerName is the name returned by Provider.Name().
const providerName = "steam"

// Default Steam endpoints
const (
	defaultCommunityURL = "https://steamcommunity.com"
	defaultAPIBaseURL   = "https://api.steampowered.com"
)

// claimedIDPattern is the issuer pattern a callback identity must match.
// The trailing digits are the SteamID64.
var claimedIDPattern = regexp.MustCompile(`^https?://steamcommunity\.com/openid/id/(\d+)$`)

// Provider implements the claimed-identity handshake for Steam.
type Provider struct {
	apiKey       string
	returnURL    string
	realm        string
	communityURL string
	apiBaseURL   string
	httpClient   *http.Client
}

// Config holds Steam provider configuration.
type Config struct {
	// APIKey is the Steam Web API key used for catalog fetches.
	APIKey string

	// ReturnURL is the linking callback URL (the complete step).
	ReturnURL string

	// Realm is the application base URL asserted to Steam.
	Realm string

	// CommunityBaseURL overrides the OpenID endpoint (tests only).
	CommunityBaseURL string

	// APIBaseURL overrides the Web API endpoint (tests only).
	APIBaseURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for Steam API calls (default: 30s).
	RequestTimeout time.Duration
}

// NewProvider creates a new Steam provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.ReturnURL == "" {
		return nil, fmt.Errorf("return URL is required")
	}
	if cfg.Realm == "" {
		return nil, fmt.Errorf("realm is required")
	}

	communityURL := cfg.CommunityBaseURL
	if communityURL == "" {
		communityURL = defaultCommunityURL
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
		apiKey:       cfg.APIKey,
		returnURL:    cfg.ReturnURL,
		realm:        cfg.Realm,
		communityURL: communityURL,
		apiBaseURL:   apiBaseURL,
		httpClient:   httpClient,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// AuthorizationURL builds the OpenID checkid_setup redirect. The nonce rides
// in the return URL and is verified when the callback arrives.
func (p *Provider) AuthorizationURL(nonce string) string {
	returnTo := p.returnURL + "?nonce=" + url.QueryEscape(nonce)

	q := url.Values{}
	q.Set("openid.ns", "http://specs.openid.net/auth/2.0")
	q.Set("openid.mode", "checkid_setup")
	q.Set("openid.claimed_id", "http://specs.openid.net/auth/2.0/identifier_select")
	q.Set("openid.identity", "http://specs.openid.net/auth/2.0/identifier_select")
	q.Set("openid.return_to", returnTo)
	q.Set("openid.realm", p.realm)

	return p.communityURL + "/openid/login?" + q.Encode()
}

// ExtractIdentity verifies the claimed identifier against the Steam issuer
// pattern and returns the SteamID64 embedded in it.
func (p *Provider) ExtractIdentity(params url.Values) (string, error) {
	claimedID := params.Get("openid.claimed_id")
	m := claimedIDPattern.FindStringSubmatch(claimedID)
	if m == nil {
		return "", fmt.Errorf("claimed identifier %q does not match the steam issuer pattern", claimedID)
	}
	return m[1], nil
}

// ownedGamesResponse is the subset of the GetOwnedGames payload we read.
type ownedGamesResponse struct {
	Response struct {
		Games json.RawMessage `json:"games"`
		Error *struct {
			Desc string `json:"errordesc"`
		} `json:"error"`
	} `json:"response"`
}

// FetchGames returns the raw owned-games list for a SteamID64. The access
// token is unused; Steam catalog reads authenticate with the Web API key.
func (p *Provider) FetchGames(ctx context.Context, externalID, _ string) (providers.Games, error) {
	q := url.Values{}
	q.Set("key", p.apiKey)
	q.Set("steamid", externalID)
	q.Set("include_appinfo", "1")
	q.Set("include_played_free_games", "1")
	q.Set("format", "json")

	endpoint := p.apiBaseURL + "/IPlayerService/GetOwnedGames/v0001/?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build owned games request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch owned games: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read owned games response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("owned games request returned status %d", resp.StatusCode)
	}

	var parsed ownedGamesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode owned games response: %w", err)
	}
	if parsed.Response.Error != nil {
		return nil, fmt.Errorf("steam api error: %s", parsed.Response.Error.Desc)
	}
	if parsed.Response.Games == nil {
		return providers.Games(`[]`), nil
	}
	return providers.Games(parsed.Response.Games), nil
}
