package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Games is the opaque list of game records returned by a platform catalog
// API. Field mapping is provider-specific and out of scope here; the records
// pass through untouched.
type Games = json.RawMessage

// ClaimedIdentityProvider models platforms whose callback asserts an
// identity URL directly (Steam's OpenID flow): the begin step embeds a
// per-link nonce in the return URL, and the complete step verifies the
// claimed identifier against the issuer pattern and extracts the external
// account ID from it.
type ClaimedIdentityProvider interface {
	// Name returns the provider name (e.g., "steam")
	Name() string

	// AuthorizationURL generates the provider redirect for the begin step.
	// The nonce is carried in the return URL and verified on completion.
	AuthorizationURL(nonce string) string

	// ExtractIdentity verifies the claimed identifier in the callback
	// parameters and returns the external account ID embedded in it.
	ExtractIdentity(params url.Values) (string, error)
}

// AuthorizationCodeProvider models platforms using the standard OAuth
// authorization-code exchange (Epic): the complete step trades the returned
// code for an access token at the provider's token endpoint.
type AuthorizationCodeProvider interface {
	// Name returns the provider name (e.g., "epic")
	Name() string

	// AuthorizationURL generates the provider redirect for the begin step.
	AuthorizationURL() string

	// Exchange trades the authorization code for an access token and the
	// external account ID carried in the token response. The caller bounds
	// ctx with the outbound-call timeout.
	Exchange(ctx context.Context, code string) (externalID, accessToken string, err error)
}

// BearerTokenProvider models platforms that return a bearer token directly
// in the callback along with a state echo (itch.io): the complete step
// verifies the state and resolves the identity behind the token.
type BearerTokenProvider interface {
	// Name returns the provider name (e.g., "itch")
	Name() string

	// AuthorizationURL generates the provider redirect carrying the
	// per-session state value.
	AuthorizationURL(state string) string

	// Identity calls the provider's identity endpoint with the bearer
	// token and returns the external account ID.
	Identity(ctx context.Context, accessToken string) (string, error)
}

// CatalogClient fetches the owned-games list for a linked external account.
// Implementations are stateless; credentials arrive as arguments.
type CatalogClient interface {
	// FetchGames returns the platform's raw game list for the account.
	FetchGames(ctx context.Context, externalID, accessToken string) (Games, error)
}

// Registry is the closed set of known platforms. Each entry implements
// exactly one handshake shape; platforms without a public linking API
// (GOG, Humble) are registered as unsupported so they produce a stable
// terminal response rather than a routing miss.
type Registry struct {
	claimed     map[string]ClaimedIdentityProvider
	authCode    map[string]AuthorizationCodeProvider
	bearer      map[string]BearerTokenProvider
	catalogs    map[string]CatalogClient
	unsupported map[string]string // name -> reason
}

// NewRegistry creates an empty provider registry
func NewRegistry() *Registry {
	return &Registry{
		claimed:     make(map[string]ClaimedIdentityProvider),
		authCode:    make(map[string]AuthorizationCodeProvider),
		bearer:      make(map[string]BearerTokenProvider),
		catalogs:    make(map[string]CatalogClient),
		unsupported: make(map[string]string),
	}
}

// RegisterClaimedIdentity registers a claimed-identity provider
func (r *Registry) RegisterClaimedIdentity(p ClaimedIdentityProvider) {
	r.claimed[p.Name()] = p
	r.registerCatalog(p)
}

// RegisterAuthorizationCode registers an authorization-code provider
func (r *Registry) RegisterAuthorizationCode(p AuthorizationCodeProvider) {
	r.authCode[p.Name()] = p
	r.registerCatalog(p)
}

// RegisterBearerToken registers a bearer-token provider
func (r *Registry) RegisterBearerToken(p BearerTokenProvider) {
	r.bearer[p.Name()] = p
	r.registerCatalog(p)
}

// RegisterUnsupported records a recognized platform that has no linking
// support, with the reason reported to clients.
func (r *Registry) RegisterUnsupported(name, reason string) {
	r.unsupported[name] = reason
}

func (r *Registry) registerCatalog(p any) {
	type named interface{ Name() string }
	if c, ok := p.(CatalogClient); ok {
		r.catalogs[p.(named).Name()] = c
	}
}

// ClaimedIdentity looks up a claimed-identity provider by name
func (r *Registry) ClaimedIdentity(name string) (ClaimedIdentityProvider, bool) {
	p, ok := r.claimed[name]
	return p, ok
}

// AuthorizationCode looks up an authorization-code provider by name
func (r *Registry) AuthorizationCode(name string) (AuthorizationCodeProvider, bool) {
	p, ok := r.authCode[name]
	return p, ok
}

// BearerToken looks up a bearer-token provider by name
func (r *Registry) BearerToken(name string) (BearerTokenProvider, bool) {
	p, ok := r.bearer[name]
	return p, ok
}

// Catalog looks up the catalog client for a platform
func (r *Registry) Catalog(name string) (CatalogClient, bool) {
	c, ok := r.catalogs[name]
	return c, ok
}

// UnsupportedReason reports whether the platform is recognized but has no
// linking support, and why.
func (r *Registry) UnsupportedReason(name string) (string, bool) {
	reason, ok := r.unsupported[name]
	return reason, ok
}

// Known reports whether the name refers to any registered platform,
// supported or not.
func (r *Registry) Known(name string) bool {
	if _, ok := r.claimed[name]; ok {
		return true
	}
	if _, ok := r.authCode[name]; ok {
		return true
	}
	if _, ok := r.bearer[name]; ok {
		return true
	}
	_, ok := r.unsupported[name]
	return ok
}

// Names lists all registered platform names (for diagnostics).
func (r *Registry) Names() []string {
	var names []string
	for name := range r.claimed {
		names = append(names, name)
	}
	for name := range r.authCode {
		names = append(names, name)
	}
	for name := range r.bearer {
		names = append(names, name)
	}
	for name := range r.unsupported {
		names = append(names, name)
	}
	return names
}

// ErrNoIdentity is returned by providers when a well-formed upstream
// response carries no usable account identity.
var ErrNoIdentity = fmt.Errorf("providers: no identity in response")
