// Package providers and its subpackages implement platform-specific linking
// handshakes and catalog fetches.
//
// Three handshake shapes cover every supported platform:
//
//   - ClaimedIdentityProvider: the provider asserts an identity URL in the
//     redirect-back request (Steam OpenID).
//   - AuthorizationCodeProvider: the provider returns a code exchanged
//     out-of-band for an access token (Epic).
//   - BearerTokenProvider: the provider returns a bearer token plus a state
//     echo directly in the callback (itch.io).
//
// Adding a platform means implementing one of these interfaces and
// registering it; the closed Registry replaces string-switch dispatch.
package providers
