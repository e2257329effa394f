// Package flare implements the identity and account-linking service for the
// FLARE game library: passwordless email login, external platform linking
// (Steam, Epic, itch.io), and a cache-shielded view of each platform's game
// catalog.
//
// The root package is the HTTP boundary. Domain logic lives in subpackages:
//
//   - auth: login token lifecycle, issuance rate limiting, sessions
//   - linking: the redirect/callback account-linking protocol
//   - providers: per-platform handshake implementations
//   - catalog: cached game catalog reads
//   - cache: the disk-backed TTL cache
//   - storage: persistence interfaces with memory and sqlite backends
//   - security: client IP extraction, per-IP limiting, audit logging
//   - instrumentation: OpenTelemetry metrics and tracing
package flare
