// Package security provides the cross-cutting security features of the
// service: client IP extraction, per-IP request rate limiting, security
// response headers, request ID propagation, audit logging with hashed PII,
// and encryption of provider tokens at rest.
package security
