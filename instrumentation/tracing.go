package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (login secrets, session
// tokens, provider access tokens) in traces or metrics. Only log metadata
// such as token states, expiry times, and validation results.
const (
	// Identity attributes
	AttrUserID     = "flare.user_id"
	AttrTokenState = "flare.token.state" //nolint:gosec // token lifecycle state, not a credential
	AttrExpiresAt  = "flare.token.expires_at"

	// Link attributes
	AttrProviderName  = "provider.name"
	AttrHandshake     = "provider.handshake"
	AttrNoncePresent  = "flare.link.nonce_present"
	AttrLinkCompleted = "flare.link.completed"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Cache attributes
	AttrCacheHit = "cache.hit"
	AttrCacheKey = "cache.key"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddLinkAttributes adds account-link attributes to a span (nil-safe)
func AddLinkAttributes(span trace.Span, provider, handshake string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrHandshake, handshake),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// Client IPs can be PII; gate calls behind
// Instrumentation.ShouldLogClientIPs.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
