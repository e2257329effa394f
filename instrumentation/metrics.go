package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the service
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Login Token Metrics
	TokenIssued    metric.Int64Counter
	TokenValidated metric.Int64Counter
	TokenRejected  metric.Int64Counter

	// Account Link Metrics
	LinkStarted   metric.Int64Counter
	LinkCompleted metric.Int64Counter
	LinkRejected  metric.Int64Counter

	// Security Metrics
	RateLimitExceeded metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageUsersCount        metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge
	StorageAccountsCount     metric.Int64ObservableGauge

	// Cache Metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	authMeter := inst.Meter("auth")
	linkMeter := inst.Meter("linking")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	cacheMeter := inst.Meter("cache")
	providerMeter := inst.Meter("providers")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"flare.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"flare.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.TokenIssued, err = authMeter.Int64Counter(
		"flare.login_token.issued",
		metric.WithDescription("Number of login tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login_token.issued counter: %w", err)
	}

	m.TokenValidated, err = authMeter.Int64Counter(
		"flare.login_token.validated",
		metric.WithDescription("Number of login tokens successfully redeemed"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login_token.validated counter: %w", err)
	}

	m.TokenRejected, err = authMeter.Int64Counter(
		"flare.login_token.rejected",
		metric.WithDescription("Number of failed validate attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login_token.rejected counter: %w", err)
	}

	m.LinkStarted, err = linkMeter.Int64Counter(
		"flare.account_link.started",
		metric.WithDescription("Number of account link attempts started"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account_link.started counter: %w", err)
	}

	m.LinkCompleted, err = linkMeter.Int64Counter(
		"flare.account_link.completed",
		metric.WithDescription("Number of account links completed"),
		metric.WithUnit("{link}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account_link.completed counter: %w", err)
	}

	m.LinkRejected, err = linkMeter.Int64Counter(
		"flare.account_link.rejected",
		metric.WithDescription("Number of rejected link callbacks"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account_link.rejected counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"flare.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"flare.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"flare.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageUsersCount, err = storageMeter.Int64ObservableGauge(
		"flare.storage.users.count",
		metric.WithDescription("Number of user rows"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.users.count gauge: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"flare.storage.tokens.count",
		metric.WithDescription("Number of login token rows"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens.count gauge: %w", err)
	}

	m.StorageAccountsCount, err = storageMeter.Int64ObservableGauge(
		"flare.storage.accounts.count",
		metric.WithDescription("Number of linked account rows"),
		metric.WithUnit("{account}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.accounts.count gauge: %w", err)
	}

	m.CacheHits, err = cacheMeter.Int64Counter(
		"flare.cache.hits",
		metric.WithDescription("Number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.hits counter: %w", err)
	}

	m.CacheMisses, err = cacheMeter.Int64Counter(
		"flare.cache.misses",
		metric.WithDescription("Number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache.misses counter: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"flare.provider.api.calls.total",
		metric.WithDescription("Total number of platform API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"flare.provider.api.duration",
		metric.WithDescription("Platform API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"flare.provider.api.errors.total",
		metric.WithDescription("Total number of platform API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"flare.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordTokenIssued records issuance of a login token
func (m *Metrics) RecordTokenIssued(ctx context.Context) {
	m.TokenIssued.Add(ctx, 1)
}

// RecordTokenValidated records a successful token redemption
func (m *Metrics) RecordTokenValidated(ctx context.Context, siblingsDisabled int) {
	m.TokenValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("siblings_disabled", siblingsDisabled),
	))
}

// RecordTokenRejected records a failed validate attempt
func (m *Metrics) RecordTokenRejected(ctx context.Context, reason string) {
	m.TokenRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordLinkStarted records the begin step of a platform link
func (m *Metrics) RecordLinkStarted(ctx context.Context, provider string) {
	m.LinkStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordLinkCompleted records a completed platform link
func (m *Metrics) RecordLinkCompleted(ctx context.Context, provider string) {
	m.LinkCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordLinkRejected records a rejected link callback
func (m *Metrics) RecordLinkRejected(ctx context.Context, provider, reason string) {
	m.LinkRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordCacheHit records a cache hit for the provider's game list
func (m *Metrics) RecordCacheHit(ctx context.Context, provider string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordCacheMiss records a cache miss for the provider's game list
func (m *Metrics) RecordCacheMiss(ctx context.Context, provider string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordProviderAPICall records a platform API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "unknown"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
