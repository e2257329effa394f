package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceVersion is used when no version is provided.
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used (zero overhead).
	Enabled bool

	// LogClientIPs controls whether client IP addresses appear in traces
	// and metrics. Disable for GDPR-sensitive deployments.
	LogClientIPs bool

	// Resource allows custom resource attributes. If nil, a default
	// resource is created from ServiceName and ServiceVersion.
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions must be registered during New() only.
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "flare"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	// Exporter wiring is deployment-specific; both paths currently hand out
	// no-op providers so instrumented code carries zero overhead until an
	// exporter is configured.
	inst.meterProvider = noop.NewMeterProvider()
	inst.tracerProvider = tracenoop.NewTracerProvider()

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// Shutdown gracefully shuts down all instrumentation providers.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil {
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope. Scopes are layer names
// like "http", "auth", "linking", "catalog", "storage", "cache".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter("github.com/flaregames/flare/" + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer("github.com/flaregames/flare/" + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs reports whether client IP addresses may be attached to
// observability data.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback returns the current size of a storage component.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers gauges for store sizes. Storage
// implementations call this after instrumentation is set.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	usersCount, tokensCount, accountsCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if usersCount != nil {
				observer.ObserveInt64(i.metrics.StorageUsersCount, usersCount())
			}
			if tokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageTokensCount, tokensCount())
			}
			if accountsCount != nil {
				observer.ObserveInt64(i.metrics.StorageAccountsCount, accountsCount())
			}
			return nil
		},
		i.metrics.StorageUsersCount,
		i.metrics.StorageTokensCount,
		i.metrics.StorageAccountsCount,
	)

	return err
}
