// Package instrumentation provides OpenTelemetry metrics and tracing for the
// identity and linking service.
//
// The package hands out no-op providers until a deployment wires an exporter,
// so instrumented code paths cost nothing when observability is disabled.
//
// Usage:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    ServiceName:    "flare",
//	    ServiceVersion: version,
//	    Enabled:        true,
//	})
//	if err != nil {
//	    return err
//	}
//	defer inst.Shutdown(ctx)
//
//	inst.Metrics().RecordTokenIssued(ctx)
//
// Metric instruments cover the login token lifecycle, account link flows,
// the issuance rate limiter, storage operations, the disk cache, and
// outbound platform API calls. Span attribute keys are shared in this
// package so layers tag spans consistently.
//
// Never attach credential values (login secrets, session tokens, provider
// access tokens) to spans or metrics; record metadata such as states and
// expiry times instead.
package instrumentation
