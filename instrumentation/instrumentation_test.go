package instrumentation

import (
	"context"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if inst.Metrics() == nil {
		t.Error("Metrics() = nil")
	}
	if inst.Meter("auth") == nil {
		t.Error("Meter() = nil")
	}
	if inst.Tracer("http") == nil {
		t.Error("Tracer() = nil")
	}
	if inst.ShouldLogClientIPs() {
		t.Error("client IP logging enabled by default")
	}
}

func TestInstrumentation_RecordingIsSafe(t *testing.T) {
	inst, err := New(Config{ServiceName: "flare-test", ServiceVersion: "0.0.1", Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()
	m.RecordHTTPRequest(ctx, "GET", "auth_poll", 200, 1.5)
	m.RecordTokenIssued(ctx)
	m.RecordTokenValidated(ctx, 1)
	m.RecordTokenRejected(ctx, "expired")
	m.RecordLinkStarted(ctx, "steam")
	m.RecordLinkCompleted(ctx, "steam")
	m.RecordLinkRejected(ctx, "steam", "nonce_mismatch")
	m.RecordRateLimitExceeded(ctx, "email")
	m.RecordStorageOperation(ctx, "consume_token", "ok", 0.4)
	m.RecordCacheHit(ctx, "steam")
	m.RecordCacheMiss(ctx, "steam")
	m.RecordProviderAPICall(ctx, "steam", "fetch_games", 200, 12.0, nil)
	m.RecordAuditEvent(ctx, "login_token_issued")
}

func TestInstrumentation_RegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		func() int64 { return 3 },
	)
	if err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}

func TestInstrumentation_ShutdownIsIdempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}
