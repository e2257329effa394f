package security

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiter_AllowWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("203.0.113.1") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if rl.Allow("203.0.113.1") {
		t.Error("request beyond burst allowed")
	}
}

func TestRateLimiter_IdentifiersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Fatal("first identifier denied")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("first identifier not limited after burst")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("second identifier denied by first identifier's bucket")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 2, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c") // evicts "a"

	rl.mu.RLock()
	entries := len(rl.limiters)
	_, hasA := rl.limiters["a"]
	rl.mu.RUnlock()

	if entries != 2 {
		t.Errorf("tracked entries = %d, want 2", entries)
	}
	if hasA {
		t.Error("least recently used identifier survived eviction")
	}

	// The re-added identifier gets a fresh bucket.
	if !rl.Allow("a") {
		t.Error("evicted identifier denied on return")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("id-%d", i))
	}

	time.Sleep(time.Millisecond)
	rl.Cleanup(time.Nanosecond)

	rl.mu.RLock()
	remaining := len(rl.limiters)
	rl.mu.RUnlock()

	if remaining != 0 {
		t.Errorf("entries after cleanup = %d, want 0", remaining)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop()
}
