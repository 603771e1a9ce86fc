package security

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 2)
	defer rl.Stop()

	ip := "10.0.0.1"
	if !rl.Allow(ip) {
		t.Error("first request should be allowed")
	}
	if !rl.Allow(ip) {
		t.Error("second request (burst) should be allowed")
	}
	if rl.Allow(ip) {
		t.Error("third request should be denied (burst exhausted)")
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	if !rl.Allow("10.0.0.1") {
		t.Error("key A first request should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("key A second request should be denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("key B first request should be allowed")
	}
}

func TestRateLimiterUpdateRate(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	ip := "10.0.0.1"
	rl.Allow(ip)
	rl.UpdateRate(rate.Limit(1), 5)
	if !rl.Allow(ip) {
		t.Error("should be allowed after rate update")
	}
}

func TestRateLimiterMaxEntries(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 10)
	defer rl.Stop()

	rl.mu.Lock()
	rl.maxEntries = 3
	rl.mu.Unlock()

	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		if !rl.Allow(ip) {
			t.Errorf("%s should be allowed (map not full)", ip)
		}
	}
	if rl.Allow("10.0.0.100") {
		t.Error("should reject new key when map is at capacity")
	}
	if !rl.Allow("10.0.0.1") {
		t.Error("existing key should still be allowed")
	}
}

func TestRateLimiterEvict(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	rl.evict(time.Now().Add(11 * time.Minute))
	if rl.Len() != 0 {
		t.Errorf("Len = %d after eviction, want 0", rl.Len())
	}
}

func TestPerMinute(t *testing.T) {
	r, burst := PerMinute(60)
	if r != rate.Limit(1) || burst != 60 {
		t.Errorf("PerMinute(60) = %v, %d", r, burst)
	}
	if r, _ := PerMinute(0); r != rate.Inf {
		t.Errorf("PerMinute(0) = %v, want Inf", r)
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	rl.Stop()
}

func TestLimitKey(t *testing.T) {
	if got := LimitKey(Identity{}, "10.0.0.1"); got != "ip:10.0.0.1" {
		t.Errorf("anonymous key = %q", got)
	}
	if got := LimitKey(Identity{UserID: "u1", Name: "Ann"}, "10.0.0.1"); got != "user:u1" {
		t.Errorf("user key = %q", got)
	}

	rl := NewRateLimiter(rate.Limit(1), 1)
	defer rl.Stop()
	if !rl.Allow(LimitKey(Identity{UserID: "u1"}, "10.0.0.1")) {
		t.Error("u1 should be allowed")
	}
	if !rl.Allow(LimitKey(Identity{UserID: "u2"}, "10.0.0.1")) {
		t.Error("u2 behind the same IP should have its own budget")
	}
	if rl.Allow(LimitKey(Identity{UserID: "u1"}, "10.0.0.2")) {
		t.Error("u1 from another IP should share its budget")
	}
}
