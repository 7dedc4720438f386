package auth

import (
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("key-1") {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if rl.Allow("key-1") {
		t.Fatal("fourth request in the window should be limited")
	}
	// Other keys have their own windows.
	if !rl.Allow("key-2") {
		t.Fatal("limits are per key")
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)

	if got := rl.Remaining("key-1"); got != 5 {
		t.Fatalf("Remaining = %d, want 5", got)
	}
	rl.Allow("key-1")
	rl.Allow("key-1")
	if got := rl.Remaining("key-1"); got != 3 {
		t.Fatalf("Remaining = %d, want 3", got)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond)

	if !rl.Allow("key-1") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("key-1") {
		t.Fatal("second request should be limited")
	}
	time.Sleep(15 * time.Millisecond)
	if !rl.Allow("key-1") {
		t.Fatal("window should have reset")
	}
}
