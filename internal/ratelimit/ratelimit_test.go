package ratelimit_test

import (
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/ratelimit"
)

func TestAllow_burstThenDeny(t *testing.T) {
	// 60/min refills one token per second; burst of 3 admits 3 immediately.
	l := ratelimit.New(60, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d should be admitted within burst", i+1)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Error("request beyond burst should be denied")
	}
}

func TestAllow_keysAreIndependent(t *testing.T) {
	l := ratelimit.New(60, 1, time.Minute)

	if !l.Allow("a") {
		t.Fatal("first request for key a should pass")
	}
	if l.Allow("a") {
		t.Error("second request for key a should be denied")
	}
	if !l.Allow("b") {
		t.Error("key b has its own bucket and should pass")
	}
}

func TestAllow_refills(t *testing.T) {
	// 600/min = 10/sec: after ~150ms at least one token is back.
	l := ratelimit.New(600, 1, time.Minute)

	if !l.Allow("k") {
		t.Fatal("first request should pass")
	}
	if l.Allow("k") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(150 * time.Millisecond)
	if !l.Allow("k") {
		t.Error("bucket should have refilled after waiting")
	}
}

func TestIdleBucketsEvicted(t *testing.T) {
	l := ratelimit.New(60, 60, 50*time.Millisecond)

	l.Allow("stale")
	if l.Len() != 1 {
		t.Fatalf("buckets: got %d, want 1", l.Len())
	}

	time.Sleep(120 * time.Millisecond)
	l.Allow("fresh") // triggers opportunistic cleanup
	if l.Len() != 1 {
		t.Errorf("buckets after cleanup: got %d, want 1 (stale evicted)", l.Len())
	}
}
