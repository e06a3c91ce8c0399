package runner

import (
	"testing"
	"time"
)

func TestThrottleBurstThenRefuse(t *testing.T) {
	th := NewThrottle(10, 3)
	for i := 0; i < 3; i++ {
		if !th.Allow(42) {
			t.Fatalf("burst message %d refused", i+1)
		}
	}
	if th.Allow(42) {
		t.Fatal("message past burst allowed")
	}
}

func TestThrottleIsolatesUsers(t *testing.T) {
	th := NewThrottle(10, 1)
	if !th.Allow(1) {
		t.Fatal("first user refused")
	}
	if th.Allow(1) {
		t.Fatal("first user not throttled")
	}
	if !th.Allow(2) {
		t.Fatal("second user throttled by first user's bucket")
	}
}

func TestThrottleRefills(t *testing.T) {
	// 6000 per minute refills one token every 10ms.
	th := NewThrottle(6000, 1)
	if !th.Allow(42) {
		t.Fatal("initial token refused")
	}
	if th.Allow(42) {
		t.Fatal("empty bucket allowed")
	}
	time.Sleep(30 * time.Millisecond)
	if !th.Allow(42) {
		t.Fatal("bucket never refilled")
	}
}

func TestThrottleEvictsStaleBuckets(t *testing.T) {
	th := NewThrottle(10, 3)
	th.Allow(1)
	th.Allow(2)
	if n := th.BucketCount(); n != 2 {
		t.Fatalf("bucket count = %d, want 2", n)
	}
	time.Sleep(20 * time.Millisecond)
	th.Allow(3)

	th.EvictStale(10 * time.Millisecond)
	if n := th.BucketCount(); n != 1 {
		t.Fatalf("bucket count after eviction = %d, want 1", n)
	}
}

func TestThrottleDefaults(t *testing.T) {
	th := NewThrottle(0, 0)
	if !th.Allow(7) {
		t.Fatal("default-configured throttle refused first message")
	}
}
