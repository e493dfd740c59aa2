// SPDX-License-Identifier: MIT

package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func newTestLimiter(base time.Time) (*Limiter, *time.Time) {
	now := base
	l := New()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(time.Now())

	rule := Rule{Limit: 3, Window: time.Minute}
	for i := 0; i < 3; i++ {
		if d := l.Allow(Check{Key: "qr_ip:10.0.0.5", Rule: rule}); !d.Allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}
	d := l.Allow(Check{Key: "qr_ip:10.0.0.5", Rule: rule})
	if d.Allowed {
		t.Fatal("request over the limit was allowed")
	}
	if d.DeniedKey != "qr_ip:10.0.0.5" {
		t.Fatalf("denied key = %q", d.DeniedKey)
	}
	if d.RetryAfter < time.Second {
		t.Fatalf("RetryAfter = %v, want at least 1s", d.RetryAfter)
	}
}

func TestWindowSlides(t *testing.T) {
	l, now := newTestLimiter(time.Now())
	rule := RuleQRDevice // 1 per 20s

	if d := l.Allow(Check{Key: "qr_device:abc", Rule: rule}); !d.Allowed {
		t.Fatal("first request denied")
	}
	if d := l.Allow(Check{Key: "qr_device:abc", Rule: rule}); d.Allowed {
		t.Fatal("second request inside window allowed")
	}

	*now = now.Add(rule.Window + time.Millisecond)
	if d := l.Allow(Check{Key: "qr_device:abc", Rule: rule}); !d.Allowed {
		t.Fatal("request after window slide denied")
	}
}

func TestDenialConsumesNoBudget(t *testing.T) {
	l, _ := newTestLimiter(time.Now())

	// Exhaust the device key.
	l.Allow(Check{Key: "qr_device:abc", Rule: RuleQRDevice})

	// A combined check denied on the device key must not charge the others.
	for i := 0; i < 5; i++ {
		d := l.Allow(
			Check{Key: "qr_ip:10.0.0.5", Rule: RuleQRIP},
			Check{Key: "qr_locker:7", Rule: RuleQRLocker},
			Check{Key: "qr_device:abc", Rule: RuleQRDevice},
		)
		if d.Allowed {
			t.Fatal("combined check unexpectedly allowed")
		}
		if d.DeniedKey != "qr_device:abc" {
			t.Fatalf("denied key = %q", d.DeniedKey)
		}
	}

	// The locker window (6 per 60s) must still have its full budget.
	for i := 0; i < RuleQRLocker.Limit; i++ {
		if d := l.Allow(Check{Key: "qr_locker:7", Rule: RuleQRLocker}); !d.Allowed {
			t.Fatalf("locker request %d denied after unrelated denials", i+1)
		}
	}
}

func TestRetryAfterTracksOldestEntry(t *testing.T) {
	base := time.Now()
	l, now := newTestLimiter(base)
	rule := Rule{Limit: 2, Window: time.Minute}

	l.Allow(Check{Key: "master_pin:kiosk-1", Rule: rule})
	*now = base.Add(10 * time.Second)
	l.Allow(Check{Key: "master_pin:kiosk-1", Rule: rule})

	*now = base.Add(20 * time.Second)
	d := l.Allow(Check{Key: "master_pin:kiosk-1", Rule: rule})
	if d.Allowed {
		t.Fatal("over-limit request allowed")
	}
	// Oldest hit at t+0, window 60s, now t+20 -> 40s remain.
	if d.RetryAfter != 40*time.Second {
		t.Fatalf("RetryAfter = %v, want 40s", d.RetryAfter)
	}
}

func TestQRIPDefaults(t *testing.T) {
	l, _ := newTestLimiter(time.Now())
	for i := 0; i < RuleQRIP.Limit; i++ {
		if d := l.Allow(Check{Key: "qr_ip:192.168.1.10", Rule: RuleQRIP}); !d.Allowed {
			t.Fatalf("request %d of %d denied", i+1, RuleQRIP.Limit)
		}
	}
	if d := l.Allow(Check{Key: "qr_ip:192.168.1.10", Rule: RuleQRIP}); d.Allowed {
		t.Fatalf("request %d allowed over the %d limit", RuleQRIP.Limit+1, RuleQRIP.Limit)
	}
}

func TestPurgeDropsStaleKeys(t *testing.T) {
	base := time.Now()
	l, now := newTestLimiter(base)

	for i := 0; i < 10; i++ {
		l.Allow(Check{Key: fmt.Sprintf("qr_ip:10.0.0.%d", i), Rule: RuleQRIP})
	}
	if len(l.windows) != 10 {
		t.Fatalf("windows = %d, want 10", len(l.windows))
	}

	*now = base.Add(10 * time.Minute)
	l.Allow(Check{Key: "qr_ip:fresh", Rule: RuleQRIP})
	if len(l.windows) != 1 {
		t.Fatalf("windows after purge = %d, want 1", len(l.windows))
	}
}
