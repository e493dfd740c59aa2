// SPDX-License-Identifier: MIT

// Package ratelimit is a sliding-window limiter keyed by arbitrary strings.
// One request consults several keys at once (per-IP, per-locker, per-device)
// and is admitted only when every window has room.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/mredag/eformLockerRoom-sub016/internal/metrics"
)

// Rule is one window definition applied to a key.
type Rule struct {
	Limit  int
	Window time.Duration
}

// QR and PIN limits.
var (
	RuleQRIP      = Rule{Limit: 30, Window: 60 * time.Second}
	RuleQRLocker  = Rule{Limit: 6, Window: 60 * time.Second}
	RuleQRDevice  = Rule{Limit: 1, Window: 20 * time.Second}
	RuleMasterPIN = Rule{Limit: 5, Window: 300 * time.Second}
)

// Decision reports the limiter outcome for one key set.
type Decision struct {
	Allowed    bool
	DeniedKey  string        // first key that was over its limit
	RetryAfter time.Duration // wait until the oldest window entry ages out
}

// Check pairs a key with its rule.
type Check struct {
	Key  string
	Rule Rule
}

// Limiter holds the in-memory windows. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time

	lastPurge time.Time
}

// New returns an empty limiter.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow admits the request only if every key has room in its window, then
// records one hit against each key. Denial records no hits, so a blocked
// request does not consume budget on the keys that still had room.
func (l *Limiter) Allow(checks ...Check) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybePurge(now)

	for _, c := range checks {
		entries := l.prune(c.Key, now.Add(-c.Rule.Window))
		if len(entries) >= c.Rule.Limit {
			retry := c.Rule.Window - now.Sub(entries[0])
			if retry < time.Second {
				retry = time.Second
			}
			metrics.RateLimited.WithLabelValues(classOf(c.Key)).Inc()
			return Decision{Allowed: false, DeniedKey: c.Key, RetryAfter: retry}
		}
	}
	for _, c := range checks {
		l.windows[c.Key] = append(l.windows[c.Key], now)
	}
	return Decision{Allowed: true}
}

// prune drops entries older than the cutoff and returns what remains.
// Caller holds the mutex.
func (l *Limiter) prune(key string, cutoff time.Time) []time.Time {
	entries := l.windows[key]
	i := 0
	for i < len(entries) && entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		entries = entries[i:]
		if len(entries) == 0 {
			delete(l.windows, key)
		} else {
			l.windows[key] = entries
		}
	}
	return entries
}

// maybePurge drops fully stale keys. Windows never exceed five minutes, so
// anything whose newest entry is older than that is garbage.
func (l *Limiter) maybePurge(now time.Time) {
	if now.Sub(l.lastPurge) < time.Minute {
		return
	}
	l.lastPurge = now
	cutoff := now.Add(-5 * time.Minute)
	for key, entries := range l.windows {
		if len(entries) == 0 || entries[len(entries)-1].Before(cutoff) {
			delete(l.windows, key)
		}
	}
}

// classOf maps "qr_ip:10.0.0.5" to "qr_ip" for metric labels.
func classOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
