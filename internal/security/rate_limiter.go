package security

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a per-key token bucket, used to cap the rate of
// unauthenticated requests an IP can make against registration endpoints.
type RateLimiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	rate     int
	interval time.Duration
	capacity int
	ttl      time.Duration
}

type bucket struct {
	tokens    int
	lastCheck time.Time
	mu        sync.Mutex
}

// NewRateLimiter returns a limiter allowing rate requests per interval per
// key, with capacity as the maximum burst size. Buckets idle longer than an
// hour are evicted by a background goroutine.
func NewRateLimiter(rate int, interval time.Duration, capacity int) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rate,
		interval: interval,
		capacity: capacity,
		ttl:      1 * time.Hour,
	}

	go rl.cleanup()

	return rl
}

// Allow reports whether a request from key may proceed, consuming one
// token if so.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.AllowN(key, 1)
}

// AllowN reports whether n tokens are available for key, consuming them if
// so.
func (rl *RateLimiter) AllowN(key string, n int) bool {
	if n <= 0 {
		return true
	}

	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		b = &bucket{
			tokens:    rl.capacity,
			lastCheck: time.Now(),
		}

		rl.mu.Lock()
		rl.buckets[key] = b
		rl.mu.Unlock()
	}

	return b.takeN(n, rl.rate, rl.interval, rl.capacity)
}

// Reset clears any bucket tracked for key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.buckets, key)
}

func (b *bucket) takeN(n, rate int, interval time.Duration, capacity int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastCheck)

	tokensToAdd := int(elapsed.Nanoseconds() * int64(rate) / interval.Nanoseconds())
	b.tokens += tokensToAdd
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastCheck = now

	if b.tokens >= n {
		b.tokens -= n
		return true
	}

	return false
}

// cleanup periodically removes buckets that have been idle past rl.ttl.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()

		now := time.Now()
		for key, b := range rl.buckets {
			b.mu.Lock()
			if now.Sub(b.lastCheck) > rl.ttl {
				delete(rl.buckets, key)
			}
			b.mu.Unlock()
		}

		rl.mu.Unlock()
	}
}

// BruteForceProtector locks out a key after a run of failures, with the
// lockout growing exponentially for each additional failure past the
// threshold.
type BruteForceProtector struct {
	mu            sync.RWMutex
	attempts      map[string]*attemptTracker
	maxAttempts   int
	lockoutPeriod time.Duration
	ttl           time.Duration
}

type attemptTracker struct {
	count        int
	firstAttempt time.Time
	lockUntil    time.Time
	mu           sync.Mutex
}

// NewBruteForceProtector returns a protector that locks out a key once it
// accumulates maxAttempts failures, starting at lockoutPeriod and doubling
// per attempt beyond the threshold, capped at 24 hours.
func NewBruteForceProtector(maxAttempts int, lockoutPeriod time.Duration) *BruteForceProtector {
	bfp := &BruteForceProtector{
		attempts:      make(map[string]*attemptTracker),
		maxAttempts:   maxAttempts,
		lockoutPeriod: lockoutPeriod,
		ttl:           24 * time.Hour,
	}

	go bfp.cleanup()

	return bfp
}

// RecordFailure registers a failed attempt for key, arming or extending its
// lockout once maxAttempts is reached.
func (bfp *BruteForceProtector) RecordFailure(key string) {
	bfp.mu.RLock()
	tracker, exists := bfp.attempts[key]
	bfp.mu.RUnlock()

	if !exists {
		tracker = &attemptTracker{
			count:        0,
			firstAttempt: time.Now(),
		}

		bfp.mu.Lock()
		bfp.attempts[key] = tracker
		bfp.mu.Unlock()
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	tracker.count++

	if tracker.count >= bfp.maxAttempts {
		lockDuration := bfp.lockoutPeriod * time.Duration(1<<uint(tracker.count-bfp.maxAttempts))
		if lockDuration > 24*time.Hour {
			lockDuration = 24 * time.Hour
		}
		tracker.lockUntil = time.Now().Add(lockDuration)
	}
}

// RecordSuccess clears key's failure history.
func (bfp *BruteForceProtector) RecordSuccess(key string) {
	bfp.mu.Lock()
	defer bfp.mu.Unlock()

	delete(bfp.attempts, key)
}

// IsAllowed reports whether key may attempt again, and if not, how long
// until the lockout clears.
func (bfp *BruteForceProtector) IsAllowed(key string) (bool, time.Duration, error) {
	bfp.mu.RLock()
	tracker, exists := bfp.attempts[key]
	bfp.mu.RUnlock()

	if !exists {
		return true, 0, nil
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	now := time.Now()

	if now.Before(tracker.lockUntil) {
		retryAfter := tracker.lockUntil.Sub(now)
		return false, retryAfter, fmt.Errorf("too many failed attempts, try again in %v", retryAfter.Round(time.Second))
	}

	if now.After(tracker.lockUntil) && tracker.count >= bfp.maxAttempts {
		tracker.count = 0
		tracker.firstAttempt = now
		tracker.lockUntil = time.Time{}
	}

	return true, 0, nil
}

// GetAttempts returns the current failure count tracked for key.
func (bfp *BruteForceProtector) GetAttempts(key string) int {
	bfp.mu.RLock()
	defer bfp.mu.RUnlock()

	tracker, exists := bfp.attempts[key]
	if !exists {
		return 0
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	return tracker.count
}

// cleanup periodically removes trackers whose first attempt is older than
// bfp.ttl.
func (bfp *BruteForceProtector) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		bfp.mu.Lock()

		now := time.Now()
		for key, tracker := range bfp.attempts {
			tracker.mu.Lock()
			if now.Sub(tracker.firstAttempt) > bfp.ttl {
				delete(bfp.attempts, key)
			}
			tracker.mu.Unlock()
		}

		bfp.mu.Unlock()
	}
}

// WaitIfNeeded blocks until a token is available for key or ctx is done.
func (rl *RateLimiter) WaitIfNeeded(ctx context.Context, key string) error {
	for {
		if rl.Allow(key) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.interval / time.Duration(rl.rate)):
		}
	}
}
