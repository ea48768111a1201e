// Copyright 2025 The NodeBridge Authors
// This file is part of the nodebridge library.
//
// The nodebridge library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodebridge library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodebridge library. If not, see <http://www.gnu.org/licenses/>.

// Package ratelimit implements the per-key token bucket of the gateway:
// lazy refill at maxRps tokens per second with capacity maxRps, one token
// per admitted request. Idle buckets are evicted by a background sweeper.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const (
	// DefaultSweepInterval is how often the sweeper scans for idle buckets.
	DefaultSweepInterval = time.Hour

	// DefaultMaxIdle is how long a bucket may sit untouched before the
	// sweeper deletes it.
	DefaultMaxIdle = 24 * time.Hour
)

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// Limiter holds one token bucket per API key.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	sweepEvery time.Duration
	maxIdle    time.Duration
	quit       chan struct{}
	wg         sync.WaitGroup

	now func() time.Time // overridable in tests
}

// New creates a limiter with the default sweep configuration. The sweeper
// does not run until Start is called.
func New() *Limiter {
	return &Limiter{
		buckets:    make(map[string]*bucket),
		sweepEvery: DefaultSweepInterval,
		maxIdle:    DefaultMaxIdle,
		now:        time.Now,
	}
}

// Decision is the outcome of one Take call. Remaining and Reset reflect the
// bucket state after the call, on both the allow and the deny path.
type Decision struct {
	Allowed    bool
	Limit      float64
	Remaining  int64     // floor of the tokens left
	RetryAfter int64     // seconds until a token is available, deny path only
	Reset      time.Time // when the bucket is full again
}

// Take refills the bucket for key at rps tokens per second, then consumes
// one token if at least one is available. A missing bucket starts full.
func (l *Limiter) Take(key string, rps float64) Decision {
	l.mu.RLock()
	b := l.buckets[key]
	l.mu.RUnlock()
	if b == nil {
		l.mu.Lock()
		if b = l.buckets[key]; b == nil {
			b = &bucket{tokens: rps, last: l.now()}
			l.buckets[key] = b
		}
		l.mu.Unlock()
	}

	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(rps, b.tokens+elapsed*rps)
	} else if b.tokens > rps {
		// Capacity may have been lowered since the last observation.
		b.tokens = rps
	}
	b.last = now

	if b.tokens < 1 {
		return Decision{
			Allowed:    false,
			Limit:      rps,
			Remaining:  int64(math.Floor(b.tokens)),
			RetryAfter: retryAfter(rps, b.tokens),
			Reset:      resetAt(now, rps, b.tokens),
		}
	}
	b.tokens--
	return Decision{
		Allowed:   true,
		Limit:     rps,
		Remaining: int64(math.Floor(b.tokens)),
		Reset:     resetAt(now, rps, b.tokens),
	}
}

// retryAfter is ceil((1 - tokens) / rps) in whole seconds.
func retryAfter(rps, tokens float64) int64 {
	if rps <= 0 {
		return 0
	}
	return int64(math.Ceil((1 - tokens) / rps))
}

// resetAt is now + (capacity - tokens) / rps, the instant the bucket refills.
func resetAt(now time.Time, rps, tokens float64) time.Time {
	if rps <= 0 {
		return now
	}
	return now.Add(time.Duration((rps - tokens) / rps * float64(time.Second)))
}

// SetHeaders writes the X-RateLimit response headers for this decision.
func (d Decision) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.FormatFloat(d.Limit, 'f', -1, 64))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", d.Reset.Format(time.RFC3339))
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// Start launches the background sweeper. It must be matched by Stop.
func (l *Limiter) Start() {
	l.mu.Lock()
	if l.quit != nil {
		l.mu.Unlock()
		return
	}
	l.quit = make(chan struct{})
	quit := l.quit
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-quit:
				return
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit.
func (l *Limiter) Stop() {
	l.mu.Lock()
	quit := l.quit
	l.quit = nil
	l.mu.Unlock()
	if quit != nil {
		close(quit)
		l.wg.Wait()
	}
}

// Sweep deletes buckets idle for longer than the configured maximum. It is
// exported so tests can trigger eviction without waiting out the ticker.
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-l.maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := b.last.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug("Evicted idle rate limit buckets", "count", evicted, "live", len(l.buckets))
	}
}
