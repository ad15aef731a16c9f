// Package ratelimit admits operator commands per conversation using a sliding
// window over admission timestamps.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter counts admissions in the trailing window per key. Admission and
// recording are atomic from the caller's point of view.
type Limiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	buckets map[string][]time.Time

	now func() time.Time
}

// New builds a limiter admitting at most max requests per key within window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow reports whether the key may proceed, recording the admission when it
// does. Entries older than the window are trimmed on every visit; buckets for
// permanently idle conversations are reclaimed through Drain.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.buckets[key]
	trim := 0
	for trim < len(bucket) && bucket[trim].Before(cutoff) {
		trim++
	}
	bucket = bucket[trim:]

	if len(bucket) >= l.max {
		l.buckets[key] = bucket
		return false
	}

	bucket = append(bucket, now)
	l.buckets[key] = bucket
	return true
}

// Drain removes the key's bucket when every recorded admission has aged past
// the window. It exists for callers that revisit idle conversations and want
// the lazy sweep to run without admitting a request.
func (l *Limiter) Drain(key string) {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		return
	}
	live := bucket[:0]
	for _, ts := range bucket {
		if !ts.Before(cutoff) {
			live = append(live, ts)
		}
	}
	if len(live) == 0 {
		delete(l.buckets, key)
		return
	}
	l.buckets[key] = live
}

// Sweep drops every bucket whose admissions have all aged past the window,
// reclaiming the memory of conversations that went permanently idle. Callers
// run it periodically; Allow alone never deletes map entries.
func (l *Limiter) Sweep() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, bucket := range l.buckets {
		live := 0
		for _, ts := range bucket {
			if !ts.Before(cutoff) {
				live++
			}
		}
		if live == 0 {
			delete(l.buckets, key)
		}
	}
}

// Run sweeps idle buckets on an interval until the context ends, for wiring
// into the process lifecycle.
func (l *Limiter) Run(ctx context.Context) {
	interval := l.window
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Size reports the number of live buckets, for observability and tests.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
