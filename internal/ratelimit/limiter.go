// Package ratelimit implements the sliding-window request limiter that
// guards every endpoint, and the HTTP gate that applies it per client and
// route.
package ratelimit

import (
	"sync"
	"time"
)

type Result struct {
	Limited   bool
	Remaining int
	ResetIn   time.Duration
}

type window struct {
	stamps []time.Time
	width  time.Duration
}

// Limiter counts request instants per key over a trailing window. The table
// is process-local and owned by whoever constructs it; at higher throughput
// the single mutex would be replaced by sharded counters behind the same
// Check signature.
type Limiter struct {
	mu   sync.Mutex
	keys map[string]*window

	stop     chan struct{}
	stopOnce sync.Once
}

func NewLimiter() *Limiter {
	return &Limiter{
		keys: make(map[string]*window),
		stop: make(chan struct{}),
	}
}

// Check prunes stamps older than the window, then either records the attempt
// (allowed) or reports when the window frees up (limited). Rejected attempts
// are not counted against the window.
func (l *Limiter) Check(key string, limit int, width time.Duration, now time.Time) Result {
	threshold := now.Add(-width)

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.keys[key]
	if entry == nil {
		entry = &window{width: width}
		l.keys[key] = entry
	}
	entry.width = width

	kept := entry.stamps[:0]
	for _, stamp := range entry.stamps {
		if stamp.After(threshold) {
			kept = append(kept, stamp)
		}
	}
	entry.stamps = kept

	if len(entry.stamps) >= limit {
		resetIn := entry.stamps[0].Add(width).Sub(now)
		if resetIn < time.Second {
			resetIn = time.Second
		}
		return Result{Limited: true, Remaining: 0, ResetIn: resetIn}
	}

	entry.stamps = append(entry.stamps, now)

	return Result{
		Limited:   false,
		Remaining: limit - len(entry.stamps),
		ResetIn:   width,
	}
}

// StartSweeper drops keys whose windows have emptied, bounding memory growth
// from one-shot clients. It runs until Stop and never blocks Check beyond
// the shared mutex.
func (l *Limiter) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.sweep(time.Now().UTC())
			case <-l.stop:
				return
			}
		}
	}()
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.keys {
		threshold := now.Add(-entry.width)
		kept := entry.stamps[:0]
		for _, stamp := range entry.stamps {
			if stamp.After(threshold) {
				kept = append(kept, stamp)
			}
		}
		entry.stamps = kept

		if len(entry.stamps) == 0 {
			delete(l.keys, key)
		}
	}
}

func (l *Limiter) keyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
