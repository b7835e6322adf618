// Package ratelimit implements the per-user sliding-window admission check.
//
// State is process-local. Two bridge instances do not share budgets.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWindow = 60 * time.Second
	defaultLimit  = 100
)

// Config configures a Limiter.
type Config struct {
	Window time.Duration
	Limit  int
	Now    func() time.Time // nil means time.Now
	Logger *slog.Logger
}

// Limiter admits at most Limit calls per key within any trailing Window.
type Limiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	window time.Duration
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Limiter{
		hits:   make(map[string][]time.Time),
		window: cfg.Window,
		limit:  cfg.Limit,
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// Allow records a hit for key and reports whether it was admitted.
// Rejected attempts are not recorded.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hits := prune(l.hits[key], now.Add(-l.window))
	if len(hits) >= l.limit {
		l.hits[key] = hits
		return false
	}
	l.hits[key] = append(hits, now)
	return true
}

// Remaining returns how many more calls key may make in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := prune(l.hits[key], l.now().Add(-l.window))
	l.hits[key] = hits
	if len(hits) == 0 {
		delete(l.hits, key)
	}
	return l.limit - len(hits)
}

// Sweep evicts keys with no hits inside the window and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for key, hits := range l.hits {
		hits = prune(hits, cutoff)
		if len(hits) == 0 {
			delete(l.hits, key)
			removed++
			continue
		}
		l.hits[key] = hits
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// Run sweeps stale keys once per window until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("rate limiter swept idle keys", "removed", n)
			}
		}
	}
}

// prune drops timestamps at or before cutoff. hits is ordered oldest first.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
