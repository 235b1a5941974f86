// Package ratelimit implements a fixed-window request counter keyed by client
// address.
package ratelimit

import (
	"sync"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/dom/chat-relay/internal/metrics"
)

const (
	// DefaultWindow is the length of one counting window.
	DefaultWindow = time.Minute

	// DefaultMaxRequests is the number of requests allowed per window.
	DefaultMaxRequests = 200
)

// Config configures the limiter.
type Config struct {
	// Window defaults to DefaultWindow if zero or negative.
	Window time.Duration

	// MaxRequests defaults to DefaultMaxRequests if zero or negative.
	MaxRequests int

	// CleanupInterval is how often expired windows are dropped.
	// Defaults to Window.
	CleanupInterval time.Duration

	// Now replaces the clock. Defaults to time.Now.
	Now func() time.Time
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per key in fixed windows. It is safe for
// concurrent use and never consults identity.
//
// A background goroutine drops expired windows. Call Close() to stop it.
type Limiter struct {
	mu          sync.Mutex
	windows     map[string]*window
	window      time.Duration
	maxRequests int
	now         func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = cfg.Window
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Limiter{
		windows:     make(map[string]*window),
		window:      cfg.Window,
		maxRequests: cfg.MaxRequests,
		now:         cfg.Now,
		stopChan:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.cleanupLoop(cfg.CleanupInterval)

	return l
}

// Check counts one request for key.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		w = &window{start: now}
		l.windows[key] = w
	}

	if w.count >= l.maxRequests {
		metrics.RateLimited.Inc()
		return Decision{
			Allowed:    false,
			RetryAfter: w.start.Add(l.window).Sub(now),
		}
	}

	w.count++
	return Decision{
		Allowed:   true,
		Remaining: l.maxRequests - w.count,
	}
}

// Allow is Check returning a *domain.RateLimitError on denial.
func (l *Limiter) Allow(key string) error {
	d := l.Check(key)
	if d.Allowed {
		return nil
	}
	return l.Denied(d)
}

// Denied describes a denial with the configured window and cap.
func (l *Limiter) Denied(d Decision) *domain.RateLimitError {
	return &domain.RateLimitError{
		Window:      l.window,
		MaxRequests: l.maxRequests,
		RetryAfter:  d.RetryAfter,
	}
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

func (l *Limiter) MaxRequests() int {
	return l.maxRequests
}

// KeyCount returns the number of tracked keys.
func (l *Limiter) KeyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Cleanup drops every window that has ended.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.window)) {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Close stops the cleanup goroutine and waits for it to exit. It is safe to
// call more than once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}
