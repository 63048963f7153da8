package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// NewLimiter allows perSecond requests per key with the given burst. It
// returns nil when perSecond is not positive, which disables limiting.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Forget drops the bucket for key.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

const (
	maxFailures   = 10
	failureWindow = time.Minute
	blockDuration = 5 * time.Minute
	evictAbove    = 1000
)

// Guard blocks a client after repeated authentication failures: 10
// failures within a minute block it for five minutes.
type Guard struct {
	mu      sync.Mutex
	now     func() time.Time
	clients map[string]*failures
}

type failures struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// NewGuard creates a Guard. A nil now uses time.Now.
func NewGuard(now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{now: now, clients: make(map[string]*failures)}
}

// Blocked reports whether ip is currently blocked.
func (g *Guard) Blocked(ip string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.clients[ip]
	if !ok || f.blockedUntil.IsZero() {
		return false
	}
	if g.now().Before(f.blockedUntil) {
		return true
	}
	delete(g.clients, ip)
	return false
}

// RetryAfter returns the whole seconds until ip is unblocked.
func (g *Guard) RetryAfter(ip string) int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.clients[ip]
	if !ok {
		return 0
	}
	remaining := f.blockedUntil.Sub(g.now())
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds()) + 1
}

// Failure records a failed attempt and reports whether ip is now blocked.
func (g *Guard) Failure(ip string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	f, ok := g.clients[ip]
	if !ok {
		f = &failures{windowStart: now}
		g.clients[ip] = f
	}
	if now.Sub(f.windowStart) > failureWindow {
		f.count = 0
		f.windowStart = now
	}
	f.count++
	if f.count >= maxFailures {
		f.blockedUntil = now.Add(blockDuration)
		return true
	}
	if len(g.clients) > evictAbove {
		g.evict(now)
	}
	return false
}

// Success forgets earlier failures of ip.
func (g *Guard) Success(ip string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.clients, ip)
	g.mu.Unlock()
}

func (g *Guard) evict(now time.Time) {
	for ip, f := range g.clients {
		if !f.blockedUntil.IsZero() && now.After(f.blockedUntil) {
			delete(g.clients, ip)
		} else if f.blockedUntil.IsZero() && now.Sub(f.windowStart) > failureWindow {
			delete(g.clients, ip)
		}
	}
}
