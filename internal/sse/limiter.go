package sse

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// Connection limits that bound resource consumption from long-lived
// streaming connections: a client disconnect cancels its context
// immediately, and these limits bound how many such contexts can be
// outstanding at once.
const (
	// MaxDurationSeconds is the maximum lifetime of a single SSE connection.
	MaxDurationSeconds = 30 * 60

	// MaxPerIP is the maximum number of concurrent SSE connections from a single IP.
	MaxPerIP = 10

	// MaxGlobal is the global cap on concurrent SSE connections across all clients.
	MaxGlobal = 1000
)

// Limiter tracks concurrent SSE connections per IP and globally, using
// atomic counters for the global cap and a mutex-protected map per IP.
type Limiter struct {
	globalCount atomic.Int64
	mu          sync.Mutex
	perIP       map[string]*atomic.Int64
}

// NewLimiter creates an empty connection limiter.
func NewLimiter() *Limiter {
	return &Limiter{perIP: make(map[string]*atomic.Int64)}
}

// Acquire registers a new SSE connection for ip, returning false if the
// per-IP or global cap is already exceeded. On true, the caller must call
// Release exactly once when the connection ends.
func (l *Limiter) Acquire(ip string) bool {
	if l.globalCount.Load() >= MaxGlobal {
		return false
	}

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	if !ok {
		counter = &atomic.Int64{}
		l.perIP[ip] = counter
	}
	l.mu.Unlock()

	if counter.Load() >= int64(MaxPerIP) {
		return false
	}

	ipCount := counter.Add(1)
	globalCount := l.globalCount.Add(1)
	if ipCount > int64(MaxPerIP) || globalCount > MaxGlobal {
		counter.Add(-1)
		l.globalCount.Add(-1)
		return false
	}
	return true
}

// Release decrements the connection counters for ip.
func (l *Limiter) Release(ip string) {
	l.globalCount.Add(-1)

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()
	if !ok {
		return
	}
	if counter.Add(-1) <= 0 {
		l.mu.Lock()
		if counter.Load() <= 0 {
			delete(l.perIP, ip)
		}
		l.mu.Unlock()
	}
}

// GlobalCount returns the current global connection count (observability).
func (l *Limiter) GlobalCount() int64 { return l.globalCount.Load() }

// ClientIP extracts the client IP, preferring X-Real-Ip (set by chi's
// RealIP middleware upstream) and otherwise stripping the port from
// RemoteAddr.
func ClientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
