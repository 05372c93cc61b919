package network

import (
	"sync"

	"golang.org/x/time/rate"
)

// ipLimiter caps concurrent connections and streams per remote address.
type ipLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	return l.acquire(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	l.release(l.connCounts, l.maxConns, ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	return l.acquire(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	l.release(l.streamCounts, l.maxStreams, ip)
}

func (l *ipLimiter) acquire(counts map[string]int, limit int, ip string) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] >= limit {
		return false
	}
	counts[ip]++
	return true
}

func (l *ipLimiter) release(counts map[string]int, limit int, ip string) {
	if limit <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if counts[ip] <= 1 {
		delete(counts, ip)
		return
	}
	counts[ip]--
}

// newRequestLimiter bounds the request rate of one connection. A zero
// rate disables the limit.
func newRequestLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
