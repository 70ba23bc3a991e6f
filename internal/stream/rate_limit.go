package stream

import (
	"sync"
)

// Reasons returned by acquire when a connection is refused.
const (
	limitPerIP  = "ip_limit"
	limitGlobal = "global_limit"
)

// streamLimiter tracks concurrent SSE connections per IP and globally.
type streamLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	total       int
	maxPerIP    int
	maxTotal    int
}

func newStreamLimiter(maxPerIP, maxTotal int) *streamLimiter {
	if maxTotal < 1 {
		maxTotal = 1000
	}
	return &streamLimiter{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
		maxTotal:    maxTotal,
	}
}

// acquire registers a connection for ip. It returns "" on success or the
// limit that refused it.
func (l *streamLimiter) acquire(ip string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= l.maxTotal {
		return limitGlobal
	}
	if l.connections[ip] >= l.maxPerIP {
		return limitPerIP
	}

	l.connections[ip]++
	l.total++
	return ""
}

// release decrements the connection count for the given IP.
func (l *streamLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.connections[ip]--
	l.total--
	if l.connections[ip] <= 0 {
		delete(l.connections, ip)
	}
}

// count returns the number of active connections for the given IP.
func (l *streamLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connections[ip]
}
