package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
)

const limiterSweepThreshold = 512

// upgradeLimiter is a fixed-window counter per client identity. The gateway
// consults it before upgrading so reconnect storms are refused with 429
// instead of holding sockets open.
type upgradeLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	limit   int
	window  time.Duration
	entries map[string]limiterWindow
}

type limiterWindow struct {
	start time.Time
	count int
}

func newUpgradeLimiter(clk clock.Clock, limit int, window time.Duration) *upgradeLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if clk == nil {
		clk = clock.WallClock
	}

	return &upgradeLimiter{
		clock:   clk,
		limit:   limit,
		window:  window,
		entries: map[string]limiterWindow{},
	}
}

// Allow records an attempt for key. When the window is exhausted it returns
// false and the time left until the window resets.
func (limiter *upgradeLimiter) Allow(key string) (bool, time.Duration) {
	if key == "" {
		key = "unknown"
	}
	now := limiter.clock.Now()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	current := limiter.entries[key]
	if current.start.IsZero() || now.Sub(current.start) >= limiter.window {
		current = limiterWindow{start: now}
	}

	if current.count >= limiter.limit {
		limiter.entries[key] = current
		return false, current.start.Add(limiter.window).Sub(now)
	}

	current.count++
	limiter.entries[key] = current
	limiter.sweep(now)
	return true, 0
}

func (limiter *upgradeLimiter) sweep(now time.Time) {
	if len(limiter.entries) < limiterSweepThreshold {
		return
	}

	expiry := limiter.window * 3
	for key, entry := range limiter.entries {
		if now.Sub(entry.start) > expiry {
			delete(limiter.entries, key)
		}
	}
}

// clientIdentity keys throttling. Forwarded headers are honored only when the
// service runs behind a trusted proxy.
func clientIdentity(request *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if forwardedFor := strings.TrimSpace(request.Header.Get("X-Forwarded-For")); forwardedFor != "" {
			firstHop, _, _ := strings.Cut(forwardedFor, ",")
			if ip := strings.TrimSpace(firstHop); ip != "" {
				return ip
			}
		}

		if realIP := strings.TrimSpace(request.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}

	remote := strings.TrimSpace(request.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	return remote
}
