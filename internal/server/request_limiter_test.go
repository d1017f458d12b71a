package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func TestClientIdentityIgnoresForwardedHeadersByDefault(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/ws/lecturas", nil)
	request.RemoteAddr = "203.0.113.7:5050"
	request.Header.Set("X-Forwarded-For", "198.51.100.1")
	request.Header.Set("X-Real-IP", "198.51.100.2")

	identity := clientIdentity(request, false)
	if identity != "203.0.113.7" {
		t.Fatalf("expected remote ip identity, got %q", identity)
	}
}

func TestClientIdentityUsesForwardedHeadersWhenTrusted(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/ws/lecturas", nil)
	request.RemoteAddr = "203.0.113.7:5050"
	request.Header.Set("X-Forwarded-For", "198.51.100.1, 198.51.100.8")

	identity := clientIdentity(request, true)
	if identity != "198.51.100.1" {
		t.Fatalf("expected forwarded identity, got %q", identity)
	}
}

func TestUpgradeLimiterResetsAfterWindow(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := newUpgradeLimiter(clk, 2, time.Minute)

	for attempt := range 2 {
		if allowed, _ := limiter.Allow("203.0.113.7"); !allowed {
			t.Fatalf("attempt %d: expected allowed", attempt)
		}
	}

	clk.Advance(20 * time.Second)
	allowed, retryAfter := limiter.Allow("203.0.113.7")
	if allowed {
		t.Fatal("expected third attempt to be throttled")
	}
	if retryAfter != 40*time.Second {
		t.Fatalf("expected retry after 40s, got %s", retryAfter)
	}

	if allowed, _ := limiter.Allow("198.51.100.1"); !allowed {
		t.Fatal("expected other clients to be unaffected")
	}

	clk.Advance(40 * time.Second)
	if allowed, _ := limiter.Allow("203.0.113.7"); !allowed {
		t.Fatal("expected window reset to allow again")
	}
}
