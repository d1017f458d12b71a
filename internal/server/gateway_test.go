package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
)

func newGatewayServer(t *testing.T, config GatewayConfig) (*Registry, *httptest.Server) {
	t.Helper()

	registry := NewRegistry()
	server := httptest.NewServer(NewGateway(registry, clock.WallClock, config))
	t.Cleanup(func() {
		registry.CloseAll()
		server.Close()
	})
	return registry, server
}

func dialStream(t *testing.T, server *httptest.Server, rawQuery string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	target := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/lecturas"
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	conn, response, err := websocket.DefaultDialer.Dial(target, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, response, err
}

func readStreamMessage(t *testing.T, conn *websocket.Conn) streamMessage {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	var message streamMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return message
}

func TestGatewayRejectsSubscriptionWithoutFilter(t *testing.T) {
	cases := map[string]string{
		"no filter":         "",
		"empty sensor":      "sensorInstaladoId=",
		"non numeric":       "sensorInstaladoId=abc",
		"zero installation": "instalacionId=0",
		"negative sensor":   "sensorInstaladoId=-4",
	}

	for name, rawQuery := range cases {
		t.Run(name, func(t *testing.T) {
			registry, server := newGatewayServer(t, GatewayConfig{})

			conn, _, err := dialStream(t, server, rawQuery)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}

			message := readStreamMessage(t, conn)
			if message.Type != "error" || message.Message == "" {
				t.Fatalf("expected error message, got %+v", message)
			}

			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = conn.ReadMessage()
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
				t.Fatalf("expected policy violation close, got %v", err)
			}

			if registry.Len() != 0 {
				t.Fatalf("expected no registered subscribers, got %d", registry.Len())
			}
		})
	}
}

func TestGatewayRejectionMessageNamesBothFilters(t *testing.T) {
	_, server := newGatewayServer(t, GatewayConfig{})

	conn, _, err := dialStream(t, server, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	message := readStreamMessage(t, conn)
	if !strings.Contains(message.Message, "sensorInstaladoId") || !strings.Contains(message.Message, "instalacionId") {
		t.Fatalf("expected message naming both filters, got %q", message.Message)
	}
}

func TestGatewayStreamsMatchingEvents(t *testing.T) {
	registry, server := newGatewayServer(t, GatewayConfig{})
	broadcaster := NewBroadcaster(registry)

	conn, _, err := dialStream(t, server, "instalacionId=2")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return registry.Len() == 1 })

	broadcaster.Publish(ReadingEvent{IDLectura: 10, SensorInstaladoID: 1, InstalacionID: 1})
	broadcaster.Publish(ReadingEvent{IDLectura: 11, SensorInstaladoID: 4, InstalacionID: 2, Valor: 26.5})

	message := readStreamMessage(t, conn)
	if message.Type != eventTypeReadingCreated {
		t.Fatalf("expected %q, got %q", eventTypeReadingCreated, message.Type)
	}
	if message.Data == nil || message.Data.IDLectura != 11 || message.Data.Valor != 26.5 {
		t.Fatalf("expected event 11, got %+v", message.Data)
	}
}

func TestGatewayDeregistersWhenClientDisconnects(t *testing.T) {
	registry, server := newGatewayServer(t, GatewayConfig{})

	conn, _, err := dialStream(t, server, "sensorInstaladoId=3")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return registry.Len() == 1 })

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	waitFor(t, func() bool { return registry.Len() == 0 })
}

func TestGatewayClosesSocketsOnRegistryShutdown(t *testing.T) {
	registry, server := newGatewayServer(t, GatewayConfig{})

	conn, _, err := dialStream(t, server, "sensorInstaladoId=3")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return registry.Len() == 1 })

	registry.CloseAll()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("expected going away close, got %v", err)
	}
}

func TestGatewayThrottlesRepeatedUpgrades(t *testing.T) {
	_, server := newGatewayServer(t, GatewayConfig{UpgradesPerMinute: 1})

	if _, _, err := dialStream(t, server, "sensorInstaladoId=1"); err != nil {
		t.Fatalf("first dial: %v", err)
	}

	_, response, err := dialStream(t, server, "sensorInstaladoId=1")
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if response == nil || response.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %v", http.StatusTooManyRequests, response)
	}
	if response.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestGatewayRejectsDisallowedOrigin(t *testing.T) {
	_, server := newGatewayServer(t, GatewayConfig{AllowedOrigins: []string{"https://panel.example"}})

	target := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/lecturas?sensorInstaladoId=1"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, response, err := websocket.DefaultDialer.Dial(target, header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if response == nil || response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status %d, got %v", http.StatusForbidden, response)
	}
}
