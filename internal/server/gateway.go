package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/Kascencio/backend-appacua/internal/logging"
	"github.com/Kascencio/backend-appacua/internal/metrics"
)

const (
	querySensorInstaladoID = "sensorInstaladoId"
	queryInstalacionID     = "instalacionId"
)

type GatewayConfig struct {
	SendBuffer           int
	WriteTimeout         time.Duration
	PongWait             time.Duration
	HandshakeTimeout     time.Duration
	MaxInboundFrameBytes int64
	AllowedOrigins       []string
	UpgradesPerMinute    int
	TrustProxyHeaders    bool
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		SendBuffer:           defaultSendBuffer,
		WriteTimeout:         10 * time.Second,
		PongWait:             60 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		MaxInboundFrameBytes: 4096,
		UpgradesPerMinute:    30,
	}
}

// Gateway upgrades /ws/lecturas requests, validates the subscription filter
// and keeps the subscriber registered for as long as the socket lives.
type Gateway struct {
	registry *Registry
	config   GatewayConfig
	upgrader websocket.Upgrader
	limiter  *upgradeLimiter
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewGateway(registry *Registry, clk clock.Clock, config GatewayConfig) *Gateway {
	cfg := config
	defaults := DefaultGatewayConfig()

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.MaxInboundFrameBytes <= 0 {
		cfg.MaxInboundFrameBytes = defaults.MaxInboundFrameBytes
	}
	if cfg.UpgradesPerMinute <= 0 {
		cfg.UpgradesPerMinute = defaults.UpgradesPerMinute
	}

	gateway := &Gateway{
		registry: registry,
		config:   cfg,
		limiter:  newUpgradeLimiter(clk, cfg.UpgradesPerMinute, time.Minute),
		validate: newFilterValidator(),
		logger:   logging.WithComponent("gateway"),
	}
	gateway.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		CheckOrigin:      gateway.checkOrigin,
	}
	return gateway
}

func (gateway *Gateway) ServeHTTP(response http.ResponseWriter, request *http.Request) {
	identity := clientIdentity(request, gateway.config.TrustProxyHeaders)
	if allowed, retryAfter := gateway.limiter.Allow(identity); !allowed {
		metrics.StreamRejectedConnections.WithLabelValues("throttled").Inc()
		response.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		writeError(response, http.StatusTooManyRequests, "too many connection attempts")
		return
	}

	conn, err := gateway.upgrader.Upgrade(response, request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		metrics.StreamRejectedConnections.WithLabelValues("upgrade_failed").Inc()
		gateway.logger.Debug().Err(err).Str("client", identity).Msg("websocket upgrade failed")
		return
	}

	filter, err := gateway.parseFilter(request.URL.Query())
	if err != nil {
		metrics.StreamRejectedConnections.WithLabelValues("invalid_filter").Inc()
		gateway.reject(conn, err.Error())
		return
	}

	subscriber := NewSubscriber(filter, gateway.config.SendBuffer)
	gateway.registry.Add(subscriber)
	gateway.logger.Debug().
		Str("subscriber", subscriber.ID).
		Str("client", identity).
		Msg("subscriber registered")

	go gateway.writePump(conn, subscriber)
	gateway.readPump(conn, subscriber)
}

func (gateway *Gateway) checkOrigin(request *http.Request) bool {
	origin := request.Header.Get("Origin")
	if origin == "" || len(gateway.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range gateway.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// reject tells the client why its subscription was refused and closes the
// socket. The subscriber is never registered.
func (gateway *Gateway) reject(conn *websocket.Conn, message string) {
	deadline := time.Now().Add(gateway.config.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, encodeStreamError(message)); err != nil {
		gateway.logger.Debug().Err(err).Msg("write filter error")
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid filter"),
		deadline,
	)
	_ = conn.Close()
}

// readPump discards client frames and keeps the read deadline fresh on pongs.
// When it returns the subscriber is deregistered.
func (gateway *Gateway) readPump(conn *websocket.Conn, subscriber *Subscriber) {
	defer func() {
		gateway.registry.Remove(subscriber)
		_ = conn.Close()
		gateway.logger.Debug().Str("subscriber", subscriber.ID).Msg("subscriber removed")
	}()

	conn.SetReadLimit(gateway.config.MaxInboundFrameBytes)
	if err := conn.SetReadDeadline(time.Now().Add(gateway.config.PongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(gateway.config.PongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				gateway.logger.Debug().Err(err).Str("subscriber", subscriber.ID).Msg("unexpected websocket close")
			}
			return
		}
	}
}

func (gateway *Gateway) writePump(conn *websocket.Conn, subscriber *Subscriber) {
	ticker := time.NewTicker(gateway.config.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-subscriber.Messages():
			if err := conn.SetWriteDeadline(time.Now().Add(gateway.config.WriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				gateway.logger.Debug().Err(err).Str("subscriber", subscriber.ID).Msg("write reading event")
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(gateway.config.WriteTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-subscriber.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(gateway.config.WriteTimeout),
			)
			return
		}
	}
}

// parseFilter reads the subscription filter from the query string. A present
// but empty or non-numeric value is an error, not an absent filter.
func (gateway *Gateway) parseFilter(values url.Values) (SubscriberFilter, error) {
	var filter SubscriberFilter

	sensorID, err := optionalID(values, querySensorInstaladoID)
	if err != nil {
		return SubscriberFilter{}, err
	}
	filter.SensorInstaladoID = sensorID

	installationID, err := optionalID(values, queryInstalacionID)
	if err != nil {
		return SubscriberFilter{}, err
	}
	filter.InstalacionID = installationID

	if err := gateway.validate.Struct(filter); err != nil {
		return SubscriberFilter{}, describeFilterError(err)
	}
	return filter, nil
}

func optionalID(values url.Values, key string) (*int64, error) {
	if !values.Has(key) {
		return nil, nil
	}

	parsed, err := strconv.ParseInt(strings.TrimSpace(values.Get(key)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a positive integer", key)
	}
	return &parsed, nil
}

func newFilterValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("query")
	})
	v.RegisterStructValidation(func(level validator.StructLevel) {
		filter := level.Current().Interface().(SubscriberFilter)
		if filter.SensorInstaladoID == nil && filter.InstalacionID == nil {
			level.ReportError(filter.SensorInstaladoID, querySensorInstaladoID, "SensorInstaladoID", "required_without_all", "")
		}
	}, SubscriberFilter{})
	return v
}

func describeFilterError(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) || len(fieldErrors) == 0 {
		return err
	}

	first := fieldErrors[0]
	if first.Tag() == "required_without_all" {
		return fmt.Errorf("%s or %s is required", querySensorInstaladoID, queryInstalacionID)
	}
	return fmt.Errorf("%s must be a positive integer", first.Field())
}
