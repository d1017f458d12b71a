package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Kascencio/backend-appacua/internal/logging"
	"github.com/Kascencio/backend-appacua/internal/metrics"
)

const (
	defaultRangeLimit = 500
	maxRangeLimit     = 5000
	maxIngestBatch    = 500
	maxIngestBody     = 1 << 20
)

type API struct {
	store             Store
	ingestAPIKey      string
	stream            http.Handler
	clock             clock.Clock
	corsOrigins       []string
	rateLimitRequests int
	rateLimitWindow   time.Duration
	trustProxyHeaders bool
	queryTimeout      time.Duration
	logger            zerolog.Logger
}

type APIOption func(*API)

// WithStream mounts the live readings gateway at /ws/lecturas.
func WithStream(handler http.Handler) APIOption {
	return func(api *API) {
		api.stream = handler
	}
}

func WithClock(clk clock.Clock) APIOption {
	return func(api *API) {
		api.clock = clk
	}
}

func WithCORSOrigins(origins []string) APIOption {
	return func(api *API) {
		api.corsOrigins = origins
	}
}

// WithRateLimit caps requests per client IP on /api routes. A zero request
// count disables the limit.
func WithRateLimit(requests int, window time.Duration) APIOption {
	return func(api *API) {
		api.rateLimitRequests = requests
		api.rateLimitWindow = window
	}
}

// WithQueryTimeout bounds every store call made by a request handler.
func WithQueryTimeout(timeout time.Duration) APIOption {
	return func(api *API) {
		api.queryTimeout = timeout
	}
}

func WithTrustProxyHeaders(trust bool) APIOption {
	return func(api *API) {
		api.trustProxyHeaders = trust
	}
}

func NewAPI(store Store, ingestAPIKey string, options ...APIOption) *API {
	api := &API{
		store:             store,
		ingestAPIKey:      strings.TrimSpace(ingestAPIKey),
		clock:             clock.WallClock,
		corsOrigins:       []string{"*"},
		rateLimitRequests: 300,
		rateLimitWindow:   time.Minute,
		queryTimeout:      5 * time.Second,
		logger:            logging.WithComponent("api"),
	}
	for _, option := range options {
		option(api)
	}
	return api
}

func (api *API) Handler() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	if api.trustProxyHeaders {
		router.Use(chimiddleware.RealIP)
	}
	router.Use(chimiddleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: api.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	if api.stream != nil {
		router.Method(http.MethodGet, "/ws/lecturas", api.stream)
	}

	router.Group(func(router chi.Router) {
		router.Use(observeRequests)

		router.Get("/health", api.handleHealth)
		router.Get("/ready", api.handleReady)
		router.Method(http.MethodGet, "/metrics", promhttp.Handler())

		router.Route("/api", func(router chi.Router) {
			if api.rateLimitRequests > 0 {
				router.Use(httprate.LimitByIP(api.rateLimitRequests, api.rateLimitWindow))
			}

			router.Get("/lecturas", api.handleReadings)
			router.Get("/resumen-horario", api.handleHourlySummary)
			router.Get("/promedios", api.handleAverages)
			router.Get("/reportes/xml", api.handleReportXML)

			router.Group(func(router chi.Router) {
				router.Use(api.requireIngestKey)
				router.Post("/lecturas", api.handleIngest)
				router.Post("/lecturas/batch", api.handleIngestBatch)
			})
		})
	})

	return router
}

func (api *API) handleHealth(response http.ResponseWriter, request *http.Request) {
	ctx, cancel := api.storeContext(request)
	defer cancel()
	records, err := api.store.Count(ctx)
	if err != nil {
		writeError(response, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	writeJSON(response, http.StatusOK, map[string]any{
		"status":  "ok",
		"time":    FormatTimestamp(api.clock.Now()),
		"records": records,
	})
}

func (api *API) handleReady(response http.ResponseWriter, request *http.Request) {
	ctx, cancel := api.storeContext(request)
	defer cancel()
	if err := api.store.Ping(ctx); err != nil {
		writeError(response, http.StatusServiceUnavailable, "not ready")
		return
	}

	writeJSON(response, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

type readingResponse struct {
	ID                int64   `json:"id_lectura"`
	SensorInstaladoID int64   `json:"id_sensor_instalado"`
	Valor             float64 `json:"valor"`
	TomadaEn          string  `json:"tomada_en"`
}

func (api *API) handleReadings(response http.ResponseWriter, request *http.Request) {
	query, err := parseRangeQuery(request, defaultRangeLimit)
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := api.storeContext(request)
	defer cancel()
	readings, err := api.store.Readings(ctx, query)
	if err != nil {
		api.logger.Error().Err(err).Int64("sensor", query.SensorInstaladoID).Msg("query readings")
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}

	output := make([]readingResponse, 0, len(readings))
	for _, reading := range readings {
		output = append(output, readingResponse{
			ID:                reading.ID,
			SensorInstaladoID: reading.SensorInstaladoID,
			Valor:             reading.Valor,
			TomadaEn:          FormatTimestamp(reading.TomadaEn),
		})
	}
	writeJSON(response, http.StatusOK, output)
}

type hourlySummaryResponse struct {
	SensorInstaladoID int64   `json:"id_sensor_instalado"`
	FechaHora         string  `json:"fecha_hora"`
	Promedio          float64 `json:"avg_val"`
	Min               float64 `json:"min_val"`
	Max               float64 `json:"max_val"`
	Total             int64   `json:"total"`
}

func (api *API) handleHourlySummary(response http.ResponseWriter, request *http.Request) {
	query, err := parseRangeQuery(request, 0)
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := api.storeContext(request)
	defer cancel()
	buckets, err := api.store.Buckets(ctx, query, GranularityHour)
	if err != nil {
		api.logger.Error().Err(err).Int64("sensor", query.SensorInstaladoID).Msg("query hourly summary")
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}

	output := make([]hourlySummaryResponse, 0, len(buckets))
	for _, bucket := range buckets {
		output = append(output, hourlySummaryResponse{
			SensorInstaladoID: bucket.SensorInstaladoID,
			FechaHora:         FormatTimestamp(bucket.Start),
			Promedio:          bucket.Promedio,
			Min:               bucket.Min,
			Max:               bucket.Max,
			Total:             bucket.Total,
		})
	}
	writeJSON(response, http.StatusOK, output)
}

type averageResponse struct {
	SensorInstaladoID int64   `json:"id_sensor_instalado"`
	Timestamp         string  `json:"timestamp"`
	Promedio          float64 `json:"promedio"`
}

func (api *API) handleAverages(response http.ResponseWriter, request *http.Request) {
	granularity, err := ParseGranularity(request.URL.Query().Get("granularity"))
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	query, err := parseRangeQuery(request, 0)
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := api.storeContext(request)
	defer cancel()
	buckets, err := api.store.Buckets(ctx, query, granularity)
	if err != nil {
		api.logger.Error().Err(err).Int64("sensor", query.SensorInstaladoID).Msg("query averages")
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}

	output := make([]averageResponse, 0, len(buckets))
	for _, bucket := range buckets {
		output = append(output, averageResponse{
			SensorInstaladoID: bucket.SensorInstaladoID,
			Timestamp:         FormatTimestamp(bucket.Start),
			Promedio:          bucket.Promedio,
		})
	}
	writeJSON(response, http.StatusOK, output)
}

func (api *API) handleReportXML(response http.ResponseWriter, request *http.Request) {
	query, err := parseRangeQuery(request, 0)
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}
	query.Ascending = true

	ctx, cancel := api.storeContext(request)
	defer cancel()
	readings, err := api.store.Readings(ctx, query)
	if err != nil {
		api.logger.Error().Err(err).Int64("sensor", query.SensorInstaladoID).Msg("query report readings")
		writeError(response, http.StatusInternalServerError, "failed to read data")
		return
	}

	response.Header().Set("Content-Type", "application/xml")
	response.WriteHeader(http.StatusOK)
	if err := WriteReportXML(response, query.SensorInstaladoID, readings, api.clock.Now()); err != nil {
		api.logger.Warn().Err(err).Msg("write xml report")
	}
}

func (api *API) handleIngest(response http.ResponseWriter, request *http.Request) {
	request.Body = http.MaxBytesReader(response, request.Body, maxIngestBody)
	payload, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(response, http.StatusBadRequest, "invalid request body")
		return
	}

	reading, err := DecodeReading(payload, api.clock.Now())
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := api.storeContext(request)
	defer cancel()
	stored, err := api.store.AddReading(ctx, reading)
	if err != nil {
		api.writeStoreError(response, err)
		return
	}

	writeJSON(response, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"id_lectura": stored.ID,
	})
}

func (api *API) handleIngestBatch(response http.ResponseWriter, request *http.Request) {
	request.Body = http.MaxBytesReader(response, request.Body, maxIngestBody)
	payload, err := io.ReadAll(request.Body)
	if err != nil {
		writeError(response, http.StatusBadRequest, "invalid request body")
		return
	}

	readings, err := DecodeReadingsBatch(payload, maxIngestBatch, api.clock.Now())
	if err != nil {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := api.storeContext(request)
	defer cancel()
	accepted, err := api.store.AddReadings(ctx, readings)
	if err != nil {
		api.writeStoreError(response, err)
		return
	}

	writeJSON(response, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"accepted": accepted,
	})
}

func (api *API) writeStoreError(response http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnknownSensor) {
		writeError(response, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if errors.Is(err, ErrValueOutOfRange) {
		writeError(response, http.StatusBadRequest, err.Error())
		return
	}
	api.logger.Error().Err(err).Msg("persist readings")
	writeError(response, http.StatusInternalServerError, "failed to persist reading")
}

func (api *API) storeContext(request *http.Request) (context.Context, context.CancelFunc) {
	if api.queryTimeout <= 0 {
		return context.WithCancel(request.Context())
	}
	return context.WithTimeout(request.Context(), api.queryTimeout)
}

func (api *API) requireIngestKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		if api.ingestAPIKey == "" {
			writeError(response, http.StatusServiceUnavailable, "ingest disabled")
			return
		}

		provided := strings.TrimSpace(request.Header.Get("X-API-Key"))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(api.ingestAPIKey)) != 1 {
			writeError(response, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(response, request)
	})
}

// parseRangeQuery reads sensorInstaladoId, from, to and limit. A zero
// defaultLimit leaves the query unbounded when limit is absent.
func parseRangeQuery(request *http.Request, defaultLimit int) (RangeQuery, error) {
	values := request.URL.Query()
	query := RangeQuery{Limit: defaultLimit}

	sensorID, err := strconv.ParseInt(strings.TrimSpace(values.Get("sensorInstaladoId")), 10, 64)
	if err != nil || sensorID <= 0 {
		return RangeQuery{}, fmt.Errorf("sensorInstaladoId must be a positive integer")
	}
	query.SensorInstaladoID = sensorID

	bounds := []struct {
		key    string
		target **time.Time
	}{
		{key: "from", target: &query.From},
		{key: "to", target: &query.To},
	}
	for _, bound := range bounds {
		key, target := bound.key, bound.target
		raw := strings.TrimSpace(values.Get(key))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return RangeQuery{}, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
		}
		parsed = parsed.UTC()
		*target = &parsed
	}

	if rawLimit := strings.TrimSpace(values.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 1 || limit > maxRangeLimit {
			return RangeQuery{}, fmt.Errorf("limit must be between 1 and %d", maxRangeLimit)
		}
		query.Limit = limit
	}

	if query.From != nil && query.To != nil && query.To.Before(*query.From) {
		return RangeQuery{}, fmt.Errorf("to must not be before from")
	}
	return query, nil
}

// observeRequests records request latency by chi route pattern.
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		started := time.Now()
		wrapped := chimiddleware.NewWrapResponseWriter(response, request.ProtoMajor)
		next.ServeHTTP(wrapped, request)

		route := "unmatched"
		if routeContext := chi.RouteContext(request.Context()); routeContext != nil {
			if pattern := routeContext.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.HTTPRequestDuration.
			WithLabelValues(request.Method, route, strconv.Itoa(status)).
			Observe(time.Since(started).Seconds())
	})
}

func writeJSON(response http.ResponseWriter, statusCode int, payload any) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(statusCode)
	_ = json.NewEncoder(response).Encode(payload)
}

func writeError(response http.ResponseWriter, statusCode int, message string) {
	writeJSON(response, statusCode, map[string]string{"error": message})
}
