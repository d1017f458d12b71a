package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"

	"github.com/Kascencio/backend-appacua/internal/config"
	"github.com/Kascencio/backend-appacua/internal/logging"
	"github.com/Kascencio/backend-appacua/internal/server"
	"github.com/Kascencio/backend-appacua/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stdout,
	})

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("server stopped with error")
	}
	logging.Info().Msg("server stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Server.IngestAPIKey == "" {
		logging.Warn().Msg("ingest disabled (set INGEST_API_KEY to enable)")
	}

	registry := server.NewRegistry()
	broadcaster := server.NewBroadcaster(registry)
	poller := server.NewPoller(store, broadcaster, clock.WallClock, server.PollerConfig{
		Interval:                cfg.Poller.Interval,
		BatchSize:               cfg.Poller.BatchSize,
		QueryTimeout:            cfg.Poller.QueryTimeout,
		BreakerFailureThreshold: cfg.Poller.BreakerFailureThreshold,
		BreakerOpenTimeout:      cfg.Poller.BreakerOpenTimeout,
	})

	gateway := server.NewGateway(registry, clock.WallClock, server.GatewayConfig{
		SendBuffer:           cfg.Stream.SendBuffer,
		WriteTimeout:         cfg.Stream.WriteTimeout,
		PongWait:             cfg.Stream.PongWait,
		HandshakeTimeout:     cfg.Stream.HandshakeTimeout,
		MaxInboundFrameBytes: cfg.Stream.MaxInboundFrameBytes,
		AllowedOrigins:       cfg.Stream.AllowedOrigins,
		UpgradesPerMinute:    cfg.Stream.UpgradesPerMinute,
		TrustProxyHeaders:    cfg.Server.TrustProxyHeaders,
	})

	api := server.NewAPI(
		store,
		cfg.Server.IngestAPIKey,
		server.WithStream(gateway),
		server.WithCORSOrigins(cfg.Server.CORSAllowedOrigins),
		server.WithRateLimit(cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindow),
		server.WithTrustProxyHeaders(cfg.Server.TrustProxyHeaders),
		server.WithQueryTimeout(cfg.Database.QueryTimeout),
	)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	// Shutdown does not track hijacked websocket connections.
	httpServer.RegisterOnShutdown(registry.CloseAll)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddStreamService(poller)
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", cfg.Addr()).
		Str("driver", cfg.Database.Driver).
		Dur("poll_interval", cfg.Poller.Interval).
		Msg("starting aquaculture telemetry backend")

	err = tree.Serve(ctx)
	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, unstopped := range report {
			logging.Warn().Str("service", unstopped.Name).Msg("service did not stop in time")
		}
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (server.Store, error) {
	if cfg.Database.Driver == config.DriverMemory {
		logging.Warn().Msg("using in-memory store; readings are lost on restart")
		return server.NewMemoryStore(0, server.DemoSensors()...), nil
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return server.NewPostgresStore(setupCtx, cfg.Database.URL, cfg.Database.MaxConns)
}
