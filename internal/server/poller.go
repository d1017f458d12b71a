package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/Kascencio/backend-appacua/internal/logging"
	"github.com/Kascencio/backend-appacua/internal/metrics"
)

// ErrTickInProgress is returned by Tick when the previous tick has not
// finished. It is not a failure.
var ErrTickInProgress = errors.New("poll tick already in progress")

// EventPublisher receives reading events in ascending id order.
type EventPublisher interface {
	Publish(event ReadingEvent) int
}

type PollerConfig struct {
	Interval                time.Duration
	BatchSize               int
	QueryTimeout            time.Duration
	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:                750 * time.Millisecond,
		BatchSize:               1000,
		QueryTimeout:            5 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      30 * time.Second,
	}
}

// Poller tails the lectura table by id and publishes every row inserted after
// it first looked. It owns the watermark: the highest id already published.
type Poller struct {
	source    ReadingSource
	publisher EventPublisher
	clock     clock.Clock
	config    PollerConfig
	breaker   *gobreaker.CircuitBreaker[any]
	logger    zerolog.Logger

	running     atomic.Bool
	initialized atomic.Bool
	watermark   atomic.Int64
	inflight    sync.WaitGroup
}

func NewPoller(source ReadingSource, publisher EventPublisher, clk clock.Clock, config PollerConfig) *Poller {
	cfg := config
	defaults := DefaultPollerConfig()

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaults.QueryTimeout
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = defaults.BreakerFailureThreshold
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = defaults.BreakerOpenTimeout
	}
	if clk == nil {
		clk = clock.WallClock
	}

	poller := &Poller{
		source:    source,
		publisher: publisher,
		clock:     clk,
		config:    cfg,
		logger:    logging.WithComponent("poller"),
	}

	poller.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "reading-source",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			poller.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return poller
}

// Serve runs the timer loop until ctx is cancelled, then waits for any tick
// still running.
func (poller *Poller) Serve(ctx context.Context) error {
	defer poller.inflight.Wait()

	poller.logger.Info().
		Dur("interval", poller.config.Interval).
		Int("batch_size", poller.config.BatchSize).
		Msg("reading poller started")

	for {
		select {
		case <-ctx.Done():
			poller.logger.Info().Int64("watermark", poller.Watermark()).Msg("reading poller stopped")
			return ctx.Err()
		case <-poller.clock.After(poller.config.Interval):
			poller.inflight.Add(1)
			go func() {
				defer poller.inflight.Done()
				_ = poller.Tick(ctx)
			}()
		}
	}
}

func (poller *Poller) String() string {
	return "reading-poller"
}

// Watermark returns the highest published id, or 0 before the first tick.
func (poller *Poller) Watermark() int64 {
	return poller.watermark.Load()
}

// Tick runs one poll cycle. A tick that finds the previous one still running
// returns ErrTickInProgress without touching the store.
func (poller *Poller) Tick(ctx context.Context) (err error) {
	if !poller.running.CompareAndSwap(false, true) {
		metrics.PollerTicks.WithLabelValues(metrics.TickSkipped).Inc()
		return ErrTickInProgress
	}
	defer poller.running.Store(false)

	started := poller.clock.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("poll tick panicked: %v", recovered)
		}

		metrics.PollerTickDuration.Observe(poller.clock.Now().Sub(started).Seconds())
		if err != nil {
			metrics.PollerTicks.WithLabelValues(metrics.TickError).Inc()
			poller.logger.Error().Err(err).Int64("watermark", poller.Watermark()).Msg("poll tick failed")
			return
		}
		metrics.PollerTicks.WithLabelValues(metrics.TickOK).Inc()
	}()

	emitted, err := poller.poll(ctx)
	if err != nil {
		return err
	}
	if emitted > 0 {
		poller.logger.Debug().Int("emitted", emitted).Int64("watermark", poller.Watermark()).Msg("published new readings")
	}
	return nil
}

func (poller *Poller) poll(ctx context.Context) (int, error) {
	watermark, err := poller.ensureWatermark(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := execute(poller.breaker, func() ([]ReadingRow, error) {
		queryCtx, cancel := context.WithTimeout(ctx, poller.config.QueryTimeout)
		defer cancel()
		return poller.source.ReadingsAfter(queryCtx, watermark, poller.config.BatchSize)
	})
	if err != nil {
		return 0, fmt.Errorf("fetch readings after %d: %w", watermark, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := validateBatch(rows, watermark, poller.config.BatchSize); err != nil {
		return 0, err
	}

	for _, row := range rows {
		poller.publisher.Publish(NewReadingEvent(row))
	}

	last := rows[len(rows)-1].ID
	poller.watermark.Store(last)
	metrics.PollerWatermark.Set(float64(last))
	metrics.PollerEventsEmitted.Add(float64(len(rows)))
	return len(rows), nil
}

// ensureWatermark baselines the watermark at the current maximum id so rows
// that existed before the first tick are never published.
func (poller *Poller) ensureWatermark(ctx context.Context) (int64, error) {
	if poller.initialized.Load() {
		return poller.watermark.Load(), nil
	}

	maxID, err := execute(poller.breaker, func() (int64, error) {
		queryCtx, cancel := context.WithTimeout(ctx, poller.config.QueryTimeout)
		defer cancel()
		return poller.source.MaxReadingID(queryCtx)
	})
	if err != nil {
		return 0, fmt.Errorf("initialize watermark: %w", err)
	}

	poller.watermark.Store(maxID)
	poller.initialized.Store(true)
	metrics.PollerWatermark.Set(float64(maxID))
	poller.logger.Info().Int64("watermark", maxID).Msg("watermark initialized")
	return maxID, nil
}

// validateBatch rejects a batch unless ids are strictly ascending and above
// the watermark. Checked before publishing so a bad batch emits nothing.
func validateBatch(rows []ReadingRow, watermark int64, limit int) error {
	if len(rows) > limit {
		return fmt.Errorf("store returned %d rows for a limit of %d", len(rows), limit)
	}

	previous := watermark
	for _, row := range rows {
		if row.ID <= previous {
			return fmt.Errorf("reading id %d out of order after %d", row.ID, previous)
		}
		previous = row.ID
	}
	return nil
}

func execute[T any](breaker *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	result, err := breaker.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
