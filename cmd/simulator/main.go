package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"

	"github.com/Kascencio/backend-appacua/internal/logging"
)

type readingPayload struct {
	SensorInstaladoID int64   `json:"sensor_instalado_id"`
	Valor             float64 `json:"valor"`
	TomadaEn          string  `json:"tomada_en"`
}

// pond drifts water quality with a bounded random walk. Dissolved oxygen
// follows temperature inversely, the way warm water holds less of it.
type pond struct {
	temperature float64
	ph          float64
	oxygen      float64
}

func main() {
	logging.Init(logging.Config{Level: "info", Format: "console", Output: os.Stderr})

	app := &cli.Command{
		Name:  "simulator",
		Usage: "Feed and watch the aquaculture telemetry backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Backend base URL",
				Value: "http://localhost:8080",
			},
		},
		Commands: []*cli.Command{
			ingestCommand(),
			watchCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("simulator failed")
	}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Post simulated pond readings in batches",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "Ingest API key",
				Value:   "dev-ingest-key",
				Sources: cli.EnvVars("INGEST_API_KEY"),
			},
			&cli.Int64Flag{Name: "temperature-sensor", Usage: "sensor_instalado_id for temperature (0 disables)", Value: 1},
			&cli.Int64Flag{Name: "ph-sensor", Usage: "sensor_instalado_id for pH (0 disables)", Value: 2},
			&cli.Int64Flag{Name: "oxygen-sensor", Usage: "sensor_instalado_id for dissolved oxygen (0 disables)", Value: 3},
			&cli.DurationFlag{Name: "interval", Usage: "Base delay between batches", Value: 2 * time.Second},
			&cli.DurationFlag{Name: "jitter", Usage: "Max random delay added to each interval", Value: 500 * time.Millisecond},
			&cli.DurationFlag{Name: "timeout", Usage: "HTTP request timeout", Value: 5 * time.Second},
			&cli.IntFlag{Name: "count", Usage: "Number of batches to send (0 = infinite)"},
			&cli.Int64Flag{Name: "seed", Usage: "Random seed (0 = use current time)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			interval := cmd.Duration("interval")
			jitter := cmd.Duration("jitter")
			timeout := cmd.Duration("timeout")
			count := cmd.Int("count")
			apiKey := cmd.String("api-key")

			switch {
			case interval <= 0:
				return errors.New("interval must be > 0")
			case jitter < 0:
				return errors.New("jitter must be >= 0")
			case timeout <= 0:
				return errors.New("timeout must be > 0")
			case count < 0:
				return errors.New("count must be >= 0")
			case apiKey == "":
				return errors.New("api-key is required")
			}

			sensors := sensorAssignment{
				temperature: cmd.Int64("temperature-sensor"),
				ph:          cmd.Int64("ph-sensor"),
				oxygen:      cmd.Int64("oxygen-sensor"),
			}
			if sensors.temperature <= 0 && sensors.ph <= 0 && sensors.oxygen <= 0 {
				return errors.New("at least one sensor id is required")
			}

			seed := cmd.Int64("seed")
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			rng := rand.New(rand.NewSource(seed))

			targetURL := strings.TrimRight(cmd.String("url"), "/") + "/api/lecturas/batch"
			logging.Info().Int64("seed", seed).Str("target", targetURL).Dur("interval", interval).Msg("simulator started")

			client := &http.Client{Timeout: timeout}
			model := pond{temperature: 27.0, ph: 7.4, oxygen: 6.5}

			sent := 0
			for {
				if count > 0 && sent >= count {
					logging.Info().Int("batches", sent).Msg("simulation complete")
					return nil
				}

				batch := model.next(rng, time.Now().UTC(), sensors)
				if err := postBatch(ctx, client, targetURL, apiKey, batch); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logging.Warn().Err(err).Msg("send failed")
				} else {
					sent++
					logging.Info().
						Int("batch", sent).
						Float64("temperatura", model.temperature).
						Float64("ph", model.ph).
						Float64("oxigeno", model.oxygen).
						Msg("sent")
				}

				delay := interval
				if jitter > 0 {
					delay += time.Duration(rng.Int63n(int64(jitter) + 1))
				}

				select {
				case <-ctx.Done():
					logging.Info().Msg("simulation stopped")
					return nil
				case <-time.After(delay):
				}
			}
		},
	}
}

type sensorAssignment struct {
	temperature int64
	ph          int64
	oxygen      int64
}

func (model *pond) next(rng *rand.Rand, now time.Time, sensors sensorAssignment) []readingPayload {
	model.temperature = clamp(model.temperature+rng.NormFloat64()*0.1, 18.0, 34.0)
	model.ph = clamp(model.ph+rng.NormFloat64()*0.02, 6.0, 9.0)

	saturation := 14.6 - 0.39*model.temperature + 0.007*model.temperature*model.temperature
	model.oxygen = clamp(model.oxygen+(saturation*0.85-model.oxygen)*0.1+rng.NormFloat64()*0.08, 2.0, 12.0)

	// Aerator failures show up as short oxygen dips.
	if rng.Float64() < 0.03 {
		model.oxygen = clamp(model.oxygen-rng.Float64()*2.0-0.5, 2.0, 12.0)
	}

	stamp := now.Format(time.RFC3339Nano)
	batch := make([]readingPayload, 0, 3)
	if sensors.temperature > 0 {
		batch = append(batch, readingPayload{SensorInstaladoID: sensors.temperature, Valor: round2(model.temperature), TomadaEn: stamp})
	}
	if sensors.ph > 0 {
		batch = append(batch, readingPayload{SensorInstaladoID: sensors.ph, Valor: round2(model.ph), TomadaEn: stamp})
	}
	if sensors.oxygen > 0 {
		batch = append(batch, readingPayload{SensorInstaladoID: sensors.oxygen, Valor: round2(model.oxygen), TomadaEn: stamp})
	}
	return batch
}

func postBatch(
	ctx context.Context,
	client *http.Client,
	targetURL string,
	apiKey string,
	batch []readingPayload,
) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-API-Key", apiKey)

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("status %d: %s", response.StatusCode, string(responseBody))
	}

	return nil
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream new readings from /ws/lecturas as JSON lines",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "sensor", Usage: "sensorInstaladoId filter"},
			&cli.Int64Flag{Name: "installation", Usage: "instalacionId filter"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			streamURL, err := buildStreamURL(cmd.String("url"), cmd.Int64("sensor"), cmd.Int64("installation"))
			if err != nil {
				return err
			}
			return watchStream(ctx, streamURL, os.Stdout)
		},
	}
}

func buildStreamURL(base string, sensorID int64, installationID int64) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws/lecturas"

	query := url.Values{}
	if sensorID > 0 {
		query.Set("sensorInstaladoId", strconv.FormatInt(sensorID, 10))
	}
	if installationID > 0 {
		query.Set("instalacionId", strconv.FormatInt(installationID, 10))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func watchStream(ctx context.Context, streamURL string, output io.Writer) error {
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		if response != nil {
			return fmt.Errorf("dial %s: %w (status %d)", streamURL, err, response.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", streamURL, err)
	}
	defer conn.Close()

	logging.Info().Str("url", streamURL).Msg("watching readings")

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("stream closed (%d): %s", closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("read: %w", err)
		}

		var frame map[string]any
		if err := json.Unmarshal(message, &frame); err != nil {
			logging.Warn().Err(err).Msg("skipping malformed frame")
			continue
		}
		if _, err := fmt.Fprintln(output, string(message)); err != nil {
			return err
		}
	}
}

func clamp(value float64, min float64, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
