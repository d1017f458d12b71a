package server

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// maxValor is the largest magnitude lectura.valor NUMERIC(12,4) can hold.
const maxValor = 99999999.9999

// Reading is one row of the lectura table.
type Reading struct {
	ID                int64     `json:"id_lectura"`
	SensorInstaladoID int64     `json:"id_sensor_instalado"`
	Valor             float64   `json:"valor"`
	TomadaEn          time.Time `json:"tomada_en"`
}

// ReadingRow is a Reading joined with its installed sensor's installation and
// the catalog measurement type.
type ReadingRow struct {
	Reading
	InstalacionID int64
	TipoMedida    *string
}

// ReadingEvent is the payload pushed to stream subscribers.
type ReadingEvent struct {
	IDLectura         int64   `json:"id_lectura"`
	SensorInstaladoID int64   `json:"sensor_instalado_id"`
	InstalacionID     int64   `json:"instalacion_id"`
	TipoMedida        *string `json:"tipo_medida"`
	TomadaEn          string  `json:"tomada_en"`
	Valor             float64 `json:"valor"`
}

const isoMillis = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

func NewReadingEvent(row ReadingRow) ReadingEvent {
	return ReadingEvent{
		IDLectura:         row.ID,
		SensorInstaladoID: row.SensorInstaladoID,
		InstalacionID:     row.InstalacionID,
		TipoMedida:        row.TipoMedida,
		TomadaEn:          FormatTimestamp(row.TomadaEn),
		Valor:             row.Valor,
	}
}

// SensorInstalado links an installed sensor to its installation.
type SensorInstalado struct {
	ID            int64   `json:"id_sensor_instalado"`
	InstalacionID int64   `json:"id_instalacion"`
	TipoMedida    *string `json:"tipo_medida"`
}

// Bucket is one time bucket of aggregated readings for a sensor.
type Bucket struct {
	SensorInstaladoID int64
	Start             time.Time
	Promedio          float64
	Min               float64
	Max               float64
	Total             int64
}

var allowedReadingKeys = map[string]struct{}{
	"sensor_instalado_id": {},
	"valor":               {},
	"tomada_en":           {},
}

func DecodeReading(raw []byte, now time.Time) (Reading, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return Reading{}, err
	}

	return decodeReadingPayload(payload, now)
}

func DecodeReadingsBatch(raw []byte, maxBatchSize int, now time.Time) ([]Reading, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payloads []map[string]any
	if err := decoder.Decode(&payloads); err != nil {
		return nil, err
	}

	if len(payloads) == 0 {
		return nil, fmt.Errorf("batch must include at least one reading")
	}
	if len(payloads) > maxBatchSize {
		return nil, fmt.Errorf("batch exceeds max size of %d", maxBatchSize)
	}

	readings := make([]Reading, 0, len(payloads))
	for index, payload := range payloads {
		reading, err := decodeReadingPayload(payload, now)
		if err != nil {
			return nil, fmt.Errorf("invalid reading at index %d: %w", index, err)
		}
		readings = append(readings, reading)
	}

	return readings, nil
}

func decodeReadingPayload(payload map[string]any, now time.Time) (Reading, error) {
	for key := range payload {
		if _, allowed := allowedReadingKeys[key]; !allowed {
			return Reading{}, fmt.Errorf("unknown field: %s", key)
		}
	}

	sensorID, err := parseInt64Field(payload, "sensor_instalado_id")
	if err != nil {
		return Reading{}, err
	}
	if sensorID <= 0 {
		return Reading{}, fmt.Errorf("sensor_instalado_id must be a positive integer")
	}

	valor, err := parseFloatField(payload, "valor")
	if err != nil {
		return Reading{}, err
	}
	if math.IsNaN(valor) || math.IsInf(valor, 0) {
		return Reading{}, fmt.Errorf("valor must be a finite number")
	}
	if math.Abs(valor) > maxValor {
		return Reading{}, fmt.Errorf("valor must be between -%.4f and %.4f", maxValor, maxValor)
	}

	tomadaEn := now.UTC()
	if raw, ok := payload["tomada_en"]; ok {
		text, isString := raw.(string)
		if !isString {
			return Reading{}, fmt.Errorf("invalid field tomada_en: expected RFC 3339 string")
		}
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(text))
		if err != nil {
			return Reading{}, fmt.Errorf("invalid field tomada_en: %w", err)
		}
		tomadaEn = parsed.UTC()
	}

	return Reading{
		SensorInstaladoID: sensorID,
		Valor:             valor,
		TomadaEn:          tomadaEn,
	}, nil
}

func parseFloatField(payload map[string]any, key string) (float64, error) {
	value, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing field: %s", key)
	}

	parsed, err := parseFloat(value)
	if err != nil {
		return 0, fmt.Errorf("invalid field %s: %w", key, err)
	}
	return parsed, nil
}

func parseInt64Field(payload map[string]any, key string) (int64, error) {
	value, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing field: %s", key)
	}

	parsed, err := parseInt64(value)
	if err != nil {
		return 0, fmt.Errorf("invalid field %s: %w", key, err)
	}
	return parsed, nil
}

func parseFloat(value any) (float64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(typed), 64)
	case float64:
		return typed, nil
	case int64:
		return float64(typed), nil
	default:
		return 0, fmt.Errorf("unsupported number type %T", value)
	}
}

func parseInt64(value any) (int64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
	case float64:
		if typed != float64(int64(typed)) {
			return 0, fmt.Errorf("expected an integer, got %v", typed)
		}
		return int64(typed), nil
	case int64:
		return typed, nil
	default:
		return 0, fmt.Errorf("unsupported integer type %T", value)
	}
}
