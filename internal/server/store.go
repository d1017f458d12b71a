package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ErrUnknownSensor is returned when a reading references a sensor_instalado
// row that does not exist.
var ErrUnknownSensor = errors.New("unknown sensor_instalado")

// ErrValueOutOfRange is returned when valor does not fit the lectura column.
var ErrValueOutOfRange = errors.New("valor out of range")

// ReadingSource is the narrow view of the row store used by the poller.
type ReadingSource interface {
	// MaxReadingID returns the highest id_lectura, or 0 for an empty table.
	MaxReadingID(ctx context.Context) (int64, error)
	// ReadingsAfter returns up to limit rows with id > afterID in ascending id
	// order.
	ReadingsAfter(ctx context.Context, afterID int64, limit int) ([]ReadingRow, error)
}

type Store interface {
	ReadingSource
	AddReading(ctx context.Context, reading Reading) (Reading, error)
	AddReadings(ctx context.Context, readings []Reading) (int, error)
	Readings(ctx context.Context, query RangeQuery) ([]Reading, error)
	Buckets(ctx context.Context, query RangeQuery, granularity Granularity) ([]Bucket, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

type Granularity string

const (
	Granularity15Min Granularity = "15min"
	GranularityHour  Granularity = "hour"
)

func (granularity Granularity) Duration() time.Duration {
	if granularity == Granularity15Min {
		return 15 * time.Minute
	}
	return time.Hour
}

func ParseGranularity(raw string) (Granularity, error) {
	switch raw {
	case "", string(GranularityHour):
		return GranularityHour, nil
	case string(Granularity15Min):
		return Granularity15Min, nil
	default:
		return "", fmt.Errorf("granularity must be 15min or hour")
	}
}

// RangeQuery selects readings of one installed sensor. A zero Limit means no
// limit.
type RangeQuery struct {
	SensorInstaladoID int64
	From              *time.Time
	To                *time.Time
	Limit             int
	Ascending         bool
}

func (query RangeQuery) contains(at time.Time) bool {
	if query.From != nil && at.Before(*query.From) {
		return false
	}
	if query.To != nil && at.After(*query.To) {
		return false
	}
	return true
}

// MemoryStore keeps readings in process. It backs the memory driver and the
// package tests.
type MemoryStore struct {
	mu          sync.RWMutex
	maxReadings int
	nextID      int64
	sensors     map[int64]SensorInstalado
	readings    []Reading
	pingErr     error
}

func NewMemoryStore(maxReadings int, sensors ...SensorInstalado) *MemoryStore {
	if maxReadings <= 0 {
		maxReadings = 100000
	}

	store := &MemoryStore{
		maxReadings: maxReadings,
		sensors:     make(map[int64]SensorInstalado, len(sensors)),
		readings:    make([]Reading, 0, 1024),
	}
	for _, sensor := range sensors {
		store.sensors[sensor.ID] = sensor
	}
	return store
}

// DemoSensors are seeded into the memory driver so the simulator has targets.
func DemoSensors() []SensorInstalado {
	temperature, ph, oxygen := "temperatura", "ph", "oxigeno_disuelto"
	return []SensorInstalado{
		{ID: 1, InstalacionID: 1, TipoMedida: &temperature},
		{ID: 2, InstalacionID: 1, TipoMedida: &ph},
		{ID: 3, InstalacionID: 1, TipoMedida: &oxygen},
		{ID: 4, InstalacionID: 2, TipoMedida: &temperature},
		{ID: 5, InstalacionID: 2, TipoMedida: &oxygen},
	}
}

func (store *MemoryStore) AddSensor(sensor SensorInstalado) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.sensors[sensor.ID] = sensor
}

func (store *MemoryStore) AddReading(_ context.Context, reading Reading) (Reading, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.sensors[reading.SensorInstaladoID]; !ok {
		return Reading{}, fmt.Errorf("sensor %d: %w", reading.SensorInstaladoID, ErrUnknownSensor)
	}
	return store.appendLocked(reading), nil
}

func (store *MemoryStore) AddReadings(_ context.Context, readings []Reading) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, reading := range readings {
		if _, ok := store.sensors[reading.SensorInstaladoID]; !ok {
			return 0, fmt.Errorf("sensor %d: %w", reading.SensorInstaladoID, ErrUnknownSensor)
		}
	}
	for _, reading := range readings {
		store.appendLocked(reading)
	}
	return len(readings), nil
}

func (store *MemoryStore) appendLocked(reading Reading) Reading {
	store.nextID++
	reading.ID = store.nextID
	reading.TomadaEn = reading.TomadaEn.UTC()

	store.readings = append(store.readings, reading)
	if len(store.readings) > store.maxReadings {
		store.readings = append([]Reading(nil), store.readings[len(store.readings)-store.maxReadings:]...)
	}
	return reading
}

func (store *MemoryStore) MaxReadingID(_ context.Context) (int64, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if len(store.readings) == 0 {
		return 0, nil
	}
	return store.readings[len(store.readings)-1].ID, nil
}

func (store *MemoryStore) ReadingsAfter(_ context.Context, afterID int64, limit int) ([]ReadingRow, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	start := sort.Search(len(store.readings), func(index int) bool {
		return store.readings[index].ID > afterID
	})

	output := make([]ReadingRow, 0, min(limit, len(store.readings)-start))
	for _, reading := range store.readings[start:] {
		if len(output) >= limit {
			break
		}
		sensor := store.sensors[reading.SensorInstaladoID]
		output = append(output, ReadingRow{
			Reading:       reading,
			InstalacionID: sensor.InstalacionID,
			TipoMedida:    sensor.TipoMedida,
		})
	}
	return output, nil
}

func (store *MemoryStore) Readings(_ context.Context, query RangeQuery) ([]Reading, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	output := make([]Reading, 0)
	for _, reading := range store.readings {
		if reading.SensorInstaladoID == query.SensorInstaladoID && query.contains(reading.TomadaEn) {
			output = append(output, reading)
		}
	}

	sort.SliceStable(output, func(left, right int) bool {
		if query.Ascending {
			return output[left].TomadaEn.Before(output[right].TomadaEn)
		}
		return output[left].TomadaEn.After(output[right].TomadaEn)
	})

	if query.Limit > 0 && len(output) > query.Limit {
		output = output[:query.Limit]
	}
	return output, nil
}

func (store *MemoryStore) Buckets(ctx context.Context, query RangeQuery, granularity Granularity) ([]Bucket, error) {
	readings, err := store.Readings(ctx, RangeQuery{
		SensorInstaladoID: query.SensorInstaladoID,
		From:              query.From,
		To:                query.To,
		Ascending:         true,
	})
	if err != nil {
		return nil, err
	}

	width := granularity.Duration()
	buckets := make([]Bucket, 0)
	sums := make([]float64, 0)
	for _, reading := range readings {
		start := reading.TomadaEn.Truncate(width)
		last := len(buckets) - 1
		if last < 0 || !buckets[last].Start.Equal(start) {
			buckets = append(buckets, Bucket{
				SensorInstaladoID: reading.SensorInstaladoID,
				Start:             start,
				Min:               math.Inf(1),
				Max:               math.Inf(-1),
			})
			sums = append(sums, 0)
			last++
		}

		bucket := &buckets[last]
		bucket.Total++
		bucket.Min = math.Min(bucket.Min, reading.Valor)
		bucket.Max = math.Max(bucket.Max, reading.Valor)
		sums[last] += reading.Valor
	}

	for index := range buckets {
		buckets[index].Promedio = sums[index] / float64(buckets[index].Total)
	}
	return buckets, nil
}

func (store *MemoryStore) Count(_ context.Context) (int64, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return int64(len(store.readings)), nil
}

func (store *MemoryStore) Ping(_ context.Context) error {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.pingErr
}

// SetPingError makes Ping fail until called again with nil.
func (store *MemoryStore) SetPingError(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.pingErr = err
}

func (store *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)
