//go:build integration

package server

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()

	checkCtx, cancelCheck := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCheck()
	if exec.CommandContext(checkCtx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "aqua",
				"POSTGRES_PASSWORD": "aqua",
				"POSTGRES_DB":       "aquacua",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("postgres://aqua:aqua@%s:%s/aquacua?sslmode=disable", host, port.Port())
}

func seedInstallation(t *testing.T, store *PostgresStore) (sensorID int64, installationID int64) {
	t.Helper()

	ctx := context.Background()
	const seed = `
WITH org AS (
  INSERT INTO organizacion (nombre) VALUES ('Granja Demo') RETURNING id_organizacion
), branch AS (
  INSERT INTO organizacion_sucursal (id_organizacion, nombre_sucursal)
  SELECT id_organizacion, 'Sucursal Norte' FROM org RETURNING id_organizacion_sucursal
), pond AS (
  INSERT INTO instalacion (id_organizacion_sucursal, nombre_instalacion)
  SELECT id_organizacion_sucursal, 'Estanque 1' FROM branch RETURNING id_instalacion
), catalog AS (
  INSERT INTO catalogo_sensores (sensor, tipo_medida, unidad_medida)
  VALUES ('DO-200', 'oxigeno_disuelto', 'mg/L') RETURNING id_sensor
)
INSERT INTO sensor_instalado (id_instalacion, id_sensor)
SELECT pond.id_instalacion, catalog.id_sensor FROM pond, catalog
RETURNING id_sensor_instalado, id_instalacion
`
	if err := store.pool.QueryRow(ctx, seed).Scan(&sensorID, &installationID); err != nil {
		t.Fatalf("seed installation: %v", err)
	}
	return sensorID, installationID
}

func TestPostgresStorePipeline(t *testing.T) {
	databaseURL := startPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, databaseURL, 4)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	sensorID, installationID := seedInstallation(t, store)

	base := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	if _, err := store.AddReading(ctx, Reading{SensorInstaladoID: sensorID, Valor: 6.1, TomadaEn: base}); err != nil {
		t.Fatalf("add baseline reading: %v", err)
	}

	publisher := &recordingPublisher{}
	poller := NewPoller(store, publisher, clock.WallClock, PollerConfig{BatchSize: 2, QueryTimeout: 5 * time.Second})
	if err := poller.Tick(ctx); err != nil {
		t.Fatalf("baseline tick: %v", err)
	}
	if len(publisher.ids()) != 0 {
		t.Fatalf("expected no replay, got %v", publisher.ids())
	}

	accepted, err := store.AddReadings(ctx, []Reading{
		{SensorInstaladoID: sensorID, Valor: 6.3, TomadaEn: base.Add(10 * time.Minute)},
		{SensorInstaladoID: sensorID, Valor: 6.5, TomadaEn: base.Add(20 * time.Minute)},
		{SensorInstaladoID: sensorID, Valor: 6.9, TomadaEn: base.Add(70 * time.Minute)},
	})
	if err != nil || accepted != 3 {
		t.Fatalf("add batch: accepted=%d err=%v", accepted, err)
	}

	for range 3 {
		if err := poller.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if ids := publisher.ids(); len(ids) != 3 || ids[0] >= ids[1] || ids[1] >= ids[2] {
		t.Fatalf("expected three ascending ids, got %v", ids)
	}

	publisher.mu.Lock()
	first := publisher.events[0]
	publisher.mu.Unlock()
	if first.InstalacionID != installationID || first.TipoMedida == nil || *first.TipoMedida != "oxigeno_disuelto" {
		t.Fatalf("expected joined metadata, got %+v", first)
	}

	if _, err := store.AddReading(ctx, Reading{SensorInstaladoID: 9999, Valor: 1, TomadaEn: base}); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("expected ErrUnknownSensor, got %v", err)
	}

	before, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if _, err := store.AddReadings(ctx, []Reading{
		{SensorInstaladoID: sensorID, Valor: 1, TomadaEn: base},
		{SensorInstaladoID: 9999, Valor: 1, TomadaEn: base},
	}); !errors.Is(err, ErrUnknownSensor) {
		t.Fatalf("expected batch ErrUnknownSensor, got %v", err)
	}
	if _, err := store.AddReadings(ctx, []Reading{
		{SensorInstaladoID: sensorID, Valor: 1e9, TomadaEn: base},
	}); !errors.Is(err, ErrValueOutOfRange) {
		t.Fatalf("expected ErrValueOutOfRange, got %v", err)
	}
	if after, _ := store.Count(ctx); after != before {
		t.Fatalf("expected rejected batches to store nothing, count %d -> %d", before, after)
	}

	buckets, err := store.Buckets(ctx, RangeQuery{SensorInstaladoID: sensorID}, GranularityHour)
	if err != nil {
		t.Fatalf("buckets: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Total != 3 || !buckets[0].Start.Equal(base) {
		t.Fatalf("unexpected buckets %+v", buckets)
	}

	readings, err := store.Readings(ctx, RangeQuery{SensorInstaladoID: sensorID, Limit: 2})
	if err != nil {
		t.Fatalf("readings: %v", err)
	}
	if len(readings) != 2 || readings[0].Valor != 6.9 {
		t.Fatalf("expected newest first, got %+v", readings)
	}
}
