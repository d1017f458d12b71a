package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgForeignKeyViolation = "23503"
	pgNumericOutOfRange   = "22003"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

// migrate creates the subset of the aquaculture schema that readings join
// against. Tables are only created when missing so an existing database is
// left untouched.
func (store *PostgresStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS organizacion (
  id_organizacion SERIAL PRIMARY KEY,
  nombre VARCHAR(150) NOT NULL,
  estado VARCHAR(20) NOT NULL DEFAULT 'activa'
);

CREATE TABLE IF NOT EXISTS organizacion_sucursal (
  id_organizacion_sucursal SERIAL PRIMARY KEY,
  id_organizacion INTEGER NOT NULL REFERENCES organizacion(id_organizacion),
  nombre_sucursal VARCHAR(150) NOT NULL
);

CREATE TABLE IF NOT EXISTS instalacion (
  id_instalacion SERIAL PRIMARY KEY,
  id_organizacion_sucursal INTEGER NOT NULL REFERENCES organizacion_sucursal(id_organizacion_sucursal),
  nombre_instalacion VARCHAR(150) NOT NULL
);

CREATE TABLE IF NOT EXISTS catalogo_sensores (
  id_sensor SERIAL PRIMARY KEY,
  sensor VARCHAR(100) NOT NULL,
  tipo_medida VARCHAR(50),
  unidad_medida VARCHAR(20)
);

CREATE TABLE IF NOT EXISTS sensor_instalado (
  id_sensor_instalado SERIAL PRIMARY KEY,
  id_instalacion INTEGER NOT NULL REFERENCES instalacion(id_instalacion),
  id_sensor INTEGER NOT NULL REFERENCES catalogo_sensores(id_sensor),
  fecha_instalada DATE NOT NULL DEFAULT CURRENT_DATE
);

CREATE TABLE IF NOT EXISTS lectura (
  id_lectura BIGSERIAL PRIMARY KEY,
  id_sensor_instalado INTEGER NOT NULL REFERENCES sensor_instalado(id_sensor_instalado),
  valor NUMERIC(12,4) NOT NULL,
  tomada_en TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_lectura_sensor_tomada ON lectura(id_sensor_instalado, tomada_en DESC);
`

	_, err := store.pool.Exec(ctx, schema)
	return err
}

func (store *PostgresStore) AddReading(ctx context.Context, reading Reading) (Reading, error) {
	const query = `
INSERT INTO lectura (id_sensor_instalado, valor, tomada_en)
VALUES ($1, $2, $3)
RETURNING id_lectura, tomada_en
`

	err := store.pool.QueryRow(ctx, query, reading.SensorInstaladoID, reading.Valor, reading.TomadaEn).
		Scan(&reading.ID, &reading.TomadaEn)
	if err != nil {
		return Reading{}, translateWriteError(fmt.Sprintf("sensor %d", reading.SensorInstaladoID), err)
	}
	reading.TomadaEn = reading.TomadaEn.UTC()
	return reading, nil
}

// AddReadings inserts the batch with one statement so its ids are allocated
// and committed together; a single unknown sensor rejects the whole batch.
func (store *PostgresStore) AddReadings(ctx context.Context, readings []Reading) (int, error) {
	const query = `
INSERT INTO lectura (id_sensor_instalado, valor, tomada_en)
SELECT sensor, valor, tomada_en
FROM unnest($1::bigint[], $2::float8[], $3::timestamptz[])
  WITH ORDINALITY AS batch(sensor, valor, tomada_en, position)
ORDER BY position
`

	sensorIDs := make([]int64, len(readings))
	values := make([]float64, len(readings))
	takenAt := make([]time.Time, len(readings))
	for index, reading := range readings {
		sensorIDs[index] = reading.SensorInstaladoID
		values[index] = reading.Valor
		takenAt[index] = reading.TomadaEn
	}

	tag, err := store.pool.Exec(ctx, query, sensorIDs, values, takenAt)
	if err != nil {
		return 0, translateWriteError("batch", err)
	}
	return int(tag.RowsAffected()), nil
}

// translateWriteError maps constraint failures to the errors the API answers
// with a client status.
func translateWriteError(subject string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		return fmt.Errorf("%s: %w", subject, ErrUnknownSensor)
	case pgNumericOutOfRange:
		return fmt.Errorf("%s: %w", subject, ErrValueOutOfRange)
	}
	return err
}

func (store *PostgresStore) MaxReadingID(ctx context.Context) (int64, error) {
	var maxID int64
	err := store.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id_lectura), 0) FROM lectura`).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("query max id_lectura: %w", err)
	}
	return maxID, nil
}

func (store *PostgresStore) ReadingsAfter(ctx context.Context, afterID int64, limit int) ([]ReadingRow, error) {
	const query = `
SELECT l.id_lectura, l.id_sensor_instalado, l.valor::float8, l.tomada_en,
       si.id_instalacion, cs.tipo_medida
FROM lectura l
JOIN sensor_instalado si ON si.id_sensor_instalado = l.id_sensor_instalado
LEFT JOIN catalogo_sensores cs ON cs.id_sensor = si.id_sensor
WHERE l.id_lectura > $1
ORDER BY l.id_lectura ASC
LIMIT $2
`

	rows, err := store.pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query readings after %d: %w", afterID, err)
	}
	defer rows.Close()

	output := make([]ReadingRow, 0, limit)
	for rows.Next() {
		var row ReadingRow
		if err := rows.Scan(
			&row.ID,
			&row.SensorInstaladoID,
			&row.Valor,
			&row.TomadaEn,
			&row.InstalacionID,
			&row.TipoMedida,
		); err != nil {
			return nil, fmt.Errorf("scan reading row: %w", err)
		}
		output = append(output, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reading rows: %w", err)
	}
	return output, nil
}

func (store *PostgresStore) Readings(ctx context.Context, query RangeQuery) ([]Reading, error) {
	order := "DESC"
	if query.Ascending {
		order = "ASC"
	}

	sql := `
SELECT id_lectura, id_sensor_instalado, valor::float8, tomada_en
FROM lectura
WHERE id_sensor_instalado = $1
  AND ($2::timestamptz IS NULL OR tomada_en >= $2)
  AND ($3::timestamptz IS NULL OR tomada_en <= $3)
ORDER BY tomada_en ` + order + `, id_lectura ` + order

	args := []any{query.SensorInstaladoID, query.From, query.To}
	if query.Limit > 0 {
		sql += "\nLIMIT $4"
		args = append(args, query.Limit)
	}

	rows, err := store.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}

	readings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Reading, error) {
		var reading Reading
		err := row.Scan(&reading.ID, &reading.SensorInstaladoID, &reading.Valor, &reading.TomadaEn)
		reading.TomadaEn = reading.TomadaEn.UTC()
		return reading, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect readings: %w", err)
	}
	return readings, nil
}

func (store *PostgresStore) Buckets(ctx context.Context, query RangeQuery, granularity Granularity) ([]Bucket, error) {
	const sql = `
SELECT to_timestamp(floor(extract(epoch FROM tomada_en)::float8 / $2::float8) * $2::float8) AS bucket,
       avg(valor)::float8, min(valor)::float8, max(valor)::float8, count(*)
FROM lectura
WHERE id_sensor_instalado = $1
  AND ($3::timestamptz IS NULL OR tomada_en >= $3)
  AND ($4::timestamptz IS NULL OR tomada_en <= $4)
GROUP BY bucket
ORDER BY bucket ASC
`

	seconds := int64(granularity.Duration() / time.Second)
	rows, err := store.pool.Query(ctx, sql, query.SensorInstaladoID, seconds, query.From, query.To)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}

	buckets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Bucket, error) {
		bucket := Bucket{SensorInstaladoID: query.SensorInstaladoID}
		err := row.Scan(&bucket.Start, &bucket.Promedio, &bucket.Min, &bucket.Max, &bucket.Total)
		bucket.Start = bucket.Start.UTC()
		return bucket, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect buckets: %w", err)
	}
	return buckets, nil
}

func (store *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lectura`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (store *PostgresStore) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return store.pool.Ping(pingCtx)
}

func (store *PostgresStore) Close() {
	store.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
