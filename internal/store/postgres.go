package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mlpipeline/internal/db"
	"github.com/sells-group/mlpipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries prepared on each new connection.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, experiment, stage, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"run_status":        `SELECT status FROM runs WHERE id = $1`,
	"get_run":           `SELECT id, experiment, stage, status, error, started_at, ended_at FROM runs WHERE id = $1`,
	"latest_version":    `SELECT name, version, source, run_id, created_at FROM model_versions WHERE name = $1 ORDER BY version DESC LIMIT 1`,
	"get_model_version": `SELECT name, version, source, run_id, created_at FROM model_versions WHERE name = $1 AND version = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				var pgErr interface{ SQLState() string }
				if errors.As(err, &pgErr) && pgErr.SQLState() == "42P01" {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	experiment TEXT NOT NULL,
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	error      TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_params (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);

CREATE TABLE IF NOT EXISTS run_metrics (
	run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	key       TEXT NOT NULL,
	value     DOUBLE PRECISION NOT NULL,
	logged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, key)
);

CREATE TABLE IF NOT EXISTS run_tags (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);

CREATE TABLE IF NOT EXISTS registered_models (
	name       TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS model_versions (
	name       TEXT NOT NULL REFERENCES registered_models(name),
	version    INTEGER NOT NULL,
	source     TEXT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (name, version)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, experiment, stage string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, experiment, stage, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, experiment, stage, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:         id,
		Experiment: experiment,
		Stage:      stage,
		Status:     model.RunStatusRunning,
		StartedAt:  now,
	}, nil
}

func (s *PostgresStore) requireOpen(ctx context.Context, runID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: get run status %s", runID)
	}
	if model.RunStatus(status).Terminal() {
		return eris.Wrapf(ErrRunClosed, "run %s is %s", runID, status)
	}
	return nil
}

func (s *PostgresStore) LogParam(ctx context.Context, runID, key, value string) error {
	if err := s.requireOpen(ctx, runID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_params (run_id, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value`,
		runID, key, value,
	)
	return eris.Wrapf(err, "postgres: log param %s", key)
}

func (s *PostgresStore) LogMetric(ctx context.Context, runID, key string, value float64) error {
	if err := s.requireOpen(ctx, runID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_metrics (run_id, key, value, logged_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value, logged_at = EXCLUDED.logged_at`,
		runID, key, value,
	)
	return eris.Wrapf(err, "postgres: log metric %s", key)
}

func (s *PostgresStore) SetTag(ctx context.Context, runID, key, value string) error {
	if err := s.requireOpen(ctx, runID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_tags (run_id, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, key) DO UPDATE SET value = EXCLUDED.value`,
		runID, key, value,
	)
	return eris.Wrapf(err, "postgres: set tag %s", key)
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	if err := validateFinish(status); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, ended_at = now() WHERE id = $3 AND status = $4`,
		string(status), errMsg, runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		if openErr := s.requireOpen(ctx, runID); openErr != nil {
			return openErr
		}
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, experiment, stage, status, error, started_at, ended_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := pgScanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if r.Params, err = s.stringMap(ctx, `SELECT key, value FROM run_params WHERE run_id = $1`, runID); err != nil {
		return nil, eris.Wrap(err, "postgres: get run params")
	}
	if r.Tags, err = s.stringMap(ctx, `SELECT key, value FROM run_tags WHERE run_id = $1`, runID); err != nil {
		return nil, eris.Wrap(err, "postgres: get run tags")
	}

	rows, err := s.pool.Query(ctx, `SELECT key, value FROM run_metrics WHERE run_id = $1`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get run metrics")
	}
	defer rows.Close()
	r.Metrics = map[string]float64{}
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan metric")
		}
		r.Metrics[k] = v
	}
	return r, eris.Wrap(rows.Err(), "postgres: get run metrics iterate")
}

func (s *PostgresStore) stringMap(ctx context.Context, query, runID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, rows.Err()
}

// ListRuns returns run summaries, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, experiment, stage, status, error, started_at, ended_at FROM runs WHERE 1=1`
	var args []any
	argN := 1

	if filter.Experiment != "" {
		query += fmt.Sprintf(` AND experiment = $%d`, argN)
		args = append(args, filter.Experiment)
		argN++
	}
	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argN)
		args = append(args, filter.Stage)
		argN++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC, id LIMIT $%d`, argN)
	args = append(args, listLimit(filter.Limit))
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := pgScanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// RegisterModelVersion locks the registered_models row for name, then
// inserts max(version)+1 in the same transaction.
func (s *PostgresStore) RegisterModelVersion(ctx context.Context, name, source, runID string) (*model.ModelVersion, error) {
	if err := validateModelName(name); err != nil {
		return nil, err
	}
	v := &model.ModelVersion{Name: name, Source: source, RunID: runID, CreatedAt: time.Now().UTC()}

	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO registered_models (name) VALUES ($1)
			 ON CONFLICT (name) DO UPDATE SET updated_at = now()`,
			name,
		); err != nil {
			return eris.Wrap(err, "upsert registered model")
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM model_versions WHERE name = $1`,
			name,
		).Scan(&v.Version); err != nil {
			return eris.Wrap(err, "next version")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO model_versions (name, version, source, run_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
			name, v.Version, source, runID, v.CreatedAt,
		); err != nil {
			return eris.Wrap(err, "insert model version")
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: register model %s", name)
	}
	return v, nil
}

func (s *PostgresStore) GetModelVersion(ctx context.Context, name string, version int) (*model.ModelVersion, error) {
	var v model.ModelVersion
	err := s.pool.QueryRow(ctx,
		`SELECT name, version, source, run_id, created_at FROM model_versions WHERE name = $1 AND version = $2`,
		name, version,
	).Scan(&v.Name, &v.Version, &v.Source, &v.RunID, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "model %s version %d", name, version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get model %s version %d", name, version)
	}
	return &v, nil
}

func (s *PostgresStore) LatestModelVersion(ctx context.Context, name string) (*model.ModelVersion, error) {
	var v model.ModelVersion
	err := s.pool.QueryRow(ctx,
		`SELECT name, version, source, run_id, created_at FROM model_versions WHERE name = $1 ORDER BY version DESC LIMIT 1`,
		name,
	).Scan(&v.Name, &v.Version, &v.Source, &v.RunID, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "model %s", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest model version %s", name)
	}
	return &v, nil
}

func (s *PostgresStore) ListModelVersions(ctx context.Context, name string) ([]model.ModelVersion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, version, source, run_id, created_at FROM model_versions WHERE name = $1 ORDER BY version`,
		name,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list model versions %s", name)
	}
	defer rows.Close()

	var versions []model.ModelVersion
	for rows.Next() {
		var v model.ModelVersion
		if err := rows.Scan(&v.Name, &v.Version, &v.Source, &v.RunID, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan model version")
		}
		versions = append(versions, v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: list model versions iterate")
}

func pgScanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	err := row.Scan(&r.ID, &r.Experiment, &r.Stage, &status, &r.Error, &r.StartedAt, &r.EndedAt)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	return &r, nil
}
