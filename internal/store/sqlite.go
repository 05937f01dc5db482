package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/mlpipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// PRAGMAs below are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	experiment TEXT NOT NULL,
	stage      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	error      TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	ended_at   DATETIME
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
	value     REAL NOT NULL,
	logged_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, key)
);

CREATE TABLE IF NOT EXISTS run_tags (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (run_id, key)
);

CREATE TABLE IF NOT EXISTS model_versions (
	name       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	source     TEXT NOT NULL,
	run_id     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (name, version)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, experiment, stage string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, experiment, stage, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, experiment, stage, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:         id,
		Experiment: experiment,
		Stage:      stage,
		Status:     model.RunStatusRunning,
		StartedAt:  now,
	}, nil
}

// requireOpen fails unless runID exists and is still running.
func (s *SQLiteStore) requireOpen(ctx context.Context, runID string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: get run status %s", runID)
	}
	if model.RunStatus(status).Terminal() {
		return eris.Wrapf(ErrRunClosed, "run %s is %s", runID, status)
	}
	return nil
}

func (s *SQLiteStore) LogParam(ctx context.Context, runID, key, value string) error {
	if err := s.requireOpen(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_params (run_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (run_id, key) DO UPDATE SET value = excluded.value`,
		runID, key, value,
	)
	return eris.Wrapf(err, "sqlite: log param %s", key)
}

func (s *SQLiteStore) LogMetric(ctx context.Context, runID, key string, value float64) error {
	if err := s.requireOpen(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_metrics (run_id, key, value, logged_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, key) DO UPDATE SET value = excluded.value, logged_at = excluded.logged_at`,
		runID, key, value, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: log metric %s", key)
}

func (s *SQLiteStore) SetTag(ctx context.Context, runID, key, value string) error {
	if err := s.requireOpen(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_tags (run_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (run_id, key) DO UPDATE SET value = excluded.value`,
		runID, key, value,
	)
	return eris.Wrapf(err, "sqlite: set tag %s", key)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	if err := validateFinish(status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, ended_at = ? WHERE id = ? AND status = ?`,
		string(status), errMsg, time.Now().UTC(), runID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		// Distinguish a missing run from one that already ended.
		if openErr := s.requireOpen(ctx, runID); openErr != nil {
			return openErr
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, experiment, stage, status, error, started_at, ended_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	if r.Params, err = s.stringMap(ctx, `SELECT key, value FROM run_params WHERE run_id = ?`, runID); err != nil {
		return nil, eris.Wrap(err, "sqlite: get run params")
	}
	if r.Tags, err = s.stringMap(ctx, `SELECT key, value FROM run_tags WHERE run_id = ?`, runID); err != nil {
		return nil, eris.Wrap(err, "sqlite: get run tags")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM run_metrics WHERE run_id = ?`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get run metrics")
	}
	defer rows.Close() //nolint:errcheck
	r.Metrics = map[string]float64{}
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan metric")
		}
		r.Metrics[k] = v
	}
	return r, eris.Wrap(rows.Err(), "sqlite: get run metrics iterate")
}

func (s *SQLiteStore) stringMap(ctx context.Context, query, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

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

// ListRuns returns run summaries, newest first. Params, metrics, and tags are
// only loaded by GetRun.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, experiment, stage, status, error, started_at, ended_at FROM runs WHERE 1=1`
	var args []any

	if filter.Experiment != "" {
		query += ` AND experiment = ?`
		args = append(args, filter.Experiment)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, filter.Stage)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// RegisterModelVersion computes max(version)+1 and inserts it in one
// statement.
func (s *SQLiteStore) RegisterModelVersion(ctx context.Context, name, source, runID string) (*model.ModelVersion, error) {
	if err := validateModelName(name); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var version int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO model_versions (name, version, source, run_id, created_at)
		 SELECT ?, COALESCE(MAX(version), 0) + 1, ?, ?, ? FROM model_versions WHERE name = ?
		 RETURNING version`,
		name, source, runID, now, name,
	).Scan(&version)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: register model %s", name)
	}

	return &model.ModelVersion{
		Name:      name,
		Version:   version,
		Source:    source,
		RunID:     runID,
		CreatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetModelVersion(ctx context.Context, name string, version int) (*model.ModelVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, source, run_id, created_at FROM model_versions WHERE name = ? AND version = ?`,
		name, version,
	)
	v, err := scanModelVersion(row)
	if errors.Is(err, ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "model %s version %d", name, version)
	}
	return v, err
}

func (s *SQLiteStore) LatestModelVersion(ctx context.Context, name string) (*model.ModelVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, source, run_id, created_at FROM model_versions
		 WHERE name = ? ORDER BY version DESC LIMIT 1`,
		name,
	)
	v, err := scanModelVersion(row)
	if errors.Is(err, ErrNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "model %s", name)
	}
	return v, err
}

func (s *SQLiteStore) ListModelVersions(ctx context.Context, name string) ([]model.ModelVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, version, source, run_id, created_at FROM model_versions WHERE name = ? ORDER BY version`,
		name,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list model versions %s", name)
	}
	defer rows.Close() //nolint:errcheck

	var versions []model.ModelVersion
	for rows.Next() {
		v, err := scanModelVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: list model versions iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var status string
	var ended sql.NullTime

	err := row.Scan(&r.ID, &r.Experiment, &r.Stage, &status, &r.Error, &r.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.Status = model.RunStatus(status)
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	return &r, nil
}

func scanModelVersion(row scannable) (*model.ModelVersion, error) {
	var v model.ModelVersion
	err := row.Scan(&v.Name, &v.Version, &v.Source, &v.RunID, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan model version")
	}
	return &v, nil
}
