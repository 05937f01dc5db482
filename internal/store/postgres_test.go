package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mlpipeline/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "housing", "train", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "housing", model.StageTrain)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, experiment, stage, status, error, started_at, ended_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(time.Minute)

	mock.ExpectQuery(`SELECT id, experiment, stage, status, error, started_at, ended_at FROM runs`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "experiment", "stage", "status", "error", "started_at", "ended_at"}).
			AddRow("r1", "housing", "train", "finished", "", started, &ended))
	mock.ExpectQuery(`SELECT key, value FROM run_params`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).AddRow("n_estimators", "100"))
	mock.ExpectQuery(`SELECT key, value FROM run_tags`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}))
	mock.ExpectQuery(`SELECT key, value FROM run_metrics`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).AddRow("MSE", 4.5))

	run, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFinished, run.Status)
	assert.Equal(t, "100", run.Params["n_estimators"])
	assert.InDelta(t, 4.5, run.Metrics["MSE"], 1e-12)
	require.NotNil(t, run.EndedAt)
	assert.Equal(t, ended, *run.EndedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LogMetric(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status FROM runs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec(`INSERT INTO run_metrics`).
		WithArgs("r1", "MSE", 3.25).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.LogMetric(context.Background(), "r1", "MSE", 3.25))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LogParam_ClosedRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status FROM runs WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("finished"))

	err := s.LogParam(context.Background(), "r1", "k", "v")
	assert.True(t, errors.Is(err, ErrRunClosed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, error = \$2, ended_at = now\(\) WHERE id = \$3 AND status = \$4`).
		WithArgs("failed", "boom", "r1", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FinishRun(context.Background(), "r1", model.RunStatusFailed, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs("finished", "", "missing", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM runs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err := s.FinishRun(context.Background(), "missing", model.RunStatusFinished, "")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM runs WHERE 1=1 AND experiment = \$1 AND status = \$2 ORDER BY started_at DESC, id LIMIT \$3 OFFSET \$4`).
		WithArgs("housing", "failed", 10, 20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "experiment", "stage", "status", "error", "started_at", "ended_at"}).
			AddRow("r1", "housing", "prep", "failed", "bad input", now, &now))

	runs, err := s.ListRuns(context.Background(), RunFilter{
		Experiment: "housing",
		Status:     model.RunStatusFailed,
		Limit:      10,
		Offset:     20,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "bad input", runs[0].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterModelVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO registered_models`).
		WithArgs("price").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1 FROM model_versions`).
		WithArgs("price").
		WillReturnRows(pgxmock.NewRows([]string{"next"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO model_versions`).
		WithArgs("price", 3, "/models/m", "run-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	v, err := s.RegisterModelVersion(context.Background(), "price", "/models/m", "run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, v.Version)
	assert.Equal(t, "models:/price/3", v.URI())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterModelVersion_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO registered_models`).
		WithArgs("price").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs("price").
		WillReturnRows(pgxmock.NewRows([]string{"next"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO model_versions`).
		WithArgs("price", 1, "/models/m", "", pgxmock.AnyArg()).
		WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, err := s.RegisterModelVersion(context.Background(), "price", "/models/m", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register model price")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestModelVersion_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM model_versions WHERE name = \$1 ORDER BY version DESC LIMIT 1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LatestModelVersion(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListModelVersions(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM model_versions WHERE name = \$1 ORDER BY version`).
		WithArgs("price").
		WillReturnRows(pgxmock.NewRows([]string{"name", "version", "source", "run_id", "created_at"}).
			AddRow("price", 1, "/a", "", now).
			AddRow("price", 2, "/b", "r2", now))

	list, err := s.ListModelVersions(context.Background(), "price")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[1].RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
