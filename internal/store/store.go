package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mlpipeline/internal/model"
)

// ErrNotFound is returned when a run or model version does not exist.
var ErrNotFound = eris.New("not found")

// ErrRunClosed is returned when logging to a run that already ended.
var ErrRunClosed = eris.New("run already ended")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Experiment string          `json:"experiment,omitempty"`
	Stage      string          `json:"stage,omitempty"`
	Status     model.RunStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// Registry records model versions. The store implements it directly and
// internal/registry implements it over HTTP.
type Registry interface {
	// RegisterModelVersion creates the next version of name pointing at
	// source. The first version of a name is 1.
	RegisterModelVersion(ctx context.Context, name, source, runID string) (*model.ModelVersion, error)
	GetModelVersion(ctx context.Context, name string, version int) (*model.ModelVersion, error)
	LatestModelVersion(ctx context.Context, name string) (*model.ModelVersion, error)
	ListModelVersions(ctx context.Context, name string) ([]model.ModelVersion, error)
}

// Store defines the persistence interface for tracked runs and the model
// registry.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, experiment, stage string) (*model.Run, error)
	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID, key string, value float64) error
	SetTag(ctx context.Context, runID, key, value string) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Registry
	Registry

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func validateFinish(status model.RunStatus) error {
	if !status.Terminal() {
		return eris.Errorf("store: %q is not a terminal run status", status)
	}
	return nil
}

func validateModelName(name string) error {
	if name == "" {
		return eris.New("store: model name is required")
	}
	return nil
}
