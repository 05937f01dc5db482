// Package tracking provides an explicit per-stage run handle. A stage starts a
// run, logs params, metrics, and tags against it, and ends it on every exit
// path. There is no process-wide active run.
package tracking

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mlpipeline/internal/model"
)

// Backend persists runs. store.Store satisfies it.
type Backend interface {
	CreateRun(ctx context.Context, experiment, stage string) (*model.Run, error)
	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID, key string, value float64) error
	SetTag(ctx context.Context, runID, key, value string) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
}

// Run is a handle to one tracked stage execution. A Run with a nil backend
// records values in memory only.
type Run struct {
	ctx     context.Context
	backend Backend
	id      string
	stage   string

	mu      sync.Mutex
	ended   bool
	params  map[string]string
	metrics map[string]float64
}

// Start creates a run for stage. Pass a nil backend to disable persistence.
func Start(ctx context.Context, backend Backend, experiment, stage string) (*Run, error) {
	r := &Run{
		ctx:     ctx,
		backend: backend,
		stage:   stage,
		params:  map[string]string{},
		metrics: map[string]float64{},
	}
	if backend == nil {
		return r, nil
	}

	mr, err := backend.CreateRun(ctx, experiment, stage)
	if err != nil {
		return nil, eris.Wrapf(err, "tracking: start %s run", stage)
	}
	r.id = mr.ID
	zap.L().Debug("tracking: run started",
		zap.String("run_id", r.id),
		zap.String("experiment", experiment),
		zap.String("stage", stage),
	)
	return r, nil
}

// ID returns the backend run id, or "" for an untracked run.
func (r *Run) ID() string {
	return r.id
}

func (r *Run) LogParam(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return eris.Errorf("tracking: log param %s: run ended", key)
	}
	r.params[key] = value
	if r.backend == nil {
		return nil
	}
	return eris.Wrapf(r.backend.LogParam(r.ctx, r.id, key, value), "tracking: log param %s", key)
}

// LogParams logs every entry of kv in key order.
func (r *Run) LogParams(kv map[string]string) error {
	for _, k := range slices.Sorted(maps.Keys(kv)) {
		if err := r.LogParam(k, kv[k]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) LogMetric(key string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return eris.Errorf("tracking: log metric %s: run ended", key)
	}
	r.metrics[key] = value
	if r.backend == nil {
		return nil
	}
	return eris.Wrapf(r.backend.LogMetric(r.ctx, r.id, key, value), "tracking: log metric %s", key)
}

func (r *Run) SetTag(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return eris.Errorf("tracking: set tag %s: run ended", key)
	}
	if r.backend == nil {
		return nil
	}
	return eris.Wrapf(r.backend.SetTag(r.ctx, r.id, key, value), "tracking: set tag %s", key)
}

// Params returns a copy of the params logged so far.
func (r *Run) Params() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.params)
}

// Metrics returns a copy of the metrics logged so far.
func (r *Run) Metrics() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.metrics)
}

// End finalizes the run as failed when *errp is non-nil and finished
// otherwise. It is meant to be deferred right after Start:
//
//	run, err := tracking.Start(ctx, backend, exp, "train")
//	if err != nil {
//		return err
//	}
//	defer run.End(&err)
//
// A panic in the stage marks the run failed and is then re-raised. A failure
// to finalize a successful run is reported through *errp. Calling End more
// than once has no effect.
func (r *Run) End(errp *error) {
	p := recover()
	r.end(errp, p)
	if p != nil {
		panic(p)
	}
}

func (r *Run) end(errp *error, panicked any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.ended = true

	var stageErr error
	if errp != nil {
		stageErr = *errp
	}
	status, msg := model.RunStatusFinished, ""
	switch {
	case panicked != nil:
		status, msg = model.RunStatusFailed, fmt.Sprintf("panic: %v", panicked)
	case stageErr != nil:
		status, msg = model.RunStatusFailed, stageErr.Error()
	}

	if r.backend == nil {
		return
	}

	// Finalize even when the stage context was cancelled.
	ctx := context.WithoutCancel(r.ctx)
	if err := r.backend.FinishRun(ctx, r.id, status, msg); err != nil {
		if status == model.RunStatusFinished && errp != nil {
			*errp = eris.Wrapf(err, "tracking: end %s run", r.stage)
			return
		}
		zap.L().Warn("tracking: end run failed",
			zap.String("run_id", r.id),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("tracking: run ended",
		zap.String("run_id", r.id),
		zap.String("status", string(status)),
	)
}
