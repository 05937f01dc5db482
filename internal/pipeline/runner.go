package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mlpipeline/internal/model"
	"github.com/sells-group/mlpipeline/internal/stage"
	"github.com/sells-group/mlpipeline/internal/store"
	"github.com/sells-group/mlpipeline/internal/tracking"
)

// Runner executes a Definition. The option templates carry configured
// defaults; attributes set in the definition override them.
type Runner struct {
	// Tracker records one run per stage. Nil disables tracking.
	Tracker    tracking.Backend
	Registry   store.Registry
	Experiment string

	Prep     stage.PrepOptions
	Train    stage.TrainOptions
	Register stage.RegisterOptions
}

// Result collects the output of every stage that ran.
type Result struct {
	Prep     *stage.PrepResult     `json:"prep,omitempty"`
	Train    *stage.TrainResult    `json:"train,omitempty"`
	Register *stage.RegisterResult `json:"register,omitempty"`
	Elapsed  time.Duration         `json:"elapsed"`
}

// Run executes the declared stages in order: prep, train, register. The
// first failure stops the pipeline and is returned together with the
// results of the stages that completed.
func (r *Runner) Run(ctx context.Context, def *Definition) (*Result, error) {
	start := time.Now()
	exp := r.Experiment
	if def.Experiment != nil && *def.Experiment != "" {
		exp = *def.Experiment
	}
	log := zap.L().With(zap.String("pipeline", def.Path), zap.String("experiment", exp))
	log.Info("pipeline: starting", zap.Strings("stages", def.Stages()))

	res := &Result{}
	var err error

	if def.Prep != nil {
		opts := r.prepOptions(def.Prep)
		res.Prep, err = tracked(ctx, r.Tracker, exp, model.StagePrep, func(run *tracking.Run) (*stage.PrepResult, error) {
			return stage.Prep(ctx, run, opts)
		})
		if err != nil {
			return res, eris.Wrap(err, "pipeline: prep")
		}
	}

	if def.Train != nil {
		opts := r.trainOptions(def.Train)
		res.Train, err = tracked(ctx, r.Tracker, exp, model.StageTrain, func(run *tracking.Run) (*stage.TrainResult, error) {
			return stage.Train(ctx, run, opts)
		})
		if err != nil {
			return res, eris.Wrap(err, "pipeline: train")
		}
	}

	if def.Register != nil {
		opts := r.registerOptions(def.Register)
		res.Register, err = tracked(ctx, r.Tracker, exp, model.StageRegister, func(run *tracking.Run) (*stage.RegisterResult, error) {
			return stage.Register(ctx, run, r.Registry, opts)
		})
		if err != nil {
			return res, eris.Wrap(err, "pipeline: register")
		}
	}

	res.Elapsed = time.Since(start)
	log.Info("pipeline: complete", zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// tracked runs fn under its own tracking run and ends the run on every
// exit path.
func tracked[T any](ctx context.Context, backend tracking.Backend, exp, name string, fn func(*tracking.Run) (T, error)) (out T, err error) {
	if err := ctx.Err(); err != nil {
		return out, eris.Wrap(err, "cancelled")
	}
	run, err := tracking.Start(ctx, backend, exp, name)
	if err != nil {
		return out, err
	}
	defer run.End(&err)
	return fn(run)
}

func (r *Runner) prepOptions(b *PrepBlock) stage.PrepOptions {
	opts := r.Prep
	opts.RawData = b.RawData
	opts.TrainDir = b.TrainData
	opts.TestDir = b.TestData
	if b.Ratio != nil {
		opts.Ratio = *b.Ratio
	}
	if b.Seed != nil {
		opts.Seed = *b.Seed
	}
	return opts
}

func (r *Runner) trainOptions(b *TrainBlock) stage.TrainOptions {
	opts := r.Train
	opts.TrainDir = b.TrainData
	opts.TestDir = b.TestData
	opts.ModelOutput = b.ModelOutput
	if b.Target != nil {
		opts.Target = *b.Target
	}
	if b.NEstimators != nil {
		opts.NEstimators = *b.NEstimators
	}
	if b.MaxDepth != nil {
		opts.MaxDepth = *b.MaxDepth
	}
	if b.RandomState != nil {
		opts.RandomState = *b.RandomState
	}
	return opts
}

func (r *Runner) registerOptions(b *RegisterBlock) stage.RegisterOptions {
	opts := r.Register
	opts.ModelName = b.ModelName
	opts.ModelPath = b.ModelPath
	if b.ModelInfoOutputPath != nil {
		opts.InfoOutputDir = *b.ModelInfoOutputPath
	}
	return opts
}
