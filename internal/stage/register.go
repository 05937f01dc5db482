package stage

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mlpipeline/internal/artifact"
	"github.com/sells-group/mlpipeline/internal/model"
	"github.com/sells-group/mlpipeline/internal/store"
	"github.com/sells-group/mlpipeline/internal/tracking"
)

// RegisterOptions configures the registration stage.
type RegisterOptions struct {
	ModelName string
	ModelPath string
	// InfoOutputDir receives model_info.json when set.
	InfoOutputDir string
	// FallbackRoots are searched when ModelPath holds no model.
	FallbackRoots []string
	MaxListed     int
}

// RegisterResult reports the registered version.
type RegisterResult struct {
	Version  *model.ModelVersion `json:"version"`
	ModelDir string              `json:"model_dir"`
	Searched bool                `json:"searched"`
	InfoPath string              `json:"info_path,omitempty"`
}

// Register locates the model directory under ModelPath, records it in reg
// as the next version of ModelName, and optionally writes model_info.json.
func Register(ctx context.Context, run *tracking.Run, reg store.Registry, opts RegisterOptions) (*RegisterResult, error) {
	if opts.ModelName == "" {
		return nil, eris.New("register: model_name is required")
	}
	if opts.ModelPath == "" {
		return nil, eris.New("register: model_path is required")
	}
	if reg == nil {
		return nil, eris.New("register: no registry configured")
	}
	if err := run.LogParams(map[string]string{
		"model_name": opts.ModelName,
		"model_path": opts.ModelPath,
	}); err != nil {
		return nil, err
	}

	loc, err := artifact.Locator{
		FallbackRoots: opts.FallbackRoots,
		MaxListed:     opts.MaxListed,
	}.Locate(opts.ModelPath)
	if err != nil {
		return nil, err
	}

	source, err := filepath.Abs(loc.Dir)
	if err != nil {
		return nil, eris.Wrapf(err, "register: resolve %s", loc.Dir)
	}
	if err := run.SetTag("model_dir", source); err != nil {
		return nil, err
	}

	v, err := reg.RegisterModelVersion(ctx, opts.ModelName, source, run.ID())
	if err != nil {
		return nil, eris.Wrapf(err, "register: %s", opts.ModelName)
	}
	if err := run.LogMetric("model_version", float64(v.Version)); err != nil {
		return nil, err
	}

	res := &RegisterResult{Version: v, ModelDir: source, Searched: loc.Searched}
	if opts.InfoOutputDir != "" {
		res.InfoPath, err = artifact.WriteInfo(opts.InfoOutputDir, artifact.Info{
			ModelName:    v.Name,
			ModelVersion: v.Version,
			ModelURI:     v.Source,
		})
		if err != nil {
			return nil, eris.Wrap(err, "register: write model info")
		}
	}

	zap.L().Info("register: complete",
		zap.String("model_name", v.Name),
		zap.Int("version", v.Version),
		zap.String("source", v.Source),
		zap.Bool("searched", loc.Searched),
	)
	return res, nil
}
