// Package artifact persists fitted models as self-describing directories and
// finds them again for registration.
//
// A model directory holds the marker file MLmodel (YAML, naming the flavor
// and the model file) next to the gob-encoded forest. A directory is a model
// root exactly when it contains MLmodel.
package artifact

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/mlpipeline/internal/forest"
)

// File names inside a model directory.
const (
	MarkerFile = "MLmodel"
	ModelFile  = "model.gob"
	// FlavorName is the only model flavor this pipeline writes.
	FlavorName = "forest"
)

// Marker is the content of the MLmodel file.
type Marker struct {
	ArtifactPath string            `yaml:"artifact_path"`
	CreatedAt    time.Time         `yaml:"utc_time_created"`
	RunID        string            `yaml:"run_id,omitempty"`
	Flavors      map[string]Flavor `yaml:"flavors"`
}

// Flavor describes how to load the model stored in the directory.
type Flavor struct {
	ModelFile     string   `yaml:"model_file"`
	FormatVersion int      `yaml:"format_version"`
	NEstimators   int      `yaml:"n_estimators"`
	MaxDepth      int      `yaml:"max_depth"`
	RandomState   int64    `yaml:"random_state"`
	Target        string   `yaml:"target"`
	FeatureNames  []string `yaml:"feature_names"`
}

// SaveOptions carries metadata recorded in the marker.
type SaveOptions struct {
	Target string
	RunID  string
}

// Save writes model into dir. An existing dir is removed first so a rerun
// never mixes files from a previous artifact.
func Save(dir string, model *forest.Regressor, opts SaveOptions) (*Marker, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, eris.Wrapf(err, "artifact: clear %s", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create %s", dir)
	}

	var buf bytes.Buffer
	if err := model.Save(&buf); err != nil {
		return nil, eris.Wrap(err, "artifact: encode model")
	}
	if err := os.WriteFile(filepath.Join(dir, ModelFile), buf.Bytes(), 0o644); err != nil {
		return nil, eris.Wrap(err, "artifact: write model")
	}

	m := &Marker{
		ArtifactPath: filepath.Base(dir),
		CreatedAt:    time.Now().UTC(),
		RunID:        opts.RunID,
		Flavors: map[string]Flavor{
			FlavorName: {
				ModelFile:     ModelFile,
				FormatVersion: forest.FormatVersion,
				NEstimators:   model.NEstimators,
				MaxDepth:      model.MaxDepth,
				RandomState:   model.RandomState,
				Target:        opts.Target,
				FeatureNames:  model.FeatureNames,
			},
		},
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "artifact: marshal marker")
	}
	// The marker goes last: a directory with MLmodel is always complete.
	if err := os.WriteFile(filepath.Join(dir, MarkerFile), data, 0o644); err != nil {
		return nil, eris.Wrap(err, "artifact: write marker")
	}
	return m, nil
}

// ReadMarker reads and validates dir/MLmodel.
func ReadMarker(dir string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, eris.Errorf("artifact: no %s in %s", MarkerFile, dir)
	}
	if err != nil {
		return nil, eris.Wrap(err, "artifact: read marker")
	}

	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrapf(err, "artifact: parse %s", filepath.Join(dir, MarkerFile))
	}
	fl, ok := m.Flavors[FlavorName]
	if !ok {
		return nil, eris.Errorf("artifact: %s has no %q flavor", filepath.Join(dir, MarkerFile), FlavorName)
	}
	if fl.ModelFile == "" {
		return nil, eris.Errorf("artifact: %s flavor %q has no model_file", filepath.Join(dir, MarkerFile), FlavorName)
	}
	return &m, nil
}

// Load reads the marker and the model it points to.
func Load(dir string) (*forest.Regressor, *Marker, error) {
	m, err := ReadMarker(dir)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(dir, m.Flavors[FlavorName].ModelFile))
	if err != nil {
		return nil, nil, eris.Wrap(err, "artifact: open model")
	}
	defer f.Close() //nolint:errcheck

	model, err := forest.Load(f)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "artifact: load %s", dir)
	}
	return model, m, nil
}
