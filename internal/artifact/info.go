package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// InfoFile is the metadata file written by registration.
const InfoFile = "model_info.json"

// Info records a registry entry for downstream consumers.
type Info struct {
	ModelName    string `json:"model_name"`
	ModelVersion int    `json:"model_version"`
	ModelURI     string `json:"model_uri"`
}

// WriteInfo creates dir if needed and writes info to dir/model_info.json.
func WriteInfo(dir string, info Info) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "artifact: create %s", dir)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return "", eris.Wrap(err, "artifact: marshal info")
	}
	path := filepath.Join(dir, InfoFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "artifact: write %s", path)
	}
	return path, nil
}

// ReadInfo reads dir/model_info.json.
func ReadInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, InfoFile))
	if err != nil {
		return nil, eris.Wrap(err, "artifact: read info")
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, eris.Wrap(err, "artifact: parse info")
	}
	return &info, nil
}
