package model

import (
	"strconv"
	"time"
)

// ModelVersion is one registered version of a named model. Versions of a
// name start at 1 and increase by one per registration.
type ModelVersion struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Source    string    `json:"source"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// URI returns the registry URI of the version, e.g. models:/price/3.
func (v *ModelVersion) URI() string {
	return "models:/" + v.Name + "/" + strconv.Itoa(v.Version)
}
