package model

import "time"

// RunStatus represents the current state of a tracked stage run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusFinished RunStatus = "finished"
	RunStatusFailed   RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFinished || s == RunStatusFailed
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusRunning, RunStatusFinished, RunStatusFailed:
		return true
	}
	return false
}

// Stage names recorded on runs.
const (
	StagePrep     = "prep"
	StageTrain    = "train"
	StageRegister = "register"
)

// Run is one execution of a pipeline stage with the parameters, metrics,
// and tags it logged.
type Run struct {
	ID         string             `json:"id"`
	Experiment string             `json:"experiment"`
	Stage      string             `json:"stage"`
	Status     RunStatus          `json:"status"`
	Error      string             `json:"error,omitempty"`
	Params     map[string]string  `json:"params,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Tags       map[string]string  `json:"tags,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
}

// Duration returns how long the run took, or how long it has been running.
func (r *Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}
