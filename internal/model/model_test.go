package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus(t *testing.T) {
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusFinished.Terminal())
	assert.True(t, RunStatusFailed.Terminal())

	assert.True(t, RunStatusRunning.Valid())
	assert.False(t, RunStatus("queued").Valid())
}

func TestRun_Duration(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	r := Run{StartedAt: start, EndedAt: &end}
	assert.Equal(t, 90*time.Second, r.Duration())

	open := Run{StartedAt: time.Now().Add(-time.Minute)}
	assert.GreaterOrEqual(t, open.Duration(), time.Minute)
}

func TestModelVersion_URI(t *testing.T) {
	v := ModelVersion{Name: "price", Version: 3}
	assert.Equal(t, "models:/price/3", v.URI())
}
