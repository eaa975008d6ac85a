package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONOutsideDevelopment(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{
		Level:       "debug",
		Environment: "production",
		ServiceName: "hr-approvals",
		Version:     "1.2.3",
		Output:      &buf,
	})

	log.Component("dispatcher").Debug().Str("instance_id", "wf-1").Msg("Job claimed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hr-approvals", line["service"])
	assert.Equal(t, "1.2.3", line["version"])
	assert.Equal(t, "dispatcher", line["component"])
	assert.Equal(t, "wf-1", line["instance_id"])
	assert.Equal(t, "Job claimed", line["message"])
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "verbose", Environment: "production", Output: &buf})

	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
