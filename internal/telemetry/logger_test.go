package telemetry

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")

	logger.Info("task_created", "task_id", "t1")
	assert.Zero(t, buf.Len())

	logger.Warn("merge_degraded", "task_id", "t1")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "merge_degraded", line["msg"])
	assert.Equal(t, "t1", line["task_id"])
	assert.Equal(t, "stv-longvideo", line["service"])
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "text").Debug("segment_started", "segment_id", 3)
	assert.Contains(t, buf.String(), "msg=segment_started")
	assert.Contains(t, buf.String(), "segment_id=3")
}
