package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(&buf, "info", false), "auction")
	logger.Info().Str("task_id", "t-1").Msg("task announced")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "auction", line["component"])
	assert.Equal(t, "t-1", line["task_id"])
	assert.Equal(t, "task announced", line["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", false)
	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
	logger.Warn().Msg("kept")
	assert.NotZero(t, buf.Len())
}
