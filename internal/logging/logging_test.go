package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "json", Out: &buf})

	log.Info().Msg("hidden")
	log.Warn().Str("task_id", "tsk_1").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "tsk_1", entry["task_id"])
	assert.Contains(t, entry, "time")
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Out: &buf})
	log.Debug().Msg("armed")
	assert.Contains(t, buf.String(), "armed")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel(" debug ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty", zerolog.InfoLevel))
}
