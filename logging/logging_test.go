package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		" INFO ":  InfoLevel,
		"Warning": WarnLevel,
		"warn":    WarnLevel,
		"error":   ErrorLevel,
		"FATAL":   FatalLevel,
		"verbose": InfoLevel,
		"":        InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: WarnLevel, Output: &buf})

	log.Info().Msg("dropped")
	log.Warn().Int("fd", 5).Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, float64(5), entry["fd"])
	assert.Contains(t, entry, "time")
}

func TestInitPretty(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, Output: &buf, Pretty: true})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Debug().Str("server", "0.0.0.0:8080").Msg("bound")
	assert.Contains(t, buf.String(), "bound")
	assert.Contains(t, buf.String(), "server=")
}
