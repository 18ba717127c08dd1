package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gotest.tools/assert"
)

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "WARN", Format: "json", Out: &buf})
	require.NoError(t, err)

	log.Info().Msg("hidden")
	voice := Component(log, "voice")
	voice.Warn().Int("rebuilds", 2).Msg("route changed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, len(lines), 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, entry["app"], "liveaudio")
	assert.Equal(t, entry["component"], "voice")
	assert.Equal(t, entry["level"], "warn")
	assert.Equal(t, entry["message"], "route changed")
	assert.Equal(t, entry["rebuilds"], float64(2))
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Out: &buf})
	require.NoError(t, err)
	log.Debug().Msg("hidden")
	log.Info().Msg("connected")
	assert.Assert(t, strings.Contains(buf.String(), "connected"))
	assert.Assert(t, !strings.Contains(buf.String(), "hidden"))
}

func TestBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.ErrorContains(t, err, "log level")
	_, err = New(Config{Format: "xml"})
	assert.ErrorContains(t, err, "unknown log format")
}
