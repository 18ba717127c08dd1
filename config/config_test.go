package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gotest.tools/assert"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liveaudio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-gemini-env")
	cfg, err := Load("")
	require.NoError(t, err)

	want := DefaultConfig()
	want.Model.APIKey = "from-gemini-env"
	assert.DeepEqual(t, cfg, want)
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("LIVEAUDIO_MONITOR_ADDR", ":9999")
	t.Setenv("LIVEAUDIO_AUDIO_OUTPUT", "false")
	path := writeFile(t, `
model:
  api_key: secret
  sample: Live function calling
audio:
  speaker_buffer: 50ms
  route_dir: ""
recording:
  dir: /tmp/recordings
  ogg: true
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, cfg.Model.APIKey, "secret")
	assert.Equal(t, cfg.Model.Sample, "Live function calling")
	assert.Equal(t, cfg.Model.Voice, "Zephyr")
	assert.Equal(t, cfg.Audio.SpeakerBuffer, 50*time.Millisecond)
	assert.Equal(t, cfg.Audio.RouteDir, "")
	assert.Equal(t, cfg.Audio.Output, false)
	assert.Equal(t, cfg.Monitor.Addr, ":9999")
	assert.Equal(t, cfg.Recording.Dir, "/tmp/recordings")
	assert.Equal(t, cfg.Recording.Ogg, true)
	assert.Equal(t, cfg.Log.Format, "json")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestWriteRoundTrip(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg := DefaultConfig()
	cfg.Model.APIKey = "k"
	cfg.Monitor.Interval = 3 * time.Second
	path := filepath.Join(t.TempDir(), "nested", "liveaudio.yaml")
	require.NoError(t, Write(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.DeepEqual(t, loaded, cfg)
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(*Config)
		err    string
	}{
		{"no api key", func(c *Config) { c.Model.APIKey = "" }, "model.api_key is required"},
		{"no model", func(c *Config) { c.Model.Name = "" }, "model.name is required"},
		{"speaker rate", func(c *Config) { c.Audio.SpeakerRate = 0 }, "audio.speaker_rate"},
		{"quality", func(c *Config) { c.Audio.Quality = 65 }, "audio.quality"},
		{"monitor interval", func(c *Config) { c.Monitor.Interval = 0 }, "monitor.interval"},
		{"monitor disabled", func(c *Config) { c.Monitor.Addr = ""; c.Monitor.Interval = 0 }, ""},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Model.APIKey = "k"
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.err == "" {
				assert.NilError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.err)
		})
	}
}
