// Package config loads liveaudio settings from a yaml file, LIVEAUDIO_*
// environment variables and defaults, in that order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/progrium/liveaudio/gemini"
)

const EnvPrefix = "LIVEAUDIO"

type Config struct {
	Model     ModelConfig     `mapstructure:"model" yaml:"model"`
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Monitor   MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

type ModelConfig struct {
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	Name     string `mapstructure:"name" yaml:"name"`
	Voice    string `mapstructure:"voice" yaml:"voice"`
	Language string `mapstructure:"language" yaml:"language"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// Sample is the title of the conversation sample to run.
	Sample string `mapstructure:"sample" yaml:"sample"`
}

type AudioConfig struct {
	Output        bool          `mapstructure:"output" yaml:"output"`
	SpeakerRate   int           `mapstructure:"speaker_rate" yaml:"speaker_rate"`
	SpeakerBuffer time.Duration `mapstructure:"speaker_buffer" yaml:"speaker_buffer"`
	Quality       int           `mapstructure:"quality" yaml:"quality"`
	// RouteDir is watched for device changes. Empty disables watching.
	RouteDir      string        `mapstructure:"route_dir" yaml:"route_dir"`
	RouteDebounce time.Duration `mapstructure:"route_debounce" yaml:"route_debounce"`
	// DryRun replaces the audio hardware with a simulated rig.
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

type MonitorConfig struct {
	// Addr is where the monitor listens. Empty disables it.
	Addr     string        `mapstructure:"addr" yaml:"addr"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type RecordingConfig struct {
	// Dir is where conversations are recorded. Empty disables recording.
	Dir string `mapstructure:"dir" yaml:"dir"`
	Ogg bool   `mapstructure:"ogg" yaml:"ogg"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Name:     gemini.DefaultModel,
			Voice:    "Zephyr",
			Language: "en-US",
			Endpoint: gemini.DefaultEndpoint,
		},
		Audio: AudioConfig{
			Output:        true,
			SpeakerRate:   48000,
			SpeakerBuffer: 100 * time.Millisecond,
			Quality:       4,
			RouteDir:      "/dev/snd",
			RouteDebounce: 250 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			Addr:     "localhost:8088",
			Interval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// defaults registers every key so AutomaticEnv can override keys that the
// file does not set.
func defaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("model.api_key", cfg.Model.APIKey)
	v.SetDefault("model.name", cfg.Model.Name)
	v.SetDefault("model.voice", cfg.Model.Voice)
	v.SetDefault("model.language", cfg.Model.Language)
	v.SetDefault("model.endpoint", cfg.Model.Endpoint)
	v.SetDefault("model.sample", cfg.Model.Sample)
	v.SetDefault("audio.output", cfg.Audio.Output)
	v.SetDefault("audio.speaker_rate", cfg.Audio.SpeakerRate)
	v.SetDefault("audio.speaker_buffer", cfg.Audio.SpeakerBuffer)
	v.SetDefault("audio.quality", cfg.Audio.Quality)
	v.SetDefault("audio.route_dir", cfg.Audio.RouteDir)
	v.SetDefault("audio.route_debounce", cfg.Audio.RouteDebounce)
	v.SetDefault("audio.dry_run", cfg.Audio.DryRun)
	v.SetDefault("monitor.addr", cfg.Monitor.Addr)
	v.SetDefault("monitor.interval", cfg.Monitor.Interval)
	v.SetDefault("recording.dir", cfg.Recording.Dir)
	v.SetDefault("recording.ogg", cfg.Recording.Ogg)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

// Load reads the yaml file at path over the defaults, then applies
// environment overrides such as LIVEAUDIO_MODEL_API_KEY. An empty path
// skips the file. GEMINI_API_KEY is used when no api key is configured.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	defaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return errors.New("model.name is required")
	}
	if c.Model.APIKey == "" {
		return errors.New("model.api_key is required")
	}
	if c.Audio.SpeakerRate <= 0 {
		return errors.Errorf("audio.speaker_rate must be positive, got %d", c.Audio.SpeakerRate)
	}
	if c.Audio.SpeakerBuffer <= 0 {
		return errors.Errorf("audio.speaker_buffer must be positive, got %s", c.Audio.SpeakerBuffer)
	}
	if c.Audio.Quality < 1 || c.Audio.Quality > 64 {
		return errors.Errorf("audio.quality must be between 1 and 64, got %d", c.Audio.Quality)
	}
	if c.Audio.RouteDebounce < 0 {
		return errors.Errorf("audio.route_debounce must not be negative, got %s", c.Audio.RouteDebounce)
	}
	if c.Monitor.Addr != "" && c.Monitor.Interval <= 0 {
		return errors.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Write saves cfg as yaml at path, creating its directory.
func Write(cfg *Config, path string) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}
