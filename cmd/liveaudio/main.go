// Command liveaudio holds a voice conversation with the Gemini Live API
// through the default microphone and speaker. Settings come from the yaml
// file named by LIVEAUDIO_CONFIG and LIVEAUDIO_* variables.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"tractor.dev/toolkit-go/engine"

	"github.com/progrium/liveaudio/audio"
	"github.com/progrium/liveaudio/config"
	"github.com/progrium/liveaudio/conversation"
	"github.com/progrium/liveaudio/device"
	"github.com/progrium/liveaudio/device/devicetest"
	"github.com/progrium/liveaudio/device/hardware"
	"github.com/progrium/liveaudio/gemini"
	"github.com/progrium/liveaudio/logging"
	"github.com/progrium/liveaudio/metrics"
	"github.com/progrium/liveaudio/monitor"
	"github.com/progrium/liveaudio/route"
	"github.com/progrium/liveaudio/transcript"
	"github.com/progrium/liveaudio/voice"
)

func main() {
	cfg, err := config.Load(os.Getenv("LIVEAUDIO_CONFIG"))
	fatal(err)
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	fatal(err)

	m, err := newMain(cfg, logger)
	fatal(err)
	if cfg.Monitor.Addr == "" {
		engine.Run(m)
		return
	}
	engine.Run(m, monitor.New(m.conv, monitor.Config{
		Addr:     cfg.Monitor.Addr,
		Interval: cfg.Monitor.Interval,
		Log:      logging.Component(logger, "monitor"),
	}))
}

func fatal(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

type Main struct {
	cfg     *config.Config
	log     zerolog.Logger
	conv    *conversation.Conversation
	routes  route.Session
	watcher *route.SystemSession
}

func newMain(cfg *config.Config, logger zerolog.Logger) (*Main, error) {
	sample, ok := conversation.SampleNamed(cfg.Model.Sample)
	if !ok {
		return nil, errors.Errorf("no sample titled %q", cfg.Model.Sample)
	}
	sample = sample.WithVoice(cfg.Model.Voice, cfg.Model.Language)

	m := &Main{cfg: cfg, log: logger}
	factory, err := m.devices()
	if err != nil {
		return nil, err
	}

	mx := metrics.New(nil)
	live := sample.Apply(gemini.Config{
		Endpoint: cfg.Model.Endpoint,
		APIKey:   cfg.Model.APIKey,
		Model:    cfg.Model.Name,
		Log:      logging.Component(logger, "gemini"),
	})
	m.conv = conversation.New(conversation.Config{
		Dial: conversation.GeminiDialer(live),
		Controllers: conversation.VoiceControllers(m.routes, factory,
			voice.WithLogger(logger),
			voice.WithAudioOutput(cfg.Audio.Output),
			voice.WithMetrics(mx),
			voice.WithResampleQuality(cfg.Audio.Quality),
		),
		Sample:      sample,
		AudioOutput: cfg.Audio.Output,
		RecordDir:   cfg.Recording.Dir,
		RecordOgg:   cfg.Recording.Ogg,
		Routes:      m.routes,
		Metrics:     mx,
		Log:         logger,
	})
	m.conv.Transcript().OnEvict(func(line transcript.Line) {
		logger.Info().Str("text", line.Text).Msg("model said")
	})
	return m, nil
}

// devices picks the audio backend and the route session that follows it.
func (m *Main) devices() (device.Factory, error) {
	if m.cfg.Audio.DryRun {
		in, err := audio.NewFormat(audio.Float32, 48000, 1, true)
		if err != nil {
			return nil, err
		}
		out, err := audio.NewFormat(audio.Float32, m.cfg.Audio.SpeakerRate, 2, true)
		if err != nil {
			return nil, err
		}
		rig := devicetest.NewRig(in, out)
		rig.Feed = 50 * time.Millisecond
		m.routes = route.NewStaticSession(route.Port{Name: "Dry run", Type: route.BuiltInSpeaker})
		m.log.Info().Msg("dry run: microphone is silent and playback is discarded")
		return rig.Factory(), nil
	}
	hw := hardware.DefaultConfig
	hw.SpeakerRate = m.cfg.Audio.SpeakerRate
	hw.SpeakerBuffer = m.cfg.Audio.SpeakerBuffer
	watcher := route.NewSystemSession(hardware.DefaultOutputPorts, m.log)
	watcher.Debounce = m.cfg.Audio.RouteDebounce
	if m.cfg.Audio.RouteDir != "" {
		watcher.Dir = m.cfg.Audio.RouteDir
		m.watcher = watcher
	}
	m.routes = watcher
	return hardware.Factory(hw, m.log), nil
}

func (m *Main) Serve(ctx context.Context) {
	if m.watcher != nil {
		go func() {
			if err := m.watcher.Watch(ctx); err != nil {
				m.log.Warn().Err(err).Msg("not following audio route changes")
			}
		}()
	}
	go m.conv.Run(ctx)

	snap := m.conv.Snapshot()
	m.log.Info().Str("sample", snap.Title).Msg("starting conversation")
	if snap.Tip != "" {
		m.log.Info().Msg(snap.Tip)
	}
	if err := m.conv.Connect(ctx); err != nil {
		m.log.Error().Err(err).Msg("conversation ended")
	}
	if path := m.conv.LastRecording(); path != "" {
		m.log.Info().Str("path", path).Msg("recording saved")
	}
	<-ctx.Done()
}

func (m *Main) TerminateDaemon(ctx context.Context) error {
	m.conv.Disconnect()
	return nil
}
