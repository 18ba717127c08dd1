// Package hardware is the device backend for real sound cards: capture
// through PortAudio, playback through the beep speaker.
//
// Voice processing is done in software. While it is enabled, captured audio
// is ducked whenever the players rendered something audible in the last
// EchoHold, which keeps the model from hearing itself over speakers.
package hardware

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"
	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
	"github.com/progrium/liveaudio/audio"
	"github.com/progrium/liveaudio/device"
	"github.com/progrium/liveaudio/route"
	"github.com/rs/zerolog"
)

type Config struct {
	// InputRate overrides the default input device's native rate.
	InputRate     int
	SpeakerRate   int
	SpeakerBuffer time.Duration
	EchoHold      time.Duration
	EchoGain      float64
	// EchoFloor is the output energy above which a rendered buffer counts
	// as audible.
	EchoFloor float64
}

var DefaultConfig = Config{
	SpeakerRate:   48000,
	SpeakerBuffer: 100 * time.Millisecond,
	EchoHold:      250 * time.Millisecond,
	EchoGain:      0.1,
	EchoFloor:     1e-5,
}

var (
	speakerOnce sync.Once
	speakerRate beep.SampleRate
	speakerErr  error
)

// initSpeaker initializes the process-wide speaker once. Later engines reuse
// it at whatever rate it was first opened with.
func initSpeaker(rate beep.SampleRate, buffer time.Duration) (beep.SampleRate, error) {
	speakerOnce.Do(func() {
		speakerRate = rate
		speakerErr = speaker.Init(rate, rate.N(buffer))
	})
	return speakerRate, speakerErr
}

// Factory returns a device.Factory building engines against the current
// default devices.
func Factory(cfg Config, log zerolog.Logger) device.Factory {
	return func() (device.Engine, error) {
		return NewEngine(cfg, log)
	}
}

type Engine struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	input     *Input
	outFormat audio.Format
	players   []*Player
	stopped   bool
	// running is read from the speaker goroutine.
	running atomic.Bool

	echoMu   sync.Mutex
	lastEcho time.Time
}

var _ device.Engine = (*Engine)(nil)

func NewEngine(cfg Config, log zerolog.Logger) (*Engine, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "initialize portaudio")
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, errors.Wrap(err, "default input device")
	}
	rate := cfg.InputRate
	if rate == 0 {
		rate = int(dev.DefaultSampleRate)
	}
	inFormat, err := audio.NewFormat(audio.Float32, rate, 1, true)
	if err != nil {
		portaudio.Terminate()
		return nil, errors.Wrap(err, "input format")
	}
	outRate, err := initSpeaker(beep.SampleRate(cfg.SpeakerRate), cfg.SpeakerBuffer)
	if err != nil {
		portaudio.Terminate()
		return nil, errors.Wrap(err, "initialize speaker")
	}
	outFormat, err := audio.NewFormat(audio.Float32, int(outRate), 2, true)
	if err != nil {
		portaudio.Terminate()
		return nil, errors.Wrap(err, "output format")
	}
	e := &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "hardware").Logger(),
		outFormat: outFormat,
	}
	e.input = &Input{engine: e, format: inFormat, device: dev.Name}
	e.log.Debug().Str("input", dev.Name).Int("rate", rate).Int("speaker", int(outRate)).Msg("engine built")
	return e, nil
}

func (e *Engine) InputNode() device.InputNode { return e.input }
func (e *Engine) OutputFormat() audio.Format  { return e.outFormat }

func (e *Engine) AttachPlayer(format audio.Format) (device.PlayerNode, error) {
	if format != e.outFormat {
		return nil, errors.Errorf("player format %v does not match output %v", format, e.outFormat)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, errors.New("engine stopped")
	}
	p := &Player{engine: e}
	e.players = append(e.players, p)
	speaker.Play(p)
	return p, nil
}

func (e *Engine) DetachPlayer(node device.PlayerNode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.players {
		if device.PlayerNode(p) == node {
			p.detach()
			e.players = append(e.players[:i], e.players[i+1:]...)
			return
		}
	}
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("engine stopped")
	}
	if e.running.Load() {
		return nil
	}
	if err := e.input.resume(); err != nil {
		return err
	}
	e.running.Store(true)
	return nil
}

func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running.Store(false)
	e.input.pause()
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.running.Store(false)
	e.stopped = true
	e.input.close()
	for _, p := range e.players {
		p.detach()
	}
	e.players = nil
	if err := portaudio.Terminate(); err != nil {
		e.log.Warn().Err(err).Msg("terminate portaudio")
	}
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

func (e *Engine) markEcho() {
	e.echoMu.Lock()
	e.lastEcho = time.Now()
	e.echoMu.Unlock()
}

func (e *Engine) echoing() bool {
	e.echoMu.Lock()
	defer e.echoMu.Unlock()
	return time.Since(e.lastEcho) < e.cfg.EchoHold
}

// Input taps the default input device through a PortAudio callback stream.
type Input struct {
	engine *Engine
	format audio.Format
	device string

	mu     sync.Mutex
	stream *portaudio.Stream
	paused bool

	// tapMu is taken by the audio callback. It is never held across
	// stream calls, which wait for the callback to return.
	tapMu sync.Mutex
	tap   device.TapFunc
	vp    bool
}

var _ device.InputNode = (*Input)(nil)

func (in *Input) OutputFormat() audio.Format { return in.format }

func (in *Input) InstallTap(bufferSize int, fn device.TapFunc) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stream != nil {
		return errors.New("tap already installed")
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(in.format.SampleRate), bufferSize, in.callback)
	if err != nil {
		return errors.Wrapf(err, "open input %s", in.device)
	}
	if !in.paused {
		if err := stream.Start(); err != nil {
			stream.Close()
			return errors.Wrapf(err, "start input %s", in.device)
		}
	}
	in.stream = stream
	in.tapMu.Lock()
	in.tap = fn
	in.tapMu.Unlock()
	return nil
}

func (in *Input) RemoveTap() {
	in.tapMu.Lock()
	in.tap = nil
	in.tapMu.Unlock()
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closeStream()
}

func (in *Input) callback(samples []float32) {
	in.tapMu.Lock()
	tap, vp := in.tap, in.vp
	in.tapMu.Unlock()
	if tap == nil {
		return
	}
	buf := audio.NewBuffer(in.format, len(samples))
	for i, s := range samples {
		buf.SetSample(i, 0, float64(s))
	}
	if vp && in.engine.echoing() {
		buf.Scale(in.engine.cfg.EchoGain)
	}
	tap(buf)
}

func (in *Input) VoiceProcessingEnabled() bool {
	in.tapMu.Lock()
	defer in.tapMu.Unlock()
	return in.vp
}

func (in *Input) SetVoiceProcessingEnabled(enabled bool) error {
	in.tapMu.Lock()
	defer in.tapMu.Unlock()
	in.vp = enabled
	return nil
}

func (in *Input) pause() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.paused = true
	if in.stream != nil {
		if err := in.stream.Stop(); err != nil {
			in.engine.log.Warn().Err(err).Msg("pause input")
		}
	}
}

func (in *Input) resume() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.paused {
		return nil
	}
	in.paused = false
	if in.stream != nil {
		return errors.Wrap(in.stream.Start(), "resume input")
	}
	return nil
}

func (in *Input) close() {
	in.tapMu.Lock()
	in.tap = nil
	in.tapMu.Unlock()
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closeStream()
}

func (in *Input) closeStream() {
	if in.stream == nil {
		return
	}
	if !in.paused {
		in.stream.Stop()
	}
	if err := in.stream.Close(); err != nil {
		in.engine.log.Warn().Err(err).Msg("close input")
	}
	in.stream = nil
}

// Player is a beep.Streamer mixed into the speaker. It renders scheduled
// buffers back to back and silence while idle, and leaves the mixer once
// detached.
type Player struct {
	engine *Engine

	mu       sync.Mutex
	queue    []*audio.Buffer
	current  beep.Streamer
	playing  bool
	detached bool
}

var _ device.PlayerNode = (*Player)(nil)
var _ beep.Streamer = (*Player)(nil)

func (p *Player) Schedule(buf *audio.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, buf)
}

func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = true
}

func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	p.queue = nil
	p.current = nil
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Player) detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = true
	p.queue = nil
	p.current = nil
}

func (p *Player) Stream(samples [][2]float64) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return 0, false
	}
	if !p.playing || !p.engine.running.Load() {
		silence(samples)
		return len(samples), true
	}
	audible := false
	filled := 0
	for filled < len(samples) {
		if p.current == nil {
			if len(p.queue) == 0 {
				break
			}
			p.current = p.queue[0].Streamer()
			p.queue[0] = nil
			p.queue = p.queue[1:]
		}
		n, ok := p.current.Stream(samples[filled:])
		for _, s := range samples[filled : filled+n] {
			if s[0]*s[0]+s[1]*s[1] > p.engine.cfg.EchoFloor {
				audible = true
			}
		}
		filled += n
		if !ok || n == 0 {
			p.current = nil
		}
	}
	silence(samples[filled:])
	if audible {
		p.engine.markEcho()
	}
	return len(samples), true
}

func (p *Player) Err() error {
	return nil
}

func silence(samples [][2]float64) {
	for i := range samples {
		samples[i] = [2]float64{}
	}
}

// DefaultOutputPorts reports the default output device as a route port.
func DefaultOutputPorts() ([]route.Port, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "initialize portaudio")
	}
	defer portaudio.Terminate()
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, errors.Wrap(err, "default output device")
	}
	return []route.Port{{Name: dev.Name, Type: route.ClassifyPort(dev.Name)}}, nil
}

// InputDevices lists the names of devices that can capture audio.
func InputDevices() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Wrap(err, "initialize portaudio")
	}
	defer portaudio.Terminate()
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	var names []string
	for _, d := range devs {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}
