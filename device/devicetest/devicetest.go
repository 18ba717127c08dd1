// Package devicetest provides an in-memory device.Engine. Tests drive the
// input by calling Emit; players record what was scheduled instead of
// rendering it. With Rig.Feed set it also serves the client's dry-run mode.
package devicetest

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/progrium/liveaudio/audio"
	"github.com/progrium/liveaudio/device"
)

// Rig builds engines that share the same formats and remembers each one, so
// a test can reach the engine a controller built most recently.
type Rig struct {
	InputFormat  audio.Format
	OutputFormat audio.Format
	// Feed, when non-zero, makes every tapped input emit a silent buffer of
	// the requested size on this period.
	Feed time.Duration
	// FactoryErr and StartErr are injected into the next engines built.
	FactoryErr error
	StartErr   error

	mu      sync.Mutex
	engines []*Engine
}

func NewRig(input, output audio.Format) *Rig {
	return &Rig{InputFormat: input, OutputFormat: output}
}

func (r *Rig) Factory() device.Factory {
	return func() (device.Engine, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.FactoryErr != nil {
			return nil, r.FactoryErr
		}
		e := &Engine{
			outFormat: r.OutputFormat,
			startErr:  r.StartErr,
		}
		e.input = &Input{format: r.InputFormat, engine: e, feed: r.Feed}
		r.engines = append(r.engines, e)
		return e, nil
	}
}

func (r *Rig) Engines() []*Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Engine(nil), r.engines...)
}

// Latest is the most recently built engine, or nil.
func (r *Rig) Latest() *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.engines) == 0 {
		return nil
	}
	return r.engines[len(r.engines)-1]
}

type Engine struct {
	mu        sync.Mutex
	input     *Input
	outFormat audio.Format
	players   []*Player
	running   bool
	paused    bool
	stopped   bool
	startErr  error
}

var _ device.Engine = (*Engine)(nil)

func (e *Engine) InputNode() device.InputNode { return e.input }
func (e *Engine) Input() *Input               { return e.input }
func (e *Engine) OutputFormat() audio.Format  { return e.outFormat }

func (e *Engine) AttachPlayer(format audio.Format) (device.PlayerNode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, errors.New("devicetest: engine stopped")
	}
	p := &Player{format: format}
	e.players = append(e.players, p)
	return p, nil
}

func (e *Engine) DetachPlayer(node device.PlayerNode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.players {
		if device.PlayerNode(p) == node {
			p.detached = true
			e.players = append(e.players[:i], e.players[i+1:]...)
			return
		}
	}
}

// Players returns the currently attached players.
func (e *Engine) Players() []*Player {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Player(nil), e.players...)
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("devicetest: engine stopped")
	}
	if e.startErr != nil {
		return e.startErr
	}
	e.running = true
	e.paused = false
	return nil
}

func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.running = false
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.stopped = true
}

func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

type Input struct {
	mu         sync.Mutex
	engine     *Engine
	format     audio.Format
	tap        device.TapFunc
	bufferSize int
	vp         bool
	feed       time.Duration
	feedStop   chan struct{}

	// VPErr is returned from SetVoiceProcessingEnabled when set.
	VPErr error
	// VPToggles counts calls that changed the voice processing state.
	VPToggles int
}

var _ device.InputNode = (*Input)(nil)

func (in *Input) OutputFormat() audio.Format { return in.format }

func (in *Input) InstallTap(bufferSize int, fn device.TapFunc) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.tap != nil {
		return errors.New("devicetest: tap already installed")
	}
	in.tap = fn
	in.bufferSize = bufferSize
	if in.feed > 0 {
		in.feedStop = make(chan struct{})
		go in.runFeed(in.feed, bufferSize, in.feedStop)
	}
	return nil
}

func (in *Input) RemoveTap() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.tap = nil
	if in.feedStop != nil {
		close(in.feedStop)
		in.feedStop = nil
	}
}

func (in *Input) Tapped() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.tap != nil
}

// BufferSize is the size requested by the installed tap.
func (in *Input) BufferSize() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.bufferSize
}

// Emit delivers buf to the tap, as the audio thread would. It reports
// whether a tap received it.
func (in *Input) Emit(buf *audio.Buffer) bool {
	in.mu.Lock()
	tap := in.tap
	in.mu.Unlock()
	if tap == nil {
		return false
	}
	tap(buf)
	return true
}

// EmitSilence emits a zeroed buffer of the given length.
func (in *Input) EmitSilence(frames int) bool {
	return in.Emit(audio.NewBuffer(in.format, frames))
}

func (in *Input) runFeed(period time.Duration, frames int, stop chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if in.engine.IsRunning() {
				in.EmitSilence(frames)
			}
		}
	}
}

func (in *Input) VoiceProcessingEnabled() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.vp
}

func (in *Input) SetVoiceProcessingEnabled(enabled bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.VPErr != nil {
		return in.VPErr
	}
	if in.vp != enabled {
		in.VPToggles++
	}
	in.vp = enabled
	return nil
}

type Player struct {
	mu        sync.Mutex
	format    audio.Format
	scheduled []*audio.Buffer
	playing   bool
	detached  bool
	stops     int
}

var _ device.PlayerNode = (*Player)(nil)

func (p *Player) Format() audio.Format { return p.format }

func (p *Player) Schedule(buf *audio.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduled = append(p.scheduled, buf)
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
	p.scheduled = nil
	p.stops++
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Scheduled returns buffers scheduled and not yet dropped by Stop, in order.
func (p *Player) Scheduled() []*audio.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*audio.Buffer(nil), p.scheduled...)
}

func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *Player) Detached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}
