package voice

import (
	"github.com/pkg/errors"
	"github.com/progrium/liveaudio/audio"
	"github.com/progrium/liveaudio/device"
	"github.com/rs/zerolog"
)

var ErrPlayerStopped = errors.New("voice: player stopped")

// Player schedules model audio on a player node attached to an engine. It is
// owned by a single goroutine.
type Player struct {
	engine  device.Engine
	node    device.PlayerNode
	conv    *audio.Converter
	log     zerolog.Logger
	stopped bool
}

// NewPlayer attaches a node to engine that accepts raw interleaved bytes in
// format in and renders them in the engine's output format.
func NewPlayer(engine device.Engine, in audio.Format, log zerolog.Logger) (*Player, error) {
	out := engine.OutputFormat()
	conv, err := audio.NewConverter(in, out)
	if err != nil {
		return nil, errors.Wrap(err, "player converter")
	}
	node, err := engine.AttachPlayer(out)
	if err != nil {
		return nil, errors.Wrap(err, "attach player")
	}
	return &Player{
		engine: engine,
		node:   node,
		conv:   conv,
		log:    log,
	}, nil
}

// Play converts data and queues it after anything already scheduled. If the
// engine is not running the data is dropped with a warning.
func (p *Player) Play(data []byte) error {
	if p.stopped {
		return ErrPlayerStopped
	}
	if !p.engine.IsRunning() {
		p.log.Warn().Int("bytes", len(data)).Msg("engine not running, dropping audio")
		return nil
	}
	buf, err := audio.FromInterleavedData(data, p.conv.InputFormat())
	if err != nil {
		return err
	}
	out, err := p.conv.Convert(buf)
	if err != nil {
		return err
	}
	p.node.Schedule(out)
	if !p.node.IsPlaying() {
		p.node.Play()
	}
	return nil
}

// Interrupt discards everything scheduled but not yet rendered.
func (p *Player) Interrupt() {
	if p.stopped {
		return
	}
	p.node.Stop()
}

// Stop detaches the node. The player cannot be used afterwards.
func (p *Player) Stop() {
	if p.stopped {
		return
	}
	p.node.Stop()
	p.engine.DetachPlayer(p.node)
	p.stopped = true
}
