// Package voice runs the capture and playback side of a live session. The
// Controller owns one engine graph at a time (microphone tap, converter,
// player) and rebuilds it whenever the audio route changes, while callers
// keep reading from the same converted microphone stream.
package voice

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/progrium/liveaudio/audio"
	"github.com/progrium/liveaudio/device"
	"github.com/progrium/liveaudio/metrics"
	"github.com/progrium/liveaudio/route"
	"github.com/rs/zerolog"
)

var ErrStopped = errors.New("voice: controller stopped")

type Option func(*Controller)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Controller) {
		c.log = log.With().Str("component", "voice").Logger()
	}
}

// WithAudioOutput disables playback when false. PlayAudio then drops
// everything it is given.
func WithAudioOutput(enabled bool) Option {
	return func(c *Controller) {
		c.output = enabled
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithResampleQuality sets the beep resampler quality used for both
// directions.
func WithResampleQuality(q int) Option {
	return func(c *Controller) {
		c.quality = q
	}
}

type Stats struct {
	Captured        int64
	Played          int64
	Dropped         int64
	Rebuilds        int64
	Listening       bool
	VoiceProcessing bool
	Backlog         int
}

// Controller serializes every operation on the engine graph through a single
// goroutine. Construct one per live session; after Stop it cannot be reused.
type Controller struct {
	session route.Session
	factory device.Factory
	log     zerolog.Logger
	metrics *metrics.Metrics
	output  bool
	quality int

	inFormat  audio.Format
	outFormat audio.Format
	stream    *audio.Stream

	mailbox     chan func()
	done        chan struct{}
	stopOnce    sync.Once
	cancelRoute context.CancelFunc
	routeDone   chan struct{}

	// owned by the actor goroutine
	engine    device.Engine
	player    *Player
	mic       *Microphone
	fwdDone   chan struct{}
	listening bool
	stopped   bool

	captured atomic.Int64
	played   atomic.Int64
	dropped  atomic.Int64
	rebuilds atomic.Int64
}

// NewController configures and activates session for a voice chat and starts
// following its route changes. No engine is built until ListenToMic.
func NewController(session route.Session, factory device.Factory, opts ...Option) (*Controller, error) {
	c := &Controller{
		session: session,
		factory: factory,
		log:     zerolog.Nop(),
		output:  true,
		quality: audio.DefaultResampleQuality,
		mailbox: make(chan func()),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.Discard()
	}
	if err := session.Configure(route.VoiceChat); err != nil {
		return nil, errors.Wrap(err, "configure audio session")
	}
	if err := session.SetActive(true); err != nil {
		return nil, errors.Wrap(err, "activate audio session")
	}
	var err error
	if c.inFormat, err = audio.ModelInputFormat(); err != nil {
		return nil, errors.Wrap(err, "model input format")
	}
	if c.outFormat, err = audio.ModelOutputFormat(); err != nil {
		return nil, errors.Wrap(err, "model output format")
	}
	c.stream = audio.NewStream()

	go c.loop()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRoute = cancel
	c.routeDone = make(chan struct{})
	go c.followRoute(session.Subscribe(ctx))
	return c, nil
}

func (c *Controller) loop() {
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.done:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it.
func (c *Controller) do(fn func() error) error {
	errc := make(chan error, 1)
	task := func() {
		if c.stopped {
			errc <- ErrStopped
			return
		}
		errc <- fn()
	}
	select {
	case c.mailbox <- task:
		return <-errc
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) followRoute(changes <-chan route.Change) {
	defer close(c.routeDone)
	for change := range changes {
		c.metrics.RouteChanges.WithLabelValues(change.Reason.String()).Inc()
		if !change.RequiresRebuild() {
			c.log.Debug().Str("reason", change.Reason.String()).Msg("route change ignored")
			continue
		}
		c.log.Info().Str("reason", change.Reason.String()).Str("device", change.Device).Msg("route changed, rebuilding audio graph")
		err := c.do(c.rebuild)
		if err != nil && !errors.Is(err, ErrStopped) {
			c.metrics.RebuildErrors.Inc()
			c.log.Error().Err(err).Msg("rebuild after route change")
		}
	}
}

// ListenToMic (re)builds the engine graph and returns the stream of
// microphone audio in the model input format. Every call returns the same
// stream.
func (c *Controller) ListenToMic() (*audio.Stream, error) {
	err := c.do(func() error {
		if err := c.rebuild(); err != nil {
			return err
		}
		c.listening = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.stream, nil
}

// PlayAudio queues raw model audio for playback after anything already
// queued.
func (c *Controller) PlayAudio(data []byte) error {
	return c.do(func() error {
		if !c.output || c.player == nil {
			c.dropped.Add(1)
			c.metrics.DroppedPlays.Inc()
			return nil
		}
		if err := c.player.Play(data); err != nil {
			return errors.Wrap(err, "play audio")
		}
		c.played.Add(1)
		c.metrics.PlayedBuffers.Inc()
		return nil
	})
}

// Interrupt drops queued playback without touching the engine.
func (c *Controller) Interrupt() error {
	return c.do(func() error {
		if c.player != nil {
			c.player.Interrupt()
		}
		return nil
	})
}

// Stop tears the graph down and closes the microphone stream. Safe to call
// more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.cancelRoute()
		c.mailbox <- func() {
			c.teardown()
			c.stream.Close()
			c.stopped = true
			close(c.done)
		}
		<-c.routeDone
		c.log.Debug().Msg("controller stopped")
	})
	<-c.done
}

// Stats reports the pipeline counters. Listening and VoiceProcessing are
// only known while the controller runs; after Stop both read false.
func (c *Controller) Stats() Stats {
	s := Stats{
		Captured: c.captured.Load(),
		Played:   c.played.Load(),
		Dropped:  c.dropped.Load(),
		Rebuilds: c.rebuilds.Load(),
		Backlog:  c.stream.Len(),
	}
	err := c.do(func() error {
		s.Listening = c.listening
		if c.engine != nil {
			s.VoiceProcessing = c.engine.InputNode().VoiceProcessingEnabled()
		}
		return nil
	})
	if errors.Is(err, ErrStopped) {
		s.Listening, s.VoiceProcessing = false, false
	}
	return s
}

// teardown stops the current graph. The engine is stopped before voice
// processing is turned off and before any node is released.
func (c *Controller) teardown() {
	if c.engine != nil {
		c.engine.Pause()
		c.engine.Stop()
		input := c.engine.InputNode()
		if input.VoiceProcessingEnabled() {
			if err := input.SetVoiceProcessingEnabled(false); err != nil {
				c.log.Warn().Err(err).Msg("disable voice processing")
			}
		}
	}
	if c.mic != nil {
		c.mic.Stop()
		c.mic = nil
	}
	if c.fwdDone != nil {
		<-c.fwdDone
		c.fwdDone = nil
	}
	if c.player != nil {
		c.player.Stop()
		c.player = nil
	}
	c.engine = nil
}

func (c *Controller) rebuild() error {
	c.teardown()

	engine, err := c.factory()
	if err != nil {
		return errors.Wrap(err, "build audio engine")
	}
	c.engine = engine
	c.rebuilds.Add(1)
	c.metrics.Rebuilds.Inc()

	player, err := NewPlayer(engine, c.outFormat, c.log)
	if err != nil {
		return err
	}
	player.conv.SetQuality(c.quality)
	c.player = player

	if err := c.setupVoiceProcessing(engine.InputNode()); err != nil {
		return err
	}
	if err := engine.Start(); err != nil {
		return errors.Wrap(err, "start audio engine")
	}
	return c.setupMicrophone(engine.InputNode())
}

// setupVoiceProcessing enables echo cancellation on speakers and disables it
// on headphones, which cancel echo themselves.
func (c *Controller) setupVoiceProcessing(input device.InputNode) error {
	headphones := route.HeadphonesConnected(c.session.CurrentOutputs())
	enabled := input.VoiceProcessingEnabled()
	switch {
	case !enabled && !headphones:
		if err := input.SetVoiceProcessingEnabled(true); err != nil {
			return errors.Wrap(err, "enable voice processing")
		}
	case enabled && headphones:
		if err := input.SetVoiceProcessingEnabled(false); err != nil {
			return errors.Wrap(err, "disable voice processing")
		}
	}
	c.log.Debug().Bool("headphones", headphones).Bool("vp", !headphones).Msg("voice processing set")
	return nil
}

func (c *Controller) setupMicrophone(input device.InputNode) error {
	conv, err := audio.NewConverter(input.OutputFormat(), c.inFormat)
	if err != nil {
		return errors.Wrap(err, "microphone converter")
	}
	conv.SetQuality(c.quality)
	mic := NewMicrophone(input)
	if err := mic.Start(); err != nil {
		return err
	}
	c.mic = mic
	done := make(chan struct{})
	c.fwdDone = done
	go c.forward(mic.Audio(), conv, done)
	return nil
}

func (c *Controller) forward(in *audio.Stream, conv *audio.Converter, done chan struct{}) {
	defer close(done)
	for buf := range in.C() {
		out, err := conv.Convert(buf)
		if err != nil {
			c.log.Error().Err(err).Msg("convert microphone buffer")
			continue
		}
		if !c.stream.Yield(out) {
			in.Close()
			return
		}
		c.captured.Add(1)
		c.metrics.MicBuffers.Inc()
		c.metrics.MicBacklog.Set(float64(c.stream.Len()))
	}
}
