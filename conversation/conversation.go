// Package conversation drives one voice conversation with a live model at a
// time: it connects the session, streams the microphone up, plays the
// model's audio, paces its transcript and answers its tool calls.
package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/progrium/liveaudio/audio"
	"github.com/progrium/liveaudio/device"
	"github.com/progrium/liveaudio/gemini"
	"github.com/progrium/liveaudio/metrics"
	"github.com/progrium/liveaudio/recording"
	"github.com/progrium/liveaudio/recording/ogg"
	"github.com/progrium/liveaudio/route"
	"github.com/progrium/liveaudio/transcript"
	"github.com/progrium/liveaudio/voice"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LiveSession is a connected model session. *gemini.Session implements it.
type LiveSession interface {
	SendAudioRealtime(ctx context.Context, pcm []byte) error
	SendFunctionResponses(ctx context.Context, responses []gemini.FunctionResponse) error
	Responses() <-chan gemini.ServerMessage
	Err() error
	Close() error
}

type Dialer func(ctx context.Context) (LiveSession, error)

// GeminiDialer dials the Live API with cfg.
func GeminiDialer(cfg gemini.Config) Dialer {
	return func(ctx context.Context) (LiveSession, error) {
		return gemini.Dial(ctx, cfg)
	}
}

// AudioController is the audio side of a conversation. *voice.Controller
// implements it.
type AudioController interface {
	ListenToMic() (*audio.Stream, error)
	PlayAudio(data []byte) error
	Interrupt() error
	Stop()
}

type ControllerFactory func() (AudioController, error)

// VoiceControllers builds a voice.Controller per connection.
func VoiceControllers(session route.Session, factory device.Factory, opts ...voice.Option) ControllerFactory {
	return func() (AudioController, error) {
		return voice.NewController(session, factory, opts...)
	}
}

// Permission asks whether the microphone may be recorded.
type Permission func(ctx context.Context) bool

func AlwaysAllow(context.Context) bool { return true }

type Config struct {
	Dial        Dialer
	Controllers ControllerFactory
	// Permission defaults to AlwaysAllow.
	Permission Permission

	Sample      Sample
	AudioOutput bool

	// RecordDir, when set, saves each connection's recording there.
	RecordDir string
	// RecordOgg also exports the recorded tracks as ogg/opus.
	RecordOgg bool
	// Routes, when set with RecordDir, marks route changes that rebuild
	// the audio graph on the recorded microphone track.
	Routes route.Session

	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// Snapshot is the observable state of a conversation.
type Snapshot struct {
	State           State             `json:"state"`
	Title           string            `json:"title"`
	Tip             string            `json:"tip,omitempty"`
	AudioOutput     bool              `json:"audioOutput"`
	HasTranscripts  bool              `json:"hasTranscripts"`
	Transcript      string            `json:"transcript"`
	Lines           []transcript.Line `json:"lines"`
	BackgroundColor string            `json:"backgroundColor,omitempty"`
	Error           string            `json:"error,omitempty"`
	Audio           *voice.Stats      `json:"audio,omitempty"`
}

// attempt is one connection, from Connect until its teardown.
type attempt struct {
	ctx         context.Context
	cancel      context.CancelFunc
	session     LiveSession
	controller  AudioController
	recorder    *recording.Recorder
	connectedAt time.Time
}

type Conversation struct {
	cfg        Config
	log        zerolog.Logger
	metrics    *metrics.Metrics
	typewriter *transcript.TypeWriter
	lines      *transcript.Transcript

	inFormat  audio.Format
	outFormat audio.Format

	mu             sync.Mutex
	state          State
	current        *attempt
	err            error
	color          *Color
	hasTranscripts bool
	lastRecording  string
}

func New(cfg Config) *Conversation {
	if cfg.Permission == nil {
		cfg.Permission = AlwaysAllow
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	c := &Conversation{
		cfg:        cfg,
		log:        cfg.Log.With().Str("component", "conversation").Logger(),
		metrics:    cfg.Metrics,
		typewriter: transcript.NewTypeWriter(),
		lines:      transcript.New(),
	}
	// both formats are fixed and valid
	c.inFormat, _ = audio.ModelInputFormat()
	c.outFormat, _ = audio.ModelOutputFormat()
	return c
}

func (c *Conversation) TypeWriter() *transcript.TypeWriter { return c.typewriter }
func (c *Conversation) Transcript() *transcript.Transcript { return c.lines }

// Run paces the transcripts until ctx is done.
func (c *Conversation) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.typewriter.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.lines.Run(ctx)
	}()
	wg.Wait()
}

func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that ended the last connection.
func (c *Conversation) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conversation) BackgroundColor() *Color {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.color == nil {
		return nil
	}
	color := *c.color
	return &color
}

func (c *Conversation) HasTranscripts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasTranscripts
}

// LastRecording is the path of the most recently saved recording.
func (c *Conversation) LastRecording() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecording
}

func (c *Conversation) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:          c.state,
		Title:          c.cfg.Sample.Title,
		Tip:            c.cfg.Sample.Tip,
		AudioOutput:    c.cfg.AudioOutput,
		HasTranscripts: c.hasTranscripts,
	}
	if c.color != nil {
		s.BackgroundColor = c.color.Hex()
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	var controller AudioController
	if c.current != nil {
		controller = c.current.controller
	}
	c.mu.Unlock()

	if stats, ok := controller.(interface{ Stats() voice.Stats }); ok {
		st := stats.Stats()
		s.Audio = &st
	}
	s.Transcript = c.typewriter.Text()
	s.Lines = c.lines.Lines()
	return s
}

// Connect runs a connection until the model ends it, an error occurs or
// Disconnect is called. It returns immediately unless idle. A denied
// microphone permission aborts without error.
func (c *Conversation) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return nil
	}
	a := &attempt{}
	a.ctx, a.cancel = context.WithCancel(ctx)
	c.current = a
	c.state = Connecting
	c.mu.Unlock()

	if !c.cfg.AudioOutput {
		c.log.Warn().Msg("playback audio is disabled")
	}
	if !c.cfg.Permission(ctx) {
		c.log.Warn().Msg("microphone permission denied")
		c.mu.Lock()
		if c.current == a {
			c.current = nil
			c.state = Idle
		}
		c.mu.Unlock()
		a.cancel()
		return nil
	}

	c.typewriter.Restart()
	c.lines.Restart()
	c.mu.Lock()
	c.hasTranscripts = false
	c.err = nil
	c.mu.Unlock()

	err := c.run(a)
	if err != nil && c.isCurrent(a) {
		c.log.Error().Err(err).Msg("conversation failed")
		c.fail(a, err)
		return err
	}
	c.teardown(a)
	return nil
}

// fail records err and tears a down, if a is still the current attempt.
func (c *Conversation) fail(a *attempt, err error) {
	c.mu.Lock()
	if c.current == a {
		c.err = err
	}
	c.mu.Unlock()
	c.metrics.SessionErrors.Inc()
	c.teardown(a)
}

// isCurrent reports whether a is still the live attempt.
func (c *Conversation) isCurrent(a *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == a
}

func (c *Conversation) run(a *attempt) error {
	session, err := c.cfg.Dial(a.ctx)
	if err != nil {
		return errors.Wrap(err, "connect live session")
	}
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		session.Close()
		return nil
	}
	a.session = session
	c.mu.Unlock()

	controller, err := c.cfg.Controllers()
	if err != nil {
		return errors.Wrap(err, "audio controller")
	}
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		controller.Stop()
		return nil
	}
	a.controller = controller
	if c.cfg.RecordDir != "" {
		a.recorder = recording.NewRecorder(c.inFormat, c.outFormat, c.log)
	}
	c.mu.Unlock()

	if err := c.startRecording(a); err != nil {
		return err
	}
	if a.recorder != nil && c.cfg.Routes != nil {
		go recordRoutes(a.recorder, c.cfg.Routes.Subscribe(a.ctx))
	}

	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return nil
	}
	c.state = Connected
	a.connectedAt = time.Now()
	c.mu.Unlock()
	c.metrics.Connections.Inc()
	c.metrics.Connected.Set(1)
	c.log.Info().Str("sample", c.cfg.Sample.Title).Msg("connected")

	for msg := range session.Responses() {
		if err := c.processMessage(a, msg); err != nil {
			return err
		}
	}
	if err := session.Err(); err != nil && c.isCurrent(a) {
		return errors.Wrap(err, "receive responses")
	}
	return nil
}

// startRecording forwards microphone audio to the session until the stream
// closes or the attempt ends.
func (c *Conversation) startRecording(a *attempt) error {
	stream, err := a.controller.ListenToMic()
	if err != nil {
		return errors.Wrap(err, "listen to microphone")
	}
	go func() {
		for buf := range stream.C() {
			if a.ctx.Err() != nil {
				return
			}
			if a.recorder != nil {
				a.recorder.AddMic(buf)
			}
			data, err := buf.Int16Data()
			if err == nil {
				err = a.session.SendAudioRealtime(a.ctx, data)
			}
			if err != nil {
				if a.ctx.Err() != nil {
					return
				}
				err = errors.Wrap(err, "send microphone audio")
				c.log.Error().Err(err).Msg("microphone forwarding failed")
				c.fail(a, err)
				return
			}
			c.metrics.AudioSentBytes.Add(float64(len(data)))
		}
	}()
	return nil
}

func recordRoutes(rec *recording.Recorder, changes <-chan route.Change) {
	for change := range changes {
		if change.RequiresRebuild() {
			rec.MicEvent(recording.RebuildEvent, recording.Rebuild{
				Reason: change.Reason.String(),
				Device: change.Device,
			})
		}
	}
}

// Disconnect stops playback and the microphone and closes the session.
func (c *Conversation) Disconnect() {
	c.mu.Lock()
	a := c.current
	c.mu.Unlock()
	if a == nil {
		c.mu.Lock()
		c.state = Idle
		c.color = nil
		c.mu.Unlock()
		c.typewriter.ClearPending()
		c.lines.ClearPending()
		return
	}
	c.teardown(a)
}

func (c *Conversation) teardown(a *attempt) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.state = Idle
	c.color = nil
	c.mu.Unlock()

	a.cancel()
	if a.controller != nil {
		a.controller.Stop()
	}
	if a.session != nil {
		a.session.Close()
	}
	c.typewriter.ClearPending()
	c.lines.ClearPending()

	if !a.connectedAt.IsZero() {
		c.metrics.Connected.Set(0)
		c.metrics.SessionSeconds.Observe(time.Since(a.connectedAt).Seconds())
	}
	if a.recorder != nil {
		c.saveRecording(a.recorder)
	}
	c.log.Info().Msg("disconnected")
}

func (c *Conversation) saveRecording(rec *recording.Recorder) {
	path, err := rec.Save(c.cfg.RecordDir)
	if err != nil {
		c.log.Error().Err(err).Msg("save recording")
		return
	}
	c.mu.Lock()
	c.lastRecording = path
	c.mu.Unlock()
	c.log.Info().Str("path", path).Msg("recording saved")
	if !c.cfg.RecordOgg {
		return
	}
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, track := range []*recording.Track{rec.Mic(), rec.Model()} {
		out := base + "-" + track.Name + ".ogg"
		if err := ogg.ExportTrack(track, out); err != nil {
			c.log.Error().Err(err).Str("track", track.Name).Msg("export ogg")
		}
	}
}

func (c *Conversation) processMessage(a *attempt, msg gemini.ServerMessage) error {
	c.metrics.ServerMessages.WithLabelValues(msg.Kind()).Inc()
	switch {
	case msg.ServerContent != nil:
		return c.processContent(a, msg.ServerContent)
	case msg.ToolCall != nil:
		return c.processFunctionCalls(a, msg.ToolCall.FunctionCalls)
	case msg.ToolCallCancellation != nil:
		// no long running functions to cancel
		return nil
	case msg.GoAway != nil:
		timeLeft := "soon"
		d, ok := msg.GoAway.Duration()
		if ok {
			timeLeft = d.String()
		}
		c.log.Warn().Str("timeLeft", timeLeft).Msg("going away")
		if a.recorder != nil {
			a.recorder.ModelEvent(recording.GoAwayEvent, recording.GoAway{TimeLeft: d})
		}
		return nil
	}
	c.log.Debug().Str("kind", msg.Kind()).Msg("ignored server message")
	return nil
}

func (c *Conversation) processContent(a *attempt, content *gemini.ServerContent) error {
	if turn := content.ModelTurn; turn != nil {
		if err := c.processAudio(a, turn); err != nil {
			return err
		}
	}
	if content.TurnComplete {
		// keeps the next transcript from running into this one
		c.appendText(" ")
	}
	if content.Interrupted {
		c.log.Warn().Msg("model was interrupted")
		if err := a.controller.Interrupt(); err != nil {
			return errors.Wrap(err, "interrupt playback")
		}
		c.typewriter.ClearPending()
		c.lines.ClearPending()
		c.appendText("— ")
		if a.recorder != nil {
			a.recorder.ModelEvent(recording.InterruptedEvent, recording.Interrupted{})
		}
	} else if t := content.OutputTranscription; t != nil {
		c.mu.Lock()
		c.hasTranscripts = true
		c.mu.Unlock()
		c.appendText(t.Text)
		if a.recorder != nil {
			a.recorder.ModelEvent(recording.TranscriptEvent, recording.Transcript{Text: t.Text})
		}
	}
	return nil
}

func (c *Conversation) appendText(text string) {
	c.typewriter.Append(text)
	c.lines.Append(text)
}

func (c *Conversation) processAudio(a *attempt, turn *gemini.Content) error {
	for _, part := range turn.Parts {
		blob := part.InlineData
		if blob == nil {
			continue
		}
		if !strings.HasPrefix(blob.MIMEType, "audio/pcm") {
			c.log.Warn().Str("mimeType", blob.MIMEType).Msg("received non audio inline data part")
			continue
		}
		c.metrics.AudioRecvBytes.Add(float64(len(blob.Data)))
		if c.cfg.AudioOutput {
			if err := a.controller.PlayAudio(blob.Data); err != nil {
				return errors.Wrap(err, "play model audio")
			}
		}
		if a.recorder != nil {
			buf, err := audio.FromInterleavedData(blob.Data, c.outFormat)
			if err != nil {
				c.log.Warn().Err(err).Msg("record model audio")
				continue
			}
			a.recorder.AddModel(buf)
		}
	}
	return nil
}

func (c *Conversation) processFunctionCalls(a *attempt, calls []gemini.FunctionCall) error {
	responses := make([]gemini.FunctionResponse, 0, len(calls))
	for _, call := range calls {
		c.metrics.ToolCalls.WithLabelValues(call.Name).Inc()
		if a.recorder != nil {
			a.recorder.ModelEvent(recording.ToolCallEvent, recordedCall(call))
		}
		var err error
		switch call.Name {
		case ChangeBackgroundColor:
			err = c.changeBackgroundColor(call)
		case ClearBackgroundColor:
			c.setColor(nil)
		default:
			c.log.Debug().Str("name", call.Name).Interface("args", call.Args).Msg("function call")
			err = errors.Errorf("unknown function named %q", call.Name)
		}
		if err != nil {
			return err
		}
		responses = append(responses, gemini.FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: map[string]any{},
		})
	}
	return errors.Wrap(a.session.SendFunctionResponses(a.ctx, responses), "send function responses")
}

func (c *Conversation) changeBackgroundColor(call gemini.FunctionCall) error {
	hex, ok := call.StringArg("color")
	if !ok {
		c.log.Debug().Interface("args", call.Args).Msg("function arguments")
		return errors.New("missing `color` parameter")
	}
	color, err := ParseHexColor(hex)
	if err != nil {
		c.log.Warn().Str("color", hex).Msg("model sent an invalid hex color")
		c.setColor(nil)
		return nil
	}
	c.setColor(&color)
	return nil
}

func (c *Conversation) setColor(color *Color) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.color = color
}

func recordedCall(call gemini.FunctionCall) recording.ToolCall {
	rc := recording.ToolCall{ID: call.ID, Name: call.Name}
	for name, raw := range call.Args {
		if rc.Args == nil {
			rc.Args = map[string]string{}
		}
		if s, ok := call.StringArg(name); ok {
			rc.Args[name] = s
		} else {
			rc.Args[name] = string(raw)
		}
	}
	return rc
}
