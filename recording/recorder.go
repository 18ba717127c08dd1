package recording

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gopxl/beep/generators"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/progrium/liveaudio/audio"
)

const (
	MicTrack   = "mic"
	ModelTrack = "model"
)

// Event types recorded during a conversation.
const (
	TranscriptEvent  = "transcript"
	ToolCallEvent    = "tool-call"
	InterruptedEvent = "interrupted"
	GoAwayEvent      = "go-away"
	RebuildEvent     = "rebuild"
	ActivityEvent    = "activity"
)

type Transcript struct {
	Text string
}

type ToolCall struct {
	ID   string
	Name string
	Args map[string]string
}

type Interrupted struct{}

type GoAway struct {
	TimeLeft time.Duration
}

type Rebuild struct {
	Reason string
	Device string
}

func init() {
	RegisterEvent[Transcript](TranscriptEvent)
	RegisterEvent[ToolCall](ToolCallEvent)
	RegisterEvent[Interrupted](InterruptedEvent)
	RegisterEvent[GoAway](GoAwayEvent)
	RegisterEvent[Rebuild](RebuildEvent)
	RegisterEvent[Activity](ActivityEvent)
}

// Recorder captures one conversation: microphone audio as sent to the model
// on one track, model audio as received on another, and events on both.
type Recorder struct {
	session  *Session
	mic      *Track
	model    *Track
	activity *ActivityDetector
	log      zerolog.Logger
}

func NewRecorder(micFormat, modelFormat audio.Format, log zerolog.Logger) *Recorder {
	log = log.With().Str("component", "recording").Logger()
	s := NewSession()
	r := &Recorder{
		session: s,
		mic:     s.NewTrackAt(MicTrack, 0, micFormat.BeepFormat()),
		model:   s.NewTrackAt(ModelTrack, 0, modelFormat.BeepFormat()),
		activity: NewActivityDetector(ActivityConfig{
			SampleRate: int(micFormat.SampleRate),
		}, log),
		log: log,
	}
	log.Debug().Str("session", string(s.ID)).Msg("recording started")
	return r
}

func (r *Recorder) Session() *Session { return r.session }
func (r *Recorder) Mic() *Track       { return r.mic }
func (r *Recorder) Model() *Track     { return r.model }

// catchUp pads t with silence to the session clock so both tracks keep a
// shared timeline across gaps in audio.
func (r *Recorder) catchUp(t *Track) {
	gap := time.Duration(r.session.Now() - t.End())
	if n := t.AudioFormat().SampleRate.N(gap); n > 0 {
		t.AddAudio(generators.Silence(n))
	}
}

func (r *Recorder) AddMic(buf *audio.Buffer) {
	r.catchUp(r.mic)
	r.mic.AddAudio(buf.Streamer())
	pcm := make([]float64, buf.Frames)
	for i := range pcm {
		pcm[i] = buf.Sample(i, 0)
	}
	r.activity.Detect(r.mic, pcm, r.mic.End())
}

// AddModel appends model audio. Bursts that arrive faster than real time
// extend the track past the session clock.
func (r *Recorder) AddModel(buf *audio.Buffer) {
	r.catchUp(r.model)
	r.model.AddAudio(buf.Streamer())
}

// ModelEvent records an instant event at the current end of the model track.
func (r *Recorder) ModelEvent(typ string, data any) Event {
	at := r.model.End()
	if now := r.session.Now(); now > at {
		at = now
	}
	return r.model.Span(at, at).RecordEvent(typ, data)
}

// MicEvent records an instant event at the current session time.
func (r *Recorder) MicEvent(typ string, data any) Event {
	at := r.session.Now()
	return r.mic.Span(at, at).RecordEvent(typ, data)
}

// Save writes the session to dir as <session id>.cbor.
func (r *Recorder) Save(dir string) (string, error) {
	return Save(r.session, dir)
}

func Save(s *Session, dir string) (string, error) {
	data, err := cbor.Marshal(s)
	if err != nil {
		return "", errors.Wrap(err, "encode session")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "recording dir")
	}
	path := filepath.Join(dir, string(s.ID)+".cbor")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "write session")
	}
	return path, nil
}

func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	var s Session
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "decode session %s", filepath.Base(path))
	}
	return &s, nil
}
