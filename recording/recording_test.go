package recording

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gopxl/beep"
	"github.com/gopxl/beep/generators"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gotest.tools/assert"

	"github.com/progrium/liveaudio/audio"
)

var eventOpts = cmp.Options{
	cmpopts.IgnoreFields(Event{}, "track"),
	cmpopts.IgnoreFields(EventMeta{}, "ID"),
}

func init() {
	RegisterEvent[string]("text")
}

func newTestTrack(rate beep.SampleRate) *Track {
	s := &Session{}
	return s.NewTrackAt("test", 0, beep.Format{SampleRate: rate, NumChannels: 2, Precision: 2})
}

func TestTrack(t *testing.T) {
	rate := beep.SampleRate(48000)
	track := newTestTrack(rate)
	track.AddAudio(generators.Silence(rate.N(10 * time.Millisecond)))
	assert.DeepEqual(t, []Event(nil), track.Events("text"))

	track.RecordEvent("text", "foo-one")
	assert.DeepEqual(t, []string{"text"}, track.EventTypes())

	assert.DeepEqual(t,
		[]Event{
			{EventMeta: EventMeta{Start: 0, End: Timestamp(10 * time.Millisecond), Type: "text"}, Data: "foo-one"},
		},
		track.Events("text"), eventOpts,
	)

	track.Span(Timestamp(5*time.Millisecond), Timestamp(10*time.Millisecond)).RecordEvent("text", "foo-two")
	assert.DeepEqual(t,
		[]Event{
			{EventMeta: EventMeta{Start: 0, End: Timestamp(10 * time.Millisecond), Type: "text"}, Data: "foo-one"},
			{EventMeta: EventMeta{Start: Timestamp(5 * time.Millisecond), End: Timestamp(10 * time.Millisecond), Type: "text"}, Data: "foo-two"},
		},
		track.Events("text"), eventOpts,
	)

	late := track.Span(Timestamp(20*time.Millisecond), Timestamp(30*time.Millisecond))
	assert.Equal(t, 0, len(late.Events("text")))
	assert.Equal(t, 2, len(track.Span(Timestamp(6*time.Millisecond), Timestamp(7*time.Millisecond)).Events("text")))
}

func TestUpdateEvent(t *testing.T) {
	track := newTestTrack(1000)
	e := track.RecordEvent("text", "draft")
	e.Data = "final"
	assert.Assert(t, track.UpdateEvent(e))
	assert.Equal(t, "final", track.Events("text")[0].Data)
	assert.Assert(t, !track.UpdateEvent(Event{EventMeta: EventMeta{ID: "nope"}}))
}

func TestHandlers(t *testing.T) {
	s := NewSession()
	var got []string
	s.Handle(HandlerFunc(func(e Event) {
		got = append(got, e.Type)
		assert.Equal(t, "mic", e.Track().Name)
	}))
	track := s.NewTrack("mic", beep.Format{SampleRate: 1000, NumChannels: 1, Precision: 2})
	track.RecordEvent("text", "a")
	track.Span(0, 0).RecordEvent(InterruptedEvent, Interrupted{})
	assert.DeepEqual(t, []string{"text", InterruptedEvent}, got)
	assert.Equal(t, track, s.TrackNamed("mic"))
	assert.Assert(t, s.TrackNamed("other") == nil)
}

func assertCBORRoundTrip[T any](t *testing.T, in T, opts ...cmp.Option) {
	t.Helper()
	data, err := cbor.Marshal(in)
	require.NoError(t, err)
	var out T
	err = cbor.Unmarshal(data, &out)
	require.NoError(t, err)
	assert.DeepEqual(t, in, out, opts...)
}

func TestSerializeEventTypes(t *testing.T) {
	a := Event{
		EventMeta: EventMeta{Start: 0, End: Timestamp(10 * time.Millisecond), Type: "text"},
		Data:      "foo-a",
	}
	assertCBORRoundTrip(t, a, eventOpts)

	type MyType struct {
		Foo string
	}
	RegisterEvent[MyType]("my-type")
	b := Event{
		EventMeta: EventMeta{Start: 0, End: Timestamp(10 * time.Millisecond), Type: "my-type"},
		Data:      MyType{Foo: "foo-b"},
	}
	assertCBORRoundTrip(t, b, eventOpts)

	assertCBORRoundTrip(t, Event{
		EventMeta: EventMeta{Type: ToolCallEvent},
		Data:      ToolCall{ID: "c1", Name: "changeBackgroundColor", Args: map[string]string{"color": "#F54927"}},
	}, eventOpts)
}

func TestUnknownEventType(t *testing.T) {
	data, err := cbor.Marshal(Event{EventMeta: EventMeta{Type: "never-registered"}, Data: 1})
	require.NoError(t, err)
	var e Event
	assert.ErrorContains(t, cbor.Unmarshal(data, &e), `unknown event type "never-registered"`)
}

func trackEventsAndAudio(t *testing.T, track *Track) ([]Event, *beep.Buffer) {
	t.Helper()
	buf := beep.NewBuffer(track.AudioFormat())
	buf.Append(track.Audio())
	return track.Events("text"), buf
}

func TestSerializeSession(t *testing.T) {
	session := NewSession()
	format := beep.Format{SampleRate: beep.SampleRate(1000), NumChannels: 1, Precision: 2}
	track := session.NewTrackAt("mic", Timestamp(time.Second), format)
	track.AddAudio(beep.Take(format.SampleRate.N(500*time.Millisecond), audioGenerator(t)))
	track.RecordEvent("text", "foo-one")
	track.Span(Timestamp(5*time.Millisecond), Timestamp(10*time.Millisecond)).RecordEvent("text", "foo-two")

	out, err := cbor.Marshal(session)
	require.NoError(t, err)

	var session2 Session
	require.NoError(t, cbor.Unmarshal(out, &session2))

	assert.Equal(t, session.ID, session2.ID)
	assert.Assert(t, session.Start.Equal(session2.Start))
	require.Len(t, session2.Tracks, 1)
	track2 := session2.Tracks[0]
	assert.Equal(t, &session2, track2.Session)
	assert.Equal(t, "mic", track2.Name)
	assert.Equal(t, track.ID, track2.ID)
	assert.Equal(t, track.Start(), track2.Start())
	assert.Equal(t, track.End(), track2.End())
	assert.Equal(t, format, track2.AudioFormat())

	events, buf := trackEventsAndAudio(t, track)
	events2, buf2 := trackEventsAndAudio(t, track2)
	assert.DeepEqual(t, events, events2, cmpopts.IgnoreFields(Event{}, "track"))
	assert.Equal(t, track2, events2[0].Track())
	assert.DeepEqual(t, buf, buf2, cmp.AllowUnexported(beep.Buffer{}), cmpopts.EquateApprox(0, 1e-4))
}

func audioGenerator(t *testing.T) beep.Streamer {
	t.Helper()
	gen, err := generators.SineTone(beep.SampleRate(1000), 300)
	require.NoError(t, err)
	return gen
}

func assertEqualAudio(t *testing.T, format beep.Format, a, b beep.Streamer) {
	t.Helper()
	buf1 := beep.NewBuffer(format)
	buf1.Append(a)
	buf2 := beep.NewBuffer(format)
	buf2.Append(b)
	assert.DeepEqual(t, buf1, buf2, cmp.AllowUnexported(beep.Buffer{}))
}

func discardSamples(t *testing.T, n int, s beep.Streamer) {
	t.Helper()
	var samples [512][2]float64
	for n > 0 {
		m := n
		if m > len(samples) {
			m = len(samples)
		}
		m, ok := s.Stream(samples[:m])
		require.True(t, ok)
		n -= m
	}
}

func TestAudio(t *testing.T) {
	format := beep.Format{SampleRate: beep.SampleRate(1000), NumChannels: 1, Precision: 2}
	session := &Session{}
	track := session.NewTrackAt("mic", 0, format)
	gen := audioGenerator(t)

	assert.Equal(t, Timestamp(0), track.End(), "End should start at 0")

	track.AddAudio(beep.Take(format.SampleRate.N(1*time.Second), gen))
	assert.Equal(t, Timestamp(1*time.Second), track.End())

	track.AddAudio(beep.Take(format.SampleRate.N(1*time.Second), gen))
	assert.Equal(t, Timestamp(2*time.Second), track.End())

	buf := beep.NewBuffer(format)
	buf.Append(track.Audio())
	assert.Equal(t, format.SampleRate.N(2*time.Second), buf.Len())

	gen2s := beep.Take(format.SampleRate.N(2*time.Second), audioGenerator(t))
	assertEqualAudio(t, format, gen2s, track.Audio())

	// a start off the sine period makes a wrong offset visible
	midStart := 101 * time.Millisecond
	midEnd := 1500 * time.Millisecond
	middle := track.Span(Timestamp(midStart), Timestamp(midEnd))
	genMid := audioGenerator(t)
	discardSamples(t, format.SampleRate.N(midStart), genMid)
	genMid = beep.Take(format.SampleRate.N(midEnd-midStart), genMid)
	assertEqualAudio(t, format, genMid, middle.Audio())
}

func TestStreamerSeesAppendedAudio(t *testing.T) {
	format := beep.Format{SampleRate: 1000, NumChannels: 1, Precision: 2}
	b := newContinuousBuffer(format)
	s := b.StreamerFrom(0)
	samples := make([][2]float64, 10)
	n, ok := s.Stream(samples)
	assert.Equal(t, 0, n)
	assert.Assert(t, !ok)

	b.Append(generators.Silence(4))
	n, ok = s.Stream(samples)
	assert.Equal(t, 4, n)
	assert.Assert(t, ok)
}

func TestBytesRejectsPartialFrames(t *testing.T) {
	_, err := continuousBufferFromBytes(beep.Format{SampleRate: 1000, NumChannels: 1, Precision: 2}, []byte{1, 2, 3})
	assert.ErrorContains(t, err, "whole number")
}

func tone(format audio.Format, frames int, amp float64) *audio.Buffer {
	buf := audio.NewBuffer(format, frames)
	for i := 0; i < frames; i++ {
		buf.SetSample(i, 0, amp*math.Sin(float64(i)/3))
	}
	return buf
}

func TestRecorder(t *testing.T) {
	micFormat, err := audio.ModelInputFormat()
	require.NoError(t, err)
	modelFormat, err := audio.ModelOutputFormat()
	require.NoError(t, err)

	r := NewRecorder(micFormat, modelFormat, zerolog.Nop())
	clock := r.session.Start
	r.session.now = func() time.Time { return clock }

	// 1s of speech then 1s of quiet in 100ms buffers
	for i := 0; i < 10; i++ {
		r.AddMic(tone(micFormat, 1600, 0.5))
	}
	for i := 0; i < 10; i++ {
		r.AddMic(audio.NewBuffer(micFormat, 1600))
	}
	assert.Equal(t, Timestamp(2*time.Second), r.Mic().End())

	activity := r.Mic().Events(ActivityEvent)
	require.Len(t, activity, 1)
	assert.Assert(t, activity[0].Data.(Activity).Energy > 0.05)
	assert.Assert(t, activity[0].Start == 0)

	r.AddModel(tone(modelFormat, 2400, 0.2))
	r.ModelEvent(TranscriptEvent, Transcript{Text: "Hi"})
	clock = clock.Add(5 * time.Second)
	r.AddModel(tone(modelFormat, 2400, 0.2))
	r.MicEvent(RebuildEvent, Rebuild{Reason: "new device available"})

	// the quiet gap before the second burst is padded
	assert.Equal(t, Timestamp(5*time.Second+100*time.Millisecond), r.Model().End())
	transcript := r.Model().Events(TranscriptEvent)
	require.Len(t, transcript, 1)
	assert.Equal(t, Timestamp(100*time.Millisecond), transcript[0].Start)
	assert.Equal(t, Timestamp(5*time.Second), r.Mic().Events(RebuildEvent)[0].Start)

	path, err := r.Save(filepath.Join(t.TempDir(), "recordings"))
	require.NoError(t, err)
	assert.Equal(t, string(r.Session().ID)+".cbor", filepath.Base(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	mic, model := loaded.TrackNamed(MicTrack), loaded.TrackNamed(ModelTrack)
	require.NotNil(t, mic)
	require.NotNil(t, model)
	assert.Equal(t, r.Model().End(), model.End())
	assert.DeepEqual(t, r.Model().Events(TranscriptEvent), model.Events(TranscriptEvent), cmpopts.IgnoreFields(Event{}, "track"))
	assert.DeepEqual(t, Rebuild{Reason: "new device available"}, mic.Events(RebuildEvent)[0].Data)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.cbor"))
	assert.ErrorContains(t, err, "read session")
}

func TestVAD(t *testing.T) {
	ok, _, _ := VAD(nil, 0.0005, 0.015)
	assert.Assert(t, !ok)
	ok, _, _ = VAD(make([]float64, 100), 0.0005, 0.015)
	assert.Assert(t, !ok)
	loud := make([]float64, 100)
	for i := range loud {
		loud[i] = 0.3
	}
	ok, energy, silence := VAD(loud, 0.0005, 0.015)
	assert.Assert(t, ok)
	assert.Assert(t, math.Abs(energy-0.09) < 1e-9)
	assert.Assert(t, math.Abs(silence-0.3) < 1e-9)
}
