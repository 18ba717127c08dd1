// Package recording keeps a timeline of a conversation: a session holds
// tracks, each track holds audio plus timestamped events, and any range of a
// track can be viewed as a span. Sessions serialize to cbor.
package recording

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gopxl/beep"
	"github.com/pkg/errors"
	"github.com/rs/xid"
)

type Timestamp time.Duration // relative to session start
type ID string

type Span interface {
	Track() *Track
	Span(from, to Timestamp) Span
	Start() Timestamp
	End() Timestamp
	Audio() beep.Streamer
	EventTypes() []string
	Events(typ string) []Event
	RecordEvent(typ string, data any) Event
}

// Handler is notified of every event recorded in a session.
type Handler interface {
	HandleEvent(Event)
}

type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

func newID() ID {
	return ID(xid.New().String())
}

type EventMeta struct {
	Start, End Timestamp
	Type       string
	ID         ID
}

type Event struct {
	EventMeta
	Data  any
	track *Track
}

func (e Event) Span() Span {
	return &filteredSpan{e.Start, e.End, e.track}
}

// Track is nil for events decoded on their own.
func (e Event) Track() *Track {
	return e.track
}

func (e *Event) UnmarshalCBOR(data []byte) error {
	type eventRaw struct {
		EventMeta
		Data cbor.RawMessage
	}
	var raw eventRaw
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, ok := lookupEvent(raw.Type)
	if !ok {
		return fmt.Errorf("unknown event type %q", raw.Type)
	}
	value := reflect.New(typ)
	if len(raw.Data) > 0 {
		if err := cbor.Unmarshal(raw.Data, value.Interface()); err != nil {
			return errors.Wrapf(err, "event %s", raw.Type)
		}
	}
	e.EventMeta = raw.EventMeta
	e.Data = reflect.Indirect(value).Interface()
	return nil
}

type Session struct {
	ID     ID
	Start  time.Time
	Tracks []*Track

	mu       sync.Mutex
	handlers []Handler
	now      func() time.Time
}

func NewSession() *Session {
	return &Session{
		ID:    newID(),
		Start: time.Now().UTC(),
	}
}

// Now is the time since the session started.
func (s *Session) Now() Timestamp {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	return Timestamp(now().UTC().Sub(s.Start))
}

func (s *Session) NewTrack(name string, format beep.Format) *Track {
	return s.NewTrackAt(name, s.Now(), format)
}

func (s *Session) NewTrackAt(name string, start Timestamp, format beep.Format) *Track {
	t := &Track{
		ID:      newID(),
		Name:    name,
		Session: s,
		start:   start,
		audio:   newContinuousBuffer(format),
	}
	s.mu.Lock()
	s.Tracks = append(s.Tracks, t)
	s.mu.Unlock()
	return t
}

// TrackNamed returns the first track with the name.
func (s *Session) TrackNamed(name string) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.Tracks {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (s *Session) Handle(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Session) notify(e Event) {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h.HandleEvent(e)
	}
}

type sessionMarshal struct {
	ID     ID
	Start  time.Time
	Tracks []*Track
}

// sessionEncMode keeps sub-second precision on the start time.
var sessionEncMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

func (s *Session) MarshalCBOR() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionEncMode.Marshal(sessionMarshal{ID: s.ID, Start: s.Start, Tracks: s.Tracks})
}

func (s *Session) UnmarshalCBOR(data []byte) error {
	var sm sessionMarshal
	if err := cbor.Unmarshal(data, &sm); err != nil {
		return err
	}
	s.ID, s.Start, s.Tracks = sm.ID, sm.Start, sm.Tracks
	for _, t := range s.Tracks {
		t.Session = s
	}
	return nil
}

type Track struct {
	ID      ID
	Name    string
	Session *Session

	mu     sync.Mutex
	start  Timestamp
	audio  *continuousBuffer
	events []Event
}

var _ Span = (*Track)(nil)

func (t *Track) RecordEvent(typ string, data any) Event {
	return t.record(typ, t, data)
}

func (t *Track) record(typ string, span Span, data any) Event {
	e := Event{
		EventMeta: EventMeta{
			ID:    newID(),
			Start: span.Start(),
			End:   span.End(),
			Type:  typ,
		},
		Data:  data,
		track: t,
	}
	t.mu.Lock()
	t.events = append(t.events, e)
	t.mu.Unlock()
	if t.Session != nil {
		t.Session.notify(e)
	}
	return e
}

// UpdateEvent replaces the event with the same ID.
func (t *Track) UpdateEvent(evt Event) bool {
	evt.track = t
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.events {
		if e.ID == evt.ID {
			t.events[i] = evt
			return true
		}
	}
	return false
}

func (t *Track) EventTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range t.events {
		if seen[e.Type] {
			continue
		}
		seen[e.Type] = true
		out = append(out, e.Type)
	}
	sort.Strings(out)
	return out
}

// Events returns events of typ ordered by start, then end.
func (t *Track) Events(typ string) []Event {
	t.mu.Lock()
	var out []Event
	for _, e := range t.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	t.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

func (t *Track) Audio() beep.Streamer {
	return t.audio.StreamerFrom(0)
}

func (t *Track) AudioFormat() beep.Format {
	return t.audio.Format()
}

// AddAudio appends everything streamer yields to the track.
func (t *Track) AddAudio(streamer beep.Streamer) {
	t.audio.Append(streamer)
}

func (t *Track) Span(from Timestamp, to Timestamp) Span {
	return &filteredSpan{from, to, t}
}

func (t *Track) Start() Timestamp {
	return t.start
}

// End is the start plus the duration of the audio so far.
func (t *Track) End() Timestamp {
	if t.audio == nil {
		return t.start
	}
	dur := t.audio.Format().SampleRate.D(t.audio.Len())
	return t.start + Timestamp(dur)
}

func (t *Track) Track() *Track {
	return t
}

type trackMarshal struct {
	ID     ID
	Name   string
	Events []Event
	Start  Timestamp
	Format beep.Format
	Audio  []byte
}

func (t *Track) MarshalCBOR() ([]byte, error) {
	t.mu.Lock()
	events := append([]Event(nil), t.events...)
	t.mu.Unlock()
	return cbor.Marshal(trackMarshal{
		ID:     t.ID,
		Name:   t.Name,
		Events: events,
		Start:  t.start,
		Format: t.audio.Format(),
		Audio:  t.audio.Bytes(),
	})
}

func (t *Track) UnmarshalCBOR(data []byte) error {
	var tm trackMarshal
	if err := cbor.Unmarshal(data, &tm); err != nil {
		return err
	}
	t.ID = tm.ID
	t.Name = tm.Name
	t.events = tm.Events
	for i := range t.events {
		t.events[i].track = t
	}
	t.start = tm.Start
	audio, err := continuousBufferFromBytes(tm.Format, tm.Audio)
	if err != nil {
		return errors.Wrapf(err, "track %s audio", tm.Name)
	}
	t.audio = audio
	return nil
}

type filteredSpan struct {
	start, end Timestamp
	track      *Track
}

var _ Span = (*filteredSpan)(nil)

func (s *filteredSpan) RecordEvent(typ string, data any) Event {
	return s.track.record(typ, s, data)
}

func (s *filteredSpan) EventTypes() []string {
	return s.track.EventTypes()
}

// Events returns the events of typ overlapping the span.
func (s *filteredSpan) Events(typ string) []Event {
	var out []Event
	for _, e := range s.track.Events(typ) {
		if e.End < s.start || e.Start > s.end {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *filteredSpan) Audio() beep.Streamer {
	format := s.track.audio.Format()
	from := format.SampleRate.N(time.Duration(s.start - s.track.start))
	samples := format.SampleRate.N(time.Duration(s.end - s.start))
	if from < 0 {
		samples += from
		from = 0
	}
	if samples < 0 {
		samples = 0
	}
	return beep.Take(samples, s.track.audio.StreamerFrom(from))
}

func (s *filteredSpan) End() Timestamp {
	return s.end
}

func (s *filteredSpan) Span(from Timestamp, to Timestamp) Span {
	return &filteredSpan{from, to, s.track}
}

func (s *filteredSpan) Start() Timestamp {
	return s.start
}

func (s *filteredSpan) Track() *Track {
	return s.track
}

var (
	eventTypesMu sync.RWMutex
	eventTypes   = map[string]reflect.Type{}
)

// RegisterEvent maps an event type name to the Go type its data decodes as.
func RegisterEvent[T any](name string) {
	eventTypesMu.Lock()
	defer eventTypesMu.Unlock()
	eventTypes[name] = reflect.TypeOf((*T)(nil)).Elem()
}

func lookupEvent(name string) (reflect.Type, bool) {
	eventTypesMu.RLock()
	defer eventTypesMu.RUnlock()
	typ, ok := eventTypes[name]
	return typ, ok
}
