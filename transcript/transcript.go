// Package transcript paces incoming text one character at a time so it reads
// like typing. TypeWriter accumulates a single string; Transcript wraps the
// text into a few short lines and drops the oldest as new ones arrive.
//
// Pacing is independent of audio timing. After whitespace or sentence-ending
// punctuation the next character follows immediately; otherwise it waits
// CharDelay.
package transcript

import (
	"context"
	"sync"
	"time"
	"unicode"
)

const (
	CharDelay = 65 * time.Millisecond
	// LineLength is the target line length. Lines run longer when the
	// target falls inside a word.
	LineLength = 20
	MaxLines   = 3
)

func isEndOfSentence(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isBoundary(r rune) bool {
	return unicode.IsSpace(r) || isEndOfSentence(r)
}

// run calls step each time the delay it last returned elapses, until ctx is
// done.
func run(ctx context.Context, initial time.Duration, step func() time.Duration) {
	timer := time.NewTimer(initial)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(step())
		}
	}
}

type TypeWriter struct {
	Delay time.Duration

	mu       sync.Mutex
	pending  []rune
	text     []rune
	onChange func(text string)
}

func NewTypeWriter() *TypeWriter {
	return &TypeWriter{Delay: CharDelay}
}

// Append queues text behind anything still pending.
func (w *TypeWriter) Append(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, []rune(text)...)
}

// ClearPending drops queued text that has not been shown yet.
func (w *TypeWriter) ClearPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = nil
}

// Restart drops pending and shown text.
func (w *TypeWriter) Restart() {
	w.mu.Lock()
	w.pending = nil
	w.text = nil
	fn := w.onChange
	w.mu.Unlock()
	if fn != nil {
		fn("")
	}
}

func (w *TypeWriter) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.text)
}

func (w *TypeWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// OnChange registers fn to be called with the shown text after it changes.
func (w *TypeWriter) OnChange(fn func(text string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Step shows the next pending character and returns how long to wait
// before the next one.
func (w *TypeWriter) Step() time.Duration {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return w.Delay
	}
	r := w.pending[0]
	w.pending = w.pending[1:]
	w.text = append(w.text, r)
	text, fn := string(w.text), w.onChange
	w.mu.Unlock()
	if fn != nil {
		fn(text)
	}
	if isBoundary(r) {
		return 0
	}
	return w.Delay
}

// Run paces pending text until ctx is done.
func (w *TypeWriter) Run(ctx context.Context) {
	run(ctx, w.Delay, w.Step)
}

// Line is one displayed transcript line. A final line takes no more text.
type Line struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type Transcript struct {
	mu       sync.Mutex
	pending  []rune
	lines    []Line
	onEvict  func(Line)
	onChange func([]Line)
}

func New() *Transcript {
	return &Transcript{}
}

func (t *Transcript) Append(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, []rune(text)...)
}

func (t *Transcript) ClearPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
}

func (t *Transcript) Restart() {
	t.mu.Lock()
	t.pending = nil
	t.lines = nil
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

// Lines returns a copy of the displayed lines, oldest first.
func (t *Transcript) Lines() []Line {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Line(nil), t.lines...)
}

// Text joins the displayed lines.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s string
	for _, l := range t.lines {
		s += l.Text
	}
	return s
}

func (t *Transcript) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// OnEvict registers fn to be called with each line dropped off the top.
func (t *Transcript) OnEvict(fn func(Line)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvict = fn
}

func (t *Transcript) OnChange(fn func([]Line)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Step moves the next pending character onto the open line, starting a new
// line if the last one is final, and returns the delay before the next
// character.
func (t *Transcript) Step() time.Duration {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return CharDelay
	}
	r := t.pending[0]
	t.pending = t.pending[1:]

	var line Line
	if n := len(t.lines); n > 0 && !t.lines[n-1].Final {
		line = t.lines[n-1]
		t.lines = t.lines[:n-1]
	}
	line.Text += string(r)

	delay := CharDelay
	if isBoundary(r) {
		if len([]rune(line.Text)) >= LineLength {
			line.Final = true
		}
		delay = 0
	}

	t.lines = append(t.lines, line)
	var evicted []Line
	for len(t.lines) > MaxLines {
		evicted = append(evicted, t.lines[0])
		t.lines = t.lines[1:]
	}
	lines := append([]Line(nil), t.lines...)
	onEvict, onChange := t.onEvict, t.onChange
	t.mu.Unlock()

	if onEvict != nil {
		for _, l := range evicted {
			onEvict(l)
		}
	}
	if onChange != nil {
		onChange(lines)
	}
	return delay
}

func (t *Transcript) Run(ctx context.Context) {
	run(ctx, CharDelay, t.Step)
}
