package transcript

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gotest.tools/assert"
)

func TestTypeWriterPacing(t *testing.T) {
	w := NewTypeWriter()
	w.Append("Hello world.")

	var delays []time.Duration
	for w.Pending() > 0 {
		delays = append(delays, w.Step())
	}
	assert.Equal(t, "Hello world.", w.Text())

	d := CharDelay
	assert.DeepEqual(t, []time.Duration{
		d, d, d, d, d, // Hello
		0,             // space
		d, d, d, d, d, // world
		0, // .
	}, delays)

	// idle steps wait the default delay
	assert.Equal(t, CharDelay, w.Step())
}

func TestTypeWriterBoundaries(t *testing.T) {
	w := NewTypeWriter()
	w.Append("a!b?c\td")
	var zero []int
	for i := 0; w.Pending() > 0; i++ {
		if w.Step() == 0 {
			zero = append(zero, i)
		}
	}
	assert.DeepEqual(t, []int{1, 3, 5}, zero)
}

func TestTypeWriterClearAndRestart(t *testing.T) {
	w := NewTypeWriter()
	var changes []string
	w.OnChange(func(text string) { changes = append(changes, text) })

	w.Append("The sky is blue")
	for i := 0; i < 12; i++ {
		w.Step()
	}
	w.ClearPending()
	assert.Equal(t, 0, w.Pending())
	w.Step()
	assert.Equal(t, "The sky is b", w.Text())

	w.Restart()
	assert.Equal(t, "", w.Text())
	assert.Equal(t, "", changes[len(changes)-1])
	assert.Equal(t, 13, len(changes))
}

func TestTypeWriterRun(t *testing.T) {
	w := NewTypeWriter()
	w.Delay = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Append("hi there")
	require.Eventually(t, func() bool { return w.Text() == "hi there" }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func drain(tr *Transcript) []time.Duration {
	var delays []time.Duration
	for tr.Pending() > 0 {
		delays = append(delays, tr.Step())
	}
	return delays
}

func TestTranscriptPacing(t *testing.T) {
	tr := New()
	tr.Append("Hello world.")
	delays := drain(tr)
	assert.Equal(t, time.Duration(0), delays[5])
	assert.Equal(t, time.Duration(0), delays[11])
	for i, d := range delays {
		if i != 5 && i != 11 {
			assert.Equal(t, CharDelay, d, "character %d", i)
		}
	}
	assert.DeepEqual(t, []Line{{Text: "Hello world."}}, tr.Lines())
}

func TestTranscriptFinalizesAtBoundary(t *testing.T) {
	tr := New()
	// twenty characters land mid-word; the line closes at the next space
	tr.Append("abcdefghij klmnopqrstuvw xyz")
	drain(tr)
	assert.DeepEqual(t, []Line{
		{Text: "abcdefghij klmnopqrstuvw ", Final: true},
		{Text: "xyz"},
	}, tr.Lines())
}

func TestTranscriptEviction(t *testing.T) {
	tr := New()
	var evicted []Line
	tr.OnEvict(func(l Line) { evicted = append(evicted, l) })

	lines := []string{
		"one1 one2 one3 one4 ",
		"two1 two2 two3 two4 ",
		"thr1 thr2 thr3 thr4 ",
		"fou1 fou2 fou3 fou4 ",
		"fiv1 fiv2 fiv3 fiv4 ",
	}
	tr.Append(strings.Join(lines, "") + "six")
	drain(tr)

	got := tr.Lines()
	assert.Equal(t, MaxLines, len(got))
	assert.DeepEqual(t, []Line{
		{Text: lines[3], Final: true},
		{Text: lines[4], Final: true},
		{Text: "six"},
	}, got)
	assert.DeepEqual(t, []string{lines[0], lines[1], lines[2]}, texts(evicted))
	assert.Equal(t, lines[3]+lines[4]+"six", tr.Text())
}

func texts(lines []Line) []string {
	var out []string
	for _, l := range lines {
		out = append(out, l.Text)
	}
	return out
}

func TestTranscriptClearPendingKeepsShown(t *testing.T) {
	tr := New()
	tr.Append("The sky is blue today.")
	for i := 0; i < len("The sky is b"); i++ {
		tr.Step()
	}
	tr.ClearPending()
	drain(tr)
	tr.Step()
	assert.Equal(t, "The sky is b", tr.Text())

	// new text continues the open line
	tr.Append("right")
	drain(tr)
	assert.DeepEqual(t, []Line{{Text: "The sky is bright"}}, tr.Lines())
}

func TestTranscriptRestart(t *testing.T) {
	tr := New()
	var last []Line
	called := false
	tr.OnChange(func(l []Line) { last, called = l, true })
	tr.Append("partial words here")
	tr.Step()
	tr.Restart()
	assert.Assert(t, called)
	assert.Assert(t, last == nil)
	assert.Equal(t, 0, len(tr.Lines()))
	assert.Equal(t, 0, tr.Pending())
}

func TestTranscriptRun(t *testing.T) {
	tr := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)
	tr.Append("ok. ")
	require.Eventually(t, func() bool { return tr.Text() == "ok. " }, 2*time.Second, 5*time.Millisecond)
}
