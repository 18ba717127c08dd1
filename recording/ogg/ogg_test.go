package ogg

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/generators"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gotest.tools/assert"

	"github.com/progrium/liveaudio/audio"
	"github.com/progrium/liveaudio/recording"
)

func readAll(t *testing.T, r *Reader) [][2]float64 {
	t.Helper()
	var out [][2]float64
	buf := make([][2]float64, 512)
	for {
		n, ok := r.Stream(buf)
		out = append(out, buf[:n]...)
		if !ok {
			break
		}
	}
	require.NoError(t, r.Err())
	return out
}

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.ogg")
	w, err := Create(path)
	require.NoError(t, err)
	tone, err := generators.SineTone(SampleRate, 440)
	require.NoError(t, err)
	// 50 whole frames plus a partial one padded on close
	require.NoError(t, w.WriteStreamer(beep.Take(50*FrameSize+100, tone), SampleRate))
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, Format, r.Format())
	samples := readAll(t, r)
	assert.Equal(t, 51*FrameSize, len(samples))

	var energy float64
	for _, s := range samples {
		energy += s[0] * s[0]
	}
	// a full scale sine carries 0.5 mean energy; opus keeps most of it
	assert.Assert(t, energy/float64(len(samples)) > 0.2)
}

func TestExportTrack(t *testing.T) {
	micFormat, err := audio.ModelInputFormat()
	require.NoError(t, err)
	modelFormat, err := audio.ModelOutputFormat()
	require.NoError(t, err)
	rec := recording.NewRecorder(micFormat, modelFormat, zerolog.Nop())
	rec.Mic().AddAudio(generators.Silence(micFormat.SampleRate.N(time.Second)))

	path := filepath.Join(t.TempDir(), "mic.ogg")
	require.NoError(t, ExportTrack(rec.Mic(), path))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	n := len(readAll(t, r))
	assert.Assert(t, n >= 49*FrameSize && n <= 51*FrameSize, "decoded %d samples", n)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.ogg"))
	assert.ErrorContains(t, err, "open ogg")
}
