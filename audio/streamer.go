package audio

import (
	"github.com/gopxl/beep"
)

type bufferStreamer struct {
	buf *Buffer
	pos int
}

// Streamer exposes the buffer as a finite beep.Streamer. Mono buffers are
// duplicated to both beep channels; extra channels beyond two are ignored.
func (b *Buffer) Streamer() beep.Streamer {
	return &bufferStreamer{buf: b}
}

func (s *bufferStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	if s.pos >= s.buf.Frames {
		return 0, false
	}
	for i := range samples {
		if s.pos >= s.buf.Frames {
			return i, true
		}
		left := s.buf.Sample(s.pos, 0)
		right := left
		if s.buf.Format.Channels > 1 {
			right = s.buf.Sample(s.pos, 1)
		}
		samples[i][0], samples[i][1] = left, right
		s.pos++
	}
	return len(samples), true
}

func (s *bufferStreamer) Err() error {
	return nil
}

// FromStreamer drains up to frames frames from s into a new buffer of the
// given format. The returned buffer is shorter if s runs out first.
func FromStreamer(s beep.Streamer, format Format, frames int) *Buffer {
	tmp := make([][2]float64, frames)
	n := 0
	for n < frames {
		m, ok := s.Stream(tmp[n:])
		n += m
		if !ok {
			break
		}
	}
	buf := NewBuffer(format, n)
	for i := 0; i < n; i++ {
		left, right := tmp[i][0], tmp[i][1]
		switch format.Channels {
		case 1:
			buf.SetSample(i, 0, (left+right)/2)
		default:
			buf.SetSample(i, 0, left)
			buf.SetSample(i, 1, right)
			for ch := 2; ch < format.Channels; ch++ {
				buf.SetSample(i, ch, (left+right)/2)
			}
		}
	}
	return buf
}

// Float32Stream streams mono float32 samples, as delivered by capture
// callbacks, without copying them into a Buffer first.
type Float32Stream struct {
	Samples []float32
	cur     int
}

func (s *Float32Stream) Stream(samples [][2]float64) (n int, ok bool) {
	if s.cur >= len(s.Samples) {
		return 0, false
	}
	for i := range samples {
		if s.cur >= len(s.Samples) {
			return i, true
		}
		sample := float64(s.Samples[s.cur])
		samples[i][0], samples[i][1] = sample, sample
		s.cur++
	}
	return len(samples), true
}

func (s *Float32Stream) Err() error {
	return nil
}
