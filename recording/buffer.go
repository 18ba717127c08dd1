package recording

import (
	"sync"

	"github.com/gopxl/beep"
	"github.com/pkg/errors"
)

// continuousBuffer is a beep.Buffer safe for appending while streamers read
// from it. Streamers see audio appended after they were created.
type continuousBuffer struct {
	mu  sync.RWMutex
	buf *beep.Buffer
}

func newContinuousBuffer(format beep.Format) *continuousBuffer {
	return &continuousBuffer{buf: beep.NewBuffer(format)}
}

func continuousBufferFromBytes(format beep.Format, data []byte) (*continuousBuffer, error) {
	b := newContinuousBuffer(format)
	width := format.Width()
	if width == 0 {
		return b, nil
	}
	if len(data)%width != 0 {
		return nil, errors.Errorf("%d bytes is not a whole number of %d byte frames", len(data), width)
	}
	samples := make([][2]float64, len(data)/width)
	for i := range samples {
		samples[i], _ = format.DecodeSigned(data[i*width:])
	}
	b.buf.Append(&sliceStreamer{samples: samples})
	return b, nil
}

func (b *continuousBuffer) Format() beep.Format {
	return b.buf.Format()
}

func (b *continuousBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buf.Len()
}

func (b *continuousBuffer) Append(s beep.Streamer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Append(s)
}

// Bytes encodes the audio as signed PCM at the buffer's precision.
func (b *continuousBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	format := b.buf.Format()
	width := format.Width()
	n := b.buf.Len()
	out := make([]byte, n*width)
	s := b.buf.Streamer(0, n)
	samples := make([][2]float64, 512)
	off := 0
	for {
		m, ok := s.Stream(samples)
		for _, sample := range samples[:m] {
			off += format.EncodeSigned(out[off:], sample)
		}
		if !ok || m == 0 {
			break
		}
	}
	return out[:off]
}

func (b *continuousBuffer) StreamerFrom(pos int) beep.Streamer {
	return &continuousStreamer{buf: b, pos: pos}
}

type continuousStreamer struct {
	buf *continuousBuffer
	pos int
}

func (s *continuousStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	s.buf.mu.RLock()
	defer s.buf.mu.RUnlock()
	end := s.buf.buf.Len()
	if s.pos >= end {
		return 0, false
	}
	to := s.pos + len(samples)
	if to > end {
		to = end
	}
	n, ok = s.buf.buf.Streamer(s.pos, to).Stream(samples)
	s.pos += n
	return n, ok
}

func (s *continuousStreamer) Err() error {
	return nil
}

type sliceStreamer struct {
	samples [][2]float64
}

func (s *sliceStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	if len(s.samples) == 0 {
		return 0, false
	}
	n = copy(samples, s.samples)
	s.samples = s.samples[n:]
	return n, true
}

func (s *sliceStreamer) Err() error {
	return nil
}
