package audio

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Buffer is a chunk of PCM samples. Data holds little-endian samples laid out
// frame-major for interleaved formats and plane-per-channel otherwise.
type Buffer struct {
	Format Format
	Frames int
	Data   []byte
}

// NewBuffer allocates a zeroed buffer holding frames frames.
func NewBuffer(format Format, frames int) *Buffer {
	if frames < 0 {
		frames = 0
	}
	return &Buffer{
		Format: format,
		Frames: frames,
		Data:   make([]byte, frames*format.BytesPerFrame()),
	}
}

// FromInterleavedData wraps raw interleaved bytes in a Buffer. The frame
// count is derived from the byte length; a trailing partial frame is dropped.
func FromInterleavedData(data []byte, format Format) (*Buffer, error) {
	if !format.Interleaved {
		return nil, internalErrorf("only interleaved data is supported, got %v", format)
	}
	if err := format.Validate(); err != nil {
		return nil, errors.Wrap(err, "buffer format")
	}
	frames := len(data) / format.BytesPerFrame()
	buf := NewBuffer(format, frames)
	copy(buf.Data, data)
	return buf, nil
}

// Int16Data returns the underlying bytes of an int16 buffer. The slice
// aliases the buffer.
func (b *Buffer) Int16Data() ([]byte, error) {
	if b.Format.SampleFormat != Int16 {
		return nil, errors.Errorf("buffer holds %v samples, not int16", b.Format.SampleFormat)
	}
	return b.Data[:b.Frames*b.Format.BytesPerFrame()], nil
}

func (b *Buffer) Duration() time.Duration {
	return b.Format.Duration(b.Frames)
}

func (b *Buffer) offset(frame, ch int) int {
	w := b.Format.SampleFormat.Width()
	if b.Format.Interleaved {
		return (frame*b.Format.Channels + ch) * w
	}
	return (ch*b.Frames + frame) * w
}

// Sample returns the sample at frame/channel normalized to [-1, 1].
func (b *Buffer) Sample(frame, ch int) float64 {
	off := b.offset(frame, ch)
	switch b.Format.SampleFormat {
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b.Data[off:]))) / 32768
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b.Data[off:])))
	}
	return 0
}

// SetSample stores a normalized sample, clamping to [-1, 1].
func (b *Buffer) SetSample(frame, ch int, v float64) {
	v = clamp(v)
	off := b.offset(frame, ch)
	switch b.Format.SampleFormat {
	case Int16:
		s := math.Round(v * 32768)
		if s > math.MaxInt16 {
			s = math.MaxInt16
		}
		binary.LittleEndian.PutUint16(b.Data[off:], uint16(int16(s)))
	case Float32:
		binary.LittleEndian.PutUint32(b.Data[off:], math.Float32bits(float32(v)))
	}
}

// Energy is the mean square of all samples, used for level metering.
func (b *Buffer) Energy() float64 {
	if b.Frames == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < b.Frames; i++ {
		for ch := 0; ch < b.Format.Channels; ch++ {
			s := b.Sample(i, ch)
			sum += s * s
		}
	}
	return sum / float64(b.Frames*b.Format.Channels)
}

// Scale multiplies every sample by gain in place.
func (b *Buffer) Scale(gain float64) {
	for i := 0; i < b.Frames; i++ {
		for ch := 0; ch < b.Format.Channels; ch++ {
			b.SetSample(i, ch, b.Sample(i, ch)*gain)
		}
	}
}

func clamp(f float64) float64 {
	switch {
	case f > 1:
		return 1
	case f < -1:
		return -1
	default:
		return f
	}
}
