package audio

import (
	"math"

	"github.com/gopxl/beep"
	"github.com/pkg/errors"
)

// DefaultResampleQuality is passed to beep.Resample. 4 is what beep suggests
// for realtime speech.
const DefaultResampleQuality = 4

// Converter turns buffers of one format into another, resampling when the
// sample rates differ.
type Converter struct {
	in, out Format
	quality int
}

func NewConverter(in, out Format) (*Converter, error) {
	if err := in.Validate(); err != nil {
		return nil, errors.Wrap(err, "converter input format")
	}
	if err := out.Validate(); err != nil {
		return nil, errors.Wrap(err, "converter output format")
	}
	return &Converter{in: in, out: out, quality: DefaultResampleQuality}, nil
}

// SetQuality changes the resampler quality, clamped to beep's 1..64 range.
func (c *Converter) SetQuality(q int) {
	if q < 1 {
		q = 1
	}
	if q > 64 {
		q = 64
	}
	c.quality = q
}

func (c *Converter) InputFormat() Format  { return c.in }
func (c *Converter) OutputFormat() Format { return c.out }

// Convert returns buf unchanged when it is already in the output format.
// Otherwise buf must be in the converter's input format.
func (c *Converter) Convert(buf *Buffer) (*Buffer, error) {
	if buf.Format == c.out {
		return buf, nil
	}
	if buf.Format != c.in {
		return nil, internalErrorf("buffer format %v differs from converter input %v", buf.Format, c.in)
	}
	capacity := int(math.Ceil(float64(buf.Frames) * float64(c.out.SampleRate) / float64(c.in.SampleRate)))
	var s beep.Streamer = buf.Streamer()
	if c.in.SampleRate != c.out.SampleRate {
		s = beep.Resample(c.quality, c.in.SampleRate, c.out.SampleRate, s)
	}
	return FromStreamer(s, c.out, capacity), nil
}
