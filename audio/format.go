package audio

import (
	"fmt"
	"time"

	"github.com/gopxl/beep"
	"github.com/pkg/errors"
)

type SampleFormat int

const (
	Int16 SampleFormat = iota + 1
	Float32
)

func (f SampleFormat) String() string {
	switch f {
	case Int16:
		return "int16"
	case Float32:
		return "float32"
	}
	return fmt.Sprintf("SampleFormat(%d)", int(f))
}

// Width is the size of one sample in bytes.
func (f SampleFormat) Width() int {
	switch f {
	case Int16:
		return 2
	case Float32:
		return 4
	}
	return 0
}

const maxChannels = 8

// Format describes the layout of PCM data. It is a plain value; two formats
// are the same format iff they compare equal.
type Format struct {
	SampleRate   beep.SampleRate
	Channels     int
	SampleFormat SampleFormat
	Interleaved  bool
}

// NewFormat validates and returns a format descriptor.
func NewFormat(sampleFormat SampleFormat, sampleRate int, channels int, interleaved bool) (Format, error) {
	f := Format{
		SampleRate:   beep.SampleRate(sampleRate),
		Channels:     channels,
		SampleFormat: sampleFormat,
		Interleaved:  interleaved,
	}
	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return errors.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > maxChannels {
		return errors.Errorf("invalid channel count %d", f.Channels)
	}
	if f.SampleFormat.Width() == 0 {
		return errors.Errorf("unsupported sample format %v", f.SampleFormat)
	}
	return nil
}

// BytesPerFrame is the number of bytes a single frame occupies across all
// channels.
func (f Format) BytesPerFrame() int {
	return f.SampleFormat.Width() * f.Channels
}

// Duration of n frames at this format's sample rate.
func (f Format) Duration(frames int) time.Duration {
	return f.SampleRate.D(frames)
}

// BeepFormat is the closest beep.Format, used when handing buffers to beep.
func (f Format) BeepFormat() beep.Format {
	return beep.Format{
		SampleRate:  f.SampleRate,
		NumChannels: f.Channels,
		Precision:   f.SampleFormat.Width(),
	}
}

func (f Format) String() string {
	layout := "planar"
	if f.Interleaved {
		layout = "interleaved"
	}
	return fmt.Sprintf("%dHz/%dch/%v/%s", int(f.SampleRate), f.Channels, f.SampleFormat, layout)
}
