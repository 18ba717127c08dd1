// Package ogg exports recorded tracks as ogg/opus files and reads them back
// as beep streamers.
package ogg

import (
	"io"
	"math"
	"os"
	"time"

	"github.com/gopxl/beep"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"github.com/pkg/errors"
	"gopkg.in/hraban/opus.v2"

	"github.com/progrium/liveaudio/recording"
)

const (
	SampleRate = beep.SampleRate(48000)
	// FrameSize is 20ms at SampleRate.
	FrameSize = 960

	mtu         = 1200
	payloadType = 111
	quality     = 4
)

// Format of the audio a Reader yields.
var Format = beep.Format{SampleRate: SampleRate, NumChannels: 1, Precision: 2}

// Writer encodes mono audio to an ogg/opus file. Audio at other rates is
// resampled; stereo is mixed down.
type Writer struct {
	enc        *opus.Encoder
	packetizer rtp.Packetizer
	ogg        *oggwriter.OggWriter
	pending    []int16
	packet     []byte
	frames     int
}

func Create(path string) (*Writer, error) {
	enc, err := opus.NewEncoder(int(SampleRate), 1, opus.AppVoIP)
	if err != nil {
		return nil, errors.Wrap(err, "opus encoder")
	}
	ogg, err := oggwriter.New(path, uint32(SampleRate), 1)
	if err != nil {
		return nil, errors.Wrap(err, "ogg writer")
	}
	return &Writer{
		enc:        enc,
		packetizer: rtp.NewPacketizer(mtu, payloadType, 0, &codecs.OpusPayloader{}, rtp.NewRandomSequencer(), uint32(SampleRate)),
		ogg:        ogg,
		packet:     make([]byte, 4000),
	}, nil
}

// Frames is the number of opus frames written so far.
func (w *Writer) Frames() int {
	return w.frames
}

// WriteStreamer encodes everything s yields. rate is the rate of s.
func (w *Writer) WriteStreamer(s beep.Streamer, rate beep.SampleRate) error {
	if rate != SampleRate {
		s = beep.Resample(quality, rate, SampleRate, s)
	}
	samples := make([][2]float64, FrameSize)
	for {
		n, ok := s.Stream(samples)
		for _, sample := range samples[:n] {
			w.pending = append(w.pending, toInt16((sample[0]+sample[1])/2))
		}
		for len(w.pending) >= FrameSize {
			if err := w.writeFrame(w.pending[:FrameSize]); err != nil {
				return err
			}
			w.pending = w.pending[FrameSize:]
		}
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return errors.Wrap(err, "read audio")
	}
	return nil
}

func (w *Writer) writeFrame(pcm []int16) error {
	n, err := w.enc.Encode(pcm, w.packet)
	if err != nil {
		return errors.Wrap(err, "encode opus")
	}
	for _, pkt := range w.packetizer.Packetize(w.packet[:n], FrameSize) {
		if err := w.ogg.WriteRTP(pkt); err != nil {
			return errors.Wrap(err, "write ogg page")
		}
	}
	w.frames++
	return nil
}

// Close pads and writes any partial frame, then finishes the file.
func (w *Writer) Close() error {
	if len(w.pending) > 0 {
		frame := make([]int16, FrameSize)
		copy(frame, w.pending)
		w.pending = nil
		if err := w.writeFrame(frame); err != nil {
			w.ogg.Close()
			return err
		}
	}
	return errors.Wrap(w.ogg.Close(), "close ogg")
}

func toInt16(f float64) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	return int16(math.Round(f * math.MaxInt16))
}

// ExportTrack writes a track's audio to path.
func ExportTrack(track *recording.Track, path string) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	if err := w.WriteStreamer(track.Audio(), track.AudioFormat().SampleRate); err != nil {
		w.Close()
		return errors.Wrapf(err, "export track %s", track.Name)
	}
	return w.Close()
}

const decodeBufDuration = 60 * time.Millisecond

// Reader decodes an ogg/opus file as a mono beep.Streamer in Format.
type Reader struct {
	ogg       *oggreader.OggReader
	closer    io.Closer
	dec       *opus.Decoder
	decodeBuf []float32
	pcm       []float32
	done      bool
	err       error
}

var _ beep.Streamer = (*Reader)(nil)

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open ogg")
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

func NewReader(in io.Reader) (*Reader, error) {
	ogg, header, err := oggreader.NewWith(in)
	if err != nil {
		return nil, errors.Wrap(err, "read ogg header")
	}
	if header.Channels != 1 {
		return nil, errors.Errorf("ogg: %d channels, want mono", header.Channels)
	}
	dec, err := opus.NewDecoder(int(SampleRate), 1)
	if err != nil {
		return nil, errors.Wrap(err, "opus decoder")
	}
	return &Reader{
		ogg:       ogg,
		dec:       dec,
		decodeBuf: make([]float32, SampleRate.N(decodeBufDuration)),
	}, nil
}

func (r *Reader) Format() beep.Format {
	return Format
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *Reader) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		samples[i], ok = r.nextPCM()
		if !ok {
			return i, i > 0
		}
	}
	return len(samples), true
}

func (r *Reader) decodeNextPage() (int, error) {
	for {
		payload, _, err := r.ogg.ParseNextPage()
		if err != nil {
			return 0, err
		}
		if len(payload) == 0 || isOpusTags(payload) {
			continue
		}
		return r.dec.DecodeFloat32(payload, r.decodeBuf)
	}
}

func isOpusTags(payload []byte) bool {
	return len(payload) >= 8 && string(payload[:8]) == "OpusTags"
}

func (r *Reader) nextPCM() (sample [2]float64, ok bool) {
	for len(r.pcm) == 0 {
		if r.done {
			return sample, false
		}
		n, err := r.decodeNextPage()
		if err != nil {
			r.done = true
			if err != io.EOF {
				r.err = errors.Wrap(err, "decode ogg")
			}
			return sample, false
		}
		r.pcm = r.decodeBuf[:n]
	}
	v := float64(r.pcm[0])
	r.pcm = r.pcm[1:]
	return [2]float64{v, v}, true
}
