package recording

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Activity marks a stretch of a track where someone was speaking.
type Activity struct {
	Energy float64
}

// ActivityDetector finds speech in appended audio with an energy and mean
// amplitude threshold over the trailing gap. A stretch ends when the gap
// goes quiet or the window fills.
type ActivityDetector struct {
	sampleRateMs int
	maxWindow    int
	gapSamples   int

	energyThresh  float64
	silenceThresh float64

	log zerolog.Logger

	mu      sync.Mutex
	windows map[ID]*activityWindow
}

type activityWindow struct {
	pcm        []float64
	speaking   bool
	peakEnergy float64
}

type ActivityConfig struct {
	SampleRate int
	// Window caps how much audio one stretch can cover.
	Window time.Duration
	// Gap is how much trailing quiet ends a stretch.
	Gap time.Duration
}

func NewActivityDetector(cfg ActivityConfig, log zerolog.Logger) *ActivityDetector {
	if cfg.Window == 0 {
		cfg.Window = 24 * time.Second
	}
	if cfg.Gap == 0 {
		cfg.Gap = 700 * time.Millisecond
	}
	sampleRateMs := cfg.SampleRate / 1000
	return &ActivityDetector{
		sampleRateMs:  sampleRateMs,
		maxWindow:     int(cfg.Window.Seconds() * float64(cfg.SampleRate)),
		gapSamples:    sampleRateMs * int(cfg.Gap/time.Millisecond),
		energyThresh:  0.0005,
		silenceThresh: 0.015,
		log:           log,
		windows:       make(map[ID]*activityWindow),
	}
}

// Detect pushes pcm, which ends at end on track, and records an "activity"
// event when a stretch of speech finishes.
func (a *ActivityDetector) Detect(track *Track, pcm []float64, end Timestamp) {
	start, energy, ok := a.Push(track.ID, pcm, end)
	if !ok {
		return
	}
	track.Span(start, end).RecordEvent(ActivityEvent, Activity{Energy: energy})
}

// Push adds pcm to the window for id. It reports the start of a finished
// stretch of speech and its peak energy.
func (a *ActivityDetector) Push(id ID, pcm []float64, end Timestamp) (start Timestamp, energy float64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, exists := a.windows[id]
	if !exists {
		w = &activityWindow{pcm: make([]float64, 0, a.maxWindow)}
		a.windows[id] = w
	}

	w.pcm = append(w.pcm, pcm...)
	full := len(w.pcm) >= a.maxWindow

	from := len(w.pcm) - a.gapSamples
	if from < 0 {
		from = 0
	}
	wasSpeaking := w.speaking
	speaking, e, _ := VAD(w.pcm[from:], a.energyThresh, a.silenceThresh)
	if speaking {
		if !wasSpeaking {
			a.log.Debug().Str("track", string(id)).Msg("speech started")
		}
		w.speaking = true
		if e > w.peakEnergy {
			w.peakEnergy = e
		}
	}

	finished := wasSpeaking && !speaking
	if !finished && !(full && w.speaking) {
		if full {
			w.pcm = w.pcm[:0]
		}
		return 0, 0, false
	}

	start = end - Timestamp(time.Duration(len(w.pcm)/a.sampleRateMs)*time.Millisecond)
	if start < 0 {
		start = 0
	}
	energy = w.peakEnergy
	w.pcm = w.pcm[:0]
	w.speaking = false
	w.peakEnergy = 0
	a.log.Debug().Str("track", string(id)).Float64("energy", energy).Msg("speech finished")
	return start, energy, true
}

// VAD reports whether frame looks like speech, with its mean energy and mean
// absolute amplitude.
func VAD(frame []float64, energyThresh, silenceThresh float64) (bool, float64, float64) {
	if len(frame) == 0 {
		return false, 0, 0
	}
	var energy, silence float64
	for _, v := range frame {
		energy += v * v
		silence += math.Abs(v)
	}
	energy /= float64(len(frame))
	silence /= float64(len(frame))
	if energy < energyThresh || silence < silenceThresh {
		return false, energy, silence
	}
	return true, energy, silence
}
