// Package device describes the audio engine graph the voice pipeline drives:
// one input node that can be tapped, any number of player nodes feeding the
// output mixer, and the engine lifecycle around them.
//
// Backends live in subpackages. device/hardware talks to PortAudio and the
// beep speaker; device/devicetest is an in-memory engine for tests.
package device

import (
	"github.com/progrium/liveaudio/audio"
)

// TapFunc receives captured buffers. It runs on the backend's audio thread
// and must not block.
type TapFunc func(buf *audio.Buffer)

type InputNode interface {
	// OutputFormat is the format buffers are delivered to taps in.
	OutputFormat() audio.Format
	// InstallTap starts delivering buffers of roughly bufferSize frames.
	// Only one tap may be installed at a time.
	InstallTap(bufferSize int, fn TapFunc) error
	RemoveTap()

	VoiceProcessingEnabled() bool
	SetVoiceProcessingEnabled(enabled bool) error
}

type PlayerNode interface {
	// Schedule queues buf after anything already scheduled. buf must be in
	// the format the node was attached with.
	Schedule(buf *audio.Buffer)
	// Play starts or resumes rendering scheduled buffers.
	Play()
	// Stop halts rendering and drops everything scheduled.
	Stop()
	IsPlaying() bool
}

type Engine interface {
	InputNode() InputNode
	// OutputFormat is the format of the output mixer.
	OutputFormat() audio.Format

	// AttachPlayer creates a player node connected to the output mixer.
	AttachPlayer(format audio.Format) (PlayerNode, error)
	DetachPlayer(node PlayerNode)

	Start() error
	Pause()
	// Stop halts the engine and releases the device. A stopped engine is
	// not restarted; build a new one.
	Stop()
	IsRunning() bool
}

// Factory builds a fresh engine against whatever devices are current.
type Factory func() (Engine, error)
