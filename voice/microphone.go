package voice

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/progrium/liveaudio/audio"
	"github.com/progrium/liveaudio/device"
)

// Microphone exposes an input node as a stream of captured buffers in the
// node's native format.
type Microphone struct {
	input  device.InputNode
	stream *audio.Stream

	mu      sync.Mutex
	running bool
}

func NewMicrophone(input device.InputNode) *Microphone {
	return &Microphone{
		input:  input,
		stream: audio.NewStream(),
	}
}

// Start installs a tap delivering roughly 50ms buffers. Calling it while
// already running does nothing.
func (m *Microphone) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.stream.Closed() {
		return errors.New("microphone stopped")
	}
	size := int(m.input.OutputFormat().SampleRate) / 20
	if err := m.input.InstallTap(size, func(buf *audio.Buffer) {
		m.stream.Yield(buf)
	}); err != nil {
		return errors.Wrap(err, "install microphone tap")
	}
	m.running = true
	return nil
}

// Audio is the stream of captured buffers. It ends after Stop.
func (m *Microphone) Audio() *audio.Stream {
	return m.stream
}

// Stop removes the tap and finishes the stream: buffers already captured
// are still delivered. Safe to call more than once.
func (m *Microphone) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.input.RemoveTap()
		m.running = false
	}
	m.stream.Finish()
}
