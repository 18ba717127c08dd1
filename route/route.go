// Package route models the audio session: how it is configured for a voice
// call, which output ports are active, and notifications when the route
// changes because a device appeared or went away.
package route

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Category int

const (
	CategoryPlayback Category = iota + 1
	CategoryRecord
	CategoryPlayAndRecord
)

type Mode int

const (
	ModeDefault Mode = iota
	ModeVoiceChat
)

type Option uint

const (
	DefaultToSpeaker Option = 1 << iota
	AllowBluetoothHFP
	AllowBluetoothA2DP
	DuckOthers
	InterruptSpokenAudioAndMixWithOthers
)

// Config is applied to a session before any engine is built.
type Config struct {
	Category Category
	Mode     Mode
	Options  Option
	// PreferredIOBufferDuration is a hint for backend buffer sizing.
	PreferredIOBufferDuration time.Duration
}

// VoiceChat is the configuration used for a live conversation.
var VoiceChat = Config{
	Category: CategoryPlayAndRecord,
	Mode:     ModeVoiceChat,
	Options: DefaultToSpeaker | AllowBluetoothHFP | DuckOthers |
		InterruptSpokenAudioAndMixWithOthers | AllowBluetoothA2DP,
	PreferredIOBufferDuration: 10 * time.Millisecond,
}

func (c Config) Validate() error {
	if c.Category < CategoryPlayback || c.Category > CategoryPlayAndRecord {
		return errors.Errorf("unknown session category %d", c.Category)
	}
	if c.PreferredIOBufferDuration <= 0 || c.PreferredIOBufferDuration > time.Second {
		return errors.Errorf("preferred IO buffer duration %v out of range", c.PreferredIOBufferDuration)
	}
	return nil
}

type PortType string

const (
	BuiltInSpeaker PortType = "speaker"
	Headphones     PortType = "headphones"
	BluetoothA2DP  PortType = "bluetooth-a2dp"
	BluetoothLE    PortType = "bluetooth-le"
	BluetoothHFP   PortType = "bluetooth-hfp"
	USBAudio       PortType = "usb"
	HDMI           PortType = "hdmi"
	LineOut        PortType = "line-out"
)

type Port struct {
	Name string
	Type PortType
}

// IsHeadphones reports whether audio on this port stays out of the
// microphone's reach. Bluetooth headsets count: they do their own echo
// cancellation.
func (p Port) IsHeadphones() bool {
	switch p.Type {
	case Headphones, BluetoothA2DP, BluetoothLE, BluetoothHFP:
		return true
	}
	return false
}

// HeadphonesConnected reports whether any of the outputs is headphone-class.
func HeadphonesConnected(outputs []Port) bool {
	for _, p := range outputs {
		if p.IsHeadphones() {
			return true
		}
	}
	return false
}

// ClassifyPort guesses the port type from a device name as reported by the
// audio host API.
func ClassifyPort(name string) PortType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "hands-free"), strings.Contains(n, "handsfree"),
		strings.Contains(n, "hfp"), strings.Contains(n, "headset"):
		return BluetoothHFP
	case strings.Contains(n, "bluez"), strings.Contains(n, "bluetooth"),
		strings.Contains(n, "a2dp"), strings.Contains(n, "airpods"):
		return BluetoothA2DP
	case strings.Contains(n, " le "), strings.HasSuffix(n, " le"):
		return BluetoothLE
	case strings.Contains(n, "headphone"):
		return Headphones
	case strings.Contains(n, "usb"):
		return USBAudio
	case strings.Contains(n, "hdmi"), strings.Contains(n, "displayport"):
		return HDMI
	case strings.Contains(n, "line out"), strings.Contains(n, "line-out"):
		return LineOut
	}
	return BuiltInSpeaker
}

type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonNewDeviceAvailable
	ReasonOldDeviceUnavailable
	ReasonCategoryChange
	ReasonOverride
	ReasonWakeFromSleep
	ReasonNoSuitableRouteForCategory
	ReasonRouteConfigurationChange
)

func (r Reason) String() string {
	switch r {
	case ReasonNewDeviceAvailable:
		return "new-device-available"
	case ReasonOldDeviceUnavailable:
		return "old-device-unavailable"
	case ReasonCategoryChange:
		return "category-change"
	case ReasonOverride:
		return "override"
	case ReasonWakeFromSleep:
		return "wake-from-sleep"
	case ReasonNoSuitableRouteForCategory:
		return "no-suitable-route"
	case ReasonRouteConfigurationChange:
		return "route-configuration-change"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Change is a route-change notification.
type Change struct {
	Reason Reason
	// Device is the backend's name for what changed, when known.
	Device string
	At     time.Time
}

// RequiresRebuild reports whether the engine graph has to be rebuilt to
// follow this change.
func (c Change) RequiresRebuild() bool {
	return c.Reason == ReasonNewDeviceAvailable || c.Reason == ReasonOldDeviceUnavailable
}

// Session is the process audio session.
type Session interface {
	Configure(cfg Config) error
	SetActive(active bool) error
	CurrentOutputs() []Port
	// Subscribe delivers route changes until ctx is done, then closes the
	// channel.
	Subscribe(ctx context.Context) <-chan Change
}

// Hub fans route changes out to subscribers. Slow subscribers do not block
// the publisher; a change that does not fit a subscriber's buffer is
// dropped for that subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
}

const subscriberBuffer = 16

func (h *Hub) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, subscriberBuffer)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan Change]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (h *Hub) Publish(c Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribers is the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
