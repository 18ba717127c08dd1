package route

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// StaticSession is a session whose outputs only change when told to. It
// backs tests and hosts where device hotplug cannot be observed.
type StaticSession struct {
	Hub

	mu      sync.Mutex
	config  Config
	active  bool
	outputs []Port
}

var _ Session = (*StaticSession)(nil)

func NewStaticSession(outputs ...Port) *StaticSession {
	return &StaticSession{outputs: outputs}
}

func (s *StaticSession) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	return nil
}

func (s *StaticSession) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *StaticSession) SetActive(active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
	return nil
}

func (s *StaticSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *StaticSession) CurrentOutputs() []Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Port(nil), s.outputs...)
}

// SetOutputs replaces the current route and publishes a change with the
// given reason.
func (s *StaticSession) SetOutputs(reason Reason, outputs ...Port) {
	s.mu.Lock()
	s.outputs = outputs
	s.mu.Unlock()
	device := ""
	if len(outputs) > 0 {
		device = outputs[0].Name
	}
	s.Publish(Change{Reason: reason, Device: device})
}

// OutputLister reports the ports audio currently plays through.
type OutputLister func() ([]Port, error)

// SystemSession watches a device directory (on Linux, /dev/snd) and turns
// device nodes appearing or disappearing into route changes. Bursts of
// events from a single hotplug are collapsed into one change.
type SystemSession struct {
	Hub

	Dir      string
	Debounce time.Duration
	Outputs  OutputLister
	Log      zerolog.Logger

	mu     sync.Mutex
	config Config
	active bool
}

var _ Session = (*SystemSession)(nil)

const DefaultDeviceDir = "/dev/snd"

func NewSystemSession(outputs OutputLister, log zerolog.Logger) *SystemSession {
	return &SystemSession{
		Dir:      DefaultDeviceDir,
		Debounce: 250 * time.Millisecond,
		Outputs:  outputs,
		Log:      log.With().Str("component", "route").Logger(),
	}
}

func (s *SystemSession) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configure audio session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	return nil
}

func (s *SystemSession) SetActive(active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
	return nil
}

func (s *SystemSession) CurrentOutputs() []Port {
	if s.Outputs == nil {
		return nil
	}
	ports, err := s.Outputs()
	if err != nil {
		s.Log.Warn().Err(err).Msg("list output ports")
		return nil
	}
	return ports
}

// Watch publishes route changes until ctx is done.
func (s *SystemSession) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create device watcher")
	}
	defer watcher.Close()
	if _, err := os.Stat(s.Dir); err != nil {
		return errors.Wrapf(err, "device dir %s", s.Dir)
	}
	if err := watcher.Add(s.Dir); err != nil {
		return errors.Wrapf(err, "watch %s", s.Dir)
	}
	s.Log.Debug().Str("dir", s.Dir).Msg("watching audio devices")

	var (
		pending *Change
		timer   *time.Timer
		fire    <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			c, ok := changeFor(event)
			if !ok {
				continue
			}
			if pending == nil || pending.Reason != c.Reason {
				if pending != nil {
					s.Publish(*pending)
				}
				pending = &c
			}
			if timer == nil {
				timer = time.NewTimer(s.Debounce)
			} else {
				timer.Reset(s.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if pending != nil {
				s.Log.Info().Str("reason", pending.Reason.String()).Str("device", pending.Device).Msg("audio route changed")
				s.Publish(*pending)
				pending = nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.Log.Warn().Err(err).Msg("device watcher")
		}
	}
}

func changeFor(event fsnotify.Event) (Change, bool) {
	name := filepath.Base(event.Name)
	// ALSA creates PCM and control nodes for every card; the control node
	// is enough to tell a card came or went.
	if !strings.HasPrefix(name, "control") && !strings.HasPrefix(name, "pcm") {
		return Change{}, false
	}
	switch {
	case event.Has(fsnotify.Create):
		return Change{Reason: ReasonNewDeviceAvailable, Device: name, At: time.Now()}, true
	case event.Has(fsnotify.Remove):
		return Change{Reason: ReasonOldDeviceUnavailable, Device: name, At: time.Now()}, true
	}
	return Change{}, false
}
