// Command sess-replay plays back a saved conversation: a .cbor recording
// with every track mixed at its offset, or a single exported .ogg track.
// It prints the recorded events before playing.
package main

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/generators"
	"github.com/gopxl/beep/speaker"
	"tractor.dev/toolkit-go/engine"
	"tractor.dev/toolkit-go/engine/cli"

	"github.com/progrium/liveaudio/recording"
	"github.com/progrium/liveaudio/recording/ogg"
)

const (
	playbackRate = beep.SampleRate(48000)
	quality      = 4
)

func main() {
	engine.Run(Main{})
}

type Main struct{}

func (m *Main) InitializeCLI(root *cli.Command) {
	root.Usage = "sess-replay <recording.cbor|track.ogg>"
	root.Run = func(ctx *cli.Context, args []string) {
		if len(args) < 1 {
			log.Fatal("usage: ", root.Usage)
		}
		var (
			s   beep.Streamer
			err error
		)
		switch filepath.Ext(args[0]) {
		case ".ogg":
			s, err = loadOgg(args[0])
		default:
			s, err = loadSession(args[0])
		}
		if err != nil {
			log.Fatal(err)
		}
		if err := speaker.Init(playbackRate, playbackRate.N(time.Second/10)); err != nil {
			log.Fatal(err)
		}
		done := make(chan struct{})
		speaker.Play(beep.Seq(s, beep.Callback(func() { close(done) })))
		<-done
	}
}

func loadOgg(path string) (beep.Streamer, error) {
	r, err := ogg.Open(path)
	if err != nil {
		return nil, err
	}
	return beep.Resample(quality, r.Format().SampleRate, playbackRate, r), nil
}

func loadSession(path string) (beep.Streamer, error) {
	sess, err := recording.Load(path)
	if err != nil {
		return nil, err
	}
	fmt.Printf("session %s started %s\n", sess.ID, sess.Start.Local().Format(time.RFC1123))
	var tracks []beep.Streamer
	for _, track := range sess.Tracks {
		printEvents(track)
		tracks = append(tracks, trackStreamer(track))
	}
	return beep.Mix(tracks...), nil
}

// trackStreamer plays a track from the session start, so tracks line up
// when mixed.
func trackStreamer(track *recording.Track) beep.Streamer {
	rate := track.AudioFormat().SampleRate
	lead := generators.Silence(rate.N(time.Duration(track.Start())))
	s := beep.Seq(lead, track.Audio())
	if rate == playbackRate {
		return s
	}
	return beep.Resample(quality, rate, playbackRate, s)
}

func printEvents(track *recording.Track) {
	fmt.Printf("track %s: %s to %s\n", track.Name, time.Duration(track.Start()), time.Duration(track.End()))
	for _, typ := range track.EventTypes() {
		for _, e := range track.Events(typ) {
			fmt.Printf("  %10s  %-12s %+v\n", time.Duration(e.Start).Round(time.Millisecond), e.Type, e.Data)
		}
	}
}
