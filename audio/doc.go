// Package audio holds the PCM plumbing shared by capture, playback and
// recording: format descriptors, raw sample buffers, conversion between
// formats (resampling through beep), and the unbounded Stream that carries
// buffers from an audio callback to whoever consumes them.
//
// The two formats the live model speaks are ModelInputFormat (16kHz mono
// int16, sent upstream) and ModelOutputFormat (24kHz mono interleaved int16,
// received for playback).
package audio

// ModelInputFormat is the format microphone audio is converted to before it
// is sent to the model.
func ModelInputFormat() (Format, error) {
	return NewFormat(Int16, 16000, 1, false)
}

// ModelOutputFormat is the format of audio the model sends back.
func ModelOutputFormat() (Format, error) {
	return NewFormat(Int16, 24000, 1, true)
}
