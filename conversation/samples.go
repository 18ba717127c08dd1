package conversation

import (
	"github.com/progrium/liveaudio/gemini"
)

const (
	ChangeBackgroundColor = "changeBackgroundColor"
	ClearBackgroundColor  = "clearBackgroundColor"
)

// Sample is a preset model configuration: what the model is told, the
// tools it may call and how it speaks.
type Sample struct {
	Title             string
	Description       string
	Tip               string
	SystemInstruction string
	Tools             []gemini.FunctionDeclaration
	Generation        *gemini.GenerationConfig
}

func liveGeneration() *gemini.GenerationConfig {
	return &gemini.GenerationConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig:       gemini.Speech("Zephyr", "en-US"),
	}
}

var Samples = []Sample{
	{
		Title:       "Live native audio",
		Description: "Use the Live API to talk with the model via native audio.",
		Generation:  liveGeneration(),
	},
	{
		Title:       "Live function calling",
		Description: "Use function calling with the Live API to ask the model to change the background color.",
		Tip:         "Try asking the model to change the background color",
		Generation:  liveGeneration(),
		Tools: []gemini.FunctionDeclaration{
			{
				Name:        ChangeBackgroundColor,
				Description: "Changes the background color to the specified hex color.",
				Parameters: gemini.ObjectParams(map[string]string{
					"color": "Hex code of the color to change to. (eg, #F54927)",
				}),
			},
			{
				Name:        ClearBackgroundColor,
				Description: "Removes the background color.",
			},
		},
	},
}

// SampleNamed finds a sample by title. An empty title is the first sample.
func SampleNamed(title string) (Sample, bool) {
	if title == "" {
		return Samples[0], true
	}
	for _, s := range Samples {
		if s.Title == title {
			return s, true
		}
	}
	return Sample{}, false
}

// Apply configures a live session for the sample. Output transcription is
// always requested.
func (s Sample) Apply(cfg gemini.Config) gemini.Config {
	cfg.Generation = s.Generation
	cfg.Tools = s.Tools
	cfg.SystemInstruction = s.SystemInstruction
	cfg.OutputTranscription = true
	return cfg
}

// WithVoice returns the sample speaking with another prebuilt voice and
// language. Empty values keep the sample's own.
func (s Sample) WithVoice(voice, language string) Sample {
	gen := gemini.GenerationConfig{}
	if s.Generation != nil {
		gen = *s.Generation
	}
	current := gemini.SpeechConfig{}
	if gen.SpeechConfig != nil {
		current = *gen.SpeechConfig
	}
	if voice == "" && current.VoiceConfig != nil && current.VoiceConfig.PrebuiltVoiceConfig != nil {
		voice = current.VoiceConfig.PrebuiltVoiceConfig.VoiceName
	}
	if language == "" {
		language = current.LanguageCode
	}
	gen.SpeechConfig = gemini.Speech(voice, language)
	s.Generation = &gen
	return s
}
