package gemini

import (
	"encoding/json"
	"sort"
	"time"
)

// Client messages

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                    string            `json:"model"`
	GenerationConfig         *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction        *Content          `json:"systemInstruction,omitempty"`
	Tools                    []tool            `json:"tools,omitempty"`
	OutputAudioTranscription *struct{}         `json:"outputAudioTranscription,omitempty"`
}

type tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *Blob `json:"audio,omitempty"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
	Temperature        *float64      `json:"temperature,omitempty"`
	MaxOutputTokens    int           `json:"maxOutputTokens,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig  *VoiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// Speech builds a speech config for a prebuilt voice.
func Speech(voice, language string) *SpeechConfig {
	return &SpeechConfig{
		VoiceConfig:  &VoiceConfig{PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: voice}},
		LanguageCode: language,
	}
}

type FunctionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// ObjectParams builds an object schema of string properties, all required.
func ObjectParams(props map[string]string) *Schema {
	s := &Schema{Type: "OBJECT", Properties: map[string]*Schema{}}
	for name, desc := range props {
		s.Properties[name] = &Schema{Type: "STRING", Description: desc}
		s.Required = append(s.Required, name)
	}
	sort.Strings(s.Required)
	return s
}

type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Shared

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob carries binary data. encoding/json handles the base64.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Server messages

// ServerMessage holds exactly one of its payload fields.
type ServerMessage struct {
	SetupComplete        *struct{}             `json:"setupComplete,omitempty"`
	ServerContent        *ServerContent        `json:"serverContent,omitempty"`
	ToolCall             *ToolCall             `json:"toolCall,omitempty"`
	ToolCallCancellation *ToolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *GoAway               `json:"goAway,omitempty"`
}

// Kind names the payload, for logs and metrics.
func (m ServerMessage) Kind() string {
	switch {
	case m.SetupComplete != nil:
		return "setup-complete"
	case m.ServerContent != nil:
		return "content"
	case m.ToolCall != nil:
		return "tool-call"
	case m.ToolCallCancellation != nil:
		return "tool-call-cancellation"
	case m.GoAway != nil:
		return "go-away"
	}
	return "unknown"
}

type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
}

type Transcription struct {
	Text string `json:"text"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type FunctionCall struct {
	ID   string                     `json:"id,omitempty"`
	Name string                     `json:"name"`
	Args map[string]json.RawMessage `json:"args,omitempty"`
}

// StringArg returns the named argument if it is a JSON string.
func (c FunctionCall) StringArg(name string) (string, bool) {
	raw, ok := c.Args[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

type GoAway struct {
	// TimeLeft is a protobuf duration such as "9.5s".
	TimeLeft string `json:"timeLeft,omitempty"`
}

// Duration parses TimeLeft.
func (g GoAway) Duration() (time.Duration, bool) {
	if g.TimeLeft == "" {
		return 0, false
	}
	d, err := time.ParseDuration(g.TimeLeft)
	if err != nil {
		return 0, false
	}
	return d, true
}
