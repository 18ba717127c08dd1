// Package gemini is a client for the Gemini Live API: one websocket per
// session carrying JSON messages both ways. The client sends a setup
// message, then streams microphone audio and answers tool calls while the
// server streams audio, transcriptions and function calls back.
package gemini

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel    = "gemini-live-2.5-flash-preview"

	// AudioInputMIMEType describes the 16kHz int16 audio sent upstream.
	AudioInputMIMEType = "audio/pcm;rate=16000"
)

var ErrClosed = errors.New("gemini: session closed")

type Config struct {
	Endpoint string
	APIKey   string
	// Model is a model name, with or without the "models/" prefix.
	Model             string
	Generation        *GenerationConfig
	SystemInstruction string
	Tools             []FunctionDeclaration
	// OutputTranscription asks the server to transcribe its own audio.
	OutputTranscription bool

	Dialer *websocket.Dialer
	Log    zerolog.Logger
}

func (c Config) url() (string, error) {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "parse endpoint")
	}
	if c.APIKey != "" {
		q := u.Query()
		q.Set("key", c.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c Config) setup() setup {
	model := c.Model
	if model == "" {
		model = DefaultModel
	}
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	s := setup{
		Model:            model,
		GenerationConfig: c.Generation,
	}
	if c.SystemInstruction != "" {
		s.SystemInstruction = &Content{Parts: []Part{{Text: c.SystemInstruction}}}
	}
	if len(c.Tools) > 0 {
		s.Tools = []tool{{FunctionDeclarations: c.Tools}}
	}
	if c.OutputTranscription {
		s.OutputAudioTranscription = &struct{}{}
	}
	return s
}

// Session is a connected live session. Sends are safe from any goroutine.
type Session struct {
	conn *websocket.Conn
	log  zerolog.Logger

	wmu sync.Mutex

	responses chan ServerMessage
	closed    chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects, sends the setup message and waits for the server to
// acknowledge it.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	u, err := cfg.url()
	if err != nil {
		return nil, err
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial live session")
	}
	s := &Session{
		conn:      conn,
		log:       cfg.Log.With().Str("component", "gemini").Logger(),
		responses: make(chan ServerMessage, 16),
		closed:    make(chan struct{}),
	}
	if err := s.write(ctx, setupMessage{Setup: cfg.setup()}); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "send setup")
	}
	if err := s.awaitSetup(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	s.log.Debug().Str("model", cfg.setup().Model).Msg("live session ready")
	go s.read()
	return s, nil
}

func (s *Session) awaitSetup(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
		defer s.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		msg, err := s.readMessage()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "await setup")
			}
			return errors.Wrap(err, "await setup")
		}
		if msg.SetupComplete != nil {
			return nil
		}
		s.log.Debug().Str("kind", msg.Kind()).Msg("message before setup complete")
	}
}

func (s *Session) readMessage() (ServerMessage, error) {
	var msg ServerMessage
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, errors.Wrap(err, "decode server message")
	}
	return msg, nil
}

func (s *Session) read() {
	defer close(s.responses)
	for {
		msg, err := s.readMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					s.setErr(err)
				}
			}
			return
		}
		select {
		case s.responses <- msg:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err reports why Responses ended. It is nil after a normal close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Responses delivers server messages in order. It is closed when the
// connection ends.
func (s *Session) Responses() <-chan ServerMessage {
	return s.responses
}

func (s *Session) write(ctx context.Context, v any) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.WriteJSON(v)
}

// SendAudioRealtime streams 16kHz mono int16 PCM.
func (s *Session) SendAudioRealtime(ctx context.Context, pcm []byte) error {
	return errors.Wrap(s.write(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{Audio: &Blob{MIMEType: AudioInputMIMEType, Data: pcm}},
	}), "send audio")
}

func (s *Session) SendFunctionResponses(ctx context.Context, responses []FunctionResponse) error {
	return errors.Wrap(s.write(ctx, toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: responses},
	}), "send function responses")
}

// Close ends the session. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wmu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.wmu.Unlock()
		err = s.conn.Close()
	})
	return err
}
