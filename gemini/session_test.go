package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gotest.tools/assert"
)

// fakeServer accepts one live session and hands the test both the raw
// messages it received and the connection to script replies on.
type fakeServer struct {
	*httptest.Server
	query chan string
	recv  chan map[string]json.RawMessage
	conns chan *websocket.Conn
}

func newFakeServer(t *testing.T, ackSetup bool) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		query: make(chan string, 1),
		recv:  make(chan map[string]json.RawMessage, 16),
		conns: make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.query <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var setup map[string]json.RawMessage
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		fs.recv <- setup
		if ackSetup {
			conn.WriteMessage(websocket.BinaryMessage, []byte(`{"setupComplete":{}}`))
		}
		fs.conns <- conn
		for {
			var msg map[string]json.RawMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fs.recv <- msg
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) endpoint() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http") + "/ws"
}

func (fs *fakeServer) next(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	select {
	case m := <-fs.recv:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("server received nothing")
		return nil
	}
}

func dial(t *testing.T, fs *fakeServer) (*Session, *websocket.Conn) {
	t.Helper()
	s, err := Dial(context.Background(), Config{
		Endpoint:            fs.endpoint(),
		APIKey:              "k3y",
		Model:               "gemini-test",
		Generation:          &GenerationConfig{ResponseModalities: []string{"AUDIO"}, SpeechConfig: Speech("Zephyr", "en-US")},
		SystemInstruction:   "be brief",
		OutputTranscription: true,
		Tools: []FunctionDeclaration{{
			Name:        "changeBackgroundColor",
			Description: "Changes the background color.",
			Parameters:  ObjectParams(map[string]string{"color": "Hex code"}),
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, <-fs.conns
}

func TestDialSendsSetup(t *testing.T) {
	fs := newFakeServer(t, true)
	dial(t, fs)

	assert.Equal(t, "key=k3y", <-fs.query)
	var setup map[string]any
	require.NoError(t, json.Unmarshal(fs.next(t)["setup"], &setup))
	assert.DeepEqual(t, map[string]any{
		"model": "models/gemini-test",
		"generationConfig": map[string]any{
			"responseModalities": []any{"AUDIO"},
			"speechConfig": map[string]any{
				"voiceConfig":  map[string]any{"prebuiltVoiceConfig": map[string]any{"voiceName": "Zephyr"}},
				"languageCode": "en-US",
			},
		},
		"systemInstruction":        map[string]any{"parts": []any{map[string]any{"text": "be brief"}}},
		"outputAudioTranscription": map[string]any{},
		"tools": []any{map[string]any{"functionDeclarations": []any{map[string]any{
			"name":        "changeBackgroundColor",
			"description": "Changes the background color.",
			"parameters": map[string]any{
				"type":       "OBJECT",
				"properties": map[string]any{"color": map[string]any{"type": "STRING", "description": "Hex code"}},
				"required":   []any{"color"},
			},
		}}}},
	}, setup)
}

func TestDialTimesOutWithoutSetupComplete(t *testing.T) {
	fs := newFakeServer(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, Config{Endpoint: fs.endpoint()})
	assert.ErrorContains(t, err, "await setup")
}

func TestSendAudioRealtime(t *testing.T) {
	fs := newFakeServer(t, true)
	s, _ := dial(t, fs)
	fs.next(t)

	require.NoError(t, s.SendAudioRealtime(context.Background(), []byte{1, 2, 3, 4}))
	var input struct {
		Audio struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"audio"`
	}
	require.NoError(t, json.Unmarshal(fs.next(t)["realtimeInput"], &input))
	assert.Equal(t, "audio/pcm;rate=16000", input.Audio.MIMEType)
	assert.Equal(t, "AQIDBA==", input.Audio.Data)
}

func TestSendFunctionResponses(t *testing.T) {
	fs := newFakeServer(t, true)
	s, _ := dial(t, fs)
	fs.next(t)

	require.NoError(t, s.SendFunctionResponses(context.Background(), []FunctionResponse{
		{ID: "call-1", Name: "clearBackgroundColor", Response: map[string]any{}},
	}))
	assert.Equal(t,
		`{"functionResponses":[{"id":"call-1","name":"clearBackgroundColor","response":{}}]}`,
		string(fs.next(t)["toolResponse"]))
}

func TestResponses(t *testing.T) {
	fs := newFakeServer(t, true)
	s, conn := dial(t, fs)

	for _, msg := range []string{
		`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAEC"}}]}}}`,
		`{"serverContent":{"outputTranscription":{"text":"Hi"}}}`,
		`{"serverContent":{"turnComplete":true}}`,
		`{"toolCall":{"functionCalls":[{"id":"c1","name":"changeBackgroundColor","args":{"color":"#F54927"}}]}}`,
		`{"toolCallCancellation":{"ids":["c1"]}}`,
		`{"goAway":{"timeLeft":"9.5s"}}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	var got []ServerMessage
	for i := 0; i < 6; i++ {
		select {
		case m := <-s.Responses():
			got = append(got, m)
		case <-time.After(2 * time.Second):
			t.Fatal("missing server message")
		}
	}

	var kinds []string
	for _, m := range got {
		kinds = append(kinds, m.Kind())
	}
	assert.DeepEqual(t, []string{"content", "content", "content", "tool-call", "tool-call-cancellation", "go-away"}, kinds)
	assert.DeepEqual(t, &Blob{MIMEType: "audio/pcm;rate=24000", Data: []byte{0, 1, 2}}, got[0].ServerContent.ModelTurn.Parts[0].InlineData)
	assert.Equal(t, "Hi", got[1].ServerContent.OutputTranscription.Text)
	assert.Assert(t, got[2].ServerContent.TurnComplete)

	call := got[3].ToolCall.FunctionCalls[0]
	color, ok := call.StringArg("color")
	assert.Assert(t, ok)
	assert.Equal(t, "#F54927", color)
	_, ok = call.StringArg("missing")
	assert.Assert(t, !ok)

	d, ok := got[5].GoAway.Duration()
	assert.Assert(t, ok)
	assert.Equal(t, 9500*time.Millisecond, d)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_, open := <-s.Responses()
	assert.Assert(t, !open)
	assert.NilError(t, s.Err())
}

func TestAbnormalCloseSetsErr(t *testing.T) {
	fs := newFakeServer(t, true)
	s, conn := dial(t, fs)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"))
	for range s.Responses() {
	}
	assert.ErrorContains(t, s.Err(), "boom")
}

func TestSendAfterClose(t *testing.T) {
	fs := newFakeServer(t, true)
	s, _ := dial(t, fs)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	err := s.SendAudioRealtime(context.Background(), []byte{0})
	assert.Assert(t, errors.Is(err, ErrClosed))
	for range s.Responses() {
	}
	assert.NilError(t, s.Err())
}

func TestGoAwayWithoutTime(t *testing.T) {
	_, ok := GoAway{}.Duration()
	assert.Assert(t, !ok)
	_, ok = GoAway{TimeLeft: "later"}.Duration()
	assert.Assert(t, !ok)
}

func TestConfigDefaults(t *testing.T) {
	u, err := Config{}.url()
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, u)
	assert.DeepEqual(t, setup{Model: "models/" + DefaultModel}, Config{}.setup(), cmp.AllowUnexported(setup{}))
}
