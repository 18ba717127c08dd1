package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gotest.tools/assert"

	"github.com/progrium/liveaudio/conversation"
	"github.com/progrium/liveaudio/metrics"
)

type fakeConversation struct {
	mu           sync.Mutex
	snap         conversation.Snapshot
	connects     chan struct{}
	disconnected int
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{
		snap:     conversation.Snapshot{Title: "Live native audio", Transcript: "Hello"},
		connects: make(chan struct{}, 1),
	}
}

func (f *fakeConversation) Snapshot() conversation.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeConversation) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.snap.State = conversation.Connected
	f.mu.Unlock()
	f.connects <- struct{}{}
	return nil
}

func (f *fakeConversation) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.State = conversation.Idle
	f.disconnected++
}

func newServer(t *testing.T, conv Conversation) (*Service, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Connections.Inc()
	svc := New(conv, Config{Interval: 10 * time.Millisecond, Gatherer: reg})
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

func TestSnapshot(t *testing.T) {
	_, srv := newServer(t, newFakeConversation())

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, snap["state"], "idle")
	assert.Equal(t, snap["title"], "Live native audio")
	assert.Equal(t, snap["transcript"], "Hello")

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}

func TestWebsocketPushesSnapshots(t *testing.T) {
	conv := newFakeConversation()
	svc, srv := newServer(t, conv)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var snap map[string]any
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, snap["state"], "idle")
	assert.Equal(t, svc.Clients(), 1)

	conv.mu.Lock()
	conv.snap.Transcript = "Hello there"
	conv.mu.Unlock()
	require.Eventually(t, func() bool {
		var next map[string]any
		if err := conn.ReadJSON(&next); err != nil {
			return false
		}
		return next["transcript"] == "Hello there"
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return svc.Clients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConnectAndDisconnect(t *testing.T) {
	conv := newFakeConversation()
	_, srv := newServer(t, conv)

	resp, err := http.Get(srv.URL + "/connect")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusMethodNotAllowed)

	resp, err = http.Post(srv.URL+"/connect", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusAccepted)
	select {
	case <-conv.connects:
	case <-time.After(time.Second):
		t.Fatal("connect not called")
	}

	resp, err = http.Post(srv.URL+"/connect", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusConflict)

	resp, err = http.Post(srv.URL+"/disconnect", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusNoContent)
	assert.Equal(t, conv.Snapshot().State, conversation.Idle)
	assert.Equal(t, conv.disconnected, 1)
}

func TestMetrics(t *testing.T) {
	_, srv := newServer(t, newFakeConversation())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Assert(t, strings.Contains(string(body), "liveaudio_connections_total 1"))
}

func TestServeStopsWithContext(t *testing.T) {
	svc := New(newFakeConversation(), Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Serve(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return")
	}
}
