// Package monitor serves the state of the running conversation over HTTP:
// a JSON snapshot, a websocket pushing snapshots, connect and disconnect
// controls, and prometheus metrics.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucsky/cuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/progrium/liveaudio/conversation"
)

// Conversation is what the monitor observes and controls.
// *conversation.Conversation implements it.
type Conversation interface {
	Snapshot() conversation.Snapshot
	Connect(ctx context.Context) error
	Disconnect()
}

type Config struct {
	Addr     string
	Interval time.Duration
	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

type Service struct {
	cfg      Config
	conv     Conversation
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*websocket.Conn
	ctx     context.Context
}

func New(conv Conversation, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Service{
		cfg:  cfg,
		conv: conv,
		log:  cfg.Log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*websocket.Conn),
		ctx:     context.Background(),
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve listens on the configured address until ctx is done.
func (s *Service) Serve(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
		s.closeClients()
	}()
	s.log.Info().Str("addr", s.cfg.Addr).Msg("monitor listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Msg("monitor")
	}
}

// Clients is the number of connected websocket clients.
func (s *Service) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.conv.Snapshot()); err != nil {
		s.log.Warn().Err(err).Msg("write snapshot")
	}
}

func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if state := s.conv.Snapshot().State; state != conversation.Idle {
		http.Error(w, "conversation is "+state.String(), http.StatusConflict)
		return
	}
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	go func() {
		if err := s.conv.Connect(ctx); err != nil {
			s.log.Warn().Err(err).Msg("connect")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.conv.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade")
		return
	}
	id := cuid.New()
	log := s.log.With().Str("client", id).Logger()
	s.mu.Lock()
	s.clients[id] = conn
	s.mu.Unlock()
	log.Debug().Msg("monitor client connected")
	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		conn.Close()
		log.Debug().Msg("monitor client gone")
	}()

	// the reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := conn.WriteJSON(s.conv.Snapshot()); err != nil {
			log.Debug().Err(err).Msg("write")
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		}
	}
}

func (s *Service) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.clients {
		conn.Close()
	}
}
