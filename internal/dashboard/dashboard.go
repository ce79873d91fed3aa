// Package dashboard exposes the sync engine's state over HTTP: a JSON
// status endpoint with per-kind watermarks and the last round's outcome, a
// WebSocket feed that pushes round completions to connected clients, and
// Prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirrorkit/mirror/internal/entity"
	"github.com/mirrorkit/mirror/internal/registry"
	"github.com/mirrorkit/mirror/internal/store"
	"github.com/mirrorkit/mirror/internal/syncer"
	"github.com/mirrorkit/mirror/internal/watermark"
)

// Status is the payload of the /status endpoint.
type Status struct {
	Kinds     []KindStatus `json:"kinds"`
	LastRound *RoundInfo   `json:"last_round,omitempty"`
	Clients   int          `json:"clients"`
}

// KindStatus summarizes one syncable kind.
type KindStatus struct {
	Kind      string     `json:"kind"`
	Records   int        `json:"records"`
	Watermark *time.Time `json:"watermark,omitempty"`
}

// RoundInfo mirrors the syncer's round result for display.
type RoundInfo struct {
	FirstSync bool           `json:"first_sync"`
	Events    int            `json:"events"`
	Deletes   int            `json:"deletes"`
	Synced    map[string]int `json:"synced,omitempty"`
	Watermark time.Time      `json:"watermark"`
	Duration  string         `json:"duration"`
}

// Config assembles the dashboard server.
type Config struct {
	Addr     string
	Store    store.Store
	Registry *registry.Registry
	Marks    *watermark.Store
	Syncer   *syncer.Syncer
	Gatherer prometheus.Gatherer
	Logger   *log.Logger

	// FilterID names the watermark scope per kind; wire the same function
	// as the syncer's FilterID hook. Nil means the unscoped default.
	FilterID func(kind entity.Kind) string
}

// Server serves the status and websocket endpoints.
type Server struct {
	cfg      Config
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	broadcast chan RoundInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

// NewServer builds a dashboard server. Logger nil means log.Default.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		clients:   map[*websocket.Conn]bool{},
		broadcast: make(chan RoundInfo, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Dashboard server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down and closes every client connection.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// OnRound pushes a completed round to connected clients. Wire it into the
// syncer's OnRound hook.
func (s *Server) OnRound(res syncer.Result) {
	info := roundInfo(&res)
	select {
	case s.broadcast <- *info:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping round")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case info := <-s.broadcast:
			data, err := json.Marshal(info)
			if err != nil {
				s.logger.Printf("Failed to marshal round: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Dashboard client connected (total: %d)", count)

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Dashboard client disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.clientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status, err := s.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// Snapshot assembles the current status from the store and syncer.
func (s *Server) Snapshot() (*Status, error) {
	status := &Status{Clients: s.clientCount()}

	err := s.cfg.Store.RunInContext(func(ctx *store.Context) error {
		for _, kind := range s.cfg.Registry.Kinds() {
			ks := KindStatus{Kind: string(kind)}
			n, err := ctx.Count(kind)
			if err != nil {
				return err
			}
			ks.Records = n
			if s.cfg.Marks != nil {
				filterID := ""
				if s.cfg.FilterID != nil {
					filterID = s.cfg.FilterID(kind)
				}
				m, err := s.cfg.Marks.Get(ctx, kind, filterID)
				if err != nil {
					return err
				}
				if m != nil {
					ts := m.UpdateDate
					ks.Watermark = &ts
				}
			}
			status.Kinds = append(status.Kinds, ks)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("status snapshot: %w", err)
	}

	if s.cfg.Syncer != nil {
		status.LastRound = roundInfo(s.cfg.Syncer.Last())
	}
	return status, nil
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func roundInfo(res *syncer.Result) *RoundInfo {
	if res == nil {
		return nil
	}
	info := &RoundInfo{
		FirstSync: res.FirstSync,
		Events:    res.Events,
		Deletes:   res.Deletes,
		Watermark: res.Watermark,
		Duration:  res.Duration.String(),
	}
	if len(res.Synced) > 0 {
		info.Synced = map[string]int{}
		for kind, n := range res.Synced {
			info.Synced[string(kind)] = n
		}
	}
	return info
}
