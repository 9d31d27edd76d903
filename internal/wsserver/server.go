// Package wsserver serves the read-only dashboard surface: the
// current central snapshot over HTTP and a push stream over
// WebSocket for each new dispatch package. Grounded on the teacher's
// internal/server/server.go chi-router shape, trimmed from its
// multi-tenant CRUD API down to the single state+push surface
// spec.md §6 describes.
package wsserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jcvsite/solarmon/internal/processor"
	"github.com/jcvsite/solarmon/internal/state"
)

type Server struct {
	router *chi.Mux
	store  *state.Store
	log    *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]string // conn -> per-connection client ID, for diagnostics
}

func New(store *state.Store, log *slog.Logger) *Server {
	s := &Server{
		store:   store,
		log:     log,
		clients: map[*websocket.Conn]string{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/api/state", s.handleState)
	r.Get("/ws", s.handleWebSocket)
	s.router = r
	return s
}

func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	clientID := uuid.NewString()
	s.mu.Lock()
	s.clients[conn] = clientID
	s.mu.Unlock()
	s.log.Info("dashboard client connected", "client_id", clientID)

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.log.Info("dashboard client disconnected", "client_id", clientID)
	}()

	// Send the current snapshot immediately, then block reading (to
	// detect client disconnects) while Broadcast pushes future updates.
	_ = conn.WriteJSON(s.store.Snapshot())
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// Broadcast pushes dispatch packages to every connected client.
// External interface per spec.md §6: "subscribes to the dispatch
// channel for push updates".
func (s *Server) Broadcast(dispatch <-chan processor.Dispatch) {
	for d := range dispatch {
		s.mu.Lock()
		for conn := range s.clients {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(d.MergedData); err != nil {
				_ = conn.Close()
				delete(s.clients, conn)
			}
		}
		s.mu.Unlock()
	}
}
