package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/offsync/internal/model"
)

// Feed frame types sent by Server over the websocket.
const (
	FrameReady  = "ready"
	FrameChange = "change"
	FrameError  = "error"
)

// FeedFrame is the JSON format of websocket feed messages.
type FeedFrame struct {
	Type  string             `json:"type"`
	Event *model.ChangeEvent `json:"event,omitempty"`
	Error string             `json:"error,omitempty"`
}

// ErrorBody is the JSON body of non-2xx responses.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// ServerConfig configures the HTTP binding.
type ServerConfig struct {
	// PingInterval is how often idle feeds are pinged. Default: 30s
	PingInterval time.Duration
	// WriteTimeout bounds each websocket write. Default: 10s
	WriteTimeout time.Duration
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server exposes a Store over HTTP with a websocket change feed.
type Server struct {
	store    Store
	config   ServerConfig
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewServer creates a server backed by store.
func NewServer(store Store, cfg ServerConfig) *Server {
	def := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		store:  store,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/{resource}/feed", s.handleFeed)
	s.mux.HandleFunc("GET /v1/{resource}", s.handleSelect)
	s.mux.HandleFunc("POST /v1/{resource}", s.handleInsert)
	s.mux.HandleFunc("PATCH /v1/{resource}/{id}", s.handleUpdate)
	s.mux.HandleFunc("DELETE /v1/{resource}/{id}", s.handleDelete)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	rows, err := s.store.SelectAll(r.Context(), resource, filterFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	var rec model.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, Permanent(string(OpInsert), resource, fmt.Errorf("decode body: %w", err)))
		return
	}
	row, err := s.store.Insert(r.Context(), resource, rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	resource, id := r.PathValue("resource"), r.PathValue("id")
	var partial model.Record
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeError(w, Permanent(string(OpUpdate), resource, fmt.Errorf("decode body: %w", err)))
		return
	}
	row, err := s.store.UpdateByID(r.Context(), resource, id, partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	resource, id := r.PathValue("resource"), r.PathValue("id")
	if err := s.store.DeleteByID(r.Context(), resource, id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFeed upgrades to a websocket, subscribes, announces readiness and
// forwards change frames until either side goes away.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")
	filter := filterFromQuery(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("feed upgrade failed", "resource", resource, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed, err := s.store.Subscribe(ctx, resource, filter)
	if err != nil {
		s.writeFrame(conn, nil, FeedFrame{Type: FrameError, Error: err.Error()})
		return
	}
	defer func() { _ = feed.Close() }()

	var writeMu sync.Mutex

	// Reader: the client never sends data frames; reading surfaces close
	// and keeps pong handling alive.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-feed.Ready():
	case <-ctx.Done():
		return
	}
	if err := s.writeFrame(conn, &writeMu, FeedFrame{Type: FrameReady}); err != nil {
		return
	}
	slog.Debug("feed established", "resource", resource, "filter", filter.String())

	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout))
			writeMu.Unlock()
			if err != nil {
				return
			}
		case ev, ok := <-feed.Events():
			if !ok {
				msg := "feed closed"
				if ferr := feed.Err(); ferr != nil {
					msg = ferr.Error()
				}
				_ = s.writeFrame(conn, &writeMu, FeedFrame{Type: FrameError, Error: msg})
				return
			}
			if err := s.writeFrame(conn, &writeMu, FeedFrame{Type: FrameChange, Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, mu *sync.Mutex, frame FeedFrame) error {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return conn.WriteJSON(frame)
}

func filterFromQuery(r *http.Request) *model.Filter {
	q := r.URL.Query()
	if q.Get("column") == "" {
		return nil
	}
	return &model.Filter{Column: q.Get("column"), Value: q.Get("value")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := KindTransient
	var re *Error
	if errors.As(err, &re) {
		kind = re.Kind
	}
	writeJSON(w, StatusForError(err), ErrorBody{Error: err.Error(), Kind: kind.String()})
}
