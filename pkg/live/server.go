package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/jamlink-dev/jamlink/pkg/auth"
	"github.com/jamlink-dev/jamlink/pkg/hub"
	"github.com/jamlink-dev/jamlink/pkg/protocol"
	"github.com/jamlink-dev/jamlink/pkg/recovery"
	"github.com/jamlink-dev/jamlink/pkg/registry"
	"github.com/jamlink-dev/jamlink/pkg/song"
	"github.com/jamlink-dev/jamlink/pkg/songstore"
)

// Server is the HTTP and WebSocket front of the live layer. It owns the
// group registry, the broadcast dispatcher, the connection supervisor,
// and the command coordinator, and exposes:
//
//	GET  /live/ws     WebSocket upgrade + handshake
//	GET  /health      liveness probe with basic gauges
//	GET  /songs       stored song references
//	GET  /songs/{id}  full song sheet
//	POST /songs       store a song sheet
type Server struct {
	config *Config

	auth        *auth.Authenticator
	registry    *registry.Registry
	hub         *hub.Dispatcher
	supervisor  *Supervisor
	coordinator *Coordinator
	songs       songstore.Store

	upgrader   websocket.Upgrader
	httpServer *http.Server
	middleware []func(http.Handler) http.Handler
	metrics    http.Handler
	hooks      LifecycleHooks

	logger *slog.Logger
}

// NewServer wires the live layer together. songs may be nil, in which
// case the song endpoints respond 404.
func NewServer(config *Config, authn *auth.Authenticator, reg *registry.Registry, songs songstore.Store, logger *slog.Logger) *Server {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	dispatch := hub.New(logger)
	s := &Server{
		config:   config,
		auth:     authn,
		registry: reg,
		hub:      dispatch,
		songs:    songs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger.With("component", "server"),
	}
	s.supervisor = NewSupervisor(reg, dispatch, &recovery.Config{
		Window:        config.RecoveryWindow,
		SweepInterval: time.Second,
	}, logger)
	s.coordinator = NewCoordinator(reg, dispatch, config, logger)

	return s
}

// Coordinator returns the command coordinator, for middleware setup.
func (s *Server) Coordinator() *Coordinator { return s.coordinator }

// Supervisor returns the connection supervisor.
func (s *Server) Supervisor() *Supervisor { return s.supervisor }

// Hub returns the broadcast dispatcher.
func (s *Server) Hub() *hub.Dispatcher { return s.hub }

// Use adds HTTP middleware. Call before Run or Handler.
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.middleware = append(s.middleware, mw)
}

// SetMetricsHandler mounts a handler at GET /metrics. Call before Run
// or Handler.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetLifecycleHooks sets hooks observing connection lifecycle
// transitions. Call during setup.
func (s *Server) SetLifecycleHooks(h LifecycleHooks) {
	s.hooks = h
	s.supervisor.SetHooks(h)
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	for _, mw := range s.middleware {
		r.Use(mw)
	}

	r.Get("/live/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Route("/songs", func(r chi.Router) {
		r.Get("/", s.handleListSongs)
		r.Post("/", s.handlePutSong)
		r.Get("/{id}", s.handleGetSong)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// handleWebSocket upgrades the transport and runs the handshake: the
// first client message carries the identity claim, and nothing else is
// processed until it has been verified. A refused handshake gets an
// explanatory ack and an immediate close; refusal has no effect on any
// group state.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ws.SetReadLimit(s.config.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))

	_, msg, err := ws.ReadMessage()
	if err != nil {
		s.logger.Warn("handshake read failed", "error", err)
		ws.Close()
		return
	}

	hs, err := protocol.DecodeHandshake(msg)
	if err != nil {
		s.refuseHandshake(ws, protocol.CodeBadPayload)
		return
	}

	user, err := s.auth.Authenticate(r.Context(), hs.UserID)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotAuthenticated):
			s.refuseHandshake(ws, protocol.CodeNotAuthenticated)
		default:
			s.refuseHandshake(ws, protocol.CodeUnknownUser)
		}
		return
	}
	if user.GroupID == "" {
		s.refuseHandshake(ws, protocol.CodeUnknownGroup)
		return
	}

	// A reconnect inside the recovery window picks its old logical
	// connection back up: same conn ID, no presence events. The ack goes
	// out before the dispatcher knows the connection, so nothing can
	// write the socket concurrently with it.
	if c, ok := s.supervisor.TryResume(user.ID, ws); ok {
		s.ackHandshake(ws, protocol.HandshakeAck{OK: true, ConnID: c.ConnID(), Resumed: true})
		s.hub.Register(c.GroupID(), c)
		c.Start()
		return
	}

	c := NewConnection(ws, user.ID, user.GroupID, s.config, s.logger)
	c.SetHandler(s.coordinator.HandleEvent)
	c.SetOnDisconnect(s.supervisor.HandleDisconnect)
	s.supervisor.Track(c)

	_, joined := s.registry.Join(user.GroupID, user.ID)
	if joined {
		// The newcomer is not registered yet, so the join event reaches
		// only its peers.
		s.hub.Publish(user.GroupID, protocol.ServerEvent{
			Type:    protocol.EventMemberJoined,
			Payload: protocol.MemberPayload{UserID: user.ID},
		})
	}

	// Ack first: until the connection is registered with the dispatcher,
	// this goroutine is the only writer on the socket, and no broadcast
	// can reach the client ahead of its handshake ack.
	s.ackHandshake(ws, protocol.HandshakeAck{OK: true, ConnID: c.ConnID()})
	c.Activate()
	s.hub.Register(user.GroupID, c)
	c.Start()
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect()
	}

	s.logger.Info("connection established",
		"conn_id", c.ConnID(),
		"user_id", user.ID,
		"group_id", user.GroupID)
}

func (s *Server) ackHandshake(ws *websocket.Conn, ack protocol.HandshakeAck) {
	ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := ws.WriteJSON(protocol.ServerEvent{Type: protocol.EventHandshake, Payload: ack}); err != nil {
		s.logger.Warn("handshake ack failed", "error", err)
	}
}

func (s *Server) refuseHandshake(ws *websocket.Conn, code string) {
	s.ackHandshake(ws, protocol.HandshakeAck{Error: code})
	ws.Close()
	if s.hooks.OnHandshakeRefused != nil {
		s.hooks.OnHandshakeRefused(code)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.supervisor.Count(),
		"groups":      s.registry.GroupCount(),
	})
}

func (s *Server) handleGetSong(w http.ResponseWriter, r *http.Request) {
	if s.songs == nil {
		http.NotFound(w, r)
		return
	}

	id := chi.URLParam(r, "id")
	sheet, err := s.songs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, songstore.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "song not found"})
			return
		}
		s.logger.Error("song fetch failed", "song_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, sheet)
}

func (s *Server) handleListSongs(w http.ResponseWriter, r *http.Request) {
	if s.songs == nil {
		http.NotFound(w, r)
		return
	}

	refs, err := s.songs.List(r.Context())
	if err != nil {
		s.logger.Error("song list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, refs)
}

func (s *Server) handlePutSong(w http.ResponseWriter, r *http.Request) {
	if s.songs == nil {
		http.NotFound(w, r)
		return
	}

	var sheet song.Song
	if err := json.NewDecoder(r.Body).Decode(&sheet); err != nil || sheet.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid song"})
		return
	}

	if err := s.songs.Put(r.Context(), sheet); err != nil {
		s.logger.Error("song store failed", "song_id", sheet.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusCreated, sheet.Ref())
}

// Reset severs every live connection and clears presence without
// touching stored songs or each group's active selection.
func (s *Server) Reset() {
	s.supervisor.Reset()
}

// Run starts the server and blocks until a shutdown signal or a listen
// error.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return ErrServerClosed
	case <-shutdown:
		s.logger.Info("shutting down")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server: connections first, then the
// HTTP listener, then the background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.supervisor.Shutdown()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	s.registry.Shutdown()

	s.logger.Info("server shutdown complete")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
