package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/devblac/dex-history/internal/engine"
	"github.com/devblac/dex-history/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// Engine is the part of the sync engine the API exposes.
type Engine interface {
	GetView(f ledger.Filter) []ledger.Event
	SetFilter(kind ledger.Kind, actor string)
	ClearFilter()
	Filter() ledger.Filter
	View() []ledger.Event
	Status() engine.Status
	Refresh(force bool)
}

// Options configures the presentation server.
type Options struct {
	// Account backs the mine=1 filter; empty disables it.
	Account  string
	Decimals int32
	Logger   *slog.Logger
	// Extra mounts additional handlers, such as /metrics or /healthz.
	Extra map[string]http.Handler
}

// Server serves the cached view over HTTP and websocket.
type Server struct {
	engine      Engine
	broadcaster *Broadcaster
	account     string
	decimals    int32
	log         *slog.Logger
	mux         *http.ServeMux
	server      *http.Server
}

// NewServer creates the server and registers its routes.
func NewServer(addr string, eng Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		engine:      eng,
		broadcaster: NewBroadcaster(logger),
		account:     opts.Account,
		decimals:    opts.Decimals,
		log:         logger,
		mux:         mux,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	s.registerRoutes()
	for pattern, h := range opts.Extra {
		mux.Handle(pattern, h)
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /view", s.handleView)
	s.mux.HandleFunc("PUT /filter", s.handleSetFilter)
	s.mux.HandleFunc("DELETE /filter", s.handleClearFilter)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /ws", s.broadcaster.Handler(func() any { return s.viewMessage() }))
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Listener pushes the current view to websocket clients after each merge.
func (s *Server) Listener() func(context.Context, []ledger.Event) {
	return func(context.Context, []ledger.Event) {
		if s.broadcaster.Clients() == 0 {
			return
		}
		s.broadcaster.Broadcast(s.viewMessage())
	}
}

func (s *Server) viewMessage() ViewMessage {
	return ViewMessage{
		Type:     "view",
		Filter:   s.engine.Filter(),
		Events:   EncodeEvents(s.engine.View(), s.decimals),
		SyncedAt: s.engine.Status().LastSyncTime,
	}
}

// handleEvents answers ad-hoc filter queries without touching the stored filter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := ledger.ParseKind(q.Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := q.Get("actor")
	if mine, _ := strconv.ParseBool(q.Get("mine")); mine {
		if s.account == "" {
			writeError(w, http.StatusBadRequest, errors.New("no account configured"))
			return
		}
		actor = s.account
	}
	if actor != "" && !common.IsHexAddress(actor) {
		writeError(w, http.StatusBadRequest, errors.New("actor must be a hex address"))
		return
	}

	events := s.engine.GetView(ledger.Filter{Kind: kind, Actor: actor})
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit >= 0 && limit < len(events) {
		events = events[:limit]
	}
	writeJSON(w, http.StatusOK, EncodeEvents(events, s.decimals))
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.viewMessage())
}

type filterRequest struct {
	Kind  string `json:"kind"`
	Actor string `json:"actor"`
	Mine  bool   `json:"mine"`
}

func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	var req filterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, err := ledger.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := req.Actor
	if req.Mine {
		if s.account == "" {
			writeError(w, http.StatusBadRequest, errors.New("no account configured"))
			return
		}
		actor = s.account
	}
	if actor != "" && !common.IsHexAddress(actor) {
		writeError(w, http.StatusBadRequest, errors.New("actor must be a hex address"))
		return
	}

	s.engine.SetFilter(kind, actor)
	msg := s.viewMessage()
	s.broadcaster.Broadcast(msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleClearFilter(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearFilter()
	msg := s.viewMessage()
	s.broadcaster.Broadcast(msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStatusJSON(s.engine.Status()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	s.engine.Refresh(force)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true, "force": force})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes websocket clients and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broadcaster.Close()
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
