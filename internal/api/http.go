// Package api exposes the HTTP surface: the player session socket, the
// observer event feed, the fleet admin routes, health and metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourname/matchmaker-engine/internal/auth"
	"github.com/yourname/matchmaker-engine/internal/match"
	"github.com/yourname/matchmaker-engine/internal/pool"
	"github.com/yourname/matchmaker-engine/internal/session"
	"github.com/yourname/matchmaker-engine/internal/ws"
	"github.com/yourname/matchmaker-engine/pkg/types"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "matchmaker",
	"component": "api",
})

type Options struct {
	Auth    auth.Provider
	Ratings auth.RatingSource
	Session session.Config
	// Shutdown is closed when the process starts shutting down.
	Shutdown <-chan struct{}
	// AdminToken guards the fleet routes when set.
	AdminToken string
}

type Router struct {
	http.Handler

	mm   *match.Matchmaker
	hub  *ws.Hub
	opts Options

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

func NewRouter(mm *match.Matchmaker, hub *ws.Hub, opts Options) *Router {
	r := &Router{mm: mm, hub: hub, opts: opts}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	mux.Get("/ws/session", r.handleSession)
	mux.Get("/events", r.handleEvents)

	mux.Group(func(admin chi.Router) {
		admin.Use(r.requireAdmin)
		admin.Get("/pool", r.handlePool)
		admin.Route("/servers", func(s chi.Router) {
			s.Get("/", r.handleListServers)
			s.Post("/", r.handleRegisterServer)
			s.Get("/{id}", r.handleGetServer)
			s.Delete("/{id}", r.handleDeregisterServer)
			s.Put("/{id}/state", r.handleSetServerState)
			s.Post("/{id}/load", r.handleAdjustLoad)
		})
	})

	r.Handler = mux
	return r
}

// WaitSessions blocks until every session handler has returned or ctx is done.
// New sessions are refused from the first call on.
func (r *Router) WaitSessions(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit counts a new session unless shutdown has begun.
func (r *Router) admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	select {
	case <-r.opts.Shutdown:
		return false
	default:
	}
	r.sessions.Add(1)
	return true
}

func (r *Router) handleSession(w http.ResponseWriter, req *http.Request) {
	if !r.admit() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.sessions.Done()

	conn, err := ws.Upgrade(w, req)
	if err != nil {
		logger.WithError(err).Debug("session upgrade failed")
		return
	}

	h := session.NewHandler(conn, r.opts.Auth, r.opts.Ratings, r.mm, r.opts.Session, r.opts.Shutdown)
	h.Run(req.Context())
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	ws.ServeWS(r.hub, w, req)
}

func (r *Router) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.opts.AdminToken != "" {
			got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(r.opts.AdminToken)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) handlePool(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"waiting": r.mm.QueueLen(),
		"players": r.mm.Waiting(),
	})
}

func (r *Router) handleListServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.mm.Servers())
}

func (r *Router) handleGetServer(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mm.Server(types.ServerID(chi.URLParam(req, "id")))
	if !ok {
		http.Error(w, "unknown server", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (r *Router) handleRegisterServer(w http.ResponseWriter, req *http.Request) {
	var info types.ServerInfo
	if err := json.NewDecoder(req.Body).Decode(&info); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := r.mm.RegisterServer(req.Context(), info); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (r *Router) handleDeregisterServer(w http.ResponseWriter, req *http.Request) {
	if err := r.mm.DeregisterServer(req.Context(), types.ServerID(chi.URLParam(req, "id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleSetServerState(w http.ResponseWriter, req *http.Request) {
	var body struct {
		State types.ServerState `json:"state"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := types.ServerID(chi.URLParam(req, "id"))
	if err := r.mm.SetServerState(req.Context(), id, body.State); err != nil {
		writeError(w, err)
		return
	}
	info, _ := r.mm.Server(id)
	writeJSON(w, http.StatusOK, info)
}

// handleAdjustLoad lets the fleet manager free slots when games end.
func (r *Router) handleAdjustLoad(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Delta int `json:"delta"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := r.mm.AdjustServerLoad(req.Context(), types.ServerID(chi.URLParam(req, "id")), body.Delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pool.ErrUnknownServer):
		status = http.StatusNotFound
	case errors.Is(err, pool.ErrServerExists), errors.Is(err, pool.ErrNoCapacity):
		status = http.StatusConflict
	case errors.Is(err, pool.ErrInvalidServer), errors.Is(err, pool.ErrNegativeLoad):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.WithError(err).Error("admin request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Debug("writing response")
	}
}
