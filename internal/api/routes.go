package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"mappoints/internal/auth"
	"mappoints/internal/livesync"
	"mappoints/internal/metrics"
	"mappoints/internal/storage"
)

// Deps collects what the HTTP surface is wired to. Nil Auth and IdentityDB
// disable authentication.
type Deps struct {
	Store          PointStore
	Hub            *Hub
	Auth           *auth.InMemoryStore
	IdentityDB     IdentityDB
	AuthTTL        time.Duration
	Events         storage.EventLogger
	Idempotency    IdempotencyDB
	IdempotencyTTL time.Duration
	Live           livesync.Options
	Logger         *slog.Logger
}

// AttachRoutes wires HTTP routes to handlers.
func AttachRoutes(r chi.Router, d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Idempotency == nil {
		d.Idempotency = newIdemCache(d.IdempotencyTTL)
	}
	d.Live.Limits = d.Live.Limits.Normalized()
	authCfg := newAuthConfig(d.Auth, d.IdentityDB, d.AuthTTL)
	handler := &Handler{
		store:     d.Store,
		lifecycle: livesync.NewLifecycle(d.Store, d.Live.WriteTimeout, d.Logger),
		hub:       d.Hub,
		auth:      authCfg,
		events:    d.Events,
		idem:      d.Idempotency,
		live:      d.Live,
		limits:    d.Live.Limits,
		log:       d.Logger,
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)
		pr.Get("/api/points", handler.ListPoints)
		pr.Post("/api/points", handler.CreatePoint)
		pr.Get("/api/points/{pointID}", handler.GetPoint)
		pr.Delete("/api/points/{pointID}", handler.RemovePoint)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)
		pr.Post("/api/auth/register", handler.RegisterIdentity)
		pr.Get("/api/points/{pointID}/events", handler.ListPointEvents)
	})

	r.Get("/ws/map", handler.MapWebsocket)
	return handler
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	if body == nil {
		w.WriteHeader(status)
		return
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, r, status, map[string]string{"error": msg})
}
