package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"mappoints/internal/auth"
	"mappoints/internal/livesync"
	"mappoints/internal/pointstore"
	"mappoints/internal/storage"
)

// PointStore is the point backend the HTTP surface needs on top of livesync.Store.
type PointStore interface {
	livesync.Store
	Point(ctx context.Context, id string) (livesync.Point, error)
	Nearby(ctx context.Context, region livesync.QueryRegion) ([]pointstore.NearbyPoint, error)
}

type Handler struct {
	store     PointStore
	lifecycle *livesync.Lifecycle
	hub       *Hub
	auth      authConfig
	events    storage.EventLogger
	idem      IdempotencyDB
	live      livesync.Options
	limits    livesync.RegionLimits
	log       *slog.Logger
}

type createPointPayload struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
}

func validCoordinate(c livesync.Coordinate) error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", c.Longitude)
	}
	return nil
}

func (h *Handler) CreatePoint(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), auth.RoleEditor) {
		return
	}
	var payload createPointPayload
	if err := render.DecodeJSON(r.Body, &payload); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	coord := livesync.Coordinate{Latitude: payload.Latitude, Longitude: payload.Longitude}
	if err := validCoordinate(coord); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		if id, ok, err := h.idem.Lookup(r.Context(), key); err == nil && ok {
			if p, err := h.store.Point(r.Context(), id); err == nil {
				respondJSON(w, r, http.StatusOK, p)
				return
			}
		}
	}

	result := make(chan error, 1)
	p, err := h.lifecycle.Create(r.Context(), livesync.Point{
		Coordinate:  coord,
		Title:       payload.Title,
		Description: payload.Description,
	}, nil, func(_ livesync.Point, err error) { result <- err })
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	select {
	case err = <-result:
	case <-r.Context().Done():
		return
	}
	if err != nil {
		h.log.Warn("create point failed", "id", p.ID, "err", err)
		respondError(w, r, http.StatusServiceUnavailable, "failed to persist point")
		return
	}

	if err := h.idem.Remember(r.Context(), key, p.ID); err != nil {
		h.log.Warn("idempotency remember failed", "key", key, "err", err)
	}
	identity, _ := identityFromContext(r.Context())
	h.audit(r.Context(), storage.EventCreated, p, identity)
	respondJSON(w, r, http.StatusCreated, p)
}

func (h *Handler) GetPoint(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), auth.RoleViewer) {
		return
	}
	p, err := h.store.Point(r.Context(), chi.URLParam(r, "pointID"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, p)
}

func (h *Handler) RemovePoint(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), auth.RoleEditor) {
		return
	}
	p, err := h.store.Point(r.Context(), chi.URLParam(r, "pointID"))
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}

	result := make(chan error, 1)
	if err := h.lifecycle.Remove(r.Context(), p, func(_ livesync.Point, err error) { result <- err }); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	select {
	case err = <-result:
	case <-r.Context().Done():
		return
	}
	if err != nil {
		h.log.Warn("remove point failed", "id", p.ID, "err", err)
		respondError(w, r, http.StatusServiceUnavailable, "failed to remove point")
		return
	}
	identity, _ := identityFromContext(r.Context())
	h.audit(r.Context(), storage.EventRemoved, p, identity)
	w.WriteHeader(http.StatusNoContent)
}

// ListPoints returns the points within radiusKm of lat/lon as GeoJSON.
func (h *Handler) ListPoints(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), auth.RoleViewer) {
		return
	}
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	radius, errRadius := strconv.ParseFloat(q.Get("radiusKm"), 64)
	if errLat != nil || errLon != nil || errRadius != nil {
		respondError(w, r, http.StatusBadRequest, "lat, lon and radiusKm are required")
		return
	}
	center := livesync.Coordinate{Latitude: lat, Longitude: lon}
	if err := validCoordinate(center); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if radius <= 0 || radius > h.limits.MaxRadiusKM {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("radiusKm must be in (0, %g]", h.limits.MaxRadiusKM))
		return
	}

	points, err := h.store.Nearby(r.Context(), livesync.QueryRegion{Center: center, RadiusKM: radius})
	if err != nil {
		h.respondStoreError(w, r, err)
		return
	}
	fc := geojson.NewFeatureCollection()
	for _, p := range points {
		f := geojson.NewFeature(orb.Point{p.Coordinate.Longitude, p.Coordinate.Latitude})
		f.ID = p.ID
		f.Properties["title"] = p.Title
		f.Properties["description"] = p.Description
		f.Properties["subtitle"] = p.Subtitle()
		f.Properties["distanceKm"] = p.DistanceKM
		fc.Append(f)
	}
	respondJSON(w, r, http.StatusOK, fc)
}

func (h *Handler) ListPointEvents(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enforced(), auth.RoleAdmin) {
		return
	}
	if h.events == nil {
		respondError(w, r, http.StatusServiceUnavailable, "event log not configured")
		return
	}
	pointID := chi.URLParam(r, "pointID")
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	events, err := h.events.ListPointEvents(r.Context(), pointID, limit, offset)
	if err != nil {
		respondError(w, r, http.StatusServiceUnavailable, "failed to load events")
		return
	}
	total, err := h.events.CountPointEvents(r.Context(), pointID)
	if err != nil {
		respondError(w, r, http.StatusServiceUnavailable, "failed to count events")
		return
	}
	if events == nil {
		events = []storage.PointEvent{}
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if h.auth.store == nil {
		respondError(w, r, http.StatusServiceUnavailable, "auth not configured")
		return
	}
	if !requireRole(w, r, true, auth.RoleAdmin) {
		return
	}
	var payload struct {
		Role string `json:"role"`
		TTL  string `json:"ttl,omitempty"`
	}
	if err := render.DecodeJSON(r.Body, &payload); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	ttl := h.auth.ttl
	if payload.TTL != "" {
		if parsed, err := time.ParseDuration(payload.TTL); err == nil {
			ttl = parsed
		}
	}
	identity, err := h.auth.store.Register(auth.Role(payload.Role), ttl)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if h.auth.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := h.auth.db.Save(ctx, identity, ttl); err != nil {
			h.log.Warn("identity persist failed", "id", identity.ID, "err", err)
		}
	}
	respondJSON(w, r, http.StatusOK, identity)
}

// MapWebsocket upgrades to a live map session. Viewers receive live-set
// updates; editors may also create and remove points.
func (h *Handler) MapWebsocket(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity{ID: "anonymous", Role: auth.RoleEditor}
	enforce := h.auth.enforced()
	if enforce {
		id, ok := h.auth.authorized(r)
		if !ok {
			respondError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		identity = id
	}
	canEdit := !enforce || identity.Role.Allows(auth.RoleEditor)

	conn, err := h.hub.upgrade(w, r)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}
	s := newSession(conn, h.store, h.live, identity, canEdit, h.events, h.log)
	if !h.hub.add(s) {
		s.close()
		return
	}
	defer h.hub.remove(s)
	s.serve(r.Context())
}

func (h *Handler) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, livesync.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, "point not found")
		return
	}
	h.log.Warn("point store error", "path", r.URL.Path, "err", err)
	respondError(w, r, http.StatusServiceUnavailable, "point store unavailable")
}

func (h *Handler) audit(ctx context.Context, typ string, p livesync.Point, identity auth.Identity) {
	if h.events == nil {
		return
	}
	if err := appendEvent(ctx, h.events, typ, p, identity); err != nil {
		h.log.Warn("point event append failed", "id", p.ID, "type", typ, "err", err)
	}
}

func appendEvent(ctx context.Context, log storage.EventLogger, typ string, p livesync.Point, identity auth.Identity) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return log.AppendPointEvent(ctx, storage.PointEvent{
		PointID:   p.ID,
		Type:      typ,
		Payload:   payload,
		ActorID:   identity.ID,
		ActorRole: string(identity.Role),
		CreatedAt: time.Now().UTC(),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return v
}
