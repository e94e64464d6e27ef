package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"mappoints/internal/auth"
	"mappoints/internal/geo"
	"mappoints/internal/livesync"
	"mappoints/internal/pointstore"
	"mappoints/internal/storage"
)

type testServer struct {
	*httptest.Server
	events *storage.MemoryEvents
	hub    *Hub
}

func newTestServer(t *testing.T, authStore *auth.InMemoryStore) *testServer {
	t.Helper()
	store := pointstore.New(storage.NewMemoryRecords(), geo.NewMemoryIndex(), nil)
	events := storage.NewMemoryEvents()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := chi.NewRouter()
	AttachRoutes(r, Deps{
		Store:   store,
		Hub:     hub,
		Auth:    authStore,
		AuthTTL: time.Hour,
		Events:  events,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testServer{Server: srv, events: events, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func decodePoint(t *testing.T, body []byte) livesync.Point {
	t.Helper()
	var p livesync.Point
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode point %s: %v", body, err)
	}
	return p
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, body := srv.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("health = %d %q", resp.StatusCode, body)
	}
}

func TestPointLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, http.MethodPost, "/api/points", "", createPointPayload{Latitude: 10, Longitude: 20, Title: "Cafe"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body %s", resp.StatusCode, body)
	}
	created := decodePoint(t, body)
	if created.ID == "" || created.Title != "Cafe" || created.Description != created.Coordinate.String() {
		t.Fatalf("created = %#v", created)
	}

	resp, body = srv.do(t, http.MethodGet, "/api/points/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got := decodePoint(t, body); got != created {
		t.Fatalf("get = %#v, want %#v", got, created)
	}

	resp, body = srv.do(t, http.MethodGet, "/api/points?lat=10&lon=20.01&radiusKm=5", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d body %s", resp.StatusCode, body)
	}
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
			Geometry   struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(body, &fc); err != nil {
		t.Fatalf("decode feature collection: %v", err)
	}
	if fc.Type != "FeatureCollection" || len(fc.Features) != 1 {
		t.Fatalf("feature collection = %s", body)
	}
	f := fc.Features[0]
	if f.ID != created.ID || f.Properties["title"] != "Cafe" || f.Geometry.Coordinates[0] != 20 || f.Geometry.Coordinates[1] != 10 {
		t.Fatalf("feature = %#v", f)
	}

	resp, _ = srv.do(t, http.MethodDelete, "/api/points/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = srv.do(t, http.MethodGet, "/api/points/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
	resp, _ = srv.do(t, http.MethodDelete, "/api/points/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}

	events, _ := srv.events.ListPointEvents(context.Background(), created.ID, 10, 0)
	if len(events) != 2 || events[0].Type != storage.EventCreated || events[1].Type != storage.EventRemoved {
		t.Fatalf("audit events = %#v", events)
	}
}

func TestCreatePointIdempotent(t *testing.T) {
	srv := newTestServer(t, nil)
	payload := createPointPayload{Latitude: 1, Longitude: 1, Title: "once"}

	resp, body := srv.do(t, http.MethodPost, "/api/points", "", payload, "Idempotency-Key", "k1")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	first := decodePoint(t, body)

	resp, body = srv.do(t, http.MethodPost, "/api/points", "", payload, "Idempotency-Key", "k1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", resp.StatusCode)
	}
	if again := decodePoint(t, body); again.ID != first.ID {
		t.Fatalf("replay id = %q, want %q", again.ID, first.ID)
	}

	resp, body = srv.do(t, http.MethodPost, "/api/points", "", payload, "Idempotency-Key", "k2")
	if resp.StatusCode != http.StatusCreated || decodePoint(t, body).ID == first.ID {
		t.Fatalf("new key should create a new point")
	}
}

func TestCreatePointDefaultsTitle(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, body := srv.do(t, http.MethodPost, "/api/points", "", createPointPayload{Latitude: 1, Longitude: 1})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if p := decodePoint(t, body); p.Title != livesync.DefaultTitle {
		t.Fatalf("title = %q, want %q", p.Title, livesync.DefaultTitle)
	}
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, nil)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"latitude out of range", http.MethodPost, "/api/points", createPointPayload{Latitude: 91}},
		{"longitude out of range", http.MethodPost, "/api/points", createPointPayload{Longitude: -181}},
		{"not json", http.MethodPost, "/api/points", "nope"},
		{"list missing radius", http.MethodGet, "/api/points?lat=1&lon=1", nil},
		{"list radius too large", http.MethodGet, "/api/points?lat=1&lon=1&radiusKm=1000", nil},
		{"list zero radius", http.MethodGet, "/api/points?lat=1&lon=1&radiusKm=0", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := srv.do(t, tt.method, tt.path, "", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d body %s, want 400", resp.StatusCode, body)
			}
		})
	}
}

func TestAuthRoles(t *testing.T) {
	store := auth.NewInMemoryStore()
	admin, _ := store.Register(auth.RoleAdmin, 0)
	editor, _ := store.Register(auth.RoleEditor, 0)
	viewer, _ := store.Register(auth.RoleViewer, 0)
	srv := newTestServer(t, store)
	payload := createPointPayload{Latitude: 1, Longitude: 1, Title: "x"}

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"no token", http.MethodGet, "/api/points?lat=1&lon=1&radiusKm=1", "", nil, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/points?lat=1&lon=1&radiusKm=1", "bogus", nil, http.StatusForbidden},
		{"viewer lists", http.MethodGet, "/api/points?lat=1&lon=1&radiusKm=1", viewer.Token, nil, http.StatusOK},
		{"viewer cannot create", http.MethodPost, "/api/points", viewer.Token, payload, http.StatusForbidden},
		{"editor creates", http.MethodPost, "/api/points", editor.Token, payload, http.StatusCreated},
		{"admin creates", http.MethodPost, "/api/points", admin.Token, payload, http.StatusCreated},
		{"editor cannot read events", http.MethodGet, "/api/points/x/events", editor.Token, nil, http.StatusForbidden},
		{"admin reads events", http.MethodGet, "/api/points/x/events", admin.Token, nil, http.StatusOK},
		{"editor cannot register", http.MethodPost, "/api/auth/register", editor.Token, map[string]string{"role": "viewer"}, http.StatusForbidden},
		{"admin registers", http.MethodPost, "/api/auth/register", admin.Token, map[string]string{"role": "viewer"}, http.StatusOK},
		{"admin registers bad role", http.MethodPost, "/api/auth/register", admin.Token, map[string]string{"role": "root"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := srv.do(t, tt.method, tt.path, tt.token, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d body %s, want %d", resp.StatusCode, body, tt.want)
			}
		})
	}
}

func TestListPointEvents(t *testing.T) {
	store := auth.NewInMemoryStore()
	admin, _ := store.Register(auth.RoleAdmin, 0)
	srv := newTestServer(t, store)

	_, body := srv.do(t, http.MethodPost, "/api/points", admin.Token, createPointPayload{Latitude: 1, Longitude: 1, Title: "x"})
	p := decodePoint(t, body)

	resp, body := srv.do(t, http.MethodGet, "/api/points/"+p.ID+"/events", admin.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Events []storage.PointEvent `json:"events"`
		Total  int                  `json:"total"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 1 || len(out.Events) != 1 {
		t.Fatalf("events = %s", body)
	}
	if ev := out.Events[0]; ev.Type != storage.EventCreated || ev.ActorID != admin.ID || ev.ActorRole != "admin" {
		t.Fatalf("event = %#v", ev)
	}
}

func dialMap(t *testing.T, srv *testServer, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/map"
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil returns every message up to and including the first of type want.
func readUntil(t *testing.T, conn *websocket.Conn, want string) []serverMessage {
	t.Helper()
	var seen []serverMessage
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s after %#v: %v", want, seen, err)
		}
		seen = append(seen, msg)
		if msg.Type == want {
			return seen
		}
	}
}

func indexOf(msgs []serverMessage, typ string) int {
	for i, m := range msgs {
		if m.Type == typ {
			return i
		}
	}
	return -1
}

func TestMapWebsocketSession(t *testing.T) {
	srv := newTestServer(t, nil)
	_, body := srv.do(t, http.MethodPost, "/api/points", "", createPointPayload{Latitude: 0.001, Longitude: 0.001, Title: "existing"})
	existing := decodePoint(t, body)

	conn := dialMap(t, srv, "")
	enabled := true
	_ = conn.WriteJSON(clientMessage{Type: msgViewport, Viewport: &livesync.Viewport{EdgeDistanceMeters: 500}})
	_ = conn.WriteJSON(clientMessage{Type: msgTracking, Enabled: &enabled})

	msgs := readUntil(t, conn, msgPointLoaded)
	if got := msgs[len(msgs)-1].Point; got == nil || got.ID != existing.ID || got.Title != "existing" {
		t.Fatalf("point_loaded = %#v", got)
	}

	_ = conn.WriteJSON(clientMessage{Type: msgCreate, Point: &livesync.Point{
		Coordinate: livesync.Coordinate{Latitude: 0.002, Longitude: 0.002},
		Title:      "fresh",
	}})
	msgs = readUntil(t, conn, msgCreated)
	will := indexOf(msgs, msgWillCreate)
	if will < 0 {
		t.Fatalf("no will_create before created: %#v", msgs)
	}
	created := msgs[len(msgs)-1]
	if created.Error != "" || created.Point == nil || created.Point.ID != msgs[will].Point.ID {
		t.Fatalf("created = %#v, will_create = %#v", created, msgs[will])
	}

	_ = conn.WriteJSON(clientMessage{Type: msgRemove, ID: existing.ID})
	msgs = readUntil(t, conn, msgRemoved)
	if last := msgs[len(msgs)-1]; last.Error != "" || last.Point == nil || last.Point.ID != existing.ID {
		t.Fatalf("removed = %#v", last)
	}
	if i := indexOf(msgs, msgPointRemoved); i < 0 || msgs[i].ID != existing.ID {
		more := readUntil(t, conn, msgPointRemoved)
		if more[len(more)-1].ID != existing.ID {
			t.Fatalf("point_removed = %#v", more[len(more)-1])
		}
	}

	_ = conn.WriteJSON(clientMessage{Type: "teleport"})
	msgs = readUntil(t, conn, msgError)
	if msgs[len(msgs)-1].Error != "unknown message type" {
		t.Fatalf("error = %#v", msgs[len(msgs)-1])
	}
}

func TestMapWebsocketAuth(t *testing.T) {
	store := auth.NewInMemoryStore()
	viewer, _ := store.Register(auth.RoleViewer, 0)
	srv := newTestServer(t, store)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/map"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: err=%v resp=%v, want 401", err, resp)
	}

	conn := dialMap(t, srv, viewer.Token)
	_ = conn.WriteJSON(clientMessage{Type: msgCreate, Point: &livesync.Point{Title: "nope"}})
	msgs := readUntil(t, conn, msgError)
	if msgs[len(msgs)-1].Error != "forbidden" {
		t.Fatalf("viewer create error = %#v", msgs[len(msgs)-1])
	}
	if indexOf(msgs, msgWillCreate) >= 0 {
		t.Fatalf("viewer create reached the lifecycle: %#v", msgs)
	}
}

func TestHubTracksSessions(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dialMap(t, srv, "")

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("session not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()
	for srv.hub.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not unregistered after client close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIdemCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := newIdemCache(time.Millisecond)
	_ = c.Remember(ctx, "k", "p1")
	if id, ok, _ := c.Lookup(ctx, "k"); !ok || id != "p1" {
		t.Fatalf("Lookup = %q, %v", id, ok)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := c.Lookup(ctx, "k"); ok {
		t.Fatalf("expired key still found")
	}
	if _, ok, _ := c.Lookup(ctx, ""); ok {
		t.Fatalf("empty key found")
	}
}
