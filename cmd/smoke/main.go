package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type point struct {
	ID         string `json:"id"`
	Coordinate struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"coordinate"`
	Title string `json:"title"`
}

type serverMessage struct {
	Type  string `json:"type"`
	Point *point `json:"point,omitempty"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Smoke checks a running server end to end: a point created over REST shows
// up on a live map session and disappears again once deleted.
func main() {
	api := envOrDefault("API_BASE", "http://localhost:8080")
	wsBase := envOrDefault("WS_BASE", "ws://localhost:8080")
	token := os.Getenv("EDITOR_TOKEN")
	if token == "" {
		fmt.Println("EDITOR_TOKEN not set; this only works with auth.mode=off.")
	}
	lat, lon := -33.4489, -70.6693

	events := make(chan serverMessage, 16)
	conn := subscribeWS(wsBase, token, events)
	defer conn.Close()

	enabled := true
	must(conn.WriteJSON(map[string]any{"type": "tracking", "enabled": &enabled}), "enable tracking")
	must(conn.WriteJSON(map[string]any{
		"type": "viewport",
		"viewport": map[string]any{
			"center":             map[string]float64{"latitude": lat, "longitude": lon},
			"edgeDistanceMeters": 500,
		},
	}), "set viewport")

	fmt.Println("Creating point...")
	p, err := createPoint(api, token, map[string]any{
		"latitude":  lat + 0.001,
		"longitude": lon + 0.001,
		"title":     "smoke",
	})
	if err != nil {
		log.Fatalf("create point failed: %v", err)
	}
	fmt.Printf("Point ID: %s\n", p.ID)

	waitFor(events, "point_loaded", p.ID)

	fmt.Println("Deleting point...")
	if err := deletePoint(api, token, p.ID); err != nil {
		log.Fatalf("delete failed: %v", err)
	}
	waitFor(events, "point_removed", p.ID)

	fmt.Println("Smoke test complete.")
}

func createPoint(api, token string, payload map[string]any) (point, error) {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest(http.MethodPost, api+"/api/points", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("smoke-%d", time.Now().UnixNano()))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return point{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return point{}, fmt.Errorf("status %s", resp.Status)
	}
	var p point
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return point{}, err
	}
	if p.ID == "" {
		return point{}, fmt.Errorf("point id missing")
	}
	return p, nil
}

func deletePoint(api, token, id string) error {
	req, _ := http.NewRequest(http.MethodDelete, api+"/api/points/"+url.PathEscape(id), nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func subscribeWS(base, token string, sink chan<- serverMessage) *websocket.Conn {
	parsed, err := url.Parse(base + "/ws/map")
	if err != nil {
		log.Fatalf("bad ws base: %v", err)
	}
	if token != "" {
		q := parsed.Query()
		q.Set("token", token)
		parsed.RawQuery = q.Encode()
	}

	c, _, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
	if err != nil {
		log.Fatalf("ws dial failed: %v", err)
	}
	go func() {
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var payload serverMessage
			if err := json.Unmarshal(msg, &payload); err != nil {
				continue
			}
			sink <- payload
		}
	}()
	return c
}

func waitFor(events <-chan serverMessage, typ, id string) {
	timeout := time.After(8 * time.Second)
	for {
		select {
		case msg := <-events:
			got := msg.ID
			if msg.Point != nil {
				got = msg.Point.ID
			}
			fmt.Printf("WS %s %s %s\n", msg.Type, got, msg.Error)
			if msg.Type == typ && got == id {
				return
			}
		case <-timeout:
			log.Fatalf("expected ws %s for %s not received", typ, id)
		}
	}
}

func must(err error, what string) {
	if err != nil {
		log.Fatalf("%s: %v", what, err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
