package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"mappoints/internal/livesync"
	"mappoints/internal/logger"
)

type clientMessage struct {
	Type     string             `json:"type"`
	Viewport *livesync.Viewport `json:"viewport,omitempty"`
	Enabled  *bool              `json:"enabled,omitempty"`
	Point    *livesync.Point    `json:"point,omitempty"`
}

type serverMessage struct {
	Type  string          `json:"type"`
	Point *livesync.Point `json:"point,omitempty"`
	ID    string          `json:"id,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Simulate pans a map viewport across the city and prints live-set changes.
func main() {
	wsBase := flag.String("ws", "ws://localhost:8080", "websocket base URL")
	token := flag.String("token", "", "bearer token")
	lat := flag.Float64("lat", -33.4489, "starting latitude")
	lon := flag.Float64("lon", -70.6693, "starting longitude")
	edge := flag.Float64("edge-m", 800, "viewport center-to-corner distance in meters")
	interval := flag.Duration("interval", 3*time.Second, "pan interval")
	count := flag.Int("count", 20, "number of pans")
	stepLat := flag.Float64("delta-lat", 0.002, "latitude increment per pan")
	stepLon := flag.Float64("delta-lon", 0.002, "longitude increment per pan")
	createEvery := flag.Int("create-every", 0, "drop a point every N pans (0 disables)")
	flag.Parse()

	log := logger.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	u, err := url.Parse(*wsBase + "/ws/map")
	if err != nil {
		log.Error("bad websocket URL", "err", err)
		os.Exit(1)
	}
	if *token != "" {
		q := u.Query()
		q.Set("token", *token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Error("ws dial failed", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go func() {
		defer stop()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				log.Info("connection closed", "err", err)
				return
			}
			var msg serverMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch {
			case msg.Error != "":
				log.Warn(msg.Type, "id", msg.ID, "err", msg.Error)
			case msg.Point != nil:
				log.Info(msg.Type, "id", msg.Point.ID, "title", msg.Point.Title, "at", msg.Point.Subtitle())
			default:
				log.Info(msg.Type, "id", msg.ID)
			}
		}
	}()

	enabled := true
	if err := conn.WriteJSON(clientMessage{Type: "tracking", Enabled: &enabled}); err != nil {
		log.Error("enable tracking failed", "err", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for i := 0; i < *count; i++ {
		center := livesync.Coordinate{
			Latitude:  *lat + float64(i)*(*stepLat),
			Longitude: *lon + float64(i)*(*stepLon),
		}
		msg := clientMessage{Type: "viewport", Viewport: &livesync.Viewport{Center: center, EdgeDistanceMeters: *edge}}
		if err := conn.WriteJSON(msg); err != nil {
			log.Error("viewport update failed", "err", err)
			return
		}
		log.Info("panned", "step", i+1, "center", center.String())

		if *createEvery > 0 && (i+1)%*createEvery == 0 {
			drop := clientMessage{Type: "create", Point: &livesync.Point{
				Coordinate: center,
				Title:      fmt.Sprintf("sim drop %d", i+1),
			}}
			if err := conn.WriteJSON(drop); err != nil {
				log.Error("create failed", "err", err)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
