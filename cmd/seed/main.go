package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"mappoints/internal/auth"
	"mappoints/internal/config"
	"mappoints/internal/geo"
	"mappoints/internal/livesync"
	"mappoints/internal/logger"
	"mappoints/internal/pointstore"
	"mappoints/internal/storage"
)

// Seed script: creates viewer/editor/admin identities and a ring of sample
// points for local testing.
func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "path to configuration")
	lat := flag.Float64("lat", -33.4489, "center latitude for sample points")
	lon := flag.Float64("lon", -70.6693, "center longitude for sample points")
	count := flag.Int("points", 12, "number of sample points")
	spreadKM := flag.Float64("spread-km", 3, "distance of sample points from the center")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.Log.Level, cfg.Log.Format)
	if cfg.Database.URL == "" {
		log.Error("database.url is required (MAPPOINTS_DATABASE_URL)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := storage.DefaultPool(ctx, cfg.Database.URL)
	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if _, err := storage.ApplySchema(ctx, pool); err != nil {
		log.Error("schema ensure failed", "err", err)
		os.Exit(1)
	}

	idStore := storage.NewIdentityStore(pool)
	mem := auth.NewInMemoryStore()
	for _, role := range []auth.Role{auth.RoleViewer, auth.RoleEditor, auth.RoleAdmin} {
		ident, _ := mem.Register(role, cfg.Auth.TTL)
		if _, err := idStore.Save(ctx, ident, cfg.Auth.TTL); err != nil {
			log.Error("save identity failed", "role", role, "err", err)
			os.Exit(1)
		}
		fmt.Printf("%s: id=%s token=%s expires=%v\n", ident.Role, ident.ID, ident.Token, ident.ExpiresAt)
	}

	if cfg.Redis.URL == "" {
		log.Warn("redis.url not set, skipping sample points")
		return
	}
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("redis URL parse error", "err", err)
		os.Exit(1)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	store := pointstore.New(storage.NewPostgres(pool), geo.NewRedisIndex(client, cfg.Redis.GeoKey), log)
	store.AttachRelay(ctx, pointstore.NewRelay(client, cfg.Redis.Channel, log))
	lifecycle := livesync.NewLifecycle(store, cfg.Points.WriteTimeout, log)

	created := 0
	for i := 0; i < *count; i++ {
		coord := ringCoordinate(*lat, *lon, *spreadKM, i, *count)
		result := make(chan error, 1)
		p, err := lifecycle.Create(ctx, livesync.Point{
			Coordinate: coord,
			Title:      fmt.Sprintf("Sample %d", i+1),
		}, nil, func(_ livesync.Point, err error) { result <- err })
		if err == nil {
			err = <-result
		}
		if err != nil {
			log.Warn("sample point failed", "index", i, "err", err)
			continue
		}
		created++
		fmt.Printf("point: id=%s at %s\n", p.ID, p.Subtitle())
	}
	log.Info("seed complete", "points", created)
}

// ringCoordinate places point i of n on a circle of radiusKM around the center.
func ringCoordinate(lat, lon, radiusKM float64, i, n int) livesync.Coordinate {
	angle := 2 * math.Pi * float64(i) / float64(n)
	dLat := radiusKM / 111.32 * math.Cos(angle)
	dLon := radiusKM / (111.32 * math.Cos(lat*math.Pi/180)) * math.Sin(angle)
	return livesync.Coordinate{Latitude: lat + dLat, Longitude: lon + dLon}
}
